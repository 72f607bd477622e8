package dir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEntry()
	name, ext, _ := ParseShortName("README.TXT")
	e.SetFilename(name, ext)
	e.Attributes = 0x20
	e.FirstCluster = 5
	e.ByteSize = 1024
	e.StampAll(EncodeTimestamp(2024, 3, 15, 10, 30, 0))

	decoded := Decode(e.Encode())
	assert.Equal(t, e, decoded)
	assert.Equal(t, "README.TXT", decoded.FullName())
}

func TestMatchesNameCaseInsensitive(t *testing.T) {
	e := NewEntry()
	name, ext, _ := ParseShortName("HELLO.TXT")
	e.Name = name
	e.Ext = ext

	lower, lext, lextLen := ParseShortName("hello.txt")
	assert.True(t, e.MatchesName(lower, lext, lextLen))

	other, oext, oextLen := ParseShortName("GOODBYE.TXT")
	assert.False(t, e.MatchesName(other, oext, oextLen))
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := EncodeTimestamp(2024, 3, 15, 10, 30, 45)
	date, timeWord := DecodeTimestamp(ts)

	e := NewEntry()
	e.LastModifyDate, e.LastModifyTime = date, timeWord
	require.Equal(t, ts-ts%2, e.ModificationTimestamp())
}

func TestIsFreeAndDeletedMarkers(t *testing.T) {
	e := NewEntry()
	e.Name[0] = 0x00
	assert.True(t, e.IsFree(), "zero first byte marks a never-written slot as free")

	e.Name[0] = 0xE5
	assert.True(t, e.IsFree(), "0xE5 first byte marks a deleted slot as free")

	e.Name[0] = 'A'
	assert.False(t, e.IsFree())
}
