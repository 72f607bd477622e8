package dir

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/fat/table"
)

func TestFileWriteReadAcrossClusterBoundary(t *testing.T) {
	c, tbl, root := newTestFS(t)

	e := NewEntry()
	name, ext, _ := ParseShortName("BIG.BIN")
	e.SetFilename(name, ext)
	slot, err := root.AddEntry(e)
	require.NoError(t, err)
	e, err = root.ReadEntry(slot)
	require.NoError(t, err)

	f := NewFile(c, tbl, root, slot, e)

	bytesPerCluster := tbl.BytesPerCluster()
	payload := bytes.Repeat([]byte{0xAB}, int(bytesPerCluster)+100)

	written, err := f.Write(0, payload)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), written)
	require.EqualValues(t, len(payload), f.ByteSize())

	out := make([]byte, len(payload))
	read, err := f.Read(0, out)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), read)
	require.True(t, bytes.Equal(payload, out))

	persisted, err := root.ReadEntry(slot)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), persisted.ByteSize)
	require.NotZero(t, persisted.FirstCluster)
}

func TestFileReadStopsAtEOF(t *testing.T) {
	c, tbl, root := newTestFS(t)

	e := NewEntry()
	name, ext, _ := ParseShortName("SMALL.TXT")
	e.SetFilename(name, ext)
	slot, err := root.AddEntry(e)
	require.NoError(t, err)
	e, _ = root.ReadEntry(slot)

	f := NewFile(c, tbl, root, slot, e)
	_, err = f.Write(0, []byte("hello"))
	require.NoError(t, err)

	out := make([]byte, 100)
	n, err := f.Read(0, out)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	require.Equal(t, "hello", string(out[:n]))
}

func TestFileFreeReleasesChain(t *testing.T) {
	c, tbl, root := newTestFS(t)

	e := NewEntry()
	name, ext, _ := ParseShortName("TEMP.TXT")
	e.SetFilename(name, ext)
	slot, err := root.AddEntry(e)
	require.NoError(t, err)
	e, _ = root.ReadEntry(slot)

	f := NewFile(c, tbl, root, slot, e)
	_, err = f.Write(0, []byte("data"))
	require.NoError(t, err)
	first := f.FirstCluster()
	require.NotZero(t, first)

	require.NoError(t, f.Free())

	v, err := tbl.GetEntry(first)
	require.NoError(t, err)
	require.True(t, table.IsFree(v))
}
