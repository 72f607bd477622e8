package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memDisk struct {
	data   []byte
	reads  int
	writes int
}

func newMemDisk(sectors int) *memDisk { return &memDisk{data: make([]byte, sectors*512)} }

func (d *memDisk) ReadAt(buf []byte, offset uint32) (uint32, error) {
	d.reads++
	n := copy(buf, d.data[offset:])
	return uint32(n), nil
}

func (d *memDisk) WriteAt(buf []byte, offset uint32) error {
	d.writes++
	copy(d.data[offset:], buf)
	return nil
}

func TestReadBytesCrossesSectorBoundary(t *testing.T) {
	disk := newMemDisk(64)
	for i := range disk.data {
		disk.data[i] = byte(i / 512)
	}
	c := New(disk, 8)

	buf := make([]byte, 1024)
	n, err := c.ReadBytes(500, buf)
	require.NoError(t, err)
	require.EqualValues(t, 1024, n)
	require.EqualValues(t, 0, buf[0], "bytes before the boundary come from sector 0")
	require.EqualValues(t, 1, buf[12], "bytes after the boundary come from sector 1")
	require.EqualValues(t, 2, buf[1023])
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	disk := newMemDisk(64)
	c := New(disk, 8)

	payload := []byte("partial sector write keeps neighbours intact")
	require.NoError(t, c.WriteBytes(700, payload))

	got := make([]byte, len(payload))
	_, err := c.ReadBytes(700, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFlushAllLeavesNoDirtySlots(t *testing.T) {
	disk := newMemDisk(64)
	c := New(disk, 8)

	require.NoError(t, c.WriteBytes(0, []byte("dirty one")))
	require.NoError(t, c.WriteBytes(512, []byte("dirty two")))
	require.NoError(t, c.FlushAll())

	for _, e := range c.entries {
		require.False(t, e.dirty)
	}
	require.Equal(t, "dirty one", string(disk.data[0:9]), "write-back reached the disk")
	require.Equal(t, "dirty two", string(disk.data[512:521]))
}

func TestLRUEvictsOldestAndFlushesDirtyVictim(t *testing.T) {
	disk := newMemDisk(256)
	c := New(disk, 4)

	// Mark sector 0 dirty, then touch enough distant sectors to evict it.
	// The readahead window is clamped to the 4 slots, so each miss refills
	// every slot with a fresh run of sectors.
	require.NoError(t, c.WriteBytes(0, []byte("victim")))
	for i := 1; i <= 4; i++ {
		buf := make([]byte, 1)
		_, err := c.ReadBytes(uint32(i)*32*512, buf)
		require.NoError(t, err)
	}

	_, cached := c.hashLookup(0)
	require.False(t, cached, "sector 0 was the least recently used")
	require.Equal(t, "victim", string(disk.data[0:6]), "dirty victim flushed before reuse")
}

func TestHashInvariantsAfterEvictions(t *testing.T) {
	disk := newMemDisk(4096)
	c := New(disk, 8)

	for i := 0; i < 64; i++ {
		buf := make([]byte, 1)
		_, err := c.ReadBytes(uint32(i)*32*512, buf)
		require.NoError(t, err)
	}

	// Every hash entry indexes a slot whose lba matches, and last_access
	// values are pairwise distinct (spec'd strict-LRU invariant).
	seen := map[uint32]bool{}
	for _, e := range c.entries {
		slot, ok := c.hashLookup(e.lba)
		require.True(t, ok)
		require.Equal(t, e.lba, c.entries[slot].lba)
		require.LessOrEqual(t, e.lastAccess, c.globalAge)
		require.False(t, seen[e.lastAccess], "last_access values must be unique")
		seen[e.lastAccess] = true
	}
}

func TestReadaheadFillsWindowInOneDiskRead(t *testing.T) {
	disk := newMemDisk(64)
	c := New(disk, 32)

	buf := make([]byte, 512)
	_, err := c.ReadBytes(0, buf)
	require.NoError(t, err)
	firstReads := disk.reads

	// The next 15 sectors were brought in by the same readahead.
	for lba := uint32(1); lba < 16; lba++ {
		_, err := c.ReadBytes(lba*512, buf)
		require.NoError(t, err)
	}
	require.Equal(t, firstReads, disk.reads, "window hits must not touch the disk again")
}
