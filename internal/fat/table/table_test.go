package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/fat/cache"
)

type memDisk struct{ data []byte }

func newMemDisk(sectors int) *memDisk { return &memDisk{data: make([]byte, sectors*512)} }

func (d *memDisk) ReadAt(buf []byte, offset uint32) (uint32, error) {
	n := copy(buf, d.data[offset:])
	return uint32(n), nil
}

func (d *memDisk) WriteAt(buf []byte, offset uint32) error {
	copy(d.data[offset:], buf)
	return nil
}

func newTestTable(t *testing.T) *AllocationTable {
	t.Helper()
	disk := newMemDisk(64)
	c := cache.New(disk, 32)
	return New(Geometry{
		FATStartByte:      512,
		SectorsPerFAT:     9,
		SectorsPerCluster: 1,
		BytesPerSector:    512,
		DataStartByte:     16 * 512,
		TotalClusterCount: 128,
	}, c)
}

func TestEntryEncodeDecodeLeavesNeighboursIntact(t *testing.T) {
	tbl := newTestTable(t)

	for c := uint32(3); c < 40; c++ {
		for _, v := range []uint32{0x000, 0x001, 0xABC, 0x7FF, 0xFF7, 0xFFF} {
			before := map[uint32]uint32{}
			for _, nb := range []uint32{c - 1, c + 1} {
				got, err := tbl.GetEntry(nb)
				require.NoError(t, err)
				before[nb] = got
			}

			require.NoError(t, tbl.SetEntry(c, v))
			got, err := tbl.GetEntry(c)
			require.NoError(t, err)
			require.Equal(t, v, got, "cluster %d value %#x", c, v)

			for nb, want := range before {
				got, err := tbl.GetEntry(nb)
				require.NoError(t, err)
				require.Equal(t, want, got, "writing cluster %d disturbed %d", c, nb)
			}
		}
	}
}

func TestGetEntryOutOfRange(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.GetEntry(1)
	require.Error(t, err)
	_, err = tbl.GetEntry(500)
	require.Error(t, err)
}

func TestAllocateClusterMarksEndOfChain(t *testing.T) {
	tbl := newTestTable(t)

	c1, err := tbl.AllocateCluster()
	require.NoError(t, err)
	require.EqualValues(t, 2, c1, "first scan finds cluster 2")

	v, err := tbl.GetEntry(c1)
	require.NoError(t, err)
	require.True(t, IsEndOfChain(v))

	c2, err := tbl.AllocateCluster()
	require.NoError(t, err)
	require.EqualValues(t, 3, c2)
}

func TestChainLinkWalkAndFree(t *testing.T) {
	tbl := newTestTable(t)

	var chain []uint32
	for i := 0; i < 4; i++ {
		c, err := tbl.AllocateCluster()
		require.NoError(t, err)
		if i > 0 {
			require.NoError(t, tbl.SetClusterEntry(chain[i-1], c))
		}
		chain = append(chain, c)
	}

	reachable, err := tbl.ReachableClusters(chain[0])
	require.NoError(t, err)
	require.Equal(t, chain, reachable)

	require.NoError(t, tbl.FreeChain(chain[0]))
	for _, c := range chain {
		v, err := tbl.GetEntry(c)
		require.NoError(t, err)
		require.True(t, IsFree(v))
	}

	// Freed clusters are allocatable again, and chains stay disjoint.
	again, err := tbl.AllocateCluster()
	require.NoError(t, err)
	require.Equal(t, chain[0], again)
}

func TestChainsArePairwiseDisjoint(t *testing.T) {
	tbl := newTestTable(t)

	build := func(n int) uint32 {
		first, err := tbl.AllocateCluster()
		require.NoError(t, err)
		prev := first
		for i := 1; i < n; i++ {
			c, err := tbl.AllocateCluster()
			require.NoError(t, err)
			require.NoError(t, tbl.SetClusterEntry(prev, c))
			prev = c
		}
		return first
	}

	a := build(5)
	b := build(3)

	ca, err := tbl.ReachableClusters(a)
	require.NoError(t, err)
	cb, err := tbl.ReachableClusters(b)
	require.NoError(t, err)

	seen := map[uint32]bool{}
	for _, c := range ca {
		seen[c] = true
	}
	for _, c := range cb {
		require.False(t, seen[c], "cluster %d appears in both chains", c)
	}
}

func TestClusterGeometry(t *testing.T) {
	tbl := newTestTable(t)
	require.EqualValues(t, 512, tbl.BytesPerCluster())
	require.EqualValues(t, 16*512, tbl.ClusterLocation(2))
	require.EqualValues(t, 16*512+512*5, tbl.ClusterLocation(7))
}
