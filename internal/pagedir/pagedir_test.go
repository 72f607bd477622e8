package pagedir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
	"idosnx/internal/frame"
)

func newTestManager(t *testing.T) (*Manager, *frame.Allocator) {
	t.Helper()
	alloc, err := frame.New(64)
	require.NoError(t, err)
	// Frame 0 stays allocated, as in kernel.Boot: CreatePageDirectory reads
	// a zero template as "no template".
	require.NoError(t, alloc.InitFreeRange(1, 63))
	t.Cleanup(func() { alloc.Close() })
	return New(alloc), alloc
}

func TestCreatePageDirectoryInstallsSelfMap(t *testing.T) {
	m, _ := newTestManager(t)
	dir, err := m.CreatePageDirectory(0)
	require.NoError(t, err)

	e := readEntry(m.tableEntries(dir), selfMapIndex)
	require.True(t, e.present())
	require.Equal(t, dir, e.frame, "entry 0x3FF points at the directory itself")
}

func TestCreatePageDirectoryClonesKernelHalf(t *testing.T) {
	m, _ := newTestManager(t)
	template, err := m.CreatePageDirectory(0)
	require.NoError(t, err)

	// Map a kernel-half page into the template (directory index >= 0x300).
	kernelVaddr := uint32(0xC0000000)
	require.NoError(t, m.Map(template, kernelVaddr, 42, WriteAccess))

	child, err := m.CreatePageDirectory(template)
	require.NoError(t, err)

	f, ok := m.Translate(child, kernelVaddr)
	require.True(t, ok, "kernel half is copied by value into the new directory")
	require.EqualValues(t, 42, f)

	// The user half is not shared.
	userVaddr := uint32(0x00400000)
	require.NoError(t, m.Map(template, userVaddr, 7, UserAccess|WriteAccess))
	_, ok = m.Translate(child, userVaddr)
	require.False(t, ok)
}

func TestMapTranslateUnmapRoundTrip(t *testing.T) {
	m, alloc := newTestManager(t)
	dir, err := m.CreatePageDirectory(0)
	require.NoError(t, err)

	af, err := alloc.AllocateFrame()
	require.NoError(t, err)
	f := af.Keep()

	vaddr := uint32(0x00801000)
	require.NoError(t, m.Map(dir, vaddr, f, UserAccess|WriteAccess))

	got, ok := m.Translate(dir, vaddr)
	require.True(t, ok)
	require.Equal(t, f, got)

	wasPresent, reclaim, phys := m.Unmap(dir, vaddr)
	require.True(t, wasPresent)
	require.True(t, reclaim)
	require.Equal(t, f, phys)

	_, ok = m.Translate(dir, vaddr)
	require.False(t, ok)

	wasPresent, _, _ = m.Unmap(dir, vaddr)
	require.False(t, wasPresent, "double unmap reports absent")
}

func TestUnmapReportsNoReclaimForDirectFrames(t *testing.T) {
	m, _ := newTestManager(t)
	dir, err := m.CreatePageDirectory(0)
	require.NoError(t, err)

	vaddr := uint32(0x00002000)
	require.NoError(t, m.Map(dir, vaddr, 33, UserAccess|WriteAccess|NoReclaim))

	wasPresent, reclaim, phys := m.Unmap(dir, vaddr)
	require.True(t, wasPresent)
	require.False(t, reclaim, "NoReclaim frames are not owned by the process")
	require.EqualValues(t, 33, phys)
}

func TestPageTableZeroedBeforeUse(t *testing.T) {
	m, alloc := newTestManager(t)
	dir, err := m.CreatePageDirectory(0)
	require.NoError(t, err)

	// Dirty a frame, release it, then force its reuse as a page table.
	af, err := alloc.AllocateFrame()
	require.NoError(t, err)
	dirty := af.Frame()
	buf := alloc.Bytes(dirty)
	for i := range buf {
		buf[i] = 0xFF
	}
	af.Release()

	require.NoError(t, m.Map(dir, 0x00400000, 5, WriteAccess))

	// Every other entry of the fresh table must read absent.
	for i := uint32(1); i < entriesPerTable; i++ {
		_, ok := m.Translate(dir, 0x00400000+i*defs.PageSize)
		require.False(t, ok)
	}
}

func TestWriteReadBytesScratchMapping(t *testing.T) {
	m, alloc := newTestManager(t)
	af, err := alloc.AllocateFrame()
	require.NoError(t, err)
	f := af.Keep()

	m.WriteBytes(f, 100, []byte("scratch"))
	require.Equal(t, "scratch", string(m.ReadBytes(f, 100, 7)))
}
