// Package frame implements the physical frame allocator and refcount tree
// (spec.md §4.1, component C1), grounded on mem.Physmem_t in the teacher
// repo and on the bitmap/tracking pair in original_source.
//
// Because this is a host simulation rather than bare-metal firmware, the
// "physical RAM" is an mmap'd anonymous arena (golang.org/x/sys/unix),
// exactly as mem.Dmap maps real RAM into the kernel's direct map in
// biscuit — frame.Frame addresses index into this arena instead of a real
// physical address bus.
package frame

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"idosnx/internal/defs"
	"idosnx/internal/metrics"
)

var log = logrus.WithField("component", "frame")

// Allocator owns a simulated physical RAM arena, the allocation bitmap, and
// the refcount tree for shared frames.
type Allocator struct {
	mu      sync.Mutex
	arena   []byte
	bm      *bitmap
	refs    *refTree
	nframes int
}

// AllocatedFrame is an owning handle on a physical frame. It is released via
// Release unless Keep is called, mirroring spec.md §3: "Allocation returns
// an owning handle that releases the frame on drop unless explicitly kept."
type AllocatedFrame struct {
	a     *Allocator
	frame defs.Frame
	kept  bool
}

// New mmaps an arena large enough for nframes 4 KiB pages and marks the
// entire bitmap allocated, matching bitmap.rs's initial state before any
// memory-map range is replayed.
func New(nframes int) (*Allocator, error) {
	size := nframes * defs.PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap arena: %w", err)
	}
	a := &Allocator{
		arena:   arena,
		bm:      newBitmap(nframes),
		refs:    newRefTree(),
		nframes: nframes,
	}
	log.WithField("frames", nframes).Info("physical arena mapped")
	return a, nil
}

// Close unmaps the arena. Safe to call once during shutdown/test teardown.
func (a *Allocator) Close() error {
	return unix.Munmap(a.arena)
}

// InitFreeRange marks [startFrame, startFrame+n) free, replaying a BIOS-style
// memory map the way Phys_init walks runtime.Get_phys() in the teacher.
func (a *Allocator) InitFreeRange(startFrame, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bm.freeRange(startFrame, n)
}

// Bytes returns the backing slice for a frame's 4 KiB page, the simulated
// equivalent of mem.Dmap's physical-to-virtual translation.
func (a *Allocator) Bytes(f defs.Frame) []byte {
	off := int(f) * defs.PageSize
	return a.arena[off : off+defs.PageSize]
}

// AllocateFrame returns a single free frame, zeroed.
func (a *Allocator) AllocateFrame() (*AllocatedFrame, error) {
	return a.AllocateFrames(1)
}

// AllocateFrames returns n contiguous free frames as a single owning handle
// over the first frame (callers needing the whole run index via Bytes on
// consecutive frame numbers).
func (a *Allocator) AllocateFrames(n int) (*AllocatedFrame, error) {
	a.mu.Lock()
	start, ok := a.bm.findFreeRange(n)
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("frame: %w: no free run of %d frames", defs.EOPFAILED, n)
	}
	a.bm.allocateRange(start, n)
	free := a.bm.freeFrameCount()
	a.mu.Unlock()
	metrics.FrameAllocations.Add(float64(n))
	metrics.FreeFrames.Set(float64(free))

	af := &AllocatedFrame{a: a, frame: defs.Frame(start)}
	for i := 0; i < n; i++ {
		clear(a.Bytes(defs.Frame(start + i)))
	}
	return af, nil
}

// AllocateFrameWithTracking allocates a frame and inserts a refcount-tree
// entry with count 1, per spec.md §4.1.
func (a *Allocator) AllocateFrameWithTracking() (defs.Frame, error) {
	af, err := a.AllocateFrame()
	if err != nil {
		return 0, err
	}
	af.kept = true
	a.mu.Lock()
	a.refs.addReference(uint32(af.frame))
	a.mu.Unlock()
	return af.frame, nil
}

// TrackFrame inserts a refcount-tree entry with count 1 for an
// already-allocated frame, giving explicitly-kept runs (ISA DMA regions)
// the same per-page ReleaseTrackedFrame path AllocateFrameWithTracking
// gives single frames.
func (a *Allocator) TrackFrame(f defs.Frame) {
	a.mu.Lock()
	a.refs.addReference(uint32(f))
	a.mu.Unlock()
}

// MaybeAddFrameReference adds a second-or-later reference to an existing
// tracked frame, used when a shared FileBacked page gains another mapper.
// Reports false if the frame was not already tracked.
func (a *Allocator) MaybeAddFrameReference(f defs.Frame) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs.addReferenceIfExists(uint32(f))
}

// ReleaseTrackedFrame decrements the refcount and returns the frame to the
// bitmap only once the count reaches zero.
func (a *Allocator) ReleaseTrackedFrame(f defs.Frame) {
	a.mu.Lock()
	_, release := a.refs.removeReference(uint32(f))
	if release {
		a.bm.clear(int(f))
	}
	a.mu.Unlock()
}

// RefCount reports whether the frame is currently tracked and its count.
func (a *Allocator) RefCount(f defs.Frame) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	leaf := a.refs.find(uint32(f))
	if leaf == nil || !leaf.hasCount {
		return 0, false
	}
	return leaf.count, true
}

// FreeFrameCount reports frames available for allocation.
func (a *Allocator) FreeFrameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bm.freeFrameCount()
}

// Release returns the frame to the bitmap. For a kept handle (Keep,
// AllocateFrameWithTracking) it instead drops one refcount-tree reference
// through ReleaseTrackedFrame, so the frame returns to the bitmap only if it
// is tracked and that was its last reference.
func (af *AllocatedFrame) Release() {
	if af.kept {
		af.a.ReleaseTrackedFrame(af.frame)
		return
	}
	af.a.mu.Lock()
	af.a.bm.clear(int(af.frame))
	af.a.mu.Unlock()
}

// Keep detaches the handle from its "free on drop" semantics; the caller
// becomes responsible for an explicit Release (or ReleaseTrackedFrame, if
// tracked) later.
func (af *AllocatedFrame) Keep() defs.Frame {
	af.kept = true
	return af.frame
}

// Frame returns the underlying physical frame address without altering
// ownership.
func (af *AllocatedFrame) Frame() defs.Frame { return af.frame }
