// Package paging implements demand paging (spec.md §4.2/§4.3/§4.7): the
// page-fault path that materializes a physical frame for a faulting virtual
// address according to its region's backing kind, including the shared
// FileBacked page registry that lets every reader of a shared mapping
// converge on one physical frame through the refcount tree.
//
// Ported from original_source/kernel/src/task/paging.rs's page_on_demand /
// get_file_backed_page, with the frame bookkeeping expressed through
// internal/frame's tracking API the way mem.Physmem_t.Refup/Refdown carry
// shared pages in the teacher.
package paging

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/frame"
	"idosnx/internal/metrics"
	"idosnx/internal/pagedir"
	"idosnx/internal/proc"
	"idosnx/internal/vm"
)

var log = logrus.WithField("component", "paging")

// isaDMALimitFrame bounds ISA DMA allocations: the region must sit below
// 16 MiB (spec.md §3), i.e. within the first 4096 frames.
const isaDMALimitFrame = (16 << 20) / defs.PageSize

// sharedKey identifies one page of one driver file mapping, spec.md §4.7:
// "the frame is recorded in the refcount tree keyed by (driver_id,
// mapping_token, file_offset)".
type sharedKey struct {
	driverID uint32
	token    uint32
	offset   uint32
}

// Pager owns the shared-page registry and performs all fault servicing.
type Pager struct {
	alloc *frame.Allocator
	mgr   *pagedir.Manager
	arb   *driver.Arbiter

	mu     sync.Mutex
	shared map[sharedKey]defs.Frame
}

func New(alloc *frame.Allocator, mgr *pagedir.Manager, arb *driver.Arbiter) *Pager {
	return &Pager{alloc: alloc, mgr: mgr, arb: arb, shared: make(map[sharedKey]defs.Frame)}
}

// HandleFault services a page fault at vaddr in t's address space. The
// caller (the fault entry path) terminates the task with the 0xF0-class
// exit code if an error comes back (spec.md §7: "Page faults in user space
// against a valid region but without enough RAM to back them terminate the
// offending task").
func (p *Pager) HandleFault(t *proc.Task, vaddr uint32) error {
	r, ok := t.MemoryMap.GetMappingContainingAddress(vaddr)
	if !ok {
		return fmt.Errorf("paging: %w: no region at %#x", defs.EINVALARG, vaddr)
	}
	page := uint32(defs.AlignDown(uintptr(vaddr)))

	switch r.Backing.Kind {
	case vm.Direct:
		// Normally paged eagerly by MapRegion; servicing here as well keeps
		// a directly-backed region valid even if the eager pass was skipped.
		phys := r.Backing.PhysAddr + defs.Frame((page-r.Vaddr)>>defs.PageShift)
		return p.mgr.Map(t.PageDirectory, page, phys, pagedir.UserAccess|pagedir.WriteAccess|pagedir.NoReclaim)

	case vm.Free:
		f, err := p.alloc.AllocateFrameWithTracking()
		if err != nil {
			return err
		}
		return p.mgr.Map(t.PageDirectory, page, f, pagedir.UserAccess|pagedir.WriteAccess)

	case vm.ISADMA:
		return p.faultISADMA(t, r)

	case vm.FileBacked:
		return p.faultFileBacked(t, r, page)

	default:
		return fmt.Errorf("paging: %w: backing kind %d", defs.EINVALARG, r.Backing.Kind)
	}
}

// MapRegion eagerly installs every page of a Direct region at map time
// (spec.md §3: "eagerly paged at map time; not reclaimed on unmap").
func (p *Pager) MapRegion(t *proc.Task, r vm.Region) error {
	if r.Backing.Kind != vm.Direct {
		return nil
	}
	for off := uint32(0); off < r.Size; off += defs.PageSize {
		phys := r.Backing.PhysAddr + defs.Frame(off>>defs.PageShift)
		if err := p.mgr.Map(t.PageDirectory, r.Vaddr+off, phys, pagedir.UserAccess|pagedir.WriteAccess|pagedir.NoReclaim); err != nil {
			return err
		}
	}
	return nil
}

// faultISADMA allocates the entire region contiguously below 16 MiB on the
// first fault (spec.md §3: "must be physically contiguous and below 16 MiB;
// entire region allocated at first fault").
func (p *Pager) faultISADMA(t *proc.Task, r vm.Region) error {
	n := int(r.Size >> defs.PageShift)
	af, err := p.alloc.AllocateFrames(n)
	if err != nil {
		return err
	}
	start := af.Frame()
	if int(start)+n > isaDMALimitFrame {
		af.Release()
		return fmt.Errorf("paging: %w: no DMA-reachable run of %d frames", defs.ERESOURCELIMIT, n)
	}
	start = af.Keep()
	for i := 0; i < n; i++ {
		// Each page of the run gets its own tracking entry so unmap and
		// reap release it through ReleaseTrackedFrame like any other
		// process-owned frame.
		p.alloc.TrackFrame(start + defs.Frame(i))
		if err := p.mgr.Map(t.PageDirectory, r.Vaddr+uint32(i)<<defs.PageShift, start+defs.Frame(i), pagedir.UserAccess|pagedir.WriteAccess); err != nil {
			return err
		}
	}
	return nil
}

// faultFileBacked implements the §4.7 page-in protocol. Shared mappings
// consult the registry first; a hit adds a reference through the refcount
// tree and reuses the existing frame. A miss (or any private mapping)
// allocates a fresh tracked frame and asks the owning driver to fill it,
// parking the task BlockedOnFileMapping for the duration and landing the
// driver's result in last_map_result before the task is marked runnable
// again (the ordering §9's open question asks implementations to pin down).
func (p *Pager) faultFileBacked(t *proc.Task, r vm.Region, page uint32) error {
	b := r.Backing
	fileOffset := b.OffsetInFile + (page - r.Vaddr)
	key := sharedKey{driverID: b.DriverID, token: b.MappingToken, offset: fileOffset}

	if b.Shared {
		p.mu.Lock()
		if f, ok := p.shared[key]; ok {
			p.alloc.MaybeAddFrameReference(f)
			p.mu.Unlock()
			return p.mgr.Map(t.PageDirectory, page, f, pagedir.UserAccess|pagedir.WriteAccess)
		}
		p.mu.Unlock()
	}

	drive, ok := p.arb.DriveName(b.DriverID)
	if !ok {
		return fmt.Errorf("paging: %w: driver %d", defs.ENOTFOUND, b.DriverID)
	}
	f, err := p.alloc.AllocateFrameWithTracking()
	if err != nil {
		return err
	}

	t.State = proc.BlockedOnFileMapping
	n, errno := p.arb.PageIn(p.mgr, drive, b.MappingToken, fileOffset, f)
	result := int32(defs.EncodeResult(n, errno))
	t.LastMapResult = &result
	t.State = proc.Running

	if errno != defs.EOK {
		p.alloc.ReleaseTrackedFrame(f)
		return fmt.Errorf("paging: page_in %s tok=%d off=%d: %w", drive, b.MappingToken, fileOffset, errno)
	}

	if b.Shared {
		// The registry keeps the base reference (from the tracked
		// allocation above); the faulting task's mapping takes its own.
		p.mu.Lock()
		p.shared[key] = f
		p.mu.Unlock()
		p.alloc.MaybeAddFrameReference(f)
	}
	metrics.PageIns.Inc()
	log.WithFields(logrus.Fields{"drive": drive, "token": b.MappingToken, "offset": fileOffset, "bytes": n}).Debug("page_in")
	return p.mgr.Map(t.PageDirectory, page, f, pagedir.UserAccess|pagedir.WriteAccess)
}

// DropSharedPage removes a registry entry and drops one tracking reference,
// called when the last mapping of a shared page is unmapped. The frame
// itself returns to the bitmap only when the refcount tree hits zero.
func (p *Pager) DropSharedPage(driverID, token, fileOffset uint32) {
	key := sharedKey{driverID: driverID, token: token, offset: fileOffset}
	p.mu.Lock()
	f, ok := p.shared[key]
	if ok {
		delete(p.shared, key)
	}
	p.mu.Unlock()
	if ok {
		p.alloc.ReleaseTrackedFrame(f)
	}
}
