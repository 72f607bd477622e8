package proc

import (
	"idosnx/internal/defs"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
	"idosnx/internal/vm"
)

// Reap implements the task teardown left as a stub in the original
// (switching.rs's clean_up_task: "TODO: add cleanup actions here"). spec.md
// §4.4/§5 specify the full behavior, so SPEC_FULL.md's supplemented-feature
// #4 closes the TODO rather than carrying it forward: drain the handle
// table (dropping a reference on every open IOType), walk the task's
// memory map unmapping and reclaiming every page-backed region, and finally
// remove the task from the scheduler's map.
//
// Closing the handles here drops each one's AsyncIOTable reference and
// nothing more: no provider close hook runs, so an AsyncOp the dead task
// left parked on a provider is not completed by Reap.
func (s *Scheduler) Reap(id defs.TaskID, alloc *frame.Allocator, pd *pagedir.Manager, ioTable *handle.AsyncIOTable) {
	t, ok := s.Get(id)
	if !ok {
		return
	}

	if t.HandleTable != nil {
		t.HandleTable.DrainOnReap()
	}

	if t.MemoryMap != nil && t.PageDirectory != 0 {
		for _, r := range t.MemoryMap.Regions() {
			reclaimRegion(alloc, pd, t.PageDirectory, r)
		}
	}

	// Deliver the exit code to any ChildTask handle a parent has parked
	// waiting on this task, matching async_io.rs's get_task_io lookup.
	if ioTable != nil {
		if _, p, found := ioTable.GetTaskIO(id); found {
			if notifier, ok := p.(handle.ExitNotifier); ok {
				notifier.NotifyExit(t.ExitCode)
			}
		}
	}

	s.mu.Lock()
	t.State = Dropped
	s.mu.Unlock()

	log.WithField("task", id).Info("task reaped")
	s.Remove(id)
}

// reclaimRegion unmaps every page of r from dir and, for pages the page
// directory reports as reclaimable (not NoReclaim), releases the backing
// frame through the allocator's refcount tree. A FileBacked region shared
// with other tasks is simply decremented, matching the Free case: both
// funnel through ReleaseTrackedFrame, which only frees the frame once its
// last reference is gone. Direct pages are NoReclaim and are only unmapped.
func reclaimRegion(alloc *frame.Allocator, pd *pagedir.Manager, dir defs.Frame, r vm.Region) {
	for off := uint32(0); off < r.Size; off += defs.PageSize {
		wasPresent, reclaim, physFrame := pd.Unmap(dir, r.Vaddr+off)
		if !wasPresent || !reclaim {
			continue
		}
		alloc.ReleaseTrackedFrame(physFrame)
	}
}
