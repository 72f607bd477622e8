// Package kernel wires every subsystem into one bootable whole and exposes
// the syscall ABI from spec.md §6. It owns the process-wide singletons §9
// names (frame bitmap, refcount tree, task map, futex table, wake-set
// registry): initialized exactly once by Boot, never torn down.
package kernel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/exec"
	"idosnx/internal/frame"
	"idosnx/internal/futex"
	"idosnx/internal/handle"
	"idosnx/internal/io/childtask"
	"idosnx/internal/pagedir"
	"idosnx/internal/paging"
	"idosnx/internal/proc"
)

var log = logrus.WithField("component", "kernel")

// Kernel bundles the singletons every syscall needs.
type Kernel struct {
	Alloc   *frame.Allocator
	Mgr     *pagedir.Manager
	Sched   *proc.Scheduler
	Futex   *futex.Table
	IOTable *handle.AsyncIOTable
	Arbiter *driver.Arbiter
	Pager   *paging.Pager
	Exec    *exec.Exec

	// KernelTemplate is the directory whose kernel half new directories
	// clone (spec.md §3).
	KernelTemplate defs.Frame

	mu sync.Mutex
	// wakeSignals maps a pending op's signal paddr to the wake set it was
	// attached to at submission (spec.md §4.5/§4.6's wake_set? parameter).
	wakeSignals map[handle.PhysAddr]*futex.WakeSet
	// driverTasks maps a task registered as an out-of-kernel driver to its
	// message inbox, for the create-message-queue-handle syscall.
	driverTasks map[defs.TaskID]*driver.AsyncTask
	idle *proc.Task
}

// Boot initializes the singletons over nframes of simulated RAM and
// installs the completion-notify fan-out. Called exactly once.
func Boot(nframes int) (*Kernel, error) {
	alloc, err := frame.New(nframes)
	if err != nil {
		return nil, err
	}
	// Frame 0 stays allocated: a zero Frame doubles as the "no page
	// directory" sentinel in task records.
	if err := alloc.InitFreeRange(1, nframes-1); err != nil {
		return nil, err
	}

	mgr := pagedir.New(alloc)
	template, err := mgr.CreatePageDirectory(0)
	if err != nil {
		return nil, fmt.Errorf("kernel: template directory: %w", err)
	}

	arb := driver.NewArbiter()
	k := &Kernel{
		Alloc:          alloc,
		Mgr:            mgr,
		Sched:          proc.New(),
		Futex:          futex.New(),
		IOTable:        handle.NewAsyncIOTable(),
		Arbiter:        arb,
		Pager:          paging.New(alloc, mgr, arb),
		KernelTemplate: template,
		wakeSignals:    make(map[handle.PhysAddr]*futex.WakeSet),
		driverTasks:    make(map[defs.TaskID]*driver.AsyncTask),
	}
	k.Exec = exec.New(alloc, mgr, arb, map[exec.Format]string{})
	k.Exec.KernelTemplate = template

	// Completion fan-out: every AsyncOp completion wakes futex waiters
	// parked on its signal word and fires the wake set (if any) the op was
	// attached to at submission.
	handle.Notify = func(signal handle.PhysAddr) {
		k.Futex.Wake(uint32(signal), 1<<30)
		k.mu.Lock()
		ws, ok := k.wakeSignals[signal]
		if ok {
			delete(k.wakeSignals, signal)
		}
		k.mu.Unlock()
		if ok {
			ws.NotifyCompletion(uint32(signal))
		}
	}

	// The idle task always exists and is always eligible (spec.md §4.4).
	idle := proc.NewTask(k.Sched.NextID(), 0, k.IOTable)
	idle.State = proc.Running
	idle.PageDirectory = template
	k.Sched.Insert(idle)
	k.idle = idle

	log.WithField("frames", nframes).Info("kernel booted")
	return k, nil
}

// RegisterDriverTask associates a task with its driver inbox so the task's
// create-message-queue syscall can bind a handle to it, and mounts the
// driver under drive. Returns the assigned driver ID.
func (k *Kernel) RegisterDriverTask(id defs.TaskID, drive string, t *driver.AsyncTask) uint32 {
	k.mu.Lock()
	k.driverTasks[id] = t
	k.mu.Unlock()
	return k.Arbiter.MountAsync(drive, t)
}

// attachWakeSet records that the op pending on signal belongs to ws.
func (k *Kernel) attachWakeSet(signal handle.PhysAddr, ws *futex.WakeSet) {
	k.mu.Lock()
	k.wakeSignals[signal] = ws
	k.mu.Unlock()
	ws.Attach(uint32(signal))
}

// Tick is the preemption timer entry (spec.md §4.4): decrement the counter
// of every Sleeping task and every timed futex or wake-set waiter, wake
// expired ones, then yield cooperatively.
func (k *Kernel) Tick(ms uint32) {
	k.Sched.UpdateTimeouts(ms)
	k.Sched.YieldCoop()
}

// CreateTask allocates a child of parent and the (wait_handle, task_id)
// pair spec.md §4.4's lifecycle hook describes. The returned handle lives
// in parent's table.
func (k *Kernel) CreateTask(parent *proc.Task) (defs.HandleID, defs.TaskID) {
	child := proc.NewTask(k.Sched.NextID(), parent.ID, k.IOTable)
	k.Sched.Insert(child)

	prov := childtask.New(k.Mgr, child.ID)
	idx := k.IOTable.Insert(prov)
	h := parent.HandleTable.Insert(idx)
	return h, child.ID
}

// Terminate records code as t's exit status and reaps it.
func (k *Kernel) Terminate(t *proc.Task, code int32) {
	t.ExitCode = code
	k.Sched.Reap(t.ID, k.Alloc, k.Mgr, k.IOTable)
}

// PageFault is the fault entry: service the fault through the pager, or
// terminate the task with the 0xF0-class synthetic exit code on failure
// (spec.md §7).
func (k *Kernel) PageFault(t *proc.Task, vaddr uint32) bool {
	if err := k.Pager.HandleFault(t, vaddr); err != nil {
		log.WithFields(logrus.Fields{"task": t.ID, "vaddr": fmt.Sprintf("%#x", vaddr)}).Warn("unrecoverable page fault")
		k.Terminate(t, 0xF0)
		return false
	}
	return true
}
