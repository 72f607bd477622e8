// Package proc implements the task lifecycle and scheduler (spec.md §4.4,
// component C4): task states, context switch bookkeeping, and the
// round-robin run queue. Grounded on
// original_source/kernel/src/task/switching.rs for the exact selection
// algorithm and on the teacher's process/thread bookkeeping style
// (tinfo.Tnote_t, accnt.Accnt_t) for the shape of per-task state.
//
// There is no real CR3/iretd in a host simulation: "context switch" here
// means handing control of a goroutine to the scheduler, which parks the
// outgoing task on a channel and resumes the incoming one. The state
// machine, TSS-stack-top bookkeeping, and round-robin selection algorithm
// are implemented exactly as specified; only the mechanism that makes a
// blocked task stop executing differs (channel receive instead of a
// hand-written stack switch).
package proc

import (
	"idosnx/internal/defs"
	"idosnx/internal/handle"
	"idosnx/internal/vm"
)

// State is one node of spec.md §4.4's task state machine:
// Uninitialized -> Initialized -> Running <-> {Sleeping, BlockedOnFutex,
// BlockedOnWakeSet, BlockedOnChildExit, BlockedOnFileMapping} -> Dropped.
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Sleeping
	BlockedOnFutex
	BlockedOnWakeSet
	BlockedOnChildExit
	BlockedOnFileMapping
	Dropped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case BlockedOnFutex:
		return "blocked-on-futex"
	case BlockedOnWakeSet:
		return "blocked-on-wakeset"
	case BlockedOnChildExit:
		return "blocked-on-child-exit"
	case BlockedOnFileMapping:
		return "blocked-on-file-mapping"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// CanResume reports whether the scheduler may select this task, mirroring
// switching.rs's Task::can_resume(): true only while Running (a task parked
// in any Blocked* or Sleeping state is woken back to Running by its
// unblocking event before it becomes eligible again).
func (s State) CanResume() bool {
	return s == Running
}

// Task is the per-task record from spec.md §3: "{id, parent_id,
// page_directory, kernel_stack, stack_pointer, state, memory_map,
// handle_table, args, timeout_ms, last_map_result, executable_path?}".
type Task struct {
	ID             defs.TaskID
	ParentID       defs.TaskID
	PageDirectory  defs.Frame
	State          State
	TimeoutMs      uint32 // remaining sleep/futex-wait timeout, decremented by update_timeouts
	Args           []string
	ExecutablePath string

	MemoryMap   *vm.TaskMemory
	HandleTable *handle.Table

	// LastMapResult stores the outcome of an asynchronous PageIn op for a
	// task parked BlockedOnFileMapping (spec.md §4.7).
	LastMapResult *int32

	// EntryPoint, LoadInfoVaddr, and UserStackTop are the host-simulation
	// stand-in for the iretd frame exec primes onto the kernel stack
	// (spec.md §4.11 step 6: EIP=loader-entry, EBX=load-info-vaddr,
	// ESP=stack-top).
	EntryPoint    uint32
	LoadInfoVaddr uint32
	UserStackTop  uint32

	ExitCode int32

	resumeCh chan struct{}
}

// NewTask constructs a task in the Uninitialized state.
func NewTask(id, parentID defs.TaskID, ioTable *handle.AsyncIOTable) *Task {
	return &Task{
		ID:          id,
		ParentID:    parentID,
		State:       Uninitialized,
		MemoryMap:   vm.New(),
		HandleTable: handle.NewTable(ioTable),
		resumeCh:    make(chan struct{}),
	}
}

// MarkInitialized transitions Uninitialized -> Initialized once the kernel
// stack has been primed with an iretd frame (in this simulation: once the
// task's goroutine has been spawned and is ready to receive its first
// resume signal).
func (t *Task) MarkInitialized(dir defs.Frame) {
	t.PageDirectory = dir
	t.State = Initialized
}

// UpdateTimeout decrements a Sleeping/futex-wait timeout by ms, clamping at
// zero; callers check for expiry (TimeoutMs == 0) to wake the task.
func (t *Task) UpdateTimeout(ms uint32) {
	if t.TimeoutMs == 0 {
		return
	}
	if ms >= t.TimeoutMs {
		t.TimeoutMs = 0
		return
	}
	t.TimeoutMs -= ms
}
