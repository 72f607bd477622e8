package handle

import "idosnx/internal/defs"

// IOProvider is implemented by each concrete handle backend (ChildTask,
// MessageQueue, File, Pipe, Interrupt, Socket — spec.md §4.6), living in the
// internal/io/* subpackages. Grounded on async_io.rs's IOType::op_request
// dispatch, generalized from a closed Rust enum to an interface so adding a
// provider does not require editing this package.
type IOProvider interface {
	// OpRequest enqueues or synchronously services op against this
	// provider's backend. index is the AsyncIOTable slot this provider is
	// installed at, needed by providers that must refer back to themselves
	// (e.g. completing their own queued ops later).
	OpRequest(index uint32, op AsyncOp) (AsyncOpID, error)

	// SetTask associates a task ID with this provider, used only by File
	// providers per async_io.rs's IOType::set_task (no-op for the rest).
	SetTask(task defs.TaskID)

	// Kind names which spec.md §4.6 variant this provider implements, used
	// for logging and for the ChildTask/MessageQueue type-switch helpers
	// below.
	Kind() Kind
}

// Kind enumerates the six IOType variants from spec.md §4.6, extending
// async_io.rs's four-variant enum with Pipe and Socket per
// SPEC_FULL.md's supplemented-features note, plus KindWakeSet for
// wake-set handles.
type Kind int

const (
	KindChildTask Kind = iota
	KindMessageQueue
	KindFile
	KindPipe
	KindInterrupt
	KindSocket
	KindWakeSet
)

// ChildTaskMatcher is implemented by ChildTask providers so AsyncIOTable can
// find the handle waiting on a given task's exit (async_io.rs's
// get_task_io).
type ChildTaskMatcher interface {
	MatchesTask(id defs.TaskID) bool
}

// MessageQueueChecker is implemented by MessageQueue providers so
// AsyncIOTable can deliver incoming IPC messages (async_io.rs's
// handle_incoming_messages).
type MessageQueueChecker interface {
	CheckMessageQueue(currentTicks uint64) bool
}

// ExitNotifier is implemented by ChildTask providers so the scheduler's
// reap path can deliver a dying task's exit code to anyone parked waiting
// on it, without internal/proc needing to import internal/io/childtask.
type ExitNotifier interface {
	NotifyExit(code int32)
}
