package futex

import "sync"

// WakeSet is a handle-valued primitive, spec.md §4.5: "wake whenever any of
// my attached async ops complete." A driver task attaches several pending
// ops (message queue read, interrupt read) then blocks on the wake set;
// completion of any attached op unblocks it exactly once (edge-triggered).
type WakeSet struct {
	mu       sync.Mutex
	attached map[uint32]struct{} // attached AsyncOpIDs
	notify   chan struct{}
	fired    bool
}

// NewWakeSet constructs an empty wake set.
func NewWakeSet() *WakeSet {
	return &WakeSet{
		attached: make(map[uint32]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Attach records an AsyncOp ID as belonging to this wake set.
func (w *WakeSet) Attach(opID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attached[opID] = struct{}{}
}

// Detach removes an AsyncOp ID, typically once the task has polled and
// resubmitted it.
func (w *WakeSet) Detach(opID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attached, opID)
}

// NotifyCompletion is called by the async-op completion path when an
// attached op finishes. It fires the wake set at most once per edge: a
// second completion arriving before the blocked task drains the channel
// does not queue a second wakeup (channel capacity 1), matching the
// edge-triggered contract in spec.md §4.5.
func (w *WakeSet) NotifyCompletion(opID uint32) {
	w.mu.Lock()
	if _, ok := w.attached[opID]; !ok {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Block returns the channel a task waits on. The task is expected to poll
// each attached op after waking to discover which completed.
func (w *WakeSet) Block() <-chan struct{} {
	return w.notify
}
