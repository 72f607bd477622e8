package handle

import (
	"sync"
	"sync/atomic"

	"idosnx/internal/defs"
)

// entry is one slot in the process-wide async-io table: a refcounted
// provider, mirroring async_io.rs's AsyncIOTableEntry.
type entry struct {
	refCount int32
	provider IOProvider
}

// AsyncIOTable is the process-wide arena handles index into (spec.md §9:
// "Model as an arena: tasks and IOTypes live in process-wide maps keyed by
// ID; handles store IDs, not owning references"). Ported from async_io.rs's
// AsyncIOTable.
type AsyncIOTable struct {
	mu    sync.Mutex
	next  uint32
	inner map[uint32]*entry
}

func NewAsyncIOTable() *AsyncIOTable {
	return &AsyncIOTable{inner: make(map[uint32]*entry)}
}

// Insert installs a provider with an initial refcount of 1 and returns its
// table index.
func (t *AsyncIOTable) Insert(p IOProvider) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	idx := t.next
	t.inner[idx] = &entry{refCount: 1, provider: p}
	return idx
}

// Get returns the provider at idx.
func (t *AsyncIOTable) Get(idx uint32) (IOProvider, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inner[idx]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// ReferenceCount reports the current refcount of idx.
func (t *AsyncIOTable) ReferenceCount(idx uint32) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inner[idx]
	if !ok {
		return 0, false
	}
	return atomic.LoadInt32(&e.refCount), true
}

// AddReference increments idx's refcount, used by dup/transfer (spec.md
// §4.6).
func (t *AsyncIOTable) AddReference(idx uint32) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inner[idx]
	if !ok {
		return 0, false
	}
	e.refCount++
	return e.refCount, true
}

// RemoveReference decrements idx's refcount, removing the entry from the
// table only once the count reaches zero (async_io.rs's remove_reference).
// Returns the removed provider only on the final removal.
func (t *AsyncIOTable) RemoveReference(idx uint32) (IOProvider, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inner[idx]
	if !ok {
		return nil, false
	}
	e.refCount--
	if e.refCount > 0 {
		return nil, false
	}
	delete(t.inner, idx)
	return e.provider, true
}

// GetTaskIO finds the first (and, per protocol, only) handle whose provider
// is a ChildTask matching id, mirroring async_io.rs's get_task_io.
func (t *AsyncIOTable) GetTaskIO(id defs.TaskID) (uint32, IOProvider, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, e := range t.inner {
		if m, ok := e.provider.(ChildTaskMatcher); ok && m.MatchesTask(id) {
			return idx, e.provider, true
		}
	}
	return 0, nil, false
}

// DeliverMessage delivers to the first MessageQueue provider found, by
// ascending table index. This preserves the original's explicit
// restriction (async_io.rs): "we _explicitly_ don't support more than one
// Message Queue handle. Only the first one, numerically, will receive any
// messages from the queue." See SPEC_FULL.md supplemented-features #3.
func (t *AsyncIOTable) DeliverMessage(currentTicks uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best uint32
	found := false
	for idx, e := range t.inner {
		if _, ok := e.provider.(MessageQueueChecker); !ok {
			continue
		}
		if !found || idx < best {
			best = idx
			found = true
		}
	}
	if !found {
		return 0, false
	}
	checker := t.inner[best].provider.(MessageQueueChecker)
	checker.CheckMessageQueue(currentTicks)
	return best, true
}
