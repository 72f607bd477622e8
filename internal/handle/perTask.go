package handle

import (
	"fmt"
	"sync"

	"idosnx/internal/defs"
)

// Table is a per-task handle table, spec.md §3: "a slot list; inserting
// returns the lowest free slot." Each slot names an index into the
// process-wide AsyncIOTable.
type Table struct {
	mu    sync.Mutex
	slots []int64 // -1 marks a free slot; otherwise holds an AsyncIOTable index
	io    *AsyncIOTable
}

const freeSlot = -1

func NewTable(io *AsyncIOTable) *Table {
	return &Table{io: io}
}

// Insert installs ioIndex (already refcounted by the caller, typically via
// io.Insert or io.AddReference) at the lowest free handle slot.
func (t *Table) Insert(ioIndex uint32) defs.HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, v := range t.slots {
		if v == freeSlot {
			t.slots[i] = int64(ioIndex)
			return defs.HandleID(i)
		}
	}
	t.slots = append(t.slots, int64(ioIndex))
	return defs.HandleID(len(t.slots) - 1)
}

// Resolve returns the AsyncIOTable index and provider behind h.
func (t *Table) Resolve(h defs.HandleID) (uint32, IOProvider, error) {
	t.mu.Lock()
	idx, ok := t.lookup(h)
	t.mu.Unlock()
	if !ok {
		return 0, nil, fmt.Errorf("handle: %w: %d", defs.EHANDLEINVALID, h)
	}
	p, ok := t.io.Get(idx)
	if !ok {
		return 0, nil, fmt.Errorf("handle: %w: %d", defs.EHANDLEINVALID, h)
	}
	return idx, p, nil
}

func (t *Table) lookup(h defs.HandleID) (uint32, bool) {
	if h < 0 || int(h) >= len(t.slots) || t.slots[h] == freeSlot {
		return 0, false
	}
	return uint32(t.slots[h]), true
}

// Dup implements spec.md §4.6 dup(h): inserts a new handle into this same
// table pointing at the same IOType, incrementing its refcount. O(1).
func (t *Table) Dup(h defs.HandleID) (defs.HandleID, error) {
	t.mu.Lock()
	idx, ok := t.lookup(h)
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("handle: %w: %d", defs.EHANDLEINVALID, h)
	}
	if _, ok := t.io.AddReference(idx); !ok {
		return 0, fmt.Errorf("handle: %w: %d", defs.EHANDLEINVALID, h)
	}
	return t.Insert(idx), nil
}

// Transfer implements spec.md §4.6 transfer(h, task): inserts into dst's
// table (refcount++) and removes from this table (refcount--). Both halves
// are O(1).
func (t *Table) Transfer(h defs.HandleID, dst *Table) (defs.HandleID, error) {
	t.mu.Lock()
	idx, ok := t.lookup(h)
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("handle: %w: %d", defs.EHANDLEINVALID, h)
	}
	if _, ok := t.io.AddReference(idx); !ok {
		return 0, fmt.Errorf("handle: %w: %d", defs.EHANDLEINVALID, h)
	}
	newHandle := dst.Insert(idx)
	t.Close(h)
	return newHandle, nil
}

// Close removes h from this table and drops one reference on the
// underlying IOType, freeing the slot for reuse.
func (t *Table) Close(h defs.HandleID) {
	t.mu.Lock()
	idx, ok := t.lookup(h)
	if ok {
		t.slots[h] = freeSlot
	}
	t.mu.Unlock()
	if ok {
		t.io.RemoveReference(idx)
	}
}

// DrainOnReap closes every open handle, used during task cleanup (spec.md
// §4.4 lifecycle / §5 "a dead task's pending ops are drained... during
// reap", and SPEC_FULL.md supplemented feature #4).
func (t *Table) DrainOnReap() {
	t.mu.Lock()
	handles := make([]defs.HandleID, 0, len(t.slots))
	for i, v := range t.slots {
		if v != freeSlot {
			handles = append(handles, defs.HandleID(i))
		}
	}
	t.mu.Unlock()
	for _, h := range handles {
		t.Close(h)
	}
}
