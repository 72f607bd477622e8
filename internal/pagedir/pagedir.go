// Package pagedir implements the page directory manager (spec.md §4.2,
// component C2): mapping and unmapping pages in the current or an external
// address space, with a self-mapped top PDE.
//
// Grounded on mem.Pmap_t / PTE_* constants and vm.Vm_t.Page_insert in the
// teacher, and on original_source/kernel/src/task/paging.rs for the exact
// self-map and scratch-mapping semantics. Since this is a host simulation
// (no real CR3/MMU), "the self-map" and "scratch mapping a foreign
// directory" both reduce to direct byte-slice access into the frame arena —
// there is no TLB to shoot down — but the PDE/PTE bit layout and the
// zero-on-allocate / no-free-on-unmap invariants are preserved exactly so
// the bookkeeping this package does is the same bookkeeping real paging
// code would do.
package pagedir

import (
	"fmt"

	"idosnx/internal/defs"
	"idosnx/internal/frame"
)

// Permission flags, spec.md §4.2: "a small bitset: USER_ACCESS, WRITE_ACCESS,
// NO_RECLAIM (physical frame is not owned by the process — don't free on
// unmap)."
type Flags uint8

const (
	Present Flags = 1 << iota
	UserAccess
	WriteAccess
	NoReclaim
)

const (
	entriesPerTable = 1024
	entryBytes      = 4
	selfMapIndex    = 0x3FF
	kernelHalfStart = 0x300 // directory indices >= 0x300 (>= 3GiB) are shared
)

// entry is the in-memory shape of one PDE/PTE: a physical frame number plus
// the Flags bitset, packed the way a real x86 entry packs them, though we
// keep it decoded here since the arena is simulated rather than walked by a
// real MMU.
type entry struct {
	frame defs.Frame
	flags Flags
}

func (e entry) present() bool { return e.flags&Present != 0 }

func encode(e entry) uint32 {
	return uint32(e.frame)<<defs.PageShift | uint32(e.flags)
}

func decode(w uint32) entry {
	return entry{frame: defs.Frame(w >> defs.PageShift), flags: Flags(w & 0xFFF)}
}

// Manager owns the frame allocator backing every page directory and table.
type Manager struct {
	alloc *frame.Allocator
}

func New(alloc *frame.Allocator) *Manager {
	return &Manager{alloc: alloc}
}

func (m *Manager) tableEntries(f defs.Frame) []byte {
	return m.alloc.Bytes(f)
}

func readEntry(table []byte, index int) entry {
	off := index * entryBytes
	w := uint32(table[off]) | uint32(table[off+1])<<8 | uint32(table[off+2])<<16 | uint32(table[off+3])<<24
	return decode(w)
}

func writeEntry(table []byte, index int, e entry) {
	off := index * entryBytes
	w := encode(e)
	table[off] = byte(w)
	table[off+1] = byte(w >> 8)
	table[off+2] = byte(w >> 16)
	table[off+3] = byte(w >> 24)
}

// CreatePageDirectory allocates a new directory frame, zeros the user half
// (entries 0..0x300), copies the kernel half (0x300..0x400) by value from
// template, and installs the self-map entry at index 0x3FF — matching
// paging.rs's create_page_directory exactly.
func (m *Manager) CreatePageDirectory(template defs.Frame) (defs.Frame, error) {
	af, err := m.alloc.AllocateFrame()
	if err != nil {
		return 0, fmt.Errorf("pagedir: create directory: %w", err)
	}
	dirFrame := af.Keep()
	dir := m.tableEntries(dirFrame)

	if template != 0 {
		tmpl := m.tableEntries(template)
		copy(dir[kernelHalfStart*entryBytes:entriesPerTable*entryBytes], tmpl[kernelHalfStart*entryBytes:entriesPerTable*entryBytes])
	}

	writeEntry(dir, selfMapIndex, entry{frame: dirFrame, flags: Present | WriteAccess})
	return dirFrame, nil
}

func dirTableIndex(vaddr uint32) (dirIndex, tableIndex int) {
	return int(vaddr >> 22), int((vaddr >> 12) & 0x3FF)
}

// ensureTable returns the page-table frame for dirIndex, allocating and
// zeroing one on first use (paging.rs: "page table frame... zeroed before
// use").
func (m *Manager) ensureTable(dirFrame defs.Frame, dirIndex int, flags Flags) (defs.Frame, error) {
	dir := m.tableEntries(dirFrame)
	e := readEntry(dir, dirIndex)
	if e.present() {
		return e.frame, nil
	}
	af, err := m.alloc.AllocateFrame()
	if err != nil {
		return 0, fmt.Errorf("pagedir: allocate page table: %w", err)
	}
	tf := af.Keep()
	writeEntry(dir, dirIndex, entry{frame: tf, flags: Present | flags})
	return tf, nil
}

// Map installs a PTE mapping vaddr to physFrame in the given directory,
// matching current_pagedir_map / ExternalPageDirectory.map in paging.rs —
// the same code path serves both the current and a foreign directory since
// there is no real CR3 switch in this simulation.
func (m *Manager) Map(dirFrame defs.Frame, vaddr uint32, physFrame defs.Frame, flags Flags) error {
	dirIndex, tableIndex := dirTableIndex(vaddr)
	tableFlags := Present | WriteAccess
	if flags&UserAccess != 0 {
		tableFlags |= UserAccess
	}
	tableFrame, err := m.ensureTable(dirFrame, dirIndex, tableFlags)
	if err != nil {
		return err
	}
	table := m.tableEntries(tableFrame)
	writeEntry(table, tableIndex, entry{frame: physFrame, flags: Present | flags})
	return nil
}

// Unmap clears the PTE for vaddr. Per spec.md §4.2, "Unmap does not free
// page table frames (they are retained to avoid thrashing)": only the
// directory bookkeeping is cleared here, never the backing frame — callers
// that own the frame release it themselves through internal/frame.
func (m *Manager) Unmap(dirFrame defs.Frame, vaddr uint32) (wasPresent bool, reclaim bool, physFrame defs.Frame) {
	dirIndex, tableIndex := dirTableIndex(vaddr)
	dir := m.tableEntries(dirFrame)
	de := readEntry(dir, dirIndex)
	if !de.present() {
		return false, false, 0
	}
	table := m.tableEntries(de.frame)
	pe := readEntry(table, tableIndex)
	if !pe.present() {
		return false, false, 0
	}
	writeEntry(table, tableIndex, entry{})
	return true, pe.flags&NoReclaim == 0, pe.frame
}

// Translate walks dirFrame to find the physical frame currently backing
// vaddr, mirroring get_current_physical_address's lookup half (allocate-on-
// demand is the caller's responsibility, via the vm package's fault path).
func (m *Manager) Translate(dirFrame defs.Frame, vaddr uint32) (defs.Frame, bool) {
	dirIndex, tableIndex := dirTableIndex(vaddr)
	dir := m.tableEntries(dirFrame)
	de := readEntry(dir, dirIndex)
	if !de.present() {
		return 0, false
	}
	table := m.tableEntries(de.frame)
	pe := readEntry(table, tableIndex)
	if !pe.present() {
		return 0, false
	}
	return pe.frame, true
}

// ReadBytes copies n bytes starting at a frame+offset, the simulation's
// stand-in for a scratch-mapped read of a foreign physical frame (§4.2,
// §9 "Foreign page-directory editing").
func (m *Manager) ReadBytes(f defs.Frame, offset, n int) []byte {
	buf := make([]byte, n)
	copy(buf, m.alloc.Bytes(f)[offset:offset+n])
	return buf
}

// WriteBytes writes data at a frame+offset, the stand-in for a scratch-
// mapped write. Used by the AsyncOp completion protocol (§4.6) to write the
// return_value and signal words through "another address space".
func (m *Manager) WriteBytes(f defs.Frame, offset int, data []byte) {
	copy(m.alloc.Bytes(f)[offset:], data)
}
