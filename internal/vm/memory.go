// Package vm implements the per-task virtual memory map (spec.md §4.3,
// component C3): an ordered set of non-overlapping regions with backing
// metadata, address selection, and range-based unmap.
//
// Ported from original_source/kernel/src/task/memory.rs's TaskMemory /
// MemMappedRegion / map_memory / unmap_memory, extended from the original's
// three-kind MemoryBacking (Direct/Anonymous/DMA) to spec.md's four-kind
// Backing (Direct/Free/ISADMA/FileBacked), per SPEC_FULL.md's supplemented-
// features note on the FileBacked shared/private split.
package vm

import (
	"fmt"
	"sort"
	"sync"

	"idosnx/internal/defs"
)

// MemoryTop is the highest address eligible for automatic placement; ELF
// executables occupy the bottom of user space and must not be disturbed by
// the "search top-down" policy (spec.md §4.3).
const MemoryTop uint32 = 0xBFFFE000

// UserSpaceLimit bounds every region: "for every region r, r.vaddr + r.size
// <= 0xC0000000" (spec.md §3).
const UserSpaceLimit uint32 = 0xC0000000

// BackingKind enumerates the four backing kinds from spec.md §3.
type BackingKind int

const (
	Direct BackingKind = iota
	Free
	ISADMA
	FileBacked
)

// Backing carries kind-specific metadata for a Region.
type Backing struct {
	Kind BackingKind

	// Direct
	PhysAddr defs.Frame

	// FileBacked
	DriverID     uint32
	MappingToken uint32
	OffsetInFile uint32
	Shared       bool
}

// Region is a per-task memory-mapped range, spec.md §3 "Memory region".
type Region struct {
	Vaddr   uint32
	Size    uint32
	Backing Backing
}

func (r Region) end() uint32 { return r.Vaddr + r.Size }

func overlaps(aStart, aEnd, bStart, bEnd uint32) bool {
	return aStart < bEnd && bStart < aEnd
}

// TaskMemory is the per-task ordered map of regions, keyed by start address.
type TaskMemory struct {
	mu      sync.Mutex
	regions []Region // kept sorted by Vaddr
}

func New() *TaskMemory {
	return &TaskMemory{}
}

func (tm *TaskMemory) insertLocked(r Region) {
	i := sort.Search(len(tm.regions), func(i int) bool { return tm.regions[i].Vaddr >= r.Vaddr })
	tm.regions = append(tm.regions, Region{})
	copy(tm.regions[i+1:], tm.regions[i:])
	tm.regions[i] = r
}

func (tm *TaskMemory) canFitLocked(vaddr, size uint32) bool {
	if vaddr%defs.PageSize != 0 {
		return false
	}
	end := vaddr + size
	if end > UserSpaceLimit || end < vaddr {
		return false
	}
	for _, r := range tm.regions {
		if overlaps(vaddr, end, r.Vaddr, r.end()) {
			return false
		}
	}
	return true
}

// findFreeLocked implements spec.md §4.3's placement policy: "walk regions
// from the top of user space (0xBFFFE000) downward, choose the first hole
// large enough, allocate at the highest-aligned address inside it."
func (tm *TaskMemory) findFreeLocked(size uint32) (uint32, error) {
	size = uint32(defs.AlignUp(uintptr(size)))
	cursor := MemoryTop
	// regions sorted ascending; walk descending by iterating in reverse.
	for i := len(tm.regions) - 1; i >= 0; i-- {
		r := tm.regions[i]
		if r.Vaddr >= cursor {
			continue
		}
		holeEnd := cursor
		holeStart := r.end()
		if holeStart > holeEnd {
			continue
		}
		if holeEnd-holeStart >= size {
			return holeEnd - size, nil
		}
		cursor = r.Vaddr
	}
	if cursor >= size {
		return cursor - size, nil
	}
	return 0, fmt.Errorf("vm: %w: no free region of size %d", defs.ERESOURCELIMIT, size)
}

// MapMemory implements map_memory(addr_opt, size, backing) -> vaddr.
func (tm *TaskMemory) MapMemory(addrOpt *uint32, size uint32, backing Backing) (uint32, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	size = uint32(defs.AlignUp(uintptr(size)))
	var vaddr uint32
	if addrOpt != nil {
		if !tm.canFitLocked(*addrOpt, size) {
			return 0, fmt.Errorf("vm: %w: requested range overlaps an existing mapping", defs.EINVALARG)
		}
		vaddr = *addrOpt
	} else {
		v, err := tm.findFreeLocked(size)
		if err != nil {
			return 0, err
		}
		vaddr = v
	}

	tm.insertLocked(Region{Vaddr: vaddr, Size: size, Backing: backing})
	return vaddr, nil
}

// UnmapMemory implements unmap_memory(addr, len) -> removed range: it finds
// every overlapping region, removes it, and reinserts the non-overlapping
// prefix/suffix remainders, splitting regions as needed (memory.rs's
// modified_regions logic).
func (tm *TaskMemory) UnmapMemory(addr, length uint32) ([]Region, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	end := addr + length
	var removed []Region
	var kept []Region

	for _, r := range tm.regions {
		if !overlaps(addr, end, r.Vaddr, r.end()) {
			kept = append(kept, r)
			continue
		}
		removed = append(removed, r)
		if r.Vaddr < addr {
			kept = append(kept, Region{Vaddr: r.Vaddr, Size: addr - r.Vaddr, Backing: r.Backing})
		}
		if r.end() > end {
			kept = append(kept, Region{Vaddr: end, Size: r.end() - end, Backing: r.Backing})
		}
	}

	if len(removed) == 0 {
		return nil, fmt.Errorf("vm: %w: no mapping at %#x", defs.EINVALARG, addr)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Vaddr < kept[j].Vaddr })
	tm.regions = kept
	return removed, nil
}

// GetMappingContainingAddress returns the region covering va, if any.
func (tm *TaskMemory) GetMappingContainingAddress(va uint32) (Region, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, r := range tm.regions {
		if va >= r.Vaddr && va < r.end() {
			return r, true
		}
	}
	return Region{}, false
}

// Regions returns a snapshot of all regions, ascending by Vaddr.
func (tm *TaskMemory) Regions() []Region {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]Region, len(tm.regions))
	copy(out, tm.regions)
	return out
}
