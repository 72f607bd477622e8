// Package table implements the FAT12 allocation table (spec.md §4.9,
// component C10): packed 12-bit cluster entries, cluster geometry, and
// chain allocate/free.
//
// No standalone table.rs survived into the retrieved original_source pack
// (it is referenced by fatdriver/src/dir.rs as `crate::table::AllocationTable`
// but the file itself was filtered out), so this package implements spec.md
// §4.9's encode/decode and chain algorithms directly from its prose,
// matching the calling shape dir.rs expects: bytes_per_cluster(),
// get_cluster_location(c), get_next_cluster(c), set_cluster_entry(prev,
// next), allocate_cluster(), free_chain(start).
package table

import (
	"fmt"

	"idosnx/internal/defs"
	"idosnx/internal/fat/cache"
)

const (
	// End-of-chain / bad-cluster / free markers, spec.md §4.9.
	eocMin   = 0xFF8
	badMark  = 0xFF7
	freeMark = 0x000
	maxValue = 0xFFF
)

// Geometry is the subset of the BPB the allocation table needs: where FAT1
// starts and how big a cluster is.
type Geometry struct {
	FATStartByte      uint32 // byte offset of FAT1 on disk
	SectorsPerFAT     uint32
	SectorsPerCluster uint32
	BytesPerSector    uint32
	DataStartByte     uint32 // byte offset of cluster 2
	TotalClusterCount uint32
}

// AllocationTable is a borrowed view of FAT1 with geometry, spec.md §3.
type AllocationTable struct {
	geo   Geometry
	cache *cache.Cache
}

func New(geo Geometry, c *cache.Cache) *AllocationTable {
	return &AllocationTable{geo: geo, cache: c}
}

// BytesPerCluster implements bytes_per_cluster = sectors_per_cluster * 512.
func (t *AllocationTable) BytesPerCluster() uint32 {
	return t.geo.SectorsPerCluster * t.geo.BytesPerSector
}

// ClusterLocation implements cluster_location(c) = data_start + (c-2) *
// bytes_per_cluster.
func (t *AllocationTable) ClusterLocation(cluster uint32) uint32 {
	return t.geo.DataStartByte + (cluster-2)*t.BytesPerCluster()
}

// entryByteOffset returns the byte offset of the 3-byte-packed-pair
// straddling cluster c within FAT1, per spec.md §4.9: "base = (c/2) * 3".
func (t *AllocationTable) entryByteOffset(c uint32) uint32 {
	return t.geo.FATStartByte + (c/2)*3
}

// checkCluster bounds c to the valid data-cluster range [2,
// total_cluster_count + 2).
func (t *AllocationTable) checkCluster(c uint32) error {
	if c < 2 || c >= t.geo.TotalClusterCount+2 {
		return fmt.Errorf("fat/table: %w: cluster %d out of range", defs.EINVALARG, c)
	}
	return nil
}

// GetEntry reads the 12-bit FAT entry for cluster c: "if c is even take low
// 12 bits of the 24-bit little-endian value at base, else take the high
// 12."
func (t *AllocationTable) GetEntry(c uint32) (uint32, error) {
	if err := t.checkCluster(c); err != nil {
		return 0, err
	}
	buf := make([]byte, 3)
	if _, err := t.cache.ReadBytes(t.entryByteOffset(c), buf); err != nil {
		return 0, fmt.Errorf("fat/table: read entry %d: %w", c, err)
	}
	triple := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	if c%2 == 0 {
		return triple & 0xFFF, nil
	}
	return triple >> 12, nil
}

// SetEntry writes value into cluster c's 12-bit slot, preserving the
// untouched neighbor packed into the same 3-byte pair.
func (t *AllocationTable) SetEntry(c uint32, value uint32) error {
	if err := t.checkCluster(c); err != nil {
		return err
	}
	off := t.entryByteOffset(c)
	buf := make([]byte, 3)
	if _, err := t.cache.ReadBytes(off, buf); err != nil {
		return fmt.Errorf("fat/table: read entry %d for update: %w", c, err)
	}
	triple := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	value &= 0xFFF
	if c%2 == 0 {
		triple = (triple &^ 0xFFF) | value
	} else {
		triple = (triple &^ 0xFFF000) | (value << 12)
	}
	buf[0] = byte(triple)
	buf[1] = byte(triple >> 8)
	buf[2] = byte(triple >> 16)
	if err := t.cache.WriteBytes(off, buf); err != nil {
		return fmt.Errorf("fat/table: write entry %d: %w", c, err)
	}
	return nil
}

// IsEndOfChain reports whether value marks chain termination (>= 0xFF8).
func IsEndOfChain(value uint32) bool { return value >= eocMin }

// IsFree reports whether value marks a free cluster (0x000).
func IsFree(value uint32) bool { return value == freeMark }

// GetNextCluster returns the next cluster in c's chain, or false at
// end-of-chain (matching dir.rs's `Option<u32>` return convention used by
// cache_cluster_chain's while loop).
func (t *AllocationTable) GetNextCluster(c uint32) (uint32, bool, error) {
	v, err := t.GetEntry(c)
	if err != nil {
		return 0, false, err
	}
	if IsEndOfChain(v) || v == badMark {
		return 0, false, nil
	}
	return v, true, nil
}

// SetClusterEntry links prev -> next, spec.md §4.9 set_cluster_entry.
func (t *AllocationTable) SetClusterEntry(prev, next uint32) error {
	return t.SetEntry(prev, next)
}

// AllocateCluster performs the linear scan from spec.md §4.9: "scans
// entries from 2 upward for the first free; on success writes the
// end-of-chain marker into that entry and returns the cluster number."
func (t *AllocationTable) AllocateCluster() (uint32, error) {
	for c := uint32(2); c < t.geo.TotalClusterCount+2; c++ {
		v, err := t.GetEntry(c)
		if err != nil {
			return 0, err
		}
		if IsFree(v) {
			if err := t.SetEntry(c, maxValue); err != nil {
				return 0, err
			}
			return c, nil
		}
	}
	return 0, fmt.Errorf("fat/table: %w: no free cluster", defs.ERESOURCELIMIT)
}

// FreeChain walks the chain from start writing 0x000 to every cluster,
// spec.md §4.9 free_chain.
func (t *AllocationTable) FreeChain(start uint32) error {
	c := start
	for {
		next, ok, err := t.GetNextCluster(c)
		if err != nil {
			return err
		}
		if err := t.SetEntry(c, freeMark); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c = next
	}
}

// ReachableClusters walks the chain from start, returning every visited
// cluster number (used by the §8 pairwise-disjointness test helper and by
// File.cacheClusterChain).
func (t *AllocationTable) ReachableClusters(start uint32) ([]uint32, error) {
	if start == 0 {
		return nil, nil
	}
	var out []uint32
	c := start
	for {
		out = append(out, c)
		next, ok, err := t.GetNextCluster(c)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		c = next
	}
}
