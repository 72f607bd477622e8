package dir

import (
	"strings"
	"time"

	"idosnx/internal/defs"
	"idosnx/internal/fat/cache"
	"idosnx/internal/fat/table"
)

// entriesPerCluster/entriesPerSector let Root/SubDirectory convert slot
// indices into byte offsets without duplicating the arithmetic.
const entriesPerSector = 512 / EntrySize

// Clock supplies the wall time used to stamp directory entries, standing in
// for dir.rs's injected get_timestamp() fn pointer. Defaults to the host
// clock; tests and the boot simulator seed it with a fixed epoch instead.
var Clock = func() int64 { return time.Now().Unix() }

func now() uint32 {
	t := time.Unix(Clock(), 0).UTC()
	return EncodeTimestamp(uint16(t.Year()), uint16(t.Month()), uint16(t.Day()),
		uint16(t.Hour()), uint16(t.Minute()), uint16(t.Second()))
}

// AnyDirectory is the Root/Sub dispatch interface from dir.rs's
// AnyDirectory enum: resolve_path and the driver layer operate on whichever
// kind they were handed without caring which.
type AnyDirectory interface {
	FindEntry(name string) (Entry, uint32, bool, error)
	AddEntry(e Entry) (uint32, error)
	RemoveEntry(slot uint32) error
	WriteEntry(slot uint32, e Entry) error
	ReadEntry(slot uint32) (Entry, error)
}

// RootDirectory is the fixed-size, non-chained FAT12 root directory area
// (dir.rs's RootDirectory).
type RootDirectory struct {
	cache      *cache.Cache
	startByte  uint32
	maxEntries uint32
}

func NewRootDirectory(c *cache.Cache, startByte, maxEntries uint32) *RootDirectory {
	return &RootDirectory{cache: c, startByte: startByte, maxEntries: maxEntries}
}

func (r *RootDirectory) slotOffset(slot uint32) uint32 {
	return r.startByte + slot*EntrySize
}

func (r *RootDirectory) ReadEntry(slot uint32) (Entry, error) {
	buf := make([]byte, EntrySize)
	if _, err := r.cache.ReadBytes(r.slotOffset(slot), buf); err != nil {
		return Entry{}, err
	}
	return Decode(buf), nil
}

func (r *RootDirectory) WriteEntry(slot uint32, e Entry) error {
	return r.cache.WriteBytes(r.slotOffset(slot), e.Encode())
}

// Iter walks live (non-free, non-LFN) entries, matching RootDirectoryIter.
func (r *RootDirectory) Iter(fn func(slot uint32, e Entry) bool) error {
	for slot := uint32(0); slot < r.maxEntries; slot++ {
		e, err := r.ReadEntry(slot)
		if err != nil {
			return err
		}
		if e.IsEndOfDirectory() {
			return nil
		}
		if e.IsFree() || e.IsLongNameEntry() {
			continue
		}
		if !fn(slot, e) {
			return nil
		}
	}
	return nil
}

func (r *RootDirectory) FindEntry(name string) (Entry, uint32, bool, error) {
	nameBytes, extBytes, extLen := ParseShortName(name)
	var found Entry
	var foundSlot uint32
	ok := false
	err := r.Iter(func(slot uint32, e Entry) bool {
		if e.MatchesName(nameBytes, extBytes, extLen) {
			found, foundSlot, ok = e, slot, true
			return false
		}
		return true
	})
	return found, foundSlot, ok, err
}

// AddEntry finds the first free or end-of-directory slot and writes e into
// it, matching RootDirectory::add_entry. Returns ERESOURCELIMIT if the
// fixed root area is full (dir.rs has no chain to extend here).
func (r *RootDirectory) AddEntry(e Entry) (uint32, error) {
	e.StampAll(now())
	for slot := uint32(0); slot < r.maxEntries; slot++ {
		existing, err := r.ReadEntry(slot)
		if err != nil {
			return 0, err
		}
		if existing.IsFree() {
			if err := r.WriteEntry(slot, e); err != nil {
				return 0, err
			}
			return slot, nil
		}
	}
	return 0, defs.ERESOURCELIMIT
}

func (r *RootDirectory) RemoveEntry(slot uint32) error {
	e, err := r.ReadEntry(slot)
	if err != nil {
		return err
	}
	e.MarkDeleted()
	return r.WriteEntry(slot, e)
}

// SubDirectory is a cluster-chain-backed directory (dir.rs's SubDirectory):
// "." and ".." occupy the first two slots of its first cluster.
type SubDirectory struct {
	cache        *cache.Cache
	table        *table.AllocationTable
	firstCluster uint32
}

func NewSubDirectory(c *cache.Cache, t *table.AllocationTable, firstCluster uint32) *SubDirectory {
	return &SubDirectory{cache: c, table: t, firstCluster: firstCluster}
}

// FirstCluster returns the cluster this subdirectory's chain begins at,
// used by mkdir to seed a freshly created child's ".." entry.
func (s *SubDirectory) FirstCluster() uint32 { return s.firstCluster }

func (s *SubDirectory) entriesPerCluster() uint32 {
	return s.table.BytesPerCluster() / EntrySize
}

// slotLocation resolves a linear slot index to (cluster, byte offset),
// walking the chain from firstCluster.
func (s *SubDirectory) slotLocation(slot uint32) (uint32, uint32, error) {
	perCluster := s.entriesPerCluster()
	cluster := s.firstCluster
	remaining := slot
	for remaining >= perCluster {
		next, ok, err := s.table.GetNextCluster(cluster)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, defs.ENOTFOUND
		}
		cluster = next
		remaining -= perCluster
	}
	offset := s.table.ClusterLocation(cluster) + remaining*EntrySize
	return cluster, offset, nil
}

func (s *SubDirectory) ReadEntry(slot uint32) (Entry, error) {
	_, offset, err := s.slotLocation(slot)
	if err != nil {
		return Entry{}, err
	}
	buf := make([]byte, EntrySize)
	if _, err := s.cache.ReadBytes(offset, buf); err != nil {
		return Entry{}, err
	}
	return Decode(buf), nil
}

func (s *SubDirectory) WriteEntry(slot uint32, e Entry) error {
	_, offset, err := s.slotLocation(slot)
	if err != nil {
		return err
	}
	return s.cache.WriteBytes(offset, e.Encode())
}

// Iter walks every live entry across the whole cluster chain.
func (s *SubDirectory) Iter(fn func(slot uint32, e Entry) bool) error {
	perCluster := s.entriesPerCluster()
	cluster := s.firstCluster
	slot := uint32(0)
	for {
		for i := uint32(0); i < perCluster; i++ {
			offset := s.table.ClusterLocation(cluster) + i*EntrySize
			buf := make([]byte, EntrySize)
			if _, err := s.cache.ReadBytes(offset, buf); err != nil {
				return err
			}
			e := Decode(buf)
			if e.IsEndOfDirectory() {
				return nil
			}
			if !e.IsFree() && !e.IsLongNameEntry() {
				if !fn(slot, e) {
					return nil
				}
			}
			slot++
		}
		next, ok, err := s.table.GetNextCluster(cluster)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cluster = next
	}
}

func (s *SubDirectory) FindEntry(name string) (Entry, uint32, bool, error) {
	nameBytes, extBytes, extLen := ParseShortName(name)
	var found Entry
	var foundSlot uint32
	ok := false
	err := s.Iter(func(slot uint32, e Entry) bool {
		if e.MatchesName(nameBytes, extBytes, extLen) {
			found, foundSlot, ok = e, slot, true
			return false
		}
		return true
	})
	return found, foundSlot, ok, err
}

// AddEntry finds a free slot, extending the chain by one zeroed cluster
// when the existing chain is full (dir.rs's SubDirectory::add_entry /
// write_entry).
func (s *SubDirectory) AddEntry(e Entry) (uint32, error) {
	e.StampAll(now())
	perCluster := s.entriesPerCluster()
	cluster := s.firstCluster
	slot := uint32(0)
	for {
		for i := uint32(0); i < perCluster; i++ {
			offset := s.table.ClusterLocation(cluster) + i*EntrySize
			buf := make([]byte, EntrySize)
			if _, err := s.cache.ReadBytes(offset, buf); err != nil {
				return 0, err
			}
			existing := Decode(buf)
			if existing.IsFree() {
				if err := s.cache.WriteBytes(offset, e.Encode()); err != nil {
					return 0, err
				}
				return slot, nil
			}
			slot++
		}
		next, ok, err := s.table.GetNextCluster(cluster)
		if err != nil {
			return 0, err
		}
		if ok {
			cluster = next
			continue
		}

		newCluster, err := s.table.AllocateCluster()
		if err != nil {
			return 0, err
		}
		if err := s.table.SetClusterEntry(cluster, newCluster); err != nil {
			return 0, err
		}
		if err := s.zeroCluster(newCluster); err != nil {
			return 0, err
		}
		offset := s.table.ClusterLocation(newCluster)
		if err := s.cache.WriteBytes(offset, e.Encode()); err != nil {
			return 0, err
		}
		return slot, nil
	}
}

func (s *SubDirectory) zeroCluster(cluster uint32) error {
	zero := make([]byte, s.table.BytesPerCluster())
	return s.cache.WriteBytes(s.table.ClusterLocation(cluster), zero)
}

func (s *SubDirectory) RemoveEntry(slot uint32) error {
	e, err := s.ReadEntry(slot)
	if err != nil {
		return err
	}
	e.MarkDeleted()
	return s.WriteEntry(slot, e)
}

// IsEmpty reports whether a subdirectory holds only "." and ".." — dir.rs's
// is_subdir_empty, consulted by rmdir before allowing removal.
func (s *SubDirectory) IsEmpty() (bool, error) {
	count := 0
	err := s.Iter(func(slot uint32, e Entry) bool {
		name := e.FullName()
		if name != "." && name != ".." {
			count++
			return false
		}
		return true
	})
	return count == 0, err
}

// NewDirectoryCluster zeros a freshly allocated cluster and seeds it with
// "." and ".." entries pointing at itself and parentCluster (0 for the
// root directory, which has no cluster of its own), matching the
// convention a FAT mkdir implementation follows when it extends the
// allocation table by one cluster for a brand-new subdirectory — the same
// "zero it" step SubDirectory.AddEntry performs when growing an existing
// chain, applied here to a chain's very first cluster.
func NewDirectoryCluster(c *cache.Cache, t *table.AllocationTable, selfCluster, parentCluster uint32) error {
	zero := make([]byte, t.BytesPerCluster())
	base := t.ClusterLocation(selfCluster)
	if err := c.WriteBytes(base, zero); err != nil {
		return err
	}

	dot := NewEntry()
	dot.Attributes = AttrDirectory
	dot.Name[0] = '.'
	dot.FirstCluster = uint16(selfCluster)
	dot.StampAll(now())
	if err := c.WriteBytes(base, dot.Encode()); err != nil {
		return err
	}

	dotdot := NewEntry()
	dotdot.Attributes = AttrDirectory
	dotdot.Name[0], dotdot.Name[1] = '.', '.'
	dotdot.FirstCluster = uint16(parentCluster)
	dotdot.StampAll(now())
	return c.WriteBytes(base+EntrySize, dotdot.Encode())
}

// splitPath separates the final path component (the leaf to create/find)
// from the sequence of directory names leading to it, matching dir.rs's
// resolve_path split-on-separator behavior. Both "/" and "\" are accepted
// component separators, as on the original DOS-descended path syntax.
func splitPath(path string) (components []string, leaf string) {
	trimmed := strings.Trim(path, "/\\")
	if trimmed == "" {
		return nil, ""
	}
	parts := strings.FieldsFunc(trimmed, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return nil, ""
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// ResolvePath walks path's intermediate directory components starting from
// root, returning the AnyDirectory that should contain the final leaf name
// plus that leaf name itself — mirroring dir.rs's resolve_path. An empty
// path resolves to (root, "").
func ResolvePath(root *RootDirectory, c *cache.Cache, t *table.AllocationTable, path string) (AnyDirectory, string, error) {
	components, leaf := splitPath(path)
	var current AnyDirectory = root
	for _, comp := range components {
		entry, _, found, err := current.FindEntry(comp)
		if err != nil {
			return nil, "", err
		}
		if !found {
			return nil, "", defs.ENOTFOUND
		}
		if !entry.IsDirectory() {
			return nil, "", defs.EINVALARG
		}
		current = NewSubDirectory(c, t, uint32(entry.FirstCluster))
	}
	return current, leaf, nil
}
