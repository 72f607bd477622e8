// Package cache implements the FAT sector cache (spec.md §4.8, component
// C9): LRU + hashed lookup + readahead + write-back over a raw block
// device.
//
// Grounded on original_source/fatdriver/src/disk.rs's DiskAccess: the same
// fixed 512-byte sector size, 16-sector readahead window, 256-slot open-
// addressing hash table with Robin-Hood rehashing on deletion, and
// monotonic global-age LRU. Where disk.rs mmaps its cache buffer directly
// from the kernel (or leaks a heap Vec on host builds), this package just
// allocates a Go byte slice — there is no kernel heap to avoid pressuring.
package cache

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"idosnx/internal/metrics"
)

var log = logrus.WithField("component", "fat-cache")

const (
	sectorSize      = 512
	readaheadSector = 16
	hashTableSize   = 256
	hashEmpty       = 0xFFFF
)

// DiskIO abstracts raw sector-addressed reads/writes, mirroring disk.rs's
// DiskIO trait. On this host build it is backed by an os.File-like seeker
// (see internal/fat.FileDisk); on real hardware it would be an AHCI/ATA
// driver handle.
type DiskIO interface {
	ReadAt(buf []byte, offset uint32) (uint32, error)
	WriteAt(buf []byte, offset uint32) error
}

type cacheEntry struct {
	lba        uint32
	lastAccess uint32
	dirty      bool
}

// Cache is the sector cache described in spec.md §4.8/§8: for every LBA
// present in the hash table, the indexed slot's lba matches and last_access
// is unique; flush_all leaves no slot dirty.
type Cache struct {
	disk       DiskIO
	buf        []byte // sectorSize * maxEntries, plus a readahead staging area
	entries    []cacheEntry
	hashTable  [hashTableSize]uint32
	globalAge  uint32
	maxEntries int
}

// New constructs a cache with room for maxEntries sectors plus the fixed
// readahead staging area, matching disk.rs::DiskAccess::new's page-aligned
// buffer sizing (the page-alignment itself is not meaningful on a host
// byte slice, so it is dropped here; the slot count is what matters).
func New(disk DiskIO, maxEntries int) *Cache {
	c := &Cache{
		disk:       disk,
		buf:        make([]byte, (maxEntries+readaheadSector)*sectorSize),
		entries:    make([]cacheEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
	for i := range c.hashTable {
		c.hashTable[i] = hashEmpty
	}
	return c
}

func hashLBA(lba uint32) uint32 {
	return (lba * 2654435761) >> 16 & (hashTableSize - 1)
}

func (c *Cache) stagingOffset() int { return c.maxEntries * sectorSize }

// hashLookup is the O(1) amortized lookup from spec.md §4.8.
func (c *Cache) hashLookup(lba uint32) (int, bool) {
	idx := hashLBA(lba)
	for i := 0; i < hashTableSize; i++ {
		slot := c.hashTable[idx]
		if slot == hashEmpty {
			return 0, false
		}
		if c.entries[slot].lba == lba {
			return int(slot), true
		}
		idx = (idx + 1) & (hashTableSize - 1)
	}
	return 0, false
}

func (c *Cache) hashInsert(lba uint32, slot int) {
	idx := hashLBA(lba)
	for i := 0; i < hashTableSize; i++ {
		if c.hashTable[idx] == hashEmpty {
			c.hashTable[idx] = uint32(slot)
			return
		}
		idx = (idx + 1) & (hashTableSize - 1)
	}
}

// hashRemove deletes lba's entry and rehashes every subsequent occupied
// probe-chain slot so no lookup ever sees a gap hiding a valid entry
// (disk.rs's hash_remove; spec.md §4.8 invariant "the hash table never
// contains a stale entry"; SPEC_FULL.md supplemented-feature #5).
func (c *Cache) hashRemove(lba uint32) {
	idx := hashLBA(lba)
	for i := 0; i < hashTableSize; i++ {
		slot := c.hashTable[idx]
		if slot == hashEmpty {
			return
		}
		if c.entries[slot].lba == lba {
			c.hashTable[idx] = hashEmpty
			next := (idx + 1) & (hashTableSize - 1)
			for c.hashTable[next] != hashEmpty {
				rehashSlot := c.hashTable[next]
				rehashLBA := c.entries[rehashSlot].lba
				c.hashTable[next] = hashEmpty
				c.hashInsert(rehashLBA, int(rehashSlot))
				next = (next + 1) & (hashTableSize - 1)
			}
			return
		}
		idx = (idx + 1) & (hashTableSize - 1)
	}
}

// cacheSector returns the slot backing lba, populating it via readahead on
// a miss.
func (c *Cache) cacheSector(lba uint32) (int, error) {
	c.globalAge++
	if slot, ok := c.hashLookup(lba); ok {
		c.entries[slot].lastAccess = c.globalAge
		metrics.CacheHits.Inc()
		return slot, nil
	}
	metrics.CacheMisses.Inc()
	if err := c.readahead(lba); err != nil {
		return 0, err
	}
	slot, ok := c.hashLookup(lba)
	if !ok {
		return 0, fmt.Errorf("fat/cache: readahead did not populate lba %d", lba)
	}
	return slot, nil
}

// readahead issues a single read spanning up to readaheadSector
// not-yet-cached consecutive sectors starting at startLBA, then distributes
// each sector into an allocated slot — disk.rs's readahead, ported
// verbatim in shape.
func (c *Cache) readahead(startLBA uint32) error {
	count := 0
	for i := 0; i < readaheadSector; i++ {
		if _, ok := c.hashLookup(startLBA + uint32(i)); ok {
			break
		}
		count++
	}
	// A window wider than the cache would evict sectors from its own
	// batch before they were ever returned.
	if count > c.maxEntries {
		count = c.maxEntries
	}
	if count == 0 {
		return nil
	}

	slots := make([]int, count)
	for i := 0; i < count; i++ {
		slot, err := c.allocateSlot(startLBA + uint32(i))
		if err != nil {
			return err
		}
		slots[i] = slot
	}

	stagingOff := c.stagingOffset()
	readSize := count * sectorSize
	staging := c.buf[stagingOff : stagingOff+readSize]
	if _, err := c.disk.ReadAt(staging, startLBA*sectorSize); err != nil {
		return fmt.Errorf("fat/cache: readahead: %w", err)
	}

	for i := 0; i < count; i++ {
		srcStart := stagingOff + i*sectorSize
		dstStart := slots[i] * sectorSize
		copy(c.buf[dstStart:dstStart+sectorSize], c.buf[srcStart:srcStart+sectorSize])
	}
	return nil
}

// allocateSlot grabs a free cache slot or evicts the least-recently-used
// entry, flushing it first if dirty.
func (c *Cache) allocateSlot(lba uint32) (int, error) {
	// Each allocation takes its own age tick so last_access values stay
	// mutually distinct even within one readahead batch.
	c.globalAge++
	if len(c.entries) < c.maxEntries {
		idx := len(c.entries)
		c.entries = append(c.entries, cacheEntry{lba: lba, lastAccess: c.globalAge})
		c.hashInsert(lba, idx)
		return idx, nil
	}

	oldestIdx := 0
	oldestAccess := ^uint32(0)
	for i, e := range c.entries {
		if e.lastAccess < oldestAccess {
			oldestIdx = i
			oldestAccess = e.lastAccess
		}
	}

	if c.entries[oldestIdx].dirty {
		if err := c.flushSlot(oldestIdx); err != nil {
			return 0, err
		}
	}

	oldLBA := c.entries[oldestIdx].lba
	c.hashRemove(oldLBA)
	c.hashInsert(lba, oldestIdx)
	c.entries[oldestIdx] = cacheEntry{lba: lba, lastAccess: c.globalAge}
	log.WithFields(logrus.Fields{"evicted_lba": oldLBA, "new_lba": lba}).Trace("sector cache eviction")
	return oldestIdx, nil
}

func (c *Cache) flushSlot(slot int) error {
	e := &c.entries[slot]
	off := slot * sectorSize
	if err := c.disk.WriteAt(c.buf[off:off+sectorSize], e.lba*sectorSize); err != nil {
		return fmt.Errorf("fat/cache: flush lba %d: %w", e.lba, err)
	}
	e.dirty = false
	return nil
}

// ReadBytes implements read_bytes_from_disk: copy the relevant bytes out of
// however many sectors [offset, offset+len(out)) touches.
func (c *Cache) ReadBytes(offset uint32, out []byte) (uint32, error) {
	firstSector := offset / sectorSize
	lastByte := offset + uint32(len(out))
	lastSector := (lastByte + sectorSize - 1) / sectorSize
	sectorOffset := offset % sectorSize
	toRead := uint32(len(out))
	var bytesRead uint32

	for sector := firstSector; sector < lastSector; sector++ {
		slot, err := c.cacheSector(sector)
		if err != nil {
			return bytesRead, err
		}
		remainInSector := sectorSize - sectorOffset
		n := toRead
		if n > remainInSector {
			n = remainInSector
		}
		srcStart := slot*sectorSize + int(sectorOffset)
		copy(out[bytesRead:bytesRead+n], c.buf[srcStart:srcStart+int(n)])

		bytesRead += n
		toRead -= n
		sectorOffset = 0
	}
	return bytesRead, nil
}

// WriteBytes implements write_bytes_to_disk: every touched sector is cached
// first (so a partial write preserves the untouched remainder), then the
// incoming bytes overwrite the slot and it is marked dirty.
func (c *Cache) WriteBytes(offset uint32, data []byte) error {
	firstSector := offset / sectorSize
	lastByte := offset + uint32(len(data))
	lastSector := (lastByte + sectorSize - 1) / sectorSize
	sectorOffset := offset % sectorSize
	var written uint32

	for sector := firstSector; sector < lastSector; sector++ {
		slot, err := c.cacheSector(sector)
		if err != nil {
			return err
		}
		c.entries[slot].dirty = true
		remainInSector := sectorSize - sectorOffset
		n := uint32(len(data)) - written
		if n > remainInSector {
			n = remainInSector
		}
		dstStart := slot*sectorSize + int(sectorOffset)
		copy(c.buf[dstStart:dstStart+int(n)], data[written:written+n])
		written += n
		sectorOffset = 0
	}
	return nil
}

// FlushAll writes every dirty slot back to disk, invoked at close and after
// every mutation that could matter for durability (spec.md §4.8).
func (c *Cache) FlushAll() error {
	for i := range c.entries {
		if c.entries[i].dirty {
			if err := c.flushSlot(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports cache occupancy for the prometheus gauges in
// internal/metrics.
func (c *Cache) Stats() (entries, maxEntries int, globalAge uint32) {
	return len(c.entries), c.maxEntries, c.globalAge
}
