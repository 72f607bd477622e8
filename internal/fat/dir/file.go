package dir

import (
	"idosnx/internal/defs"
	"idosnx/internal/fat/cache"
	"idosnx/internal/fat/table"
)

// File is a regular-file handle over a directory entry's cluster chain,
// ported from dir.rs's File: the directory entry's first_cluster/byte_size
// fields are the source of truth, with an in-memory chain cache so
// sequential reads/writes don't re-walk the FAT from cluster 2 every call.
type File struct {
	cache *cache.Cache
	table *table.AllocationTable

	dir  AnyDirectory
	slot uint32

	entry Entry
	chain []uint32 // cached cluster list, lazily populated
}

// NewFile binds a File to the directory slot that owns its on-disk entry,
// so growth can rewrite byte_size/first_cluster back in place (dir.rs's
// File::from_dir_entry together with its dir_entry_mut write-back).
func NewFile(c *cache.Cache, t *table.AllocationTable, parent AnyDirectory, slot uint32, entry Entry) *File {
	return &File{cache: c, table: t, dir: parent, slot: slot, entry: entry}
}

func (f *File) ByteSize() uint32     { return f.entry.ByteSize }
func (f *File) FirstCluster() uint32 { return uint32(f.entry.FirstCluster) }

// cacheClusterChain populates f.chain on first use, matching File::
// cache_cluster_chain's lazy walk.
func (f *File) cacheClusterChain() error {
	if f.chain != nil || f.entry.FirstCluster == 0 {
		return nil
	}
	chain, err := f.table.ReachableClusters(uint32(f.entry.FirstCluster))
	if err != nil {
		return err
	}
	f.chain = chain
	return nil
}

func (f *File) invalidateClusterCache() { f.chain = nil }

// Read copies up to len(buf) bytes starting at offset into buf, walking the
// cached cluster chain and stopping at end-of-file, matching File::read.
func (f *File) Read(offset uint32, buf []byte) (uint32, error) {
	if offset >= f.entry.ByteSize {
		return 0, nil
	}
	if err := f.cacheClusterChain(); err != nil {
		return 0, err
	}
	bytesPerCluster := f.table.BytesPerCluster()
	toRead := uint32(len(buf))
	if remaining := f.entry.ByteSize - offset; toRead > remaining {
		toRead = remaining
	}

	var read uint32
	clusterIdx := offset / bytesPerCluster
	inClusterOffset := offset % bytesPerCluster
	for read < toRead {
		if int(clusterIdx) >= len(f.chain) {
			break
		}
		cluster := f.chain[clusterIdx]
		base := f.table.ClusterLocation(cluster)
		n := bytesPerCluster - inClusterOffset
		if remain := toRead - read; n > remain {
			n = remain
		}
		if _, err := f.cache.ReadBytes(base+inClusterOffset, buf[read:read+n]); err != nil {
			return read, err
		}
		read += n
		clusterIdx++
		inClusterOffset = 0
	}
	return read, nil
}

// Write extends the cluster chain as needed and copies data in starting at
// offset, updating byte_size (and first_cluster, the first time a cluster
// is allocated) and writing the directory entry back, matching File::write.
func (f *File) Write(offset uint32, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := f.cacheClusterChain(); err != nil {
		return 0, err
	}
	bytesPerCluster := f.table.BytesPerCluster()
	neededClusters := int((offset+uint32(len(data))+bytesPerCluster-1)/bytesPerCluster)

	for len(f.chain) < neededClusters {
		var newCluster uint32
		var err error
		if len(f.chain) == 0 {
			newCluster, err = f.table.AllocateCluster()
			if err != nil {
				return 0, err
			}
			f.entry.FirstCluster = uint16(newCluster)
		} else {
			newCluster, err = f.table.AllocateCluster()
			if err != nil {
				return 0, err
			}
			if err := f.table.SetClusterEntry(f.chain[len(f.chain)-1], newCluster); err != nil {
				return 0, err
			}
		}
		f.chain = append(f.chain, newCluster)
	}

	var written uint32
	clusterIdx := offset / bytesPerCluster
	inClusterOffset := offset % bytesPerCluster
	for written < uint32(len(data)) {
		cluster := f.chain[clusterIdx]
		base := f.table.ClusterLocation(cluster)
		n := bytesPerCluster - inClusterOffset
		if remain := uint32(len(data)) - written; n > remain {
			n = remain
		}
		if err := f.cache.WriteBytes(base+inClusterOffset, data[written:written+n]); err != nil {
			return written, err
		}
		written += n
		clusterIdx++
		inClusterOffset = 0
	}

	if end := offset + written; end > f.entry.ByteSize {
		f.entry.ByteSize = end
	}
	f.entry.StampAll(now())
	if err := f.dir.WriteEntry(f.slot, f.entry); err != nil {
		return written, err
	}
	return written, nil
}

// Truncate handles only size zero: it frees the whole chain, clears
// first_cluster and byte_size, and writes the entry back. Any other size
// returns EUNSUPPORTED.
func (f *File) Truncate(size uint32) error {
	if size != 0 {
		return defs.EUNSUPPORTED
	}
	if err := f.cacheClusterChain(); err != nil {
		return err
	}
	if f.entry.FirstCluster != 0 {
		if err := f.table.FreeChain(uint32(f.entry.FirstCluster)); err != nil {
			return err
		}
	}
	f.entry.FirstCluster = 0
	f.entry.ByteSize = 0
	f.invalidateClusterCache()
	f.entry.StampAll(now())
	return f.dir.WriteEntry(f.slot, f.entry)
}

// Free releases the file's entire cluster chain, used by unlink.
func (f *File) Free() error {
	if f.entry.FirstCluster == 0 {
		return nil
	}
	return f.table.FreeChain(uint32(f.entry.FirstCluster))
}
