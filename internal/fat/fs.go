// Package fat wires the sector cache, allocation table, and directory
// layers into a single FAT12 filesystem handle, and parses/writes the BIOS
// Parameter Block that describes an image's on-disk geometry (spec.md §6,
// component C10).
//
// Grounded on original_source/fatdriver/src/driver.rs's FatDriver<D>, which
// owns exactly this trio (fs.table(), fs.root_dir(), disk cache) behind a
// single RefCell, and on spec.md §6's BPB byte layout. mkfs is ported from
// the shape of original_source/kernel/src/command/exec.rs's sibling mkfs
// command at a prose level, since no mkfs.rs survived retrieval.
package fat

import (
	"encoding/binary"
	"fmt"
	"os"

	"idosnx/internal/defs"
	"idosnx/internal/fat/cache"
	"idosnx/internal/fat/dir"
	"idosnx/internal/fat/table"
)

const (
	bpbOffset         = 0x0B
	sectorSize        = 512
	rootEntrySize     = 32
	defaultMediaDescr = 0xF0 // 1.44MB 3.5" floppy, spec.md §8's test fixture geometry
)

// BPB is the decoded subset of the standard FAT12 BIOS Parameter Block,
// spec.md §6: "beginning at byte 0x0B of sector 0".
type BPB struct {
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	ReservedSectors      uint16
	FATCount             uint8
	RootDirectoryEntries uint16
	TotalSectors         uint16
	MediaDescriptor      uint8
	SectorsPerFAT        uint16
}

// ParseBPB decodes the BPB from a sector-0 buffer (at least 512 bytes).
func ParseBPB(sector0 []byte) (BPB, error) {
	if len(sector0) < sectorSize {
		return BPB{}, fmt.Errorf("fat: sector 0 too short: %d bytes", len(sector0))
	}
	b := sector0[bpbOffset:]
	return BPB{
		BytesPerSector:       binary.LittleEndian.Uint16(b[0:2]),
		SectorsPerCluster:    b[2],
		ReservedSectors:      binary.LittleEndian.Uint16(b[3:5]),
		FATCount:             b[5],
		RootDirectoryEntries: binary.LittleEndian.Uint16(b[6:8]),
		TotalSectors:         binary.LittleEndian.Uint16(b[8:10]),
		MediaDescriptor:      b[10],
		SectorsPerFAT:        binary.LittleEndian.Uint16(b[11:13]),
	}, nil
}

// Encode writes the BPB fields back into a sector-0 buffer, leaving
// everything outside bytes 0x0B..0x18 (the jump instruction, OEM name, and
// boot code/signature) untouched.
func (b BPB) Encode(sector0 []byte) {
	buf := sector0[bpbOffset:]
	binary.LittleEndian.PutUint16(buf[0:2], b.BytesPerSector)
	buf[2] = b.SectorsPerCluster
	binary.LittleEndian.PutUint16(buf[3:5], b.ReservedSectors)
	buf[5] = b.FATCount
	binary.LittleEndian.PutUint16(buf[6:8], b.RootDirectoryEntries)
	binary.LittleEndian.PutUint16(buf[8:10], b.TotalSectors)
	buf[10] = b.MediaDescriptor
	binary.LittleEndian.PutUint16(buf[11:13], b.SectorsPerFAT)
}

// Geometry derives the layout byte offsets table.Geometry needs from a
// parsed BPB, matching the arithmetic dir.rs/disk.rs assume a FatFS
// precomputes once at mount time.
func (b BPB) Geometry() table.Geometry {
	bps := uint32(b.BytesPerSector)
	fatStart := uint32(b.ReservedSectors) * bps
	rootStart := fatStart + uint32(b.FATCount)*uint32(b.SectorsPerFAT)*bps
	rootBytes := uint32(b.RootDirectoryEntries) * rootEntrySize
	rootSectors := (rootBytes + bps - 1) / bps
	dataStart := rootStart + rootSectors*bps
	bytesPerCluster := uint32(b.SectorsPerCluster) * bps
	dataSectors := uint32(b.TotalSectors) - (dataStart / bps)
	totalClusters := dataSectors * bps / bytesPerCluster

	return table.Geometry{
		FATStartByte:      fatStart,
		SectorsPerFAT:     uint32(b.SectorsPerFAT),
		SectorsPerCluster: uint32(b.SectorsPerCluster),
		BytesPerSector:    bps,
		DataStartByte:     dataStart,
		TotalClusterCount: totalClusters,
	}
}

func (b BPB) rootDirStartByte() uint32 {
	bps := uint32(b.BytesPerSector)
	fatStart := uint32(b.ReservedSectors) * bps
	return fatStart + uint32(b.FATCount)*uint32(b.SectorsPerFAT)*bps
}

// FileDisk adapts an *os.File to cache.DiskIO, the host stand-in for a real
// AHCI/ATA block device (see internal/fat/cache's doc comment).
type FileDisk struct{ f *os.File }

func NewFileDisk(f *os.File) *FileDisk { return &FileDisk{f: f} }

func (d *FileDisk) ReadAt(buf []byte, offset uint32) (uint32, error) {
	n, err := d.f.ReadAt(buf, int64(offset))
	return uint32(n), err
}

func (d *FileDisk) WriteAt(buf []byte, offset uint32) error {
	_, err := d.f.WriteAt(buf, int64(offset))
	return err
}

// FS is a mounted FAT12 filesystem: the trio of sector cache, allocation
// table, and root directory that every higher-level operation (C11's
// fatdriver) is built from, plus the BPB that described its geometry.
type FS struct {
	BPB   BPB
	Cache *cache.Cache
	Table *table.AllocationTable
	Root  *dir.RootDirectory
}

// Mount reads sector 0 through disk, parses its BPB, and wires the engine
// together, matching FatDriver::new's construction sequence.
func Mount(disk cache.DiskIO, cacheSectors int) (*FS, error) {
	sector0 := make([]byte, sectorSize)
	if _, err := disk.ReadAt(sector0, 0); err != nil {
		return nil, fmt.Errorf("fat: read boot sector: %w", err)
	}
	bpb, err := ParseBPB(sector0)
	if err != nil {
		return nil, err
	}
	c := cache.New(disk, cacheSectors)
	tbl := table.New(bpb.Geometry(), c)
	root := dir.NewRootDirectory(c, bpb.rootDirStartByte(), uint32(bpb.RootDirectoryEntries))
	return &FS{BPB: bpb, Cache: c, Table: tbl, Root: root}, nil
}

// ResolvePath walks a DRIVE-relative path (the drive letter itself is
// stripped by the caller per spec.md §3's "DRIVE:\path\to\file") down to the
// AnyDirectory that should contain its leaf component.
func (fs *FS) ResolvePath(path string) (dir.AnyDirectory, string, error) {
	return dir.ResolvePath(fs.Root, fs.Cache, fs.Table, path)
}

// Mkfs formats a freshly zeroed disk image with a standard 1.44 MiB FAT12
// geometry (512 B/sector, 1 sector/cluster, 2 FATs, 224 root entries, 9
// sectors/FAT) — the fixture geometry spec.md §8's end-to-end scenarios
// assume. totalSectors lets callers build other floppy/hard-disk-like
// sizes; the reserved/FAT-count/cluster-size choices are fixed to match
// that one conventional layout.
func Mkfs(disk cache.DiskIO, totalSectors uint16) error {
	bpb := BPB{
		BytesPerSector:       sectorSize,
		SectorsPerCluster:    1,
		ReservedSectors:      1,
		FATCount:             2,
		RootDirectoryEntries: 224,
		TotalSectors:         totalSectors,
		MediaDescriptor:      defaultMediaDescr,
		SectorsPerFAT:        9,
	}

	sector0 := make([]byte, sectorSize)
	bpb.Encode(sector0)
	if err := disk.WriteAt(sector0, 0); err != nil {
		return err
	}

	fatBytes := uint32(bpb.SectorsPerFAT) * sectorSize
	blankFAT := make([]byte, fatBytes)
	// Reserve cluster 0 and 1 per the FAT12 convention: cluster 0 encodes
	// the media descriptor repeated, cluster 1 is the legacy EOC marker.
	blankFAT[0] = bpb.MediaDescriptor
	blankFAT[1] = 0xFF
	blankFAT[2] = 0xFF
	for fatIdx := uint8(0); fatIdx < bpb.FATCount; fatIdx++ {
		off := uint32(bpb.ReservedSectors)*sectorSize + uint32(fatIdx)*fatBytes
		if err := disk.WriteAt(blankFAT, off); err != nil {
			return err
		}
	}

	rootBytes := uint32(bpb.RootDirectoryEntries) * rootEntrySize
	blankRoot := make([]byte, rootBytes)
	if err := disk.WriteAt(blankRoot, bpb.rootDirStartByte()); err != nil {
		return err
	}
	return nil
}

// errMissingDrive identifies the EINVALARG case where a path omits its drive-letter
// prefix; kept here rather than in internal/defs since it is purely a FAT
// path-syntax concern (spec.md §3's `DRIVE:\path\to\file`).
var errMissingDrive = defs.EINVALARG

// SplitDrive separates the "C:" prefix from the rest of a path, matching
// spec.md §3's path grammar. DEV: paths are recognized but routed by the
// driver arbiter rather than this package.
func SplitDrive(path string) (drive string, rest string, err error) {
	for i := 0; i < len(path); i++ {
		if path[i] == ':' {
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", errMissingDrive
}
