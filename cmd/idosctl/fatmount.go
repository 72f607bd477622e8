package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"idosnx/internal/fat"
	"idosnx/internal/fat/dir"
)

func newFatmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fatmount <mountpoint>",
		Short: "Mount the FAT12 image read-only on the host via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(cfg.DiskImage, os.O_RDWR, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			fs, err := fat.Mount(fat.NewFileDisk(f), cfg.CacheSectors)
			if err != nil {
				return err
			}

			server := fuseutil.NewFileSystemServer(newFatFS(fs))
			mfs, err := fuse.Mount(args[0], server, &fuse.MountConfig{
				ReadOnly: true,
				FSName:   "idosnx-fat",
			})
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"image": cfg.DiskImage, "mountpoint": args[0]}).Info("mounted")
			fmt.Fprintf(cmd.OutOrStdout(), "mounted %s at %s (read-only)\n", cfg.DiskImage, args[0])
			return mfs.Join(context.Background())
		},
	}
}

// inodeRec pins a FAT path to a stable FUSE inode for the session.
type inodeRec struct {
	path  string // drive-relative, "" for the root
	isDir bool
}

// fatFS adapts the FAT engine to fuseutil.FileSystem. The engine is
// single-task-owned (spec.md §5), so one mutex serializes every operation.
type fatFS struct {
	fuseutil.NotImplementedFileSystem

	mu      sync.Mutex
	fs      *fat.FS
	inodes  []inodeRec // index = inode id - 1
	byPath  map[string]fuseops.InodeID
	started time.Time
}

func newFatFS(fs *fat.FS) *fatFS {
	f := &fatFS{fs: fs, byPath: make(map[string]fuseops.InodeID), started: time.Now()}
	f.intern("", true) // inode 1 = root
	return f
}

func (f *fatFS) intern(path string, isDir bool) fuseops.InodeID {
	if id, ok := f.byPath[path]; ok {
		return id
	}
	f.inodes = append(f.inodes, inodeRec{path: path, isDir: isDir})
	id := fuseops.InodeID(len(f.inodes))
	f.byPath[path] = id
	return id
}

func (f *fatFS) rec(id fuseops.InodeID) (inodeRec, bool) {
	if id < 1 || int(id) > len(f.inodes) {
		return inodeRec{}, false
	}
	return f.inodes[id-1], true
}

// directoryAt returns the directory object behind a drive-relative path.
func (f *fatFS) directoryAt(path string) (dir.AnyDirectory, error) {
	if path == "" {
		return f.fs.Root, nil
	}
	parent, leaf, err := f.fs.ResolvePath(path)
	if err != nil {
		return nil, fuse.ENOENT
	}
	e, _, found, err := parent.FindEntry(leaf)
	if err != nil || !found || !e.IsDirectory() {
		return nil, fuse.ENOENT
	}
	return dir.NewSubDirectory(f.fs.Cache, f.fs.Table, uint32(e.FirstCluster)), nil
}

// entryAt resolves a drive-relative path to its directory entry plus the
// file handle machinery needed to read it.
func (f *fatFS) entryAt(path string) (dir.Entry, dir.AnyDirectory, uint32, error) {
	parent, leaf, err := f.fs.ResolvePath(path)
	if err != nil {
		return dir.Entry{}, nil, 0, fuse.ENOENT
	}
	e, slot, found, err := parent.FindEntry(leaf)
	if err != nil || !found {
		return dir.Entry{}, nil, 0, fuse.ENOENT
	}
	return e, parent, slot, nil
}

func (f *fatFS) attrsFor(rec inodeRec) (fuseops.InodeAttributes, error) {
	attrs := fuseops.InodeAttributes{
		Nlink: 1,
		Mtime: f.started,
		Ctime: f.started,
	}
	if rec.isDir {
		attrs.Mode = os.ModeDir | 0o555
		return attrs, nil
	}
	e, _, _, err := f.entryAt(rec.path)
	if err != nil {
		return attrs, err
	}
	attrs.Mode = 0o444
	attrs.Size = uint64(e.ByteSize)
	return attrs, nil
}

func (f *fatFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 512
	op.IoSize = 4096
	return nil
}

func (f *fatFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.rec(op.Parent)
	if !ok || !parent.isDir {
		return fuse.ENOENT
	}
	d, err := f.directoryAt(parent.path)
	if err != nil {
		return err
	}
	name := strings.ToUpper(op.Name)
	e, _, found, ferr := d.FindEntry(name)
	if ferr != nil || !found {
		return fuse.ENOENT
	}

	childPath := name
	if parent.path != "" {
		childPath = parent.path + "\\" + name
	}
	id := f.intern(childPath, e.IsDirectory())
	attrs, err := f.attrsFor(inodeRec{path: childPath, isDir: e.IsDirectory()})
	if err != nil {
		return err
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           attrs,
		AttributesExpiration: time.Now().Add(time.Minute),
		EntryExpiration:      time.Now().Add(time.Minute),
	}
	return nil
}

func (f *fatFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.rec(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attrs, err := f.attrsFor(rec)
	if err != nil {
		return err
	}
	op.Attributes = attrs
	op.AttributesExpiration = time.Now().Add(time.Minute)
	return nil
}

func (f *fatFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rec(op.Inode)
	if !ok || !rec.isDir {
		return fuse.ENOENT
	}
	return nil
}

func (f *fatFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.rec(op.Inode)
	if !ok || !rec.isDir {
		return fuse.ENOENT
	}
	d, err := f.directoryAt(rec.path)
	if err != nil {
		return err
	}

	type listed struct {
		name  string
		isDir bool
	}
	var entries []listed
	iterErr := d.(interface {
		Iter(func(slot uint32, e dir.Entry) bool) error
	}).Iter(func(slot uint32, e dir.Entry) bool {
		if e.IsFree() || e.IsLongNameEntry() {
			return true
		}
		name := e.FullName()
		if name == "." || name == ".." {
			return true
		}
		entries = append(entries, listed{name: name, isDir: e.IsDirectory()})
		return true
	})
	if iterErr != nil {
		return fuse.EIO
	}

	for i := int(op.Offset); i < len(entries); i++ {
		ent := entries[i]
		childPath := ent.name
		if rec.path != "" {
			childPath = rec.path + "\\" + ent.name
		}
		dt := fuseutil.DT_File
		if ent.isDir {
			dt = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  f.intern(childPath, ent.isDir),
			Name:   ent.name,
			Type:   dt,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (f *fatFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rec(op.Inode)
	if !ok || rec.isDir {
		return fuse.ENOENT
	}
	return nil
}

func (f *fatFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.rec(op.Inode)
	if !ok || rec.isDir {
		return fuse.ENOENT
	}
	e, parent, slot, err := f.entryAt(rec.path)
	if err != nil {
		return err
	}
	file := dir.NewFile(f.fs.Cache, f.fs.Table, parent, slot, e)
	n, rerr := file.Read(uint32(op.Offset), op.Dst)
	if rerr != nil {
		return fuse.EIO
	}
	op.BytesRead = int(n)
	return nil
}
