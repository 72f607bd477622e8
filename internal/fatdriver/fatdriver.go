// Package fatdriver wires the FAT engine (internal/fat) to the async driver
// protocol (spec.md §4.10, component C11): a message loop that decodes each
// incoming driver.Message into a concrete FAT call and completes it through
// the driver.AsyncTask's pending-request table.
//
// Grounded on original_source/fatdriver/src/driver.rs's FatDriver<D> request
// loop (open/read/write/close/stat/mkdir/unlink/rmdir/rename/
// create_mapping/remove_mapping/page_in, one slot list of open handles, one
// path->token mapping table) and on spec.md §4.10's 1:1 FAT-error-to-Errno
// conversion table.
package fatdriver

import (
	"errors"

	"github.com/sirupsen/logrus"

	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/fat"
	"idosnx/internal/fat/dir"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

var log = logrus.WithField("component", "fatdriver")

type openFile struct {
	file *dir.File
}

type mapping struct {
	path     string
	refCount uint32
	file     *dir.File
}

// Driver is the out-of-kernel FAT driver task: owns the mounted fat.FS, a
// slot list of open files, and the create_mapping/remove_mapping refcount
// table, matching FatDriver<D>'s fields exactly.
//
// Run consumes driver.Message values one at a time from its own
// driver.AsyncTask's inbox, so — as in the real driver task, which is a
// single-threaded message loop — no internal locking is needed: nothing
// else ever calls into a Driver concurrently with its own Run goroutine.
type Driver struct {
	fs   *fat.FS
	mgr  *pagedir.Manager
	task *driver.AsyncTask

	handles map[uint32]*openFile
	nextH   uint32

	mappings map[uint32]*mapping
	byPath   map[string]uint32
	nextTok  uint32
}

// New constructs a driver over a mounted fat.FS; inboxDepth sizes the
// driver task's message-queue handle capacity (spec.md §4.7).
func New(fs *fat.FS, mgr *pagedir.Manager, inboxDepth int) *Driver {
	return &Driver{
		fs:       fs,
		mgr:      mgr,
		task:     driver.NewAsyncTask(inboxDepth),
		handles:  make(map[uint32]*openFile),
		mappings: make(map[uint32]*mapping),
		byPath:   make(map[string]uint32),
	}
}

// Task exposes the AsyncTask the arbiter mounts this driver under
// (Arbiter.MountAsync) and that a real deployment would expose as the
// driver task's message-queue handle (internal/io/msgq).
func (d *Driver) Task() *driver.AsyncTask { return d.task }

// Run is the driver task's message loop: spec.md §4.10 "The driver task
// sits in a message loop: reads a message from its message-queue handle,
// decodes it into a concrete FAT call, completes the op with the result."
// Returns once the inbox channel is closed (driver shutdown).
func (d *Driver) Run() {
	for msg := range d.task.Inbox() {
		value, errno := d.handle(msg)
		d.task.CompleteIO(msg.UniqueID, value, errno)
	}
}

func (d *Driver) handle(msg driver.Message) (uint32, defs.Errno) {
	cmd := driver.FromU32(msg.Type)
	log.WithField("cmd", cmd).Debug("fat request")
	switch cmd {
	case driver.CmdOpen, driver.CmdOpenRaw:
		return d.open(msg)
	case driver.CmdRead:
		return d.read(msg)
	case driver.CmdWrite:
		return d.write(msg)
	case driver.CmdClose:
		return d.close(msg)
	case driver.CmdStat:
		return d.stat(msg)
	case driver.CmdMkdir:
		return d.mkdir(msg)
	case driver.CmdUnlink:
		return d.unlink(msg)
	case driver.CmdRmdir:
		return d.rmdir(msg)
	case driver.CmdRename:
		return d.rename(msg)
	case driver.CmdCreateMapping:
		return d.createMapping(msg)
	case driver.CmdRemoveMapping:
		return d.removeMapping(msg)
	case driver.CmdPageIn:
		return d.pageIn(msg)
	default:
		return 0, defs.EUNSUPPORTED
	}
}

func (d *Driver) readPath(addr, length uint32) string {
	pa := handle.PhysAddr(addr)
	return string(d.mgr.ReadBytes(pa.Frame(), pa.Offset(), int(length)))
}

func (d *Driver) install(f *dir.File) uint32 {
	d.nextH++
	h := d.nextH
	d.handles[h] = &openFile{file: f}
	return h
}

// open implements §4.10's Open command: args[0]/[1] name the path buffer,
// args[2] carries defs.OpenCreate/defs.OpenExclusive.
func (d *Driver) open(msg driver.Message) (uint32, defs.Errno) {
	path := d.readPath(msg.Args[0], msg.Args[1])
	flags := msg.Args[2]

	parent, leaf, err := d.fs.ResolvePath(path)
	if err != nil {
		return 0, toErrno(err)
	}
	entry, slot, found, err := parent.FindEntry(leaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if found {
		if flags&defs.OpenCreate != 0 && flags&defs.OpenExclusive != 0 {
			return 0, defs.EALREADYOPEN
		}
		if entry.IsDirectory() {
			return 0, defs.EINVALARG
		}
		f := dir.NewFile(d.fs.Cache, d.fs.Table, parent, slot, entry)
		return d.install(f), defs.EOK
	}
	if flags&defs.OpenCreate == 0 {
		return 0, defs.ENOTFOUND
	}

	nameBytes, extBytes, _ := dir.ParseShortName(leaf)
	newEntry := dir.NewEntry()
	newEntry.SetFilename(nameBytes, extBytes)
	newSlot, err := parent.AddEntry(newEntry)
	if err != nil {
		return 0, toErrno(err)
	}
	f := dir.NewFile(d.fs.Cache, d.fs.Table, parent, newSlot, newEntry)
	return d.install(f), defs.EOK
}

// read implements §4.10's Read: args[0] file ID, args[1]/[2] buffer
// addr/length, args[3] offset.
func (d *Driver) read(msg driver.Message) (uint32, defs.Errno) {
	of, ok := d.handles[msg.Args[0]]
	if !ok {
		return 0, defs.EHANDLEINVALID
	}
	buf := make([]byte, msg.Args[2])
	n, err := of.file.Read(msg.Args[3], buf)
	if err != nil {
		return 0, toErrno(err)
	}
	pa := handle.PhysAddr(msg.Args[1])
	d.mgr.WriteBytes(pa.Frame(), pa.Offset(), buf[:n])
	return n, defs.EOK
}

// write implements §4.10's Write, same argument layout as read.
func (d *Driver) write(msg driver.Message) (uint32, defs.Errno) {
	of, ok := d.handles[msg.Args[0]]
	if !ok {
		return 0, defs.EHANDLEINVALID
	}
	pa := handle.PhysAddr(msg.Args[1])
	data := d.mgr.ReadBytes(pa.Frame(), pa.Offset(), int(msg.Args[2]))
	n, err := of.file.Write(msg.Args[3], data)
	if err != nil {
		return 0, toErrno(err)
	}
	return n, defs.EOK
}

// close implements §4.10's Close: the entry was already written back by
// every Write call (dir.File.Write), so closing is just releasing the
// slot (spec.md §3: "A File mutated through writes must write its updated
// DirEntry back before the handle is closed").
func (d *Driver) close(msg driver.Message) (uint32, defs.Errno) {
	delete(d.handles, msg.Args[0])
	return 0, defs.EOK
}

func (d *Driver) stat(msg driver.Message) (uint32, defs.Errno) {
	of, ok := d.handles[msg.Args[0]]
	if !ok {
		return 0, defs.EHANDLEINVALID
	}
	return of.file.ByteSize(), defs.EOK
}

func (d *Driver) mkdir(msg driver.Message) (uint32, defs.Errno) {
	path := d.readPath(msg.Args[0], msg.Args[1])

	parent, leaf, err := d.fs.ResolvePath(path)
	if err != nil {
		return 0, toErrno(err)
	}
	_, _, found, err := parent.FindEntry(leaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if found {
		return 0, defs.EALREADYOPEN
	}

	cluster, err := d.fs.Table.AllocateCluster()
	if err != nil {
		return 0, toErrno(err)
	}
	if err := dir.NewDirectoryCluster(d.fs.Cache, d.fs.Table, cluster, firstClusterOf(parent)); err != nil {
		return 0, toErrno(err)
	}

	nameBytes, extBytes, _ := dir.ParseShortName(leaf)
	newEntry := dir.NewEntry()
	newEntry.SetFilename(nameBytes, extBytes)
	newEntry.Attributes = dir.AttrDirectory
	newEntry.FirstCluster = uint16(cluster)
	if _, err := parent.AddEntry(newEntry); err != nil {
		return 0, toErrno(err)
	}
	return 0, defs.EOK
}

func (d *Driver) unlink(msg driver.Message) (uint32, defs.Errno) {
	path := d.readPath(msg.Args[0], msg.Args[1])

	parent, leaf, err := d.fs.ResolvePath(path)
	if err != nil {
		return 0, toErrno(err)
	}
	entry, slot, found, err := parent.FindEntry(leaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if !found {
		return 0, defs.ENOTFOUND
	}
	if entry.IsDirectory() {
		return 0, defs.EINVALARG
	}
	if entry.FirstCluster != 0 {
		if err := d.fs.Table.FreeChain(uint32(entry.FirstCluster)); err != nil {
			return 0, toErrno(err)
		}
	}
	if err := parent.RemoveEntry(slot); err != nil {
		return 0, toErrno(err)
	}
	return 0, defs.EOK
}

func (d *Driver) rmdir(msg driver.Message) (uint32, defs.Errno) {
	path := d.readPath(msg.Args[0], msg.Args[1])

	parent, leaf, err := d.fs.ResolvePath(path)
	if err != nil {
		return 0, toErrno(err)
	}
	entry, slot, found, err := parent.FindEntry(leaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if !found {
		return 0, defs.ENOTFOUND
	}
	if !entry.IsDirectory() {
		return 0, defs.EINVALARG
	}
	sub := dir.NewSubDirectory(d.fs.Cache, d.fs.Table, uint32(entry.FirstCluster))
	empty, err := sub.IsEmpty()
	if err != nil {
		return 0, toErrno(err)
	}
	if !empty {
		return 0, defs.EINVALARG
	}
	if err := d.fs.Table.FreeChain(uint32(entry.FirstCluster)); err != nil {
		return 0, toErrno(err)
	}
	if err := parent.RemoveEntry(slot); err != nil {
		return 0, toErrno(err)
	}
	return 0, defs.EOK
}

// rename implements §4.10's Rename: args[0]/[1] source path buffer,
// args[2]/[3] destination path buffer.
func (d *Driver) rename(msg driver.Message) (uint32, defs.Errno) {
	src := d.readPath(msg.Args[0], msg.Args[1])
	dst := d.readPath(msg.Args[2], msg.Args[3])

	srcParent, srcLeaf, err := d.fs.ResolvePath(src)
	if err != nil {
		return 0, toErrno(err)
	}
	entry, slot, found, err := srcParent.FindEntry(srcLeaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if !found {
		return 0, defs.ENOTFOUND
	}

	dstParent, dstLeaf, err := d.fs.ResolvePath(dst)
	if err != nil {
		return 0, toErrno(err)
	}
	_, _, dstFound, err := dstParent.FindEntry(dstLeaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if dstFound {
		return 0, defs.EALREADYOPEN
	}

	nameBytes, extBytes, _ := dir.ParseShortName(dstLeaf)
	entry.SetFilename(nameBytes, extBytes)
	if _, err := dstParent.AddEntry(entry); err != nil {
		return 0, toErrno(err)
	}
	if err := srcParent.RemoveEntry(slot); err != nil {
		return 0, toErrno(err)
	}
	return 0, defs.EOK
}

func (d *Driver) createMapping(msg driver.Message) (uint32, defs.Errno) {
	path := d.readPath(msg.Args[0], msg.Args[1])

	if tok, ok := d.byPath[path]; ok {
		d.mappings[tok].refCount++
		return tok, defs.EOK
	}

	parent, leaf, err := d.fs.ResolvePath(path)
	if err != nil {
		return 0, toErrno(err)
	}
	entry, slot, found, err := parent.FindEntry(leaf)
	if err != nil {
		return 0, toErrno(err)
	}
	if !found || entry.IsDirectory() {
		return 0, defs.ENOTFOUND
	}

	f := dir.NewFile(d.fs.Cache, d.fs.Table, parent, slot, entry)
	d.nextTok++
	tok := d.nextTok
	d.mappings[tok] = &mapping{path: path, refCount: 1, file: f}
	d.byPath[path] = tok
	return tok, defs.EOK
}

func (d *Driver) removeMapping(msg driver.Message) (uint32, defs.Errno) {
	m, ok := d.mappings[msg.Args[0]]
	if !ok {
		return 0, defs.ENOTFOUND
	}
	m.refCount--
	if m.refCount == 0 {
		delete(d.mappings, msg.Args[0])
		delete(d.byPath, m.path)
	}
	return 0, defs.EOK
}

// pageIn implements §4.7's PageIn(mapping_token, file_offset, frame_phys):
// args[0] token, args[1] file offset, args[2] destination physical address
// (page-aligned — Arbiter.PageIn passes frame<<PageShift). Bytes beyond
// EOF within the page are left zero, matching §8's boundary behavior.
func (d *Driver) pageIn(msg driver.Message) (uint32, defs.Errno) {
	m, ok := d.mappings[msg.Args[0]]
	if !ok {
		return 0, defs.ENOTFOUND
	}
	buf := make([]byte, defs.PageSize)
	n, err := m.file.Read(msg.Args[1], buf)
	if err != nil {
		return 0, toErrno(err)
	}
	f := defs.Frame(msg.Args[2] >> defs.PageShift)
	d.mgr.WriteBytes(f, 0, buf)
	return n, defs.EOK
}

// firstClusterOf returns a directory's own first cluster (0 for the root
// directory, which has no cluster of its own), used to seed a freshly
// created subdirectory's ".." entry.
func firstClusterOf(d dir.AnyDirectory) uint32 {
	if sub, ok := d.(*dir.SubDirectory); ok {
		return sub.FirstCluster()
	}
	return 0
}

// toErrno converts a FAT-engine error into the kernel's I/O error taxonomy,
// spec.md §4.10: "Error conversion: FAT-level errors map 1:1 to the
// kernel's I/O error taxonomy." Sentinel Errno values returned directly
// from internal/fat/{table,dir} pass through unchanged (possibly wrapped
// with %w by an intermediate cache/table call); anything else (a raw disk
// I/O error) becomes OperationFailed.
func toErrno(err error) defs.Errno {
	if err == nil {
		return defs.EOK
	}
	if e, ok := err.(defs.Errno); ok {
		return e
	}
	for _, known := range []defs.Errno{
		defs.ENOTFOUND, defs.EHANDLEINVALID, defs.EHANDLEWRONGTYPE, defs.EOPFAILED,
		defs.EUNSUPPORTED, defs.EALREADYOPEN, defs.EINVALARG, defs.ERESOURCEINUSE,
		defs.ERESOURCELIMIT, defs.EWRITETOCLOSED,
	} {
		if errors.Is(err, known) {
			return known
		}
	}
	return defs.EOPFAILED
}
