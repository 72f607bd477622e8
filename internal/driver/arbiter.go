package driver

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"idosnx/internal/defs"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

var log = logrus.WithField("component", "driver")

// SyncDriver is the in-kernel synchronous arm of the polymorphic driver
// described by spec.md §9: a handler that completes an operation on the
// calling task's own stack, no IPC round trip. Matches the capability set
// api/src/io/driver.rs's AsyncDriver trait exposes, minus the async
// plumbing.
type SyncDriver interface {
	Open(path string, flags uint32) (fileID uint32, err defs.Errno)
	Read(fileID uint32, buf []byte, offset uint32) (n uint32, err defs.Errno)
	Write(fileID uint32, buf []byte, offset uint32) (n uint32, err defs.Errno)
	Close(fileID uint32) defs.Errno
	Stat(fileID uint32) (byteSize uint32, isDir bool, err defs.Errno)
}

// DirDriver is an optional capability a SyncDriver may additionally
// implement for the directory/mapping verbs spec.md §4.7 adds
// (Mkdir/Unlink/Rmdir/Rename/CreateMapping/RemoveMapping/PageIn). DEV:'s
// pseudo-device filesystem (spec.md §6) has no directories, so it leaves
// this unimplemented and the arbiter reports EUNSUPPORTED; a FAT mount
// (internal/fatdriver) is always an AsyncTask, not a SyncDriver, so in
// practice only a future in-kernel filesystem would need this.
type DirDriver interface {
	Mkdir(path string) defs.Errno
	Unlink(path string) defs.Errno
	Rmdir(path string) defs.Errno
	Rename(src, dst string) defs.Errno
	CreateMapping(path string) (token uint32, err defs.Errno)
	RemoveMapping(token uint32) defs.Errno
	PageIn(token uint32, offset uint32, buf []byte) (n uint32, err defs.Errno)
}

// completer is satisfied by anything the arbiter can deliver an op's result
// to. asyncOpCompleter covers ops submitted against an already-open handle
// (spec.md §4.6's AsyncOp protocol); chanCompleter covers kernel-internal
// calls that precede any user-visible handle or AsyncOp — handle creation
// (open), mkdir/unlink/rmdir/rename, and create_mapping/remove_mapping
// (spec.md §4.7/§4.10/§4.11) — which this host simulation resolves with a Go
// channel standing in for "block the calling task and resume it from
// driver_io_complete".
type completer interface {
	complete(value uint32, err defs.Errno)
}

type asyncOpCompleter struct {
	mgr *pagedir.Manager
	op  handle.AsyncOp
}

func (c asyncOpCompleter) complete(value uint32, err defs.Errno) {
	c.op.CompleteWithResult(c.mgr, value, err)
}

type blockingResult struct {
	value uint32
	err   defs.Errno
}

type chanCompleter chan blockingResult

func (c chanCompleter) complete(value uint32, err defs.Errno) {
	c <- blockingResult{value: value, err: err}
}

// AsyncTask is the out-of-kernel arm: a driver running as an ordinary task,
// reachable only by delivering a Message to its message-queue handle and
// waiting for a completion call, matching asyncfs.rs's begin_io/block
// pattern. A weighted semaphore bounds outstanding ops: once the limit is
// reached, further submissions fail with ResourceLimitExceeded (§7) rather
// than queueing without bound.
type AsyncTask struct {
	inbox chan Message
	sem   *semaphore.Weighted

	mu      sync.Mutex
	nextUID uint32
	pending map[uint32]completer
}

// NewAsyncTask constructs a driver task's inbox with the given mailbox
// depth; a real deployment sizes this to the task's message-queue handle
// capacity. Outstanding ops are capped at twice the inbox depth (messages
// in flight plus messages the driver has pulled but not yet answered).
func NewAsyncTask(inboxDepth int) *AsyncTask {
	return &AsyncTask{
		inbox:   make(chan Message, inboxDepth),
		sem:     semaphore.NewWeighted(int64(inboxDepth * 2)),
		pending: make(map[uint32]completer),
	}
}

// Inbox exposes the receive side for the driver task's own message-queue
// provider (internal/io/msgq) to range over.
func (a *AsyncTask) Inbox() <-chan Message { return a.inbox }

// CloseInbox ends the driver task's message loop during shutdown. No
// further sends may follow.
func (a *AsyncTask) CloseInbox() { close(a.inbox) }

// mountEntry is the tagged variant from spec.md §9: exactly one of sync or
// async is non-nil.
type mountEntry struct {
	sync  SyncDriver
	async *AsyncTask
}

// Arbiter routes operations against a drive letter (spec.md §3's
// "DRIVE:\path\to\file") to whichever arm that drive was mounted with.
// Each mount is also assigned a numeric driver ID so FileBacked memory
// regions (internal/vm's Backing.DriverID) can name their owning driver
// without carrying the drive string around.
type Arbiter struct {
	mu     sync.RWMutex
	drives map[string]mountEntry
	names  map[uint32]string
	nextID uint32
}

func NewArbiter() *Arbiter {
	return &Arbiter{drives: make(map[string]mountEntry), names: make(map[uint32]string)}
}

// MountSync installs an in-kernel driver under drive (e.g. "DEV" for the
// pseudo-device filesystem spec.md §3 describes) and returns its driver ID.
func (a *Arbiter) MountSync(drive string, d SyncDriver) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drives[drive] = mountEntry{sync: d}
	a.nextID++
	a.names[a.nextID] = drive
	log.WithFields(logrus.Fields{"drive": drive, "kind": "sync", "id": a.nextID}).Info("mount")
	return a.nextID
}

// MountAsync installs an out-of-kernel driver task under drive (e.g. "C"
// for a FAT volume served by internal/fatdriver) and returns its driver ID.
func (a *Arbiter) MountAsync(drive string, t *AsyncTask) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drives[drive] = mountEntry{async: t}
	a.nextID++
	a.names[a.nextID] = drive
	log.WithFields(logrus.Fields{"drive": drive, "kind": "async", "id": a.nextID}).Info("mount")
	return a.nextID
}

// DriveName resolves a driver ID back to its mount's drive letter.
func (a *Arbiter) DriveName(id uint32) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.names[id]
	return name, ok
}

// DriverID resolves a drive letter to its numeric driver ID.
func (a *Arbiter) DriverID(drive string) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, name := range a.names {
		if name == drive {
			return id, true
		}
	}
	return 0, false
}

func (a *Arbiter) lookup(drive string) (mountEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.drives[drive]
	return e, ok
}

// DispatchSync performs a synchronous in-kernel operation and completes op
// immediately, for drives mounted with MountSync.
func (a *Arbiter) DispatchSync(mgr *pagedir.Manager, drive string, cmd Command, path string, buf []byte, offset uint32, op handle.AsyncOp) error {
	e, ok := a.lookup(drive)
	if !ok || e.sync == nil {
		op.CompleteWithResult(mgr, 0, defs.ENOTFOUND)
		return fmt.Errorf("driver: no sync mount for drive %q", drive)
	}
	d := e.sync
	switch cmd {
	case CmdOpen, CmdOpenRaw:
		fileID, err := d.Open(path, offset)
		op.CompleteWithResult(mgr, fileID, err)
	case CmdRead:
		n, err := d.Read(op.Arg0, buf, offset)
		op.CompleteWithResult(mgr, n, err)
	case CmdWrite:
		n, err := d.Write(op.Arg0, buf, offset)
		op.CompleteWithResult(mgr, n, err)
	case CmdClose:
		op.CompleteWithResult(mgr, 0, d.Close(op.Arg0))
	case CmdStat:
		size, _, err := d.Stat(op.Arg0)
		op.CompleteWithResult(mgr, size, err)
	default:
		op.CompleteWithResult(mgr, 0, defs.EUNSUPPORTED)
	}
	return nil
}

// DispatchAsync builds a Message for drive's driver task and parks op
// pending that task's completion call, matching asyncfs.rs's begin_io: the
// caller does not block here — the AsyncOp's futex-based wait (handled by
// the caller via internal/futex) is what actually parks the task.
func (a *Arbiter) DispatchAsync(mgr *pagedir.Manager, drive string, cmd Command, args [6]uint32, op handle.AsyncOp) error {
	e, ok := a.lookup(drive)
	if !ok || e.async == nil {
		op.CompleteWithResult(mgr, 0, defs.ENOTFOUND)
		return fmt.Errorf("driver: no async mount for drive %q", drive)
	}
	_, err := a.send(e.async, cmd, args, asyncOpCompleter{mgr: mgr, op: op})
	return err
}

// Open resolves path against drive's mounted driver and returns a
// driver-side file ID a subsequent IO call addresses, matching spec.md
// §4.6's File variant: open is blocking (there is no AsyncOp yet for the
// handle this call creates), so the async arm uses callBlocking exactly
// like pathCall's other handle-creation-time verbs.
func (a *Arbiter) Open(alloc *frame.Allocator, mgr *pagedir.Manager, drive, path string, flags uint32) (uint32, defs.Errno) {
	e, ok := a.lookup(drive)
	if !ok {
		return 0, defs.ENOTFOUND
	}
	if e.sync != nil {
		return e.sync.Open(path, flags)
	}
	af, addr, n, err := marshalPath(alloc, mgr, path)
	if err != nil {
		return 0, defs.EOPFAILED
	}
	defer af.Release()
	return a.callBlocking(e.async, CmdOpen, [6]uint32{uint32(addr), n, flags})
}

// IO performs a read/write/close/stat/ioctl against an already-open file ID
// (as returned by Open), working uniformly whether drive was mounted sync
// or async — the "File" IOProvider (internal/io/file) is the only caller,
// and it neither knows nor cares which arm answers it, matching spec.md
// §9's Polymorphism note: "calls dispatch on the tag."
//
// bufAddr/length describe the caller's physical buffer for Read/Write;
// Close/Stat ignore them. For a sync mount, the buffer is staged through a
// Go byte slice and copied back for reads (DispatchSync's buf parameter is
// normally supplied directly by an in-process caller; here it instead
// rides on a physical address the same way the async arm's Message does).
func (a *Arbiter) IO(mgr *pagedir.Manager, drive string, cmd Command, fileID uint32, bufAddr handle.PhysAddr, length, offset uint32, op handle.AsyncOp) error {
	e, ok := a.lookup(drive)
	if !ok {
		op.CompleteWithResult(mgr, 0, defs.ENOTFOUND)
		return fmt.Errorf("driver: no mount for drive %q", drive)
	}
	if e.sync != nil {
		d := e.sync
		switch cmd {
		case CmdRead:
			buf := make([]byte, length)
			n, errno := d.Read(fileID, buf, offset)
			if errno == defs.EOK {
				mgr.WriteBytes(bufAddr.Frame(), bufAddr.Offset(), buf[:n])
			}
			op.CompleteWithResult(mgr, n, errno)
		case CmdWrite:
			buf := mgr.ReadBytes(bufAddr.Frame(), bufAddr.Offset(), int(length))
			n, errno := d.Write(fileID, buf, offset)
			op.CompleteWithResult(mgr, n, errno)
		case CmdClose:
			op.CompleteWithResult(mgr, 0, d.Close(fileID))
		case CmdStat:
			size, _, errno := d.Stat(fileID)
			op.CompleteWithResult(mgr, size, errno)
		default:
			op.CompleteWithResult(mgr, 0, defs.EUNSUPPORTED)
		}
		return nil
	}
	_, err := a.send(e.async, cmd, [6]uint32{fileID, uint32(bufAddr), length, offset}, asyncOpCompleter{mgr: mgr, op: op})
	return err
}

// send enqueues a Message addressed to t's inbox, registering c to receive
// the eventual completion. Returns the assigned unique_id.
func (a *Arbiter) send(t *AsyncTask, cmd Command, args [6]uint32, c completer) (uint32, error) {
	if !t.sem.TryAcquire(1) {
		c.complete(0, defs.ERESOURCELIMIT)
		return 0, fmt.Errorf("driver: too many outstanding ops")
	}
	t.mu.Lock()
	t.nextUID++
	uid := t.nextUID
	t.pending[uid] = c
	t.mu.Unlock()

	msg := Message{Type: uint32(cmd), UniqueID: uid, Args: args}
	select {
	case t.inbox <- msg:
		return uid, nil
	default:
		t.mu.Lock()
		delete(t.pending, uid)
		t.mu.Unlock()
		t.sem.Release(1)
		c.complete(0, defs.ERESOURCEINUSE)
		return 0, fmt.Errorf("driver: inbox full")
	}
}

// callBlocking sends a Message and blocks the calling goroutine until the
// driver task's driver_io_complete-equivalent call answers it. This is the
// host stand-in for "the kernel parks the caller's task and resumes it once
// the driver replies", used for handle-creation-time calls that have no
// AsyncOp of their own yet (spec.md §4.7/§4.10/§4.11).
func (a *Arbiter) callBlocking(t *AsyncTask, cmd Command, args [6]uint32) (uint32, defs.Errno) {
	ch := make(chanCompleter, 1)
	if _, err := a.send(t, cmd, args, ch); err != nil {
		// send has already completed ch with the reason for the failure.
		r := <-ch
		return 0, r.err
	}
	r := <-ch
	return r.value, r.err
}

// marshalPath stages s into a freshly allocated physical frame so it can be
// handed to an out-of-kernel driver task as a (physAddr, length) pair —
// spec.md §4.7: "Buffer pointers passed to drivers are shared using the VM
// core". Callers must release the returned frame once the driver has
// consumed it (the conventional release_buffer hook spec.md §4.7 mentions).
func marshalPath(alloc *frame.Allocator, mgr *pagedir.Manager, s string) (*frame.AllocatedFrame, handle.PhysAddr, uint32, error) {
	af, err := alloc.AllocateFrame()
	if err != nil {
		return nil, 0, 0, err
	}
	mgr.WriteBytes(af.Frame(), 0, []byte(s))
	paddr := handle.PhysAddr(uint32(af.Frame()) << defs.PageShift)
	return af, paddr, uint32(len(s)), nil
}

// pathCall is the shared implementation of every single-path directory
// operation (Mkdir/Unlink/Rmdir/CreateMapping) for both mount kinds.
func (a *Arbiter) pathCall(alloc *frame.Allocator, mgr *pagedir.Manager, drive string, cmd Command, path string) (uint32, defs.Errno) {
	e, ok := a.lookup(drive)
	if !ok {
		return 0, defs.ENOTFOUND
	}
	if e.sync != nil {
		d, ok := e.sync.(DirDriver)
		if !ok {
			return 0, defs.EUNSUPPORTED
		}
		switch cmd {
		case CmdMkdir:
			return 0, d.Mkdir(path)
		case CmdUnlink:
			return 0, d.Unlink(path)
		case CmdRmdir:
			return 0, d.Rmdir(path)
		case CmdCreateMapping:
			tok, err := d.CreateMapping(path)
			return tok, err
		default:
			return 0, defs.EUNSUPPORTED
		}
	}
	af, paddr, n, err := marshalPath(alloc, mgr, path)
	if err != nil {
		return 0, defs.EOPFAILED
	}
	defer af.Release()
	return a.callBlocking(e.async, cmd, [6]uint32{uint32(paddr), n})
}

// Mkdir implements spec.md §4.7's Mkdir command against drive.
func (a *Arbiter) Mkdir(alloc *frame.Allocator, mgr *pagedir.Manager, drive, path string) defs.Errno {
	_, err := a.pathCall(alloc, mgr, drive, CmdMkdir, path)
	return err
}

// Unlink implements spec.md §4.7's Unlink command against drive.
func (a *Arbiter) Unlink(alloc *frame.Allocator, mgr *pagedir.Manager, drive, path string) defs.Errno {
	_, err := a.pathCall(alloc, mgr, drive, CmdUnlink, path)
	return err
}

// Rmdir implements spec.md §4.7's Rmdir command against drive.
func (a *Arbiter) Rmdir(alloc *frame.Allocator, mgr *pagedir.Manager, drive, path string) defs.Errno {
	_, err := a.pathCall(alloc, mgr, drive, CmdRmdir, path)
	return err
}

// Rename implements spec.md §4.7's Rename command: both paths are marshaled
// into their own scratch frame since the wire args only carry one
// (physAddr, length) pair each.
func (a *Arbiter) Rename(alloc *frame.Allocator, mgr *pagedir.Manager, drive, src, dst string) defs.Errno {
	e, ok := a.lookup(drive)
	if !ok {
		return defs.ENOTFOUND
	}
	if e.sync != nil {
		d, ok := e.sync.(DirDriver)
		if !ok {
			return defs.EUNSUPPORTED
		}
		return d.Rename(src, dst)
	}
	srcFrame, srcAddr, srcLen, err := marshalPath(alloc, mgr, src)
	if err != nil {
		return defs.EOPFAILED
	}
	defer srcFrame.Release()
	dstFrame, dstAddr, dstLen, err := marshalPath(alloc, mgr, dst)
	if err != nil {
		return defs.EOPFAILED
	}
	defer dstFrame.Release()
	_, errno := a.callBlocking(e.async, CmdRename, [6]uint32{uint32(srcAddr), srcLen, uint32(dstAddr), dstLen})
	return errno
}

// CreateMapping implements spec.md §4.7's create_mapping(path) -> token.
func (a *Arbiter) CreateMapping(alloc *frame.Allocator, mgr *pagedir.Manager, drive, path string) (uint32, defs.Errno) {
	return a.pathCall(alloc, mgr, drive, CmdCreateMapping, path)
}

// RemoveMapping implements spec.md §4.7's remove_mapping(tok).
func (a *Arbiter) RemoveMapping(drive string, token uint32) defs.Errno {
	e, ok := a.lookup(drive)
	if !ok {
		return defs.ENOTFOUND
	}
	if e.sync != nil {
		d, ok := e.sync.(DirDriver)
		if !ok {
			return defs.EUNSUPPORTED
		}
		return d.RemoveMapping(token)
	}
	_, errno := a.callBlocking(e.async, CmdRemoveMapping, [6]uint32{token})
	return errno
}

// PageIn implements spec.md §4.7's PageIn(mapping_token, file_offset,
// frame_phys): it fills the caller-supplied physical frame from the
// driver's backing file, synthesized by the VM core on a page fault against
// a FileBacked region.
func (a *Arbiter) PageIn(mgr *pagedir.Manager, drive string, token, offset uint32, dst defs.Frame) (uint32, defs.Errno) {
	e, ok := a.lookup(drive)
	if !ok {
		return 0, defs.ENOTFOUND
	}
	if e.sync != nil {
		d, ok := e.sync.(DirDriver)
		if !ok {
			return 0, defs.EUNSUPPORTED
		}
		buf := make([]byte, defs.PageSize)
		n, errno := d.PageIn(token, offset, buf)
		if errno == defs.EOK {
			mgr.WriteBytes(dst, 0, buf)
		}
		return n, errno
	}
	return a.callBlocking(e.async, CmdPageIn, [6]uint32{token, offset, uint32(dst) << defs.PageShift})
}

// ReadBlocking performs a kernel-side synchronous read against an open
// driver file ID, used by exec (spec.md §4.11 steps 2-3) which runs before
// the target task has any AsyncOp to park on. The async arm stages the
// destination through a scratch frame the same way pathCall stages paths.
func (a *Arbiter) ReadBlocking(alloc *frame.Allocator, mgr *pagedir.Manager, drive string, fileID, offset uint32, out []byte) (uint32, defs.Errno) {
	e, ok := a.lookup(drive)
	if !ok {
		return 0, defs.ENOTFOUND
	}
	if e.sync != nil {
		return e.sync.Read(fileID, out, offset)
	}
	af, err := alloc.AllocateFrame()
	if err != nil {
		return 0, defs.EOPFAILED
	}
	defer af.Release()
	paddr := handle.PhysAddr(uint32(af.Frame()) << defs.PageShift)
	n, errno := a.callBlocking(e.async, CmdRead, [6]uint32{fileID, uint32(paddr), uint32(len(out)), offset})
	if errno == defs.EOK {
		copy(out, mgr.ReadBytes(af.Frame(), 0, int(n)))
	}
	return n, errno
}

// CloseBlocking closes a driver file ID from kernel context, the
// counterpart of Open for callers with no AsyncOp of their own.
func (a *Arbiter) CloseBlocking(drive string, fileID uint32) defs.Errno {
	e, ok := a.lookup(drive)
	if !ok {
		return defs.ENOTFOUND
	}
	if e.sync != nil {
		return e.sync.Close(fileID)
	}
	_, errno := a.callBlocking(e.async, CmdClose, [6]uint32{fileID})
	return errno
}

// StatBlocking returns a driver file's byte size from kernel context.
func (a *Arbiter) StatBlocking(drive string, fileID uint32) (uint32, defs.Errno) {
	e, ok := a.lookup(drive)
	if !ok {
		return 0, defs.ENOTFOUND
	}
	if e.sync != nil {
		size, _, errno := e.sync.Stat(fileID)
		return size, errno
	}
	return a.callBlocking(e.async, CmdStat, [6]uint32{fileID})
}

// CompleteIO is called by a driver task after it finishes handling a
// message, matching asyncfs.rs's unwrap_async_response / the arbiter side
// of driver_io_complete referenced in spec.md §2's control-flow paragraph.
// It writes the AsyncOp's return value (or wakes a blockingResult channel)
// and releases the pending slot.
func (t *AsyncTask) CompleteIO(uniqueID uint32, value uint32, errno defs.Errno) bool {
	t.mu.Lock()
	c, ok := t.pending[uniqueID]
	if ok {
		delete(t.pending, uniqueID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.sem.Release(1)
	c.complete(value, errno)
	return true
}

// CompleteFromMessage is a convenience wrapper for a driver task that
// replies with the {unique_id, value, errno} envelope EncodeResponse
// builds, rather than calling CompleteIO's fields directly.
func (t *AsyncTask) CompleteFromMessage(reply Message) bool {
	return t.CompleteIO(reply.UniqueID, reply.Args[0], defs.Errno(reply.Args[1]))
}
