// Package file implements the File IOProvider (spec.md §4.6's File variant,
// component C7): a handle over a driver-owned file, opened once through the
// driver arbiter and then read/written/closed/stat'd/ioctl'd by a
// driver-assigned file ID.
//
// Grounded on original_source/kernel/src/io/async_io.rs's IOType::File arm,
// which carries exactly a driver reference and a driver-side file handle,
// and on asyncfs.rs's begin_io for the request/complete shape each op here
// forwards to internal/driver's Arbiter.
package file

import (
	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

// Provider is the File IOType: a driver-assigned file ID plus enough of the
// arbiter's addressing (drive letter) to route subsequent ops back to the
// same mount.
type Provider struct {
	arbiter *driver.Arbiter
	alloc   *frame.Allocator
	mgr     *pagedir.Manager

	drive  string
	fileID uint32
	task   defs.TaskID
}

// Open resolves path against drive through the arbiter (spec.md §4.6: "open
// is a blocking call that installs a new handle"), returning a Provider
// ready to be installed into the caller's handle table.
func Open(arbiter *driver.Arbiter, alloc *frame.Allocator, mgr *pagedir.Manager, drive, path string, flags uint32) (*Provider, defs.Errno) {
	fileID, err := arbiter.Open(alloc, mgr, drive, path, flags)
	if err != defs.EOK {
		return nil, err
	}
	return &Provider{arbiter: arbiter, alloc: alloc, mgr: mgr, drive: drive, fileID: fileID}, defs.EOK
}

func (p *Provider) Kind() handle.Kind        { return handle.KindFile }
func (p *Provider) SetTask(task defs.TaskID) { p.task = task }

// OpRequest forwards op to the arbiter's uniform IO entry point
// (Arbiter.IO), which itself dispatches on whether drive was mounted sync
// or async — the provider neither knows nor cares which.
func (p *Provider) OpRequest(index uint32, op handle.AsyncOp) (handle.AsyncOpID, error) {
	cmd, ok := commandFor(op.OpCode)
	if !ok {
		op.CompleteWithResult(p.mgr, 0, defs.EUNSUPPORTED)
		return 0, nil
	}
	bufAddr := handle.PhysAddr(op.Arg0)
	length := op.Arg1
	offset := op.Arg2
	// Arbiter.IO already completes op on every path (including the
	// not-mounted case), so the error it returns here is purely
	// diagnostic — nothing further to do with it at this layer.
	_ = p.arbiter.IO(p.mgr, p.drive, cmd, p.fileID, bufAddr, length, offset, op)
	return 0, nil
}

func commandFor(opCode uint32) (driver.Command, bool) {
	switch opCode {
	case handle.OpRead:
		return driver.CmdRead, true
	case handle.OpWrite:
		return driver.CmdWrite, true
	case handle.OpClose:
		return driver.CmdClose, true
	case handle.OpStat:
		return driver.CmdStat, true
	case handle.OpIoctl:
		return driver.CmdIoctl, true
	default:
		return driver.CmdInvalid, false
	}
}
