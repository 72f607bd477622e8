package kernel

import (
	"time"

	"idosnx/internal/defs"
	"idosnx/internal/exec"
	"idosnx/internal/handle"
	"idosnx/internal/io/file"
	"idosnx/internal/io/irq"
	"idosnx/internal/io/msgq"
	"idosnx/internal/io/pipe"
	"idosnx/internal/io/wakeset"
	"idosnx/internal/proc"
	"idosnx/internal/vm"
)

// Syscall numbers, grouped per spec.md §6: 0x00-0x0F lifecycle, 0x10-0x1F
// I/O and sync, 0x20-0x2F handle ops, 0x30-0x3F memory.
const (
	SysExit       = 0x00
	SysYield      = 0x01
	SysSleep      = 0x02
	SysGetID      = 0x03
	SysGetPPID    = 0x04
	SysAddArgs    = 0x05
	SysLoadExe    = 0x06
	SysEnterVM86  = 0x07
	SysSubmitOp   = 0x10
	SysSendMsg    = 0x11
	SysFutexWait  = 0x12
	SysFutexWake  = 0x13
	SysWakeSetNew = 0x14
	SysWakeSetBlk = 0x15
	SysTaskNew    = 0x20
	SysMsgQNew    = 0x21
	SysIrqNew     = 0x22
	SysFileOpen   = 0x23
	SysPipeNew    = 0x24
	SysTransfer   = 0x25
	SysDup        = 0x26
	SysMapMemory  = 0x30
	SysMapFile    = 0x31
	SysUnmap      = 0x32
)

// Futex wait results carried in EAX's low bits on success.
const (
	futexWoken    = 0
	futexTimedOut = 1
)

// Regs models the syscall register file (spec.md §6: number in EAX, args in
// EBX/ECX/EDX, ESI/EDI for wide syscalls; return in EAX with high bit =
// error). EBX doubles as a second out-register for the two syscalls that
// produce a pair.
type Regs struct {
	EAX, EBX, ECX, EDX, ESI, EDI uint32
}

// Translate resolves a user virtual address to its physical address in t's
// directory, faulting the page in on demand the way
// get_current_physical_address does (spec.md §4.2).
func (k *Kernel) Translate(t *proc.Task, vaddr uint32) (handle.PhysAddr, defs.Errno) {
	page := uint32(defs.AlignDown(uintptr(vaddr)))
	f, ok := k.Mgr.Translate(t.PageDirectory, page)
	if !ok {
		if err := k.Pager.HandleFault(t, vaddr); err != nil {
			return 0, defs.EINVALARG
		}
		f, ok = k.Mgr.Translate(t.PageDirectory, page)
		if !ok {
			return 0, defs.EINVALARG
		}
	}
	return handle.PhysAddr(uint32(f)<<defs.PageShift | (vaddr & (defs.PageSize - 1))), defs.EOK
}

// readUser copies n bytes of t's user memory starting at vaddr, walking
// page by page.
func (k *Kernel) readUser(t *proc.Task, vaddr, n uint32) ([]byte, defs.Errno) {
	out := make([]byte, 0, n)
	for n > 0 {
		p, err := k.Translate(t, vaddr)
		if err != defs.EOK {
			return nil, err
		}
		chunk := defs.PageSize - uint32(p.Offset())
		if chunk > n {
			chunk = n
		}
		out = append(out, k.Mgr.ReadBytes(p.Frame(), p.Offset(), int(chunk))...)
		vaddr += chunk
		n -= chunk
	}
	return out, defs.EOK
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Syscall dispatches one software-interrupt entry for t. The result lands
// in r.EAX using the §6/§7 high-bit encoding. Syscall entry is a
// non-preemption point until dispatch (spec.md §4.4); the dispatched code
// may itself yield.
func (k *Kernel) Syscall(t *proc.Task, r *Regs) {
	value, errno := k.dispatch(t, r)
	r.EAX = defs.EncodeResult(value, errno)
}

func (k *Kernel) dispatch(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	switch r.EAX {
	case SysExit:
		k.Terminate(t, int32(r.EBX))
		return 0, defs.EOK

	case SysYield:
		k.Sched.YieldCoop()
		return 0, defs.EOK

	case SysSleep:
		t.State = proc.Sleeping
		t.TimeoutMs = r.EBX
		k.Sched.YieldCoop()
		time.Sleep(time.Duration(r.EBX) * time.Millisecond)
		t.TimeoutMs = 0
		t.State = proc.Running
		return 0, defs.EOK

	case SysGetID:
		return uint32(t.ID), defs.EOK

	case SysGetPPID:
		return uint32(t.ParentID), defs.EOK

	case SysAddArgs:
		// EBX targets the child task; ECX/EDX name the argument string.
		child, ok := k.Sched.Get(defs.TaskID(r.EBX))
		if !ok {
			return 0, defs.ENOTFOUND
		}
		arg, errno := k.readUser(t, r.ECX, r.EDX)
		if errno != defs.EOK {
			return 0, errno
		}
		child.Args = append(child.Args, string(arg))
		return 0, defs.EOK

	case SysLoadExe:
		child, ok := k.Sched.Get(defs.TaskID(r.EBX))
		if !ok {
			return 0, defs.ENOTFOUND
		}
		path, errno := k.readUser(t, r.ECX, r.EDX)
		if errno != defs.EOK {
			return 0, errno
		}
		if err := k.Exec.ExecProgram(child, string(path), child.Args); err != nil {
			return 0, execErrno(err)
		}
		return 0, defs.EOK

	case SysEnterVM86:
		// The DOS compatibility shell is an external collaborator
		// (spec.md §1).
		return 0, defs.EUNSUPPORTED

	case SysSubmitOp:
		return k.submitOp(t, r)

	case SysSendMsg:
		return k.sendMessage(t, r)

	case SysFutexWait:
		return k.futexWait(t, r)

	case SysFutexWake:
		p, errno := k.Translate(t, r.EBX)
		if errno != defs.EOK {
			return 0, errno
		}
		return uint32(k.Futex.Wake(uint32(p), int(r.ECX))), defs.EOK

	case SysWakeSetNew:
		idx := k.IOTable.Insert(wakeset.New(k.Mgr))
		return uint32(t.HandleTable.Insert(idx)), defs.EOK

	case SysWakeSetBlk:
		return k.wakeSetBlock(t, r)

	case SysTaskNew:
		h, id := k.CreateTask(t)
		r.EBX = uint32(id)
		return uint32(h), defs.EOK

	case SysMsgQNew:
		k.mu.Lock()
		dt, ok := k.driverTasks[t.ID]
		k.mu.Unlock()
		if !ok {
			return 0, defs.EUNSUPPORTED
		}
		idx := k.IOTable.Insert(msgq.New(k.Mgr, dt.Inbox()))
		return uint32(t.HandleTable.Insert(idx)), defs.EOK

	case SysIrqNew:
		idx := k.IOTable.Insert(irq.New(k.Mgr, r.EBX))
		return uint32(t.HandleTable.Insert(idx)), defs.EOK

	case SysFileOpen:
		return k.fileOpen(t, r)

	case SysPipeNew:
		p := pipe.New()
		readIdx := k.IOTable.Insert(pipe.NewReadEnd(p, k.Mgr))
		writeIdx := k.IOTable.Insert(pipe.NewWriteEnd(p, k.Mgr))
		readH := t.HandleTable.Insert(readIdx)
		writeH := t.HandleTable.Insert(writeIdx)
		r.EBX = uint32(writeH)
		return uint32(readH), defs.EOK

	case SysTransfer:
		dst, ok := k.Sched.Get(defs.TaskID(r.ECX))
		if !ok {
			return 0, defs.ENOTFOUND
		}
		h, err := t.HandleTable.Transfer(defs.HandleID(r.EBX), dst.HandleTable)
		if err != nil {
			return 0, defs.EHANDLEINVALID
		}
		return uint32(h), defs.EOK

	case SysDup:
		h, err := t.HandleTable.Dup(defs.HandleID(r.EBX))
		if err != nil {
			return 0, defs.EHANDLEINVALID
		}
		return uint32(h), defs.EOK

	case SysMapMemory:
		return k.mapMemory(t, r)

	case SysMapFile:
		return k.mapFile(t, r)

	case SysUnmap:
		return k.unmapMemory(t, r)

	default:
		return 0, defs.EUNSUPPORTED
	}
}

// execErrno unwraps an exec error into its taxonomy kind.
func execErrno(err error) defs.Errno {
	for e := err; e != nil; {
		if kind, ok := e.(defs.Errno); ok {
			return kind
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return defs.EOPFAILED
}

// submitOp implements the submission contract (spec.md §4.6): read the
// caller's 24-byte AsyncOp record, translate its signal/return (and, for
// read/write, its buffer) pointers to physical addresses once, and enqueue
// it on the handle's provider. EDX optionally names a wake-set handle.
func (k *Kernel) submitOp(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	raw, errno := k.readUser(t, r.ECX, 24)
	if errno != defs.EOK {
		return 0, errno
	}
	op := handle.AsyncOp{OpCode: le32(raw[0:])}

	sig, errno := k.Translate(t, le32(raw[4:]))
	if errno != defs.EOK {
		return 0, errno
	}
	ret, errno := k.Translate(t, le32(raw[8:]))
	if errno != defs.EOK {
		return 0, errno
	}
	op.SignalAddr, op.ReturnAddr = sig, ret
	op.Arg0, op.Arg1, op.Arg2 = le32(raw[12:]), le32(raw[16:]), le32(raw[20:])

	switch op.OpCode & 0xFFFF {
	case handle.OpRead, handle.OpWrite:
		buf, errno := k.Translate(t, op.Arg0)
		if errno != defs.EOK {
			return 0, errno
		}
		op.Arg0 = uint32(buf)
	}

	idx, provider, err := t.HandleTable.Resolve(defs.HandleID(r.EBX))
	if err != nil {
		return 0, defs.EHANDLEINVALID
	}

	if r.EDX != 0 {
		_, wsProv, err := t.HandleTable.Resolve(defs.HandleID(r.EDX))
		if err != nil {
			return 0, defs.EHANDLEINVALID
		}
		wsp, ok := wsProv.(*wakeset.Provider)
		if !ok {
			return 0, defs.EHANDLEWRONGTYPE
		}
		k.attachWakeSet(op.SignalAddr, wsp.Set())
	}

	if _, err := provider.OpRequest(idx, op); err != nil {
		return 0, defs.EOPFAILED
	}
	return 0, defs.EOK
}

// sendMessage enqueues one encoded Message (spec.md §6's record layout,
// read from ECX) onto the driver task behind the message-queue handle in
// EBX — the write half of the MessageQueue IOType.
func (k *Kernel) sendMessage(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	_, provider, err := t.HandleTable.Resolve(defs.HandleID(r.EBX))
	if err != nil {
		return 0, defs.EHANDLEINVALID
	}
	if provider.Kind() != handle.KindMessageQueue {
		return 0, defs.EHANDLEWRONGTYPE
	}
	raw, errno := k.readUser(t, r.ECX, 32)
	if errno != defs.EOK {
		return 0, errno
	}
	sender, ok := provider.(interface{ Enqueue(raw []byte) defs.Errno })
	if !ok {
		return 0, defs.EUNSUPPORTED
	}
	return 0, sender.Enqueue(raw)
}

// futexWait implements §4.5's wait(paddr, expected, timeout?): EBX is the
// word's vaddr, ECX the expected value, EDX a millisecond timeout (0 =
// none). Returns futexWoken or futexTimedOut.
func (k *Kernel) futexWait(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	p, errno := k.Translate(t, r.EBX)
	if errno != defs.EOK {
		return 0, errno
	}
	read := func() uint32 {
		return le32(k.Mgr.ReadBytes(p.Frame(), p.Offset(), 4))
	}
	w, blocked := k.Futex.Wait(uint32(p), r.ECX, read)
	if !blocked {
		return futexWoken, defs.EOK
	}

	t.State = proc.BlockedOnFutex
	t.TimeoutMs = r.EDX
	defer func() {
		t.TimeoutMs = 0
		t.State = proc.Running
	}()

	if r.EDX == 0 {
		<-w.Ch()
		return futexWoken, defs.EOK
	}
	select {
	case <-w.Ch():
		return futexWoken, defs.EOK
	case <-time.After(time.Duration(r.EDX) * time.Millisecond):
		if !k.Futex.Cancel(w) {
			// Wake raced the timeout and won.
			return futexWoken, defs.EOK
		}
		return futexTimedOut, defs.EOK
	}
}

// wakeSetBlock blocks t on the wake set behind handle EBX until any
// attached op completes (edge-triggered), with an optional ECX timeout.
func (k *Kernel) wakeSetBlock(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	_, provider, err := t.HandleTable.Resolve(defs.HandleID(r.EBX))
	if err != nil {
		return 0, defs.EHANDLEINVALID
	}
	wsp, ok := provider.(*wakeset.Provider)
	if !ok {
		return 0, defs.EHANDLEWRONGTYPE
	}

	t.State = proc.BlockedOnWakeSet
	t.TimeoutMs = r.ECX
	defer func() {
		t.TimeoutMs = 0
		t.State = proc.Running
	}()

	if r.ECX == 0 {
		<-wsp.Set().Block()
		return futexWoken, defs.EOK
	}
	select {
	case <-wsp.Set().Block():
		return futexWoken, defs.EOK
	case <-time.After(time.Duration(r.ECX) * time.Millisecond):
		return futexTimedOut, defs.EOK
	}
}

// fileOpen opens DRIVE:\path (EBX/ECX name the path string, EDX carries
// the open flags) and installs a File handle.
func (k *Kernel) fileOpen(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	raw, errno := k.readUser(t, r.EBX, r.ECX)
	if errno != defs.EOK {
		return 0, errno
	}
	drive, rest, err := exec.SplitDrivePath(string(raw))
	if err != nil {
		return 0, defs.EINVALARG
	}
	prov, errno := file.Open(k.Arbiter, k.Alloc, k.Mgr, drive, rest, r.EDX)
	if errno != defs.EOK {
		return 0, errno
	}
	prov.SetTask(t.ID)
	idx := k.IOTable.Insert(prov)
	return uint32(t.HandleTable.Insert(idx)), defs.EOK
}

// mapMemory implements map_memory(addr_opt, size, backing): EBX is the
// requested address (0 = choose), ECX the size, EDX the backing kind, ESI
// the physical base for Direct regions.
func (k *Kernel) mapMemory(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	backing := vm.Backing{}
	switch r.EDX {
	case 0:
		backing.Kind = vm.Free
	case 1:
		backing.Kind = vm.ISADMA
	case 2:
		backing.Kind = vm.Direct
		backing.PhysAddr = defs.Frame(r.ESI >> defs.PageShift)
	default:
		return 0, defs.EINVALARG
	}

	var addrOpt *uint32
	if r.EBX != 0 {
		addrOpt = &r.EBX
	}
	vaddr, err := t.MemoryMap.MapMemory(addrOpt, r.ECX, backing)
	if err != nil {
		return 0, defs.EINVALARG
	}
	if backing.Kind == vm.Direct {
		region, _ := t.MemoryMap.GetMappingContainingAddress(vaddr)
		if err := k.Pager.MapRegion(t, region); err != nil {
			return 0, defs.EOPFAILED
		}
	}
	return vaddr, defs.EOK
}

// mapFile implements map_file: EBX/ECX name the path, EDX the offset into
// the file, ESI the mapping size, EDI bit 0 selects shared (vs private).
func (k *Kernel) mapFile(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	raw, errno := k.readUser(t, r.EBX, r.ECX)
	if errno != defs.EOK {
		return 0, errno
	}
	drive, rest, err := exec.SplitDrivePath(string(raw))
	if err != nil {
		return 0, defs.EINVALARG
	}
	token, errno := k.Arbiter.CreateMapping(k.Alloc, k.Mgr, drive, rest)
	if errno != defs.EOK {
		return 0, errno
	}
	driverID, _ := k.Arbiter.DriverID(drive)

	vaddr, err2 := t.MemoryMap.MapMemory(nil, r.ESI, vm.Backing{
		Kind:         vm.FileBacked,
		DriverID:     driverID,
		MappingToken: token,
		OffsetInFile: r.EDX,
		Shared:       r.EDI&1 != 0,
	})
	if err2 != nil {
		k.Arbiter.RemoveMapping(drive, token)
		return 0, defs.EINVALARG
	}
	return vaddr, defs.EOK
}

// unmapMemory implements unmap(addr, len): remove the overlapping regions
// and release every backing frame the page directory reports reclaimable.
func (k *Kernel) unmapMemory(t *proc.Task, r *Regs) (uint32, defs.Errno) {
	removed, err := t.MemoryMap.UnmapMemory(r.EBX, r.ECX)
	if err != nil {
		return 0, defs.EINVALARG
	}
	for _, region := range removed {
		for off := uint32(0); off < region.Size; off += defs.PageSize {
			va := region.Vaddr + off
			if va < r.EBX || va >= r.EBX+r.ECX {
				continue
			}
			wasPresent, reclaim, f := k.Mgr.Unmap(t.PageDirectory, va)
			if wasPresent && reclaim {
				k.Alloc.ReleaseTrackedFrame(f)
			}
		}
	}
	return 0, defs.EOK
}
