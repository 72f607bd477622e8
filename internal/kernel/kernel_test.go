package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
	"idosnx/internal/fat"
	"idosnx/internal/fat/dir"
	"idosnx/internal/fatdriver"
	"idosnx/internal/handle"
	"idosnx/internal/proc"
)

type memDisk struct{ data []byte }

func newMemDisk(sectors int) *memDisk { return &memDisk{data: make([]byte, sectors*512)} }

func (d *memDisk) ReadAt(buf []byte, offset uint32) (uint32, error) {
	n := copy(buf, d.data[offset:])
	return uint32(n), nil
}

func (d *memDisk) WriteAt(buf []byte, offset uint32) error {
	copy(d.data[offset:], buf)
	return nil
}

// sim is a booted kernel with a freshly formatted 1440 KiB FAT12 volume
// mounted async under C: and one user task with a mapped scratch page —
// the fixture spec.md §8's end-to-end scenarios run against, including the
// seeded wall clock.
type sim struct {
	k    *Kernel
	task *proc.Task
	base uint32
}

const seededClock = 1_388_534_400

func newSim(t *testing.T) *sim {
	t.Helper()

	prevClock := dir.Clock
	dir.Clock = func() int64 { return seededClock }
	t.Cleanup(func() { dir.Clock = prevClock })

	k, err := Boot(512)
	require.NoError(t, err)
	t.Cleanup(func() { k.Alloc.Close() })

	disk := newMemDisk(2880)
	require.NoError(t, fat.Mkfs(disk, 2880))
	fs, err := fat.Mount(disk, 64)
	require.NoError(t, err)

	drv := fatdriver.New(fs, k.Mgr, 32)
	driverTask := proc.NewTask(k.Sched.NextID(), 0, k.IOTable)
	driverTask.State = proc.Running
	driverTask.PageDirectory = k.KernelTemplate
	k.Sched.Insert(driverTask)
	k.RegisterDriverTask(driverTask.ID, "C", drv.Task())
	go drv.Run()
	t.Cleanup(func() { drv.Task().CloseInbox() })

	task := proc.NewTask(k.Sched.NextID(), 0, k.IOTable)
	task.State = proc.Running
	pd, err := k.Mgr.CreatePageDirectory(k.KernelTemplate)
	require.NoError(t, err)
	task.PageDirectory = pd
	k.Sched.Insert(task)

	r := Regs{EAX: SysMapMemory, ECX: 2 * defs.PageSize}
	k.Syscall(task, &r)
	base, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)
	require.True(t, k.PageFault(task, base))
	require.True(t, k.PageFault(task, base+defs.PageSize))

	return &sim{k: k, task: task, base: base}
}

func (s *sim) poke(t *testing.T, off uint32, b []byte) {
	t.Helper()
	p, errno := s.k.Translate(s.task, s.base+off)
	require.Equal(t, defs.EOK, errno)
	s.k.Mgr.WriteBytes(p.Frame(), p.Offset(), b)
}

func (s *sim) peek(t *testing.T, off, n uint32) []byte {
	t.Helper()
	p, errno := s.k.Translate(s.task, s.base+off)
	require.Equal(t, defs.EOK, errno)
	return s.k.Mgr.ReadBytes(p.Frame(), p.Offset(), int(n))
}

// Scratch-page layout shared by every scenario.
const (
	pathOff   = 0x000
	opOff     = 0x100
	signalOff = 0x200
	returnOff = 0x204
	bufOff    = 0x400
)

func (s *sim) open(t *testing.T, path string, flags uint32) (uint32, defs.Errno) {
	t.Helper()
	s.poke(t, pathOff, []byte(path))
	r := Regs{EAX: SysFileOpen, EBX: s.base + pathOff, ECX: uint32(len(path)), EDX: flags}
	s.k.Syscall(s.task, &r)
	return defs.DecodeResult(r.EAX)
}

// submit builds an AsyncOp in user memory, submits it against h, waits on
// its signal word with a real futex syscall, and decodes the return word.
func (s *sim) submit(t *testing.T, h, opCode, arg0, arg1, arg2 uint32) (uint32, defs.Errno) {
	t.Helper()
	op := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint32(op[0:], opCode)
	le.PutUint32(op[4:], s.base+signalOff)
	le.PutUint32(op[8:], s.base+returnOff)
	le.PutUint32(op[12:], arg0)
	le.PutUint32(op[16:], arg1)
	le.PutUint32(op[20:], arg2)
	s.poke(t, signalOff, []byte{0, 0, 0, 0})
	s.poke(t, opOff, op)

	r := Regs{EAX: SysSubmitOp, EBX: h, ECX: s.base + opOff}
	s.k.Syscall(s.task, &r)
	if _, errno := defs.DecodeResult(r.EAX); errno != defs.EOK {
		return 0, errno
	}

	r = Regs{EAX: SysFutexWait, EBX: s.base + signalOff, ECX: 0}
	s.k.Syscall(s.task, &r)
	return defs.DecodeResult(binary.LittleEndian.Uint32(s.peek(t, returnOff, 4)))
}

func (s *sim) write(t *testing.T, h uint32, data []byte, offset uint32) (uint32, defs.Errno) {
	t.Helper()
	s.poke(t, bufOff, data)
	return s.submit(t, h, handle.OpWrite, s.base+bufOff, uint32(len(data)), offset)
}

func (s *sim) read(t *testing.T, h uint32, n, offset uint32) ([]byte, defs.Errno) {
	t.Helper()
	s.poke(t, bufOff, make([]byte, n))
	got, errno := s.submit(t, h, handle.OpRead, s.base+bufOff, n, offset)
	if errno != defs.EOK {
		return nil, errno
	}
	return s.peek(t, bufOff, got), defs.EOK
}

func (s *sim) close(t *testing.T, h uint32) defs.Errno {
	t.Helper()
	_, errno := s.submit(t, h, handle.OpClose, 0, 0, 0)
	return errno
}

func TestScenarioCreateWriteReopenRead(t *testing.T) {
	s := newSim(t)
	payload := "Hello, FAT filesystem!"

	h, errno := s.open(t, "C:\\TEST.TXT", defs.OpenCreate)
	require.Equal(t, defs.EOK, errno)
	n, errno := s.write(t, h, []byte(payload), 0)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 22, n)
	require.Equal(t, defs.EOK, s.close(t, h))

	h2, errno := s.open(t, "C:\\TEST.TXT", 0)
	require.Equal(t, defs.EOK, errno)
	got, errno := s.read(t, h2, 64, 0)
	require.Equal(t, defs.EOK, errno)
	require.Len(t, got, 22)
	require.Equal(t, payload, string(got))
	require.Equal(t, defs.EOK, s.close(t, h2))
}

func TestScenarioGrowthAcrossClusters(t *testing.T) {
	s := newSim(t)

	h, errno := s.open(t, "C:\\GROW.TXT", defs.OpenCreate)
	require.Equal(t, defs.EOK, errno)
	chunk := make([]byte, 600)
	for i := range chunk {
		chunk[i] = 0xAB
	}
	for i := uint32(0); i < 5; i++ {
		n, errno := s.write(t, h, chunk, i*600)
		require.Equal(t, defs.EOK, errno)
		require.EqualValues(t, 600, n)
	}
	require.Equal(t, defs.EOK, s.close(t, h))

	h, errno = s.open(t, "C:\\GROW.TXT", 0)
	require.Equal(t, defs.EOK, errno)
	size, errno := s.submit(t, h, handle.OpStat, 0, 0, 0)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 3000, size)

	got, errno := s.read(t, h, 3000, 0)
	require.Equal(t, defs.EOK, errno)
	require.Len(t, got, 3000)
	for i, b := range got {
		require.EqualValues(t, 0xAB, b, "byte %d", i)
	}
	require.Equal(t, defs.EOK, s.close(t, h))
}

func TestScenarioRenameAcrossDirectories(t *testing.T) {
	s := newSim(t)
	k := s.k

	require.Equal(t, defs.EOK, k.Arbiter.Mkdir(k.Alloc, k.Mgr, "C", "SRCDIR"))
	require.Equal(t, defs.EOK, k.Arbiter.Mkdir(k.Alloc, k.Mgr, "C", "DSTDIR"))

	h, errno := s.open(t, "C:\\SRCDIR\\MOV.TXT", defs.OpenCreate)
	require.Equal(t, defs.EOK, errno)
	_, errno = s.write(t, h, []byte("moving"), 0)
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, defs.EOK, s.close(t, h))

	require.Equal(t, defs.EOK, k.Arbiter.Rename(k.Alloc, k.Mgr, "C", "SRCDIR\\MOV.TXT", "DSTDIR\\MOV.TXT"))

	_, errno = s.open(t, "C:\\SRCDIR\\MOV.TXT", 0)
	require.Equal(t, defs.ENOTFOUND, errno)

	h, errno = s.open(t, "C:\\DSTDIR\\MOV.TXT", 0)
	require.Equal(t, defs.EOK, errno)
	got, errno := s.read(t, h, 6, 0)
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, "moving", string(got))
	require.Equal(t, defs.EOK, s.close(t, h))
}

func TestScenarioExclusiveCreateConflict(t *testing.T) {
	s := newSim(t)

	h, errno := s.open(t, "C:\\EXCL.TXT", defs.OpenCreate|defs.OpenExclusive)
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, defs.EOK, s.close(t, h))

	_, errno = s.open(t, "C:\\EXCL.TXT", defs.OpenCreate|defs.OpenExclusive)
	require.Equal(t, defs.EALREADYOPEN, errno)
}

func TestScenarioRmdirNonEmpty(t *testing.T) {
	s := newSim(t)
	k := s.k

	require.Equal(t, defs.EOK, k.Arbiter.Mkdir(k.Alloc, k.Mgr, "C", "FULLDIR"))
	h, errno := s.open(t, "C:\\FULLDIR\\INSIDE.TXT", defs.OpenCreate)
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, defs.EOK, s.close(t, h))

	require.Equal(t, defs.EINVALARG, k.Arbiter.Rmdir(k.Alloc, k.Mgr, "C", "FULLDIR"))
}

func TestScenarioMappingAndPageIn(t *testing.T) {
	s := newSim(t)
	k := s.k

	h, errno := s.open(t, "C:\\MAP.BIN", defs.OpenCreate)
	require.Equal(t, defs.EOK, errno)
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = 0x42
	}
	_, errno = s.write(t, h, payload, 0)
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, defs.EOK, s.close(t, h))

	// map_file + fault drives the full PageIn protocol.
	path := "C:\\MAP.BIN"
	s.poke(t, pathOff, []byte(path))
	r := Regs{EAX: SysMapFile, EBX: s.base + pathOff, ECX: uint32(len(path)), EDX: 0, ESI: defs.PageSize, EDI: 1}
	k.Syscall(s.task, &r)
	mapVaddr, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)
	require.True(t, k.PageFault(s.task, mapVaddr))

	n, errno := defs.DecodeResult(uint32(*s.task.LastMapResult))
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 256, n, "page_in reports the bytes actually present in the file")

	f, ok := k.Mgr.Translate(s.task.PageDirectory, mapVaddr)
	require.True(t, ok)
	page := k.Mgr.ReadBytes(f, 0, defs.PageSize)
	for i := 0; i < 256; i++ {
		require.EqualValues(t, 0x42, page[i])
	}
	for i := 256; i < defs.PageSize; i++ {
		require.Zero(t, page[i])
	}

	// create_mapping/remove_mapping returns refcounts to their prior state.
	tok, errno := k.Arbiter.CreateMapping(k.Alloc, k.Mgr, "C", "MAP.BIN")
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, defs.EOK, k.Arbiter.RemoveMapping("C", tok))
}

func TestFutexWaitMismatchReturnsImmediately(t *testing.T) {
	s := newSim(t)
	s.poke(t, bufOff, []byte{9, 0, 0, 0})

	r := Regs{EAX: SysFutexWait, EBX: s.base + bufOff, ECX: 7, EDX: 0}
	s.k.Syscall(s.task, &r)
	result, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, futexWoken, result)
}

func TestFutexWaitTimesOut(t *testing.T) {
	s := newSim(t)
	s.poke(t, bufOff, []byte{0, 0, 0, 0})

	r := Regs{EAX: SysFutexWait, EBX: s.base + bufOff, ECX: 0, EDX: 20}
	s.k.Syscall(s.task, &r)
	result, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, futexTimedOut, result)
}

func TestMapUnmapLeavesMemoryMapIdentical(t *testing.T) {
	s := newSim(t)
	before := s.task.MemoryMap.Regions()

	r := Regs{EAX: SysMapMemory, ECX: 3 * defs.PageSize}
	s.k.Syscall(s.task, &r)
	vaddr, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)

	r = Regs{EAX: SysUnmap, EBX: vaddr, ECX: 3 * defs.PageSize}
	s.k.Syscall(s.task, &r)
	_, errno = defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)

	require.Equal(t, before, s.task.MemoryMap.Regions())
}

func TestPipeSyscallRoundTrip(t *testing.T) {
	s := newSim(t)

	r := Regs{EAX: SysPipeNew}
	s.k.Syscall(s.task, &r)
	readH, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)
	writeH := r.EBX

	n, errno := s.write(t, writeH, []byte("through the pipe"), 0)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 16, n)

	got, errno := s.read(t, readH, 16, 0)
	require.Equal(t, defs.EOK, errno)
	require.Equal(t, "through the pipe", string(got))
}

func TestChildTaskWaitHandleDeliversExitCode(t *testing.T) {
	s := newSim(t)

	r := Regs{EAX: SysTaskNew}
	s.k.Syscall(s.task, &r)
	waitH, errno := defs.DecodeResult(r.EAX)
	require.Equal(t, defs.EOK, errno)
	childID := defs.TaskID(r.EBX)

	child, ok := s.k.Sched.Get(childID)
	require.True(t, ok)
	require.Equal(t, proc.Uninitialized, child.State)
	s.k.Terminate(child, 55)

	code, errno := s.submit(t, waitH, handle.OpRead, 0, 0, 0)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 55, code)
}
