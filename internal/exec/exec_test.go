package exec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
	"idosnx/internal/proc"
	"idosnx/internal/vm"
)

// buildTestELF assembles a minimal ELF32 i386 executable with two PT_LOAD
// segments: read-only text at 0x08048000 and writable data at 0x0804A000.
func buildTestELF() []byte {
	img := make([]byte, 4096)
	le := binary.LittleEndian

	copy(img[0:4], elfMagic[:])
	img[4] = elfIdentClass32
	img[5] = elfIdentLittleEndian
	le.PutUint16(img[16:], elfTypeExec)
	le.PutUint16(img[18:], elfMachine386)
	le.PutUint32(img[24:], 0x08048010)           // e_entry
	le.PutUint32(img[28:], elfHeaderSize)        // e_phoff
	le.PutUint16(img[42:], elfProgramEntrySize)  // e_phentsize
	le.PutUint16(img[44:], 2)                    // e_phnum

	ph := img[elfHeaderSize:]
	le.PutUint32(ph[0:], elfProgramTypeLoad)
	le.PutUint32(ph[4:], 0x200)      // p_offset
	le.PutUint32(ph[8:], 0x08048000) // p_vaddr
	le.PutUint32(ph[16:], 0x400)     // p_filesz
	le.PutUint32(ph[20:], 0x400)     // p_memsz
	le.PutUint32(ph[24:], elfProgramFlagExec)

	ph = ph[elfProgramEntrySize:]
	le.PutUint32(ph[0:], elfProgramTypeLoad)
	le.PutUint32(ph[4:], 0x600)
	le.PutUint32(ph[8:], 0x0804A000)
	le.PutUint32(ph[16:], 0x100)
	le.PutUint32(ph[20:], 0x800) // bss beyond file size
	le.PutUint32(ph[24:], elfProgramFlagWrite)

	return img
}

// blobDriver serves a set of named byte blobs as an in-kernel driver.
type blobDriver struct {
	blobs map[string][]byte
	open  map[uint32]string
	next  uint32
}

func newBlobDriver() *blobDriver {
	return &blobDriver{blobs: map[string][]byte{}, open: map[uint32]string{}}
}

func (d *blobDriver) Open(path string, flags uint32) (uint32, defs.Errno) {
	if _, ok := d.blobs[path]; !ok {
		return 0, defs.ENOTFOUND
	}
	d.next++
	d.open[d.next] = path
	return d.next, defs.EOK
}

func (d *blobDriver) Read(fileID uint32, buf []byte, offset uint32) (uint32, defs.Errno) {
	path, ok := d.open[fileID]
	if !ok {
		return 0, defs.EHANDLEINVALID
	}
	blob := d.blobs[path]
	if offset >= uint32(len(blob)) {
		return 0, defs.EOK
	}
	return uint32(copy(buf, blob[offset:])), defs.EOK
}

func (d *blobDriver) Write(uint32, []byte, uint32) (uint32, defs.Errno) {
	return 0, defs.EUNSUPPORTED
}
func (d *blobDriver) Close(fileID uint32) defs.Errno { delete(d.open, fileID); return defs.EOK }
func (d *blobDriver) Stat(fileID uint32) (uint32, bool, defs.Errno) {
	path, ok := d.open[fileID]
	if !ok {
		return 0, false, defs.EHANDLEINVALID
	}
	return uint32(len(d.blobs[path])), false, defs.EOK
}
func (d *blobDriver) Mkdir(string) defs.Errno          { return defs.EUNSUPPORTED }
func (d *blobDriver) Unlink(string) defs.Errno         { return defs.EUNSUPPORTED }
func (d *blobDriver) Rmdir(string) defs.Errno          { return defs.EUNSUPPORTED }
func (d *blobDriver) Rename(string, string) defs.Errno { return defs.EUNSUPPORTED }
func (d *blobDriver) CreateMapping(path string) (uint32, defs.Errno) {
	if _, ok := d.blobs[path]; !ok {
		return 0, defs.ENOTFOUND
	}
	return 77, defs.EOK
}
func (d *blobDriver) RemoveMapping(uint32) defs.Errno { return defs.EOK }
func (d *blobDriver) PageIn(token uint32, offset uint32, buf []byte) (uint32, defs.Errno) {
	return 0, defs.EUNSUPPORTED
}

func newTestExec(t *testing.T) (*Exec, *blobDriver, *frame.Allocator, *pagedir.Manager) {
	t.Helper()
	alloc, err := frame.New(256)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 256))
	t.Cleanup(func() { alloc.Close() })
	mgr := pagedir.New(alloc)

	arb := driver.NewArbiter()
	blobs := newBlobDriver()
	blobs.blobs["ELF.LDR"] = buildTestELF()
	blobs.blobs["HELLO.ELF"] = buildTestELF()
	blobs.blobs["LEGACY.COM"] = []byte{0xB8, 0x00, 0x4C}
	arb.MountSync("C", blobs)

	e := New(alloc, mgr, arb, map[Format]string{FormatELF: "C:\\ELF.LDR"})
	return e, blobs, alloc, mgr
}

func TestDetectFormat(t *testing.T) {
	elf, err := DetectFormat("X.ELF", [4]byte{0x7F, 'E', 'L', 'F'})
	require.NoError(t, err)
	require.Equal(t, FormatELF, elf)

	dos, err := DetectFormat("X.EXE", [4]byte{'M', 'Z', 0, 0})
	require.NoError(t, err)
	require.Equal(t, FormatDOS, dos)

	dos, err = DetectFormat("X.EXE", [4]byte{'Z', 'M', 0, 0})
	require.NoError(t, err)
	require.Equal(t, FormatDOS, dos)

	dos, err = DetectFormat("prog.com", [4]byte{0xB8, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, FormatDOS, dos, ".COM name selects the DOS loader")

	_, err = DetectFormat("X.BIN", [4]byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestParseELFCollectsLoadSegments(t *testing.T) {
	img := buildTestELF()
	layout, err := parseELF(img[:elfHeaderSize], img[elfHeaderSize:elfHeaderSize+2*elfProgramEntrySize], 2)
	require.NoError(t, err)
	require.EqualValues(t, 0x08048010, layout.Entry)
	require.Len(t, layout.Segments, 2)
	require.False(t, layout.Segments[0].Writable)
	require.True(t, layout.Segments[1].Writable)
	require.EqualValues(t, 0x800, layout.Segments[1].MemSize)
}

func TestBuildLoadInfoLayout(t *testing.T) {
	page, err := buildLoadInfo("C:\\HELLO.ELF", []string{"one", "twos"})
	require.NoError(t, err)
	le := binary.LittleEndian

	require.EqualValues(t, LoadInfoMagic, le.Uint32(page[0:]))
	pathOff := le.Uint32(page[4:])
	pathLen := le.Uint32(page[8:])
	require.Equal(t, "C:\\HELLO.ELF", string(page[pathOff:pathOff+pathLen]))
	require.EqualValues(t, 2, le.Uint32(page[12:]))

	argvOff := le.Uint32(page[16:])
	require.EqualValues(t, 2+3+2+4, le.Uint32(page[20:]))
	require.EqualValues(t, 3, le.Uint16(page[argvOff:]))
	require.Equal(t, "one", string(page[argvOff+2:argvOff+5]))
	require.EqualValues(t, 4, le.Uint16(page[argvOff+5:]))
	require.Equal(t, "twos", string(page[argvOff+7:argvOff+11]))
}

func TestExecProgramPrimesTask(t *testing.T) {
	e, _, _, mgr := newTestExec(t)
	io := handle.NewAsyncIOTable()
	task := proc.NewTask(1, 0, io)

	require.NoError(t, e.ExecProgram(task, "C:\\HELLO.ELF", []string{"hello"}))
	require.Equal(t, proc.Initialized, task.State)
	require.EqualValues(t, 0x08048010, task.EntryPoint)
	require.Equal(t, vm.MemoryTop, task.UserStackTop)
	require.Equal(t, "C:\\HELLO.ELF", task.ExecutablePath)

	// Loader text is shared, loader data private.
	text, ok := task.MemoryMap.GetMappingContainingAddress(0x08048000)
	require.True(t, ok)
	require.Equal(t, vm.FileBacked, text.Backing.Kind)
	require.True(t, text.Backing.Shared)

	data, ok := task.MemoryMap.GetMappingContainingAddress(0x0804A000)
	require.True(t, ok)
	require.False(t, data.Backing.Shared)

	// Two stack pages end at the top of user space.
	stack, ok := task.MemoryMap.GetMappingContainingAddress(vm.MemoryTop - defs.PageSize)
	require.True(t, ok)
	require.Equal(t, vm.Free, stack.Backing.Kind)
	require.EqualValues(t, 2*defs.PageSize, stack.Size)

	// The load-info page is eagerly backed and carries the magic.
	f, ok := mgr.Translate(task.PageDirectory, task.LoadInfoVaddr)
	require.True(t, ok)
	word := mgr.ReadBytes(f, 0, 4)
	require.EqualValues(t, LoadInfoMagic, binary.LittleEndian.Uint32(word))
}

func TestExecProgramRejectsInitializedTask(t *testing.T) {
	e, _, _, _ := newTestExec(t)
	task := proc.NewTask(2, 0, handle.NewAsyncIOTable())
	task.State = proc.Running
	require.Error(t, e.ExecProgram(task, "C:\\HELLO.ELF", nil))
}

func TestExecProgramCachesLoaderParse(t *testing.T) {
	e, blobs, _, _ := newTestExec(t)

	t1 := proc.NewTask(3, 0, handle.NewAsyncIOTable())
	require.NoError(t, e.ExecProgram(t1, "C:\\HELLO.ELF", nil))
	opensAfterFirst := blobs.next

	t2 := proc.NewTask(4, 0, handle.NewAsyncIOTable())
	require.NoError(t, e.ExecProgram(t2, "C:\\HELLO.ELF", nil))
	// Only the target executable is reopened; the loader parse is cached.
	require.Equal(t, opensAfterFirst+1, blobs.next)
}

func TestExecProgramUnknownFormatFails(t *testing.T) {
	e, blobs, _, _ := newTestExec(t)
	blobs.blobs["DATA.BIN"] = []byte{1, 2, 3, 4}
	task := proc.NewTask(5, 0, handle.NewAsyncIOTable())
	require.Error(t, e.ExecProgram(task, "C:\\DATA.BIN", nil))
}
