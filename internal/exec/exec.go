// Package exec implements program loading (spec.md §4.11, component C12):
// format detection, the cached loader-ELF mapping, the load-info page the
// kernel hands to the userspace loader, and initial stack setup.
//
// Grounded on original_source/kernel/src/exec.rs: the kernel never parses
// the target executable beyond its first four bytes — it maps the matching
// userspace loader binary into the new task and lets that loader place the
// executable's segments itself via map_memory/map_file syscalls.
package exec

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/frame"
	"idosnx/internal/pagedir"
	"idosnx/internal/proc"
	"idosnx/internal/vm"
)

var log = logrus.WithField("component", "exec")

// LoadInfoMagic is the first word of the load-info page, spec.md §6:
// 0x4C4F4144 ("LOAD").
const LoadInfoMagic = 0x4C4F4144

// Format identifies which userspace loader services an executable.
type Format int

const (
	FormatELF Format = iota
	FormatDOS
)

// stackPages is the initial user stack allocation, spec.md §4.11 step 5:
// "2 x 4 KiB at the top of user space."
const stackPages = 2

// cachedLoader is one entry of the loader cache (spec.md §4.11 step 3 and
// SPEC_FULL.md supplemented-feature #8): the parsed segment layout, entry
// offset, and the driver mapping the segments page in from.
type cachedLoader struct {
	layout   Layout
	drive    string
	driverID uint32
	token    uint32
}

// Exec owns the loader cache and the collaborators program loading needs.
type Exec struct {
	alloc *frame.Allocator
	mgr   *pagedir.Manager
	arb   *driver.Arbiter

	// KernelTemplate is the page directory whose kernel half (indices >=
	// 0x300) every new directory clones, spec.md §3.
	KernelTemplate defs.Frame

	// LoaderPaths names the loader binary for each executable format,
	// e.g. FormatELF -> "C:\ELF.LDR".
	LoaderPaths map[Format]string

	mu    sync.Mutex
	cache map[string]*cachedLoader
}

func New(alloc *frame.Allocator, mgr *pagedir.Manager, arb *driver.Arbiter, loaderPaths map[Format]string) *Exec {
	return &Exec{
		alloc:       alloc,
		mgr:         mgr,
		arb:         arb,
		LoaderPaths: loaderPaths,
		cache:       make(map[string]*cachedLoader),
	}
}

// SplitDrivePath splits "DRIVE:\path" into its mount name and
// driver-relative path, accepting both separators (spec.md §6 "File
// paths"). The syscall layer shares it for open/map_file paths.
func SplitDrivePath(path string) (string, string, error) {
	i := strings.IndexByte(path, ':')
	if i <= 0 {
		return "", "", fmt.Errorf("exec: %w: path %q has no drive", defs.EINVALARG, path)
	}
	rest := strings.TrimLeft(path[i+1:], "/\\")
	return path[:i], rest, nil
}

// DetectFormat implements spec.md §4.11 step 2: ELF magic selects the ELF
// loader; an MZ/ZM signature or a .COM name selects the DOS loader.
func DetectFormat(path string, head [4]byte) (Format, error) {
	if head == elfMagic {
		return FormatELF, nil
	}
	if (head[0] == 'M' && head[1] == 'Z') || (head[0] == 'Z' && head[1] == 'M') {
		return FormatDOS, nil
	}
	if strings.HasSuffix(strings.ToUpper(path), ".COM") {
		return FormatDOS, nil
	}
	return 0, fmt.Errorf("exec: %w: unrecognized executable format", defs.EINVALARG)
}

// loaderFor returns the cached loader record for format, parsing and
// mapping the loader binary on first use.
func (e *Exec) loaderFor(format Format) (*cachedLoader, error) {
	path, ok := e.LoaderPaths[format]
	if !ok {
		return nil, fmt.Errorf("exec: %w: no loader for format %d", defs.EUNSUPPORTED, format)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.cache[path]; ok {
		return l, nil
	}

	drive, rest, err := SplitDrivePath(path)
	if err != nil {
		return nil, err
	}
	fileID, errno := e.arb.Open(e.alloc, e.mgr, drive, rest, 0)
	if errno != defs.EOK {
		return nil, fmt.Errorf("exec: open loader %q: %w", path, errno)
	}
	defer e.arb.CloseBlocking(drive, fileID)

	header := make([]byte, elfHeaderSize)
	if _, errno := e.arb.ReadBlocking(e.alloc, e.mgr, drive, fileID, 0, header); errno != defs.EOK {
		return nil, fmt.Errorf("exec: read loader header: %w", errno)
	}
	le := binary.LittleEndian
	phoff := le.Uint32(header[28:])
	phnum := int(le.Uint16(header[44:]))
	phdrs := make([]byte, phnum*elfProgramEntrySize)
	if _, errno := e.arb.ReadBlocking(e.alloc, e.mgr, drive, fileID, phoff, phdrs); errno != defs.EOK {
		return nil, fmt.Errorf("exec: read loader program headers: %w", errno)
	}
	layout, err := parseELF(header, phdrs, phnum)
	if err != nil {
		return nil, err
	}

	token, errno := e.arb.CreateMapping(e.alloc, e.mgr, drive, rest)
	if errno != defs.EOK {
		return nil, fmt.Errorf("exec: create loader mapping: %w", errno)
	}
	driverID, _ := e.arb.DriverID(drive)

	l := &cachedLoader{layout: layout, drive: drive, driverID: driverID, token: token}
	e.cache[path] = l
	log.WithFields(logrus.Fields{"loader": path, "segments": len(layout.Segments), "entry": fmt.Sprintf("%#x", layout.Entry)}).Info("loader parsed and cached")
	return l, nil
}

// mapLoaderSegments installs the loader's PT_LOAD segments into t's memory
// map as FileBacked regions: writable segments private, read-only segments
// shared (spec.md §4.11 step 3).
func mapLoaderSegments(t *proc.Task, l *cachedLoader) error {
	for _, s := range l.layout.Segments {
		vaddr := uint32(defs.AlignDown(uintptr(s.Vaddr)))
		pageOff := s.Vaddr - vaddr
		size := uint32(defs.AlignUp(uintptr(pageOff + s.MemSize)))
		backing := vm.Backing{
			Kind:         vm.FileBacked,
			DriverID:     l.driverID,
			MappingToken: l.token,
			OffsetInFile: s.FileOffset - pageOff,
			Shared:       !s.Writable,
		}
		if _, err := t.MemoryMap.MapMemory(&vaddr, size, backing); err != nil {
			return err
		}
	}
	return nil
}

// buildLoadInfo encodes the load-info page, spec.md §6: six header words,
// then the executable path bytes, then argv as a packed sequence of
// u16-length-prefixed strings.
func buildLoadInfo(path string, args []string) ([]byte, error) {
	page := make([]byte, defs.PageSize)
	le := binary.LittleEndian

	pathOff := uint32(24)
	argvOff := pathOff + uint32(len(path))
	argvTotal := uint32(0)
	for _, a := range args {
		argvTotal += 2 + uint32(len(a))
	}
	if argvOff+argvTotal > defs.PageSize {
		return nil, fmt.Errorf("exec: %w: path and argv exceed the load-info page", defs.EINVALARG)
	}

	le.PutUint32(page[0:], LoadInfoMagic)
	le.PutUint32(page[4:], pathOff)
	le.PutUint32(page[8:], uint32(len(path)))
	le.PutUint32(page[12:], uint32(len(args)))
	le.PutUint32(page[16:], argvOff)
	le.PutUint32(page[20:], argvTotal)
	copy(page[pathOff:], path)

	off := argvOff
	for _, a := range args {
		le.PutUint16(page[off:], uint16(len(a)))
		copy(page[off+2:], a)
		off += 2 + uint32(len(a))
	}
	return page, nil
}

// ExecProgram performs spec.md §4.11's seven steps against an Uninitialized
// task: detect the format, map the (cached) loader, build the load-info
// page, reserve the stack, prime the entry frame, and mark the task
// Initialized. Allocation failure mid-setup panics per spec.md §7
// ("Allocator failures during critical paths ... are fatal").
func (e *Exec) ExecProgram(t *proc.Task, path string, args []string) error {
	if t.State != proc.Uninitialized {
		return fmt.Errorf("exec: %w: task %d is %s, want uninitialized", defs.EINVALARG, t.ID, t.State)
	}

	drive, rest, err := SplitDrivePath(path)
	if err != nil {
		return err
	}
	fileID, errno := e.arb.Open(e.alloc, e.mgr, drive, rest, 0)
	if errno != defs.EOK {
		return fmt.Errorf("exec: open %q: %w", path, errno)
	}
	var head [4]byte
	_, errno = e.arb.ReadBlocking(e.alloc, e.mgr, drive, fileID, 0, head[:])
	e.arb.CloseBlocking(drive, fileID)
	if errno != defs.EOK {
		return fmt.Errorf("exec: read %q: %w", path, errno)
	}
	format, err := DetectFormat(path, head)
	if err != nil {
		return err
	}

	loader, err := e.loaderFor(format)
	if err != nil {
		return err
	}

	dir, err := e.mgr.CreatePageDirectory(e.KernelTemplate)
	if err != nil {
		panic(fmt.Sprintf("exec: page directory for task %d: %v", t.ID, err))
	}
	t.PageDirectory = dir

	if err := mapLoaderSegments(t, loader); err != nil {
		return err
	}

	// Stack: two pages ending at the top of user space, demand-faulted as
	// anonymous memory on first push.
	stackBase := vm.MemoryTop - stackPages*defs.PageSize
	if _, err := t.MemoryMap.MapMemory(&stackBase, stackPages*defs.PageSize, vm.Backing{Kind: vm.Free}); err != nil {
		return err
	}

	// Load-info page: auto placement lands it just below the stack; backed
	// eagerly since the kernel writes it before the task ever runs.
	infoVaddr, err := t.MemoryMap.MapMemory(nil, defs.PageSize, vm.Backing{Kind: vm.Free})
	if err != nil {
		return err
	}
	infoFrame, err := e.alloc.AllocateFrameWithTracking()
	if err != nil {
		panic(fmt.Sprintf("exec: load-info frame for task %d: %v", t.ID, err))
	}
	if err := e.mgr.Map(dir, infoVaddr, infoFrame, pagedir.UserAccess|pagedir.WriteAccess); err != nil {
		return err
	}
	info, err := buildLoadInfo(path, args)
	if err != nil {
		return err
	}
	e.mgr.WriteBytes(infoFrame, 0, info)

	t.EntryPoint = loader.layout.Entry
	t.LoadInfoVaddr = infoVaddr
	t.UserStackTop = vm.MemoryTop
	t.Args = args
	t.ExecutablePath = path
	t.MarkInitialized(dir)

	log.WithFields(logrus.Fields{"task": t.ID, "path": path, "format": format, "entry": fmt.Sprintf("%#x", t.EntryPoint)}).Info("exec")
	return nil
}
