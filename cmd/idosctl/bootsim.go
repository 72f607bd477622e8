package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"idosnx/internal/defs"
	"idosnx/internal/fat"
	"idosnx/internal/fatdriver"
	"idosnx/internal/handle"
	"idosnx/internal/kernel"
	"idosnx/internal/proc"
)

func newBootsimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootsim",
		Short: "Boot the simulated kernel, mount the FAT volume, and run a smoke scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootsim(cmd)
		},
	}
}

func runBootsim(cmd *cobra.Command) error {
	k, err := kernel.Boot(cfg.MemoryFrames)
	if err != nil {
		return err
	}
	defer k.Alloc.Close()

	f, err := os.OpenFile(cfg.DiskImage, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("bootsim: open disk image (run `idosctl mkfs` first): %w", err)
	}
	defer f.Close()
	fs, err := fat.Mount(fat.NewFileDisk(f), cfg.CacheSectors)
	if err != nil {
		return err
	}

	// The FAT driver runs as an ordinary task serving its message queue;
	// errgroup supervises it together with the preemption tick.
	drv := fatdriver.New(fs, k.Mgr, cfg.InboxDepth)
	driverTask := proc.NewTask(k.Sched.NextID(), 0, k.IOTable)
	driverTask.State = proc.Running
	driverTask.PageDirectory = k.KernelTemplate
	k.Sched.Insert(driverTask)
	k.RegisterDriverTask(driverTask.ID, "C", drv.Task())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		drv.Run()
		return nil
	})
	g.Go(func() error {
		tick := time.NewTicker(time.Duration(cfg.TickMs) * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				k.Tick(uint32(cfg.TickMs))
			}
		}
	})

	if err := smokeScenario(cmd, k); err != nil {
		return err
	}
	cancel()
	drv.Task().CloseInbox()
	return g.Wait()
}

// smokeScenario drives spec.md §8 scenario 1 (create, write, reopen, read)
// through the real syscall surface: a user task, a mapped user page, an
// AsyncOp record built in user memory, and a futex wait on its signal word.
func smokeScenario(cmd *cobra.Command, k *kernel.Kernel) error {
	t := proc.NewTask(k.Sched.NextID(), 0, k.IOTable)
	t.State = proc.Running
	dir, err := k.Mgr.CreatePageDirectory(k.KernelTemplate)
	if err != nil {
		return err
	}
	t.PageDirectory = dir
	k.Sched.Insert(t)

	// One page of "user" memory for the path, the AsyncOp record, its
	// signal/return words, and the I/O buffer.
	r := kernel.Regs{EAX: kernel.SysMapMemory, ECX: defs.PageSize}
	k.Syscall(t, &r)
	vaddr, errno := defs.DecodeResult(r.EAX)
	if errno != defs.EOK {
		return fmt.Errorf("bootsim: map_memory: %v", errno)
	}
	if !k.PageFault(t, vaddr) {
		return fmt.Errorf("bootsim: fault-in failed")
	}
	poke := func(off uint32, b []byte) {
		p, _ := k.Translate(t, vaddr+off)
		k.Mgr.WriteBytes(p.Frame(), p.Offset(), b)
	}
	peek := func(off, n uint32) []byte {
		p, _ := k.Translate(t, vaddr+off)
		return k.Mgr.ReadBytes(p.Frame(), p.Offset(), int(n))
	}

	const (
		pathOff   = 0x000
		opOff     = 0x100
		signalOff = 0x200
		returnOff = 0x204
		bufOff    = 0x400
	)
	path := "C:\\HELLO.TXT"
	payload := "Hello from the boot simulator"
	poke(pathOff, []byte(path))

	r = kernel.Regs{EAX: kernel.SysFileOpen, EBX: vaddr + pathOff, ECX: uint32(len(path)), EDX: defs.OpenCreate}
	k.Syscall(t, &r)
	h, errno := defs.DecodeResult(r.EAX)
	if errno != defs.EOK {
		return fmt.Errorf("bootsim: open: %v", errno)
	}

	submit := func(opCode, arg0, arg1, arg2 uint32) (uint32, defs.Errno) {
		op := make([]byte, 24)
		le := binary.LittleEndian
		le.PutUint32(op[0:], opCode)
		le.PutUint32(op[4:], vaddr+signalOff)
		le.PutUint32(op[8:], vaddr+returnOff)
		le.PutUint32(op[12:], arg0)
		le.PutUint32(op[16:], arg1)
		le.PutUint32(op[20:], arg2)
		poke(signalOff, []byte{0, 0, 0, 0})
		poke(opOff, op)

		r := kernel.Regs{EAX: kernel.SysSubmitOp, EBX: h, ECX: vaddr + opOff}
		k.Syscall(t, &r)
		if _, errno := defs.DecodeResult(r.EAX); errno != defs.EOK {
			return 0, errno
		}
		r = kernel.Regs{EAX: kernel.SysFutexWait, EBX: vaddr + signalOff, ECX: 0}
		k.Syscall(t, &r)
		return defs.DecodeResult(binary.LittleEndian.Uint32(peek(returnOff, 4)))
	}

	poke(bufOff, []byte(payload))
	n, errno := submit(handle.OpWrite, vaddr+bufOff, uint32(len(payload)), 0)
	if errno != defs.EOK {
		return fmt.Errorf("bootsim: write: %v", errno)
	}
	logrus.WithField("bytes", n).Info("wrote payload")

	poke(bufOff, make([]byte, len(payload)))
	n, errno = submit(handle.OpRead, vaddr+bufOff, uint32(len(payload)), 0)
	if errno != defs.EOK {
		return fmt.Errorf("bootsim: read: %v", errno)
	}
	if _, errno = submit(handle.OpClose, 0, 0, 0); errno != defs.EOK {
		return fmt.Errorf("bootsim: close: %v", errno)
	}

	got := string(peek(bufOff, n))
	fmt.Fprintf(cmd.OutOrStdout(), "round trip through %s: %q (%d bytes)\n", path, got, n)
	if got != payload {
		return fmt.Errorf("bootsim: payload mismatch: %q", got)
	}
	return nil
}
