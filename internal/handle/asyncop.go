// Package handle implements the handle table and AsyncOp completion
// protocol (spec.md §4.6, component C6): per-task handles, the process-wide
// async-io table that backs them, and the two-phase, cross-address-space
// completion write.
//
// Grounded on original_source/kernel/src/io/async_io.rs for the AsyncOp /
// AsyncIOTable shapes, and on fd.Fd_t / fd.Copyfd in the teacher for the
// "dup points at the same underlying thing, refcounted" pattern — the same
// idea spec.md §4.6 calls out for handle dup/transfer.
package handle

import (
	"sync/atomic"

	"idosnx/internal/defs"
	"idosnx/internal/metrics"
	"idosnx/internal/pagedir"
)

// Op-code flags occupying the high bits of AsyncOp.OpCode, matching
// async_io.rs's OPERATION_FLAG_* constants.
const (
	OpFlagFile      = 0x80000000
	OpFlagTask      = 0x40000000
	OpFlagInterrupt = 0x20000000
	OpFlagMessage   = 0x10000000
	OpFlagSocket    = 0x08000000
)

// Operation codes, matching async_io.rs's ASYNC_OP_* constants.
const (
	OpOpen  = 1
	OpRead  = 2
	OpWrite = 3
	OpClose = 4
	OpStat  = 5
	OpIoctl = 6
)

// PhysAddr is a raw physical address (frame<<12 | offset) in the simulated
// arena, the wire representation spec.md §6 gives AsyncOp.signal_paddr /
// return_value_paddr.
type PhysAddr uint32

func (p PhysAddr) split() (defs.Frame, int) {
	return defs.Frame(p >> defs.PageShift), int(p & (defs.PageSize - 1))
}

// Frame returns the physical frame component of p, for providers (pipe,
// file, msgq) that need to copy a caller buffer named by Arg0/Arg1 rather
// than just signal completion.
func (p PhysAddr) Frame() defs.Frame { f, _ := p.split(); return f }

// Offset returns the in-frame byte offset component of p.
func (p PhysAddr) Offset() int { _, off := p.split(); return off }

// AsyncOp is the caller-allocated record from spec.md §3/§6: physical
// addresses captured at submission time so completion can write through a
// scratch mapping from any address space.
type AsyncOp struct {
	OpCode           uint32
	SignalAddr       PhysAddr
	ReturnAddr       PhysAddr
	Arg0, Arg1, Arg2 uint32
}

// Notify, when installed (the kernel sets it once at boot), is called after
// every completion's signal store with the signal word's physical address.
// It is how futex waiters parked on the signal word and wake sets attached
// at submission learn the op finished — the host equivalent of the
// completion path calling futex_wake on the signal paddr.
var Notify func(signal PhysAddr)

// Complete performs the two-phase completion write from spec.md §4.6:
//  1. write the 32-bit return value through a scratch mapping of its frame.
//  2. atomically release-store 1 into the signal word's frame (which may be
//     the same frame as the return value).
//
// mgr.WriteBytes stands in for "map through a scratch page" per this
// package's simulated-arena model (see internal/pagedir's doc comment).
func (op AsyncOp) Complete(mgr *pagedir.Manager, returnValue uint32) {
	rf, roff := op.ReturnAddr.split()
	mgr.WriteBytes(rf, roff, encodeU32(returnValue))

	metrics.AsyncOpCompletions.Inc()

	sf, soff := op.SignalAddr.split()
	// Release-store semantics: the write above must be globally visible
	// before this store, which is guaranteed here by writing the return
	// value first and the signal second (no intervening reorder in a
	// simulation without real multi-core memory reordering).
	mgr.WriteBytes(sf, soff, encodeU32(1))

	if Notify != nil {
		Notify(op.SignalAddr)
	}
}

// CompleteWithResult encodes a (value, error) pair using the high-bit
// failure scheme from spec.md §6/§7 before completing.
func (op AsyncOp) CompleteWithResult(mgr *pagedir.Manager, value uint32, err defs.Errno) {
	op.Complete(mgr, defs.EncodeResult(value, err))
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// AsyncOpID uniquely identifies a pending op within an AsyncOpQueue or
// AsyncIOTable entry.
type AsyncOpID uint32

// opIDGenerator hands out monotonically increasing AsyncOpIDs, mirroring
// async_io.rs's OpIdGenerator.
type opIDGenerator struct{ next uint32 }

func (g *opIDGenerator) nextID() AsyncOpID {
	return AsyncOpID(atomic.AddUint32(&g.next, 1))
}
