// Package msgq implements the MessageQueue IOProvider (spec.md §4.6): the
// handle a driver task reads its incoming IPC Messages from.
//
// Grounded on original_source/kernel/src/io/async_io.rs's IOType::
// MessageQueue variant, handle_incoming_messages, and CheckMessageQueue —
// and on SPEC_FULL.md's supplemented-feature #3, which preserves the
// original's "only the first, numerically, message-queue handle ever
// receives anything" restriction rather than generalizing it.
package msgq

import (
	"sync"

	"idosnx/internal/defs"
	"idosnx/internal/driver"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

// messageWireSize is the encoded byte length of a driver.Message:
// two leading u32s plus six u32 args.
const messageWireSize = 4 + 4 + 6*4

// Provider is a driver task's inbox handle: CheckMessageQueue (called by
// handle.AsyncIOTable.DeliverMessage) drains one pending Message out of the
// associated driver.AsyncTask and buffers it; OpRequest's OpRead then hands
// buffered messages to the driver task's own read loop, blocking when none
// are ready.
type Provider struct {
	mgr   *pagedir.Manager
	inbox <-chan driver.Message

	mu      sync.Mutex
	cond    *sync.Cond
	pending []driver.Message
	closed  bool
}

func New(mgr *pagedir.Manager, inbox <-chan driver.Message) *Provider {
	p := &Provider{mgr: mgr, inbox: inbox}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Provider) Kind() handle.Kind   { return handle.KindMessageQueue }
func (p *Provider) SetTask(defs.TaskID) {}

// CheckMessageQueue drains at most one message from the driver task's
// channel inbox without blocking, matching async_io.rs's poll-don't-park
// contract for the scheduler's message-delivery sweep.
func (p *Provider) CheckMessageQueue(currentTicks uint64) bool {
	select {
	case msg, ok := <-p.inbox:
		if !ok {
			p.mu.Lock()
			p.closed = true
			p.cond.Broadcast()
			p.mu.Unlock()
			return false
		}
		p.mu.Lock()
		p.pending = append(p.pending, msg)
		p.cond.Broadcast()
		p.mu.Unlock()
		return true
	default:
		return false
	}
}

// OpRequest's only supported operation is OpRead: pop the oldest buffered
// message and encode it into the caller's physical buffer (Arg0), blocking
// until CheckMessageQueue has something or the channel is closed.
func (p *Provider) OpRequest(index uint32, op handle.AsyncOp) (handle.AsyncOpID, error) {
	if op.OpCode != handle.OpRead {
		op.CompleteWithResult(p.mgr, 0, defs.EUNSUPPORTED)
		return 0, nil
	}

	p.mu.Lock()
	for len(p.pending) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		op.CompleteWithResult(p.mgr, 0, defs.EWRITETOCLOSED)
		return 0, nil
	}
	msg := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()

	buf := encodeMessage(msg)
	f, off := handle.PhysAddr(op.Arg0).Frame(), handle.PhysAddr(op.Arg0).Offset()
	p.mgr.WriteBytes(f, off, buf)
	op.CompleteWithResult(p.mgr, messageWireSize, defs.EOK)
	return 0, nil
}

// Enqueue implements the write half of the MessageQueue IOType (spec.md
// §4.6: "write = enqueue one to the queue"): decode a 32-byte wire record
// and append it directly to the pending list, waking a parked reader.
func (p *Provider) Enqueue(raw []byte) defs.Errno {
	if len(raw) < messageWireSize {
		return defs.EINVALARG
	}
	msg := driver.Message{Type: getLE32(raw[0:4]), UniqueID: getLE32(raw[4:8])}
	for i := range msg.Args {
		off := 8 + i*4
		msg.Args[i] = getLE32(raw[off : off+4])
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return defs.EWRITETOCLOSED
	}
	p.pending = append(p.pending, msg)
	p.cond.Broadcast()
	p.mu.Unlock()
	return defs.EOK
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func encodeMessage(m driver.Message) []byte {
	buf := make([]byte, messageWireSize)
	putLE32(buf[0:4], m.Type)
	putLE32(buf[4:8], m.UniqueID)
	for i, arg := range m.Args {
		off := 8 + i*4
		putLE32(buf[off:off+4], arg)
	}
	return buf
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
