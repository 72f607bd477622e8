package irq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

func newTestOp(t *testing.T, alloc *frame.Allocator) handle.AsyncOp {
	t.Helper()
	sig, err := alloc.AllocateFrame()
	require.NoError(t, err)
	ret, err := alloc.AllocateFrame()
	require.NoError(t, err)
	return handle.AsyncOp{
		OpCode:     handle.OpRead,
		SignalAddr: handle.PhysAddr(uint32(sig.Keep()) << defs.PageShift),
		ReturnAddr: handle.PhysAddr(uint32(ret.Keep()) << defs.PageShift),
	}
}

func TestFireBeforeWaitIsNotLost(t *testing.T) {
	alloc, err := frame.New(8)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 8))
	defer alloc.Close()
	mgr := pagedir.New(alloc)

	p := New(mgr, 5)
	p.Fire()

	op := newTestOp(t, alloc)
	_, err = p.OpRequest(0, op)
	require.NoError(t, err)

	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	value, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 5, value)
}

func TestOpRequestBlocksUntilFire(t *testing.T) {
	alloc, err := frame.New(8)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 8))
	defer alloc.Close()
	mgr := pagedir.New(alloc)

	p := New(mgr, 1)
	op := newTestOp(t, alloc)

	done := make(chan struct{})
	go func() {
		p.OpRequest(0, op)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("returned before Fire")
	case <-time.After(30 * time.Millisecond):
	}

	p.Fire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("never woke after Fire")
	}
}

func TestCloseReleasesParkedWaiter(t *testing.T) {
	alloc, err := frame.New(8)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 8))
	defer alloc.Close()
	mgr := pagedir.New(alloc)

	p := New(mgr, 2)
	op := newTestOp(t, alloc)

	done := make(chan struct{})
	go func() {
		p.OpRequest(0, op)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close should release a parked waiter")
	}
	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	_, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.EWRITETOCLOSED, errno)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
