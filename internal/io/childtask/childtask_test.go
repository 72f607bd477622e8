package childtask

import (
	"testing"

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

func TestOpRequestCompletesImmediatelyIfAlreadyExited(t *testing.T) {
	alloc, err := frame.New(8)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 8))
	defer alloc.Close()
	mgr := pagedir.New(alloc)

	p := New(mgr, defs.TaskID(7))
	p.NotifyExit(3)

	op := newTestOp(t, alloc)
	_, err = p.OpRequest(0, op)
	require.NoError(t, err)

	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	value, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 3, value)
}

func TestOpRequestParksUntilNotifyExit(t *testing.T) {
	alloc, err := frame.New(8)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 8))
	defer alloc.Close()
	mgr := pagedir.New(alloc)

	p := New(mgr, defs.TaskID(9))
	op := newTestOp(t, alloc)
	_, err = p.OpRequest(0, op)
	require.NoError(t, err)

	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	require.EqualValues(t, 0, le32(word), "return slot untouched before exit")

	p.NotifyExit(42)
	word = mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	value, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 42, value)
}

func TestMatchesTask(t *testing.T) {
	p := New(nil, defs.TaskID(5))
	require.True(t, p.MatchesTask(5))
	require.False(t, p.MatchesTask(6))
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
