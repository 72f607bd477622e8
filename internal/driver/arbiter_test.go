package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

func newTestCompletionTarget(t *testing.T) (*pagedir.Manager, handle.AsyncOp) {
	t.Helper()
	alloc, err := frame.New(16)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 16))
	t.Cleanup(func() { alloc.Close() })

	mgr := pagedir.New(alloc)
	signalFrame, err := alloc.AllocateFrame()
	require.NoError(t, err)
	returnFrame, err := alloc.AllocateFrame()
	require.NoError(t, err)

	op := handle.AsyncOp{
		SignalAddr: handle.PhysAddr(uint32(signalFrame.Keep()) << defs.PageShift),
		ReturnAddr: handle.PhysAddr(uint32(returnFrame.Keep()) << defs.PageShift),
	}
	return mgr, op
}

type stubSyncDriver struct{}

func (stubSyncDriver) Open(path string, flags uint32) (uint32, defs.Errno) { return 42, defs.EOK }
func (stubSyncDriver) Read(fileID uint32, buf []byte, offset uint32) (uint32, defs.Errno) {
	n := copy(buf, []byte("data"))
	return uint32(n), defs.EOK
}
func (stubSyncDriver) Write(fileID uint32, buf []byte, offset uint32) (uint32, defs.Errno) {
	return uint32(len(buf)), defs.EOK
}
func (stubSyncDriver) Close(fileID uint32) defs.Errno { return defs.EOK }
func (stubSyncDriver) Stat(fileID uint32) (uint32, bool, defs.Errno) { return 4, false, defs.EOK }

func TestDispatchSyncCompletesImmediately(t *testing.T) {
	mgr, op := newTestCompletionTarget(t)
	a := NewArbiter()
	a.MountSync("DEV", stubSyncDriver{})

	err := a.DispatchSync(mgr, "DEV", CmdOpen, "CON1", nil, 0, op)
	require.NoError(t, err)

	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	value, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 42, value)
}

func TestDispatchSyncUnknownDriveReturnsNotFound(t *testing.T) {
	mgr, op := newTestCompletionTarget(t)
	a := NewArbiter()

	err := a.DispatchSync(mgr, "Z", CmdOpen, "X", nil, 0, op)
	require.Error(t, err)

	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	_, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.ENOTFOUND, errno)
}

func TestDispatchAsyncRoundTripsThroughDriverTask(t *testing.T) {
	mgr, op := newTestCompletionTarget(t)
	a := NewArbiter()
	task := NewAsyncTask(4)
	a.MountAsync("C", task)

	err := a.DispatchAsync(mgr, "C", CmdRead, [6]uint32{1, 0, 0, 0, 0, 0}, op)
	require.NoError(t, err)

	msg := <-task.Inbox()
	require.Equal(t, uint32(CmdRead), msg.Type)
	require.True(t, task.CompleteIO(msg.UniqueID, 99, defs.EOK))

	word := mgr.ReadBytes(op.ReturnAddr.Frame(), op.ReturnAddr.Offset(), 4)
	value, errno := defs.DecodeResult(le32(word))
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 99, value)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
