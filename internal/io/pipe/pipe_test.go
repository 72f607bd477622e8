package pipe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
	"idosnx/internal/frame"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

func newTestManager(t *testing.T) (*pagedir.Manager, func(size int) (handle.PhysAddr, []byte)) {
	t.Helper()
	alloc, err := frame.New(16)
	require.NoError(t, err)
	require.NoError(t, alloc.InitFreeRange(0, 16))
	t.Cleanup(func() { alloc.Close() })
	mgr := pagedir.New(alloc)

	newBuffer := func(size int) (handle.PhysAddr, []byte) {
		f, err := alloc.AllocateFrame()
		require.NoError(t, err)
		kept := f.Keep()
		return handle.PhysAddr(uint32(kept) << defs.PageShift), alloc.Bytes(kept)[:size]
	}
	return mgr, newBuffer
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// submitOp builds an op whose signal/return words live in their own frame
// and returns a status func reporting (completed, value, errno).
func submitOp(t *testing.T, newBuffer func(int) (handle.PhysAddr, []byte), e *End, opCode, arg0, arg1 uint32) func() (bool, uint32, defs.Errno) {
	t.Helper()
	words, live := newBuffer(8)
	_, err := e.OpRequest(0, handle.AsyncOp{
		OpCode:     opCode,
		SignalAddr: words,
		ReturnAddr: words + 4,
		Arg0:       arg0,
		Arg1:       arg1,
	})
	require.NoError(t, err)
	return func() (bool, uint32, defs.Errno) {
		if le32(live[0:4]) == 0 {
			return false, 0, defs.EOK
		}
		value, errno := defs.DecodeResult(le32(live[4:8]))
		return true, value, errno
	}
}

func TestPipeWriteThenReadRoundTrip(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)
	reader := NewReadEnd(p, mgr)

	srcAddr, srcBuf := newBuffer(5)
	copy(srcBuf, "hello")
	wrote := submitOp(t, newBuffer, writer, handle.OpWrite, uint32(srcAddr), 5)
	done, n, errno := wrote()
	require.True(t, done)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 5, n)

	dstAddr, dstBuf := newBuffer(5)
	read := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 5)
	done, n, errno = read()
	require.True(t, done, "ring already held the full request")
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 5, n)
	require.Equal(t, "hello", string(dstBuf))
}

func TestPipeReadParksUntilWriteSatisfiesIt(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)
	reader := NewReadEnd(p, mgr)

	dstAddr, dstBuf := newBuffer(3)
	read := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 3)
	done, _, _ := read()
	require.False(t, done, "nothing written yet: the read parks")

	srcAddr, srcBuf := newBuffer(3)
	copy(srcBuf, "abc")
	submitOp(t, newBuffer, writer, handle.OpWrite, uint32(srcAddr), 3)

	done, n, errno := read()
	require.True(t, done)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 3, n)
	require.Equal(t, "abc", string(dstBuf))
}

func TestPartialWriteDoesNotCompleteRead(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)
	reader := NewReadEnd(p, mgr)

	dstAddr, dstBuf := newBuffer(10)
	read := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 10)

	srcAddr, srcBuf := newBuffer(4)
	copy(srcBuf, "abcd")
	wrote := submitOp(t, newBuffer, writer, handle.OpWrite, uint32(srcAddr), 4)
	done, n, _ := wrote()
	require.True(t, done)
	require.EqualValues(t, 4, n, "the write itself succeeds in full")

	done, _, _ = read()
	require.False(t, done, "a partial fill must not complete the read")

	src2Addr, src2Buf := newBuffer(6)
	copy(src2Buf, "efghij")
	submitOp(t, newBuffer, writer, handle.OpWrite, uint32(src2Addr), 6)

	done, n, errno := read()
	require.True(t, done, "the second write reaches the requested length")
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 10, n)
	require.Equal(t, "abcdefghij", string(dstBuf))
}

func TestWriterCloseShortCompletesParkedRead(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)
	reader := NewReadEnd(p, mgr)

	dstAddr, dstBuf := newBuffer(10)
	read := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 10)

	srcAddr, srcBuf := newBuffer(4)
	copy(srcBuf, "abcd")
	submitOp(t, newBuffer, writer, handle.OpWrite, uint32(srcAddr), 4)
	done, _, _ := read()
	require.False(t, done)

	submitOp(t, newBuffer, writer, handle.OpClose, 0, 0)

	done, n, errno := read()
	require.True(t, done, "writer close short-completes the parked read")
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, 4, n)
	require.Equal(t, "abcd", string(dstBuf[:4]))
}

func TestPipeReadReturnsEOFAfterWriterCloses(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)
	reader := NewReadEnd(p, mgr)

	submitOp(t, newBuffer, writer, handle.OpClose, 0, 0)

	dstAddr, _ := newBuffer(3)
	read := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 3)
	done, n, errno := read()
	require.True(t, done, "closed empty pipe completes immediately")
	require.Equal(t, defs.EOK, errno)
	require.Zero(t, n, "zero bytes = EOF")

	// EOF is sticky: a second read completes immediately again.
	read2 := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 3)
	done, n, errno = read2()
	require.True(t, done)
	require.Equal(t, defs.EOK, errno)
	require.Zero(t, n)
}

func TestPipeWriteBeyondCapacityIsShort(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)

	big := make([]byte, Capacity+10)
	for i := range big {
		big[i] = 'x'
	}
	srcAddr, srcBuf := newBuffer(len(big))
	copy(srcBuf, big)

	wrote := submitOp(t, newBuffer, writer, handle.OpWrite, uint32(srcAddr), uint32(len(big)))
	done, n, errno := wrote()
	require.True(t, done)
	require.Equal(t, defs.EOK, errno)
	require.EqualValues(t, Capacity, n, "no parked reader: only the ring's capacity is accepted")
}

func TestSecondParkedReadIsRejected(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	reader := NewReadEnd(p, mgr)

	dstAddr, _ := newBuffer(4)
	first := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 4)
	done, _, _ := first()
	require.False(t, done)

	second := submitOp(t, newBuffer, reader, handle.OpRead, uint32(dstAddr), 4)
	done, _, errno := second()
	require.True(t, done)
	require.Equal(t, defs.ERESOURCEINUSE, errno, "at most one read may park")
}

func TestWriteAfterReaderCloseFails(t *testing.T) {
	mgr, newBuffer := newTestManager(t)
	p := New()
	writer := NewWriteEnd(p, mgr)
	reader := NewReadEnd(p, mgr)

	submitOp(t, newBuffer, reader, handle.OpClose, 0, 0)

	srcAddr, srcBuf := newBuffer(2)
	copy(srcBuf, "no")
	wrote := submitOp(t, newBuffer, writer, handle.OpWrite, uint32(srcAddr), 2)
	done, _, errno := wrote()
	require.True(t, done)
	require.Equal(t, defs.EWRITETOCLOSED, errno)
}
