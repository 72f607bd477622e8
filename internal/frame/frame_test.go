package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"idosnx/internal/defs"
)

func TestBitmapAllocateAndFree(t *testing.T) {
	a, err := New(64)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.InitFreeRange(0, 64))
	require.Equal(t, 64, a.FreeFrameCount())

	af, err := a.AllocateFrame()
	require.NoError(t, err)
	require.Equal(t, 63, a.FreeFrameCount())

	af.Release()
	require.Equal(t, 64, a.FreeFrameCount())
}

func TestFindFreeRangeContiguous(t *testing.T) {
	a, err := New(16)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.InitFreeRange(0, 16))

	af, err := a.AllocateFrames(4)
	require.NoError(t, err)
	require.Equal(t, defs.Frame(0), af.Frame())
	require.Equal(t, 12, a.FreeFrameCount())
}

func TestAllocateFramesOutOfSpace(t *testing.T) {
	a, err := New(4)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.InitFreeRange(0, 4))

	_, err = a.AllocateFrames(5)
	require.Error(t, err)
}

// Mirrors tracking.rs's address_tree test: N increments followed by N
// decrements leave contains() == false; one extra decrement is a no-op.
func TestRefTreeRoundTrip(t *testing.T) {
	a, err := New(16)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.InitFreeRange(0, 16))

	f, err := a.AllocateFrameWithTracking()
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, ok := a.MaybeAddFrameReference(f)
		require.True(t, ok)
	}
	count, ok := a.RefCount(f)
	require.True(t, ok)
	require.Equal(t, uint32(5), count)

	for i := 0; i < 4; i++ {
		a.ReleaseTrackedFrame(f)
	}
	_, ok = a.RefCount(f)
	require.True(t, ok, "one reference should remain")

	a.ReleaseTrackedFrame(f)
	_, ok = a.RefCount(f)
	require.False(t, ok, "frame should no longer be tracked")
	require.Equal(t, 16, a.FreeFrameCount())

	// Extra decrement beyond zero is a no-op, not a panic or double-free.
	a.ReleaseTrackedFrame(f)
	require.Equal(t, 16, a.FreeFrameCount())
}

func TestMaybeAddFrameReferenceUntracked(t *testing.T) {
	a, err := New(4)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.InitFreeRange(0, 4))

	_, ok := a.MaybeAddFrameReference(defs.Frame(2))
	require.False(t, ok)
}
