package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizerInitialFractions(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 1<<17, 1<<17)
	require.Equal(t, int64(1<<20), sz.C())
	require.Equal(t, uint32(fixedPointOne/4), sz.Meta())
	require.Equal(t, uint32(fixedPointOne/2), sz.Pd())
	require.Equal(t, uint32(fixedPointOne/2), sz.Pm())
}

func TestIsOverflowingLevels(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 0, 0)
	require.Equal(t, OverflowNone, sz.IsOverflowing(false, false))

	sz.AddSize(sz.C() + 1)
	require.NotEqual(t, OverflowNone, sz.IsOverflowing(false, false))
	require.Equal(t, OverflowSevere, sz.IsOverflowing(true, false))
}

func TestIsOverflowingDnodeLimit(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 0, 0)
	sz.SetDnodeLimit(1000)
	sz.AddDnodeSize(1001)
	require.NotEqual(t, OverflowNone, sz.IsOverflowing(false, false))
}

func TestAdaptGrowsTowardMax(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 4<<20, 1<<16, 1<<16)
	sz.AddSize(sz.C())

	grown := false
	sz.OnGrow = func() { grown = true }
	sz.Adapt(1<<16, nil)

	require.True(t, grown)
	require.Greater(t, sz.C(), int64(1<<20))
}

func TestAdaptDoesNotExceedMax(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, int64(1<<20)+10, 1<<16, 1<<16)
	sz.AddSize(sz.C())
	sz.Adapt(1<<30, nil)
	require.LessOrEqual(t, sz.C(), sz.CMax)
}

func TestAdaptUnderMemoryPressureShrinksInstead(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 1<<16, 1<<16)
	woke := false
	sz.WakeReaper = func() { woke = true }

	mon := fakeMonitor{available: -1}
	before := sz.C()
	sz.Adapt(1<<16, mon)

	require.True(t, woke)
	require.Equal(t, before, sz.C())
}

type fakeMonitor struct{ available int64 }

func (f fakeMonitor) AvailableMemory() int64 { return f.available }

func TestReduceTargetSizeClampsAtMin(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 0, 0)
	shrunkBy := int64(0)
	sz.OnShrink = func(n int64) { shrunkBy = n }

	sz.ReduceTargetSize(10<<20, nil)
	require.Equal(t, sz.CMin, sz.C())
	require.Equal(t, int64(10<<20), shrunkBy)
}

func TestReduceTargetSizeSignalsEvictWhenOverTarget(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 0, 0)
	sz.AddSize(8 << 20)

	signaled := false
	sz.ReduceTargetSize(1<<16, func() { signaled = true })
	require.True(t, signaled)
}

func TestReserveAndRelease(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<20, 8<<20, 0, 0)

	require.NoError(t, sz.Reserve(1<<10))

	err := sz.Reserve(sz.C())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.True(t, kind == ErrThrottle || kind == ErrOverflow)

	sz.Release(1 << 10)
}

func TestReserveThrottleThenOverflow(t *testing.T) {
	t.Parallel()
	sz := NewSizer(1<<10, 1<<20, 0, 0)

	// Push tempreserve past the 3/4 throttle line.
	require.NoError(t, sz.Reserve(sz.C()-sz.C()/4+1))
	err := sz.Reserve(1)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrThrottle, kind)
}
