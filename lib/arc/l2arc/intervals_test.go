package l2arc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcfs/arc/lib/blockaddr"
)

func TestLbptrListCoveringAndOldest(t *testing.T) {
	t.Parallel()
	l := newLbptrList()

	e1 := lbptrEntry{Start: 0, End: 100, Ptr: LogBlkPtr{Daddr: 1}}
	e2 := lbptrEntry{Start: 100, End: 200, Ptr: LogBlkPtr{Daddr: 2}}
	l.Insert(e1)
	l.Insert(e2)

	got, ok := l.Covering(blockaddr.DeviceOffset(50))
	require.True(t, ok)
	require.Equal(t, e1, got)

	got, ok = l.Covering(blockaddr.DeviceOffset(150))
	require.True(t, ok)
	require.Equal(t, e2, got)

	_, ok = l.Covering(blockaddr.DeviceOffset(500))
	require.False(t, ok)

	require.Equal(t, []lbptrEntry{e1, e2}, l.Oldest())

	l.Remove(e1)
	require.Equal(t, []lbptrEntry{e2}, l.Oldest())
	_, ok = l.Covering(blockaddr.DeviceOffset(50))
	require.False(t, ok)
}

func TestRangesOverlap(t *testing.T) {
	t.Parallel()
	require.True(t, rangesOverlap(0, 100, 50, 150))
	require.True(t, rangesOverlap(50, 150, 0, 100))
	require.False(t, rangesOverlap(0, 50, 50, 100))
	require.False(t, rangesOverlap(100, 200, 0, 50))
}

func TestInRange(t *testing.T) {
	t.Parallel()
	require.True(t, inRange(50, 0, 100))
	require.False(t, inRange(100, 0, 100))
	require.False(t, inRange(0, 50, 100))
}
