package l2arc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/blockaddr"
)

func newTestDevice(t *testing.T, size int64) *Device {
	t.Helper()
	f := newMemFile(t.Name(), size)
	return NewDevice(t.Name(), blockaddr.GUID(1), blockaddr.GUID(2), f, 9, 1022)
}

func TestNewDeviceStartsAfterHeader(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, 1<<20)
	require.Equal(t, blockaddr.DeviceOffset(DevHeaderSize), d.Start)
	require.Equal(t, d.Start, d.Hand)
	require.Equal(t, d.Start, d.Evict)
	require.True(t, d.Cold())
	require.True(t, d.Usable())
}

func TestAdvanceWithinSpan(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, 1<<20)
	start := d.Hand
	ranges, wrapped := d.Advance(100)
	require.False(t, wrapped)
	require.Equal(t, [][2]blockaddr.DeviceOffset{{start, start + 100}}, ranges)
	require.Equal(t, start+100, d.Hand)
}

func TestAdvanceWraps(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, DevHeaderSize+100)
	ranges, wrapped := d.Advance(150)
	require.True(t, wrapped)
	require.Len(t, ranges, 2)
	require.Equal(t, d.Start, d.Hand)
	require.Equal(t, d.Start, d.Evict)
	require.False(t, d.First)
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, 1<<20)
	require.Equal(t, int64(512), d.AlignUp(1))
	require.Equal(t, int64(512), d.AlignUp(512))
	require.Equal(t, int64(1024), d.AlignUp(513))
	require.Equal(t, int64(0), d.AlignUp(0))
}

func TestAddRemoveBuf(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, 1<<20)
	hdr := arc.AllocL2Only(1, arc.Identity{}, 100, 100, arc.BlockTypeData, d, int64(d.Start))
	d.addBuf(hdr)
	require.NotNil(t, d.buflist.Oldest)
	d.RemoveBuf(hdr)
	require.Nil(t, d.buflist.Oldest)
}

func TestDeviceUsableRespectsHealth(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, 1<<20)
	require.True(t, d.Usable())
	d.SetHealth(Offline)
	require.False(t, d.Usable())
	d.SetHealth(Online)
	require.True(t, d.Usable())
}
