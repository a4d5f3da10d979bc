package l2arc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/blockaddr"
)

// feedThenReattach writes n cacheable headers through a Feeder onto a
// fresh device, then reattaches that same backing file via
// AttachDevice — simulating a process restart where only the on-disk
// bytes survive, not the in-memory Device.
func feedThenReattach(t *testing.T, n int) (dev *Device, f *Feeder, backing *memFile) {
	t.Helper()
	backing = newMemFile(t.Name(), 1<<20)
	orig := NewDevice(t.Name(), blockaddr.GUID(1), blockaddr.GUID(2), backing, 9, 1022)

	ss := arc.NewStateSet(4)
	hash := arc.NewHashTable(1024)
	stats := &arc.Stats{}
	f = NewFeeder(ss, hash, stats, 1)
	f.AddDevice(orig)
	f.Tunables.WriteMax = 1 << 16
	f.Tunables.WriteBoost = 0

	for i := 0; i < n; i++ {
		makeCacheableHeader(ss, 1, uint64(0x1000*(i+1)), 4096)
	}
	f.Iterate(context.Background())

	dev, err := AttachDevice(t.Name(), blockaddr.GUID(1), blockaddr.GUID(2), backing, 9)
	require.NoError(t, err)
	return dev, f, backing
}

func TestAttachDeviceRoundTripsHeader(t *testing.T) {
	t.Parallel()
	dev, _, _ := feedThenReattach(t, 3)
	require.NotZero(t, dev.devHdr.LbCount)
	require.False(t, dev.devHdr.StartLbps[0].IsZero() && dev.devHdr.StartLbps[1].IsZero())
}

func TestRebuildRestoresEntriesAfterReattach(t *testing.T) {
	t.Parallel()
	dev, _, _ := feedThenReattach(t, 5)

	hash := arc.NewHashTable(1024)
	ss := arc.NewStateSet(4)
	sizer := arc.NewSizer(1<<20, 1<<30, 1<<20, 1<<20)
	stats := &arc.Stats{}
	r := NewRebuilder(hash, ss, sizer, stats, 1, 50)

	err := r.Rebuild(context.Background(), dev, false)
	require.NoError(t, err)
	require.Positive(t, stats.L2RebuildEntriesRestored.Load())
	require.Positive(t, stats.L2RebuildBlocksRead.Load())
	require.Equal(t, Online, dev.Health())
}

func TestRebuildWithReopenReloadsHeaderFirst(t *testing.T) {
	t.Parallel()
	dev, _, _ := feedThenReattach(t, 4)

	hash := arc.NewHashTable(1024)
	ss := arc.NewStateSet(4)
	sizer := arc.NewSizer(1<<20, 1<<30, 1<<20, 1<<20)
	stats := &arc.Stats{}
	r := NewRebuilder(hash, ss, sizer, stats, 1, 50)

	err := r.Rebuild(context.Background(), dev, true)
	require.NoError(t, err)
	require.Positive(t, stats.L2RebuildEntriesRestored.Load())
}

func TestRebuildNoOpOnEmptyDevice(t *testing.T) {
	t.Parallel()
	backing := newMemFile(t.Name(), 1<<20)
	dev := NewDevice(t.Name(), blockaddr.GUID(1), blockaddr.GUID(2), backing, 9, 1022)
	require.NoError(t, dev.PersistHeader())

	attached, err := AttachDevice(t.Name(), blockaddr.GUID(1), blockaddr.GUID(2), backing, 9)
	require.NoError(t, err)

	hash := arc.NewHashTable(1024)
	ss := arc.NewStateSet(4)
	sizer := arc.NewSizer(1<<20, 1<<30, 1<<20, 1<<20)
	stats := &arc.Stats{}
	r := NewRebuilder(hash, ss, sizer, stats, 1, 50)

	require.NoError(t, r.Rebuild(context.Background(), attached, false))
	require.Zero(t, stats.L2RebuildEntriesRestored.Load())
}

func TestAttachDeviceRejectsMismatchedGUID(t *testing.T) {
	t.Parallel()
	backing := newMemFile(t.Name(), 1<<20)
	dev := NewDevice(t.Name(), blockaddr.GUID(1), blockaddr.GUID(2), backing, 9, 1022)
	require.NoError(t, dev.PersistHeader())

	_, err := AttachDevice(t.Name(), blockaddr.GUID(99), blockaddr.GUID(2), backing, 9)
	require.Error(t, err)
}
