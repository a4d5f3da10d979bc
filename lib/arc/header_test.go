package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeL2Device implements L2DeviceHandle. removed is a pointer so
// value copies (the interface is satisfied by value, not *fakeL2Device)
// still share one call log.
type fakeL2Device struct {
	name    string
	removed *[]*BufferHeader
}

func (d fakeL2Device) Name() string { return d.name }

func (d fakeL2Device) RemoveBuf(hdr *BufferHeader) {
	if d.removed != nil {
		*d.removed = append(*d.removed, hdr)
	}
}

func TestAllocFullDefaults(t *testing.T) {
	t.Parallel()
	hdr := AllocFull(1, 4096, 8192, BlockTypeMetadata, true, 1, 2)
	require.Equal(t, StateAnon, hdr.State)
	require.True(t, hdr.Flags.Has(FlagHasL1))
	require.True(t, hdr.Flags.Has(FlagProtected))
	require.Equal(t, uint32(4096), hdr.Psize)
	require.Equal(t, uint32(8192), hdr.Lsize)
	require.Equal(t, 0, hdr.RefCount())
}

func TestAllocL2Only(t *testing.T) {
	t.Parallel()
	id := mkIdentity(3)
	dev := fakeL2Device{name: "cache0"}
	hdr := AllocL2Only(1, id, 4096, 4096, BlockTypeData, dev, 1000)

	require.Equal(t, StateL2OnlyOnly, hdr.State)
	require.True(t, hdr.Flags.Has(FlagHasL2))
	require.False(t, hdr.Flags.Has(FlagHasL1))
	require.Equal(t, "cache0", hdr.Dev.Name())
	require.Equal(t, int64(1000), hdr.Daddr)
}

func TestToFullAndToL2Only(t *testing.T) {
	t.Parallel()
	hdr := AllocL2Only(1, mkIdentity(4), 4096, 4096, BlockTypeData, fakeL2Device{}, 0)

	hdr.ToFull()
	require.True(t, hdr.Flags.Has(FlagHasL1))
	require.Equal(t, StateAnon, hdr.State)

	// With no L1 payload present, ToL2Only should cleanly demote back.
	hdr.ToL2Only()
	require.False(t, hdr.Flags.Has(FlagHasL1))
}

func TestToL2OnlyPanicsIfPayloadNotReleased(t *testing.T) {
	t.Parallel()
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Pabd = make([]byte, 4096)
	require.Panics(t, func() { hdr.ToL2Only() })
}

func TestDestroyRequiresCleanState(t *testing.T) {
	t.Parallel()
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Pabd = make([]byte, 4096)

	hdr.Destroy()
	require.Nil(t, hdr.Pabd)
}

func TestDestroyRemovesFromL2Buflist(t *testing.T) {
	t.Parallel()
	var removed []*BufferHeader
	dev := fakeL2Device{name: "cache0", removed: &removed}

	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Flags.Set(FlagHasL2)
	hdr.Dev = dev

	hdr.Destroy()
	require.Equal(t, []*BufferHeader{hdr}, removed)
	require.False(t, hdr.Flags.Has(FlagHasL2))
}

func TestDestroyPanicsOnOutstandingRef(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.AddRef(ss, "x")
	require.Panics(t, func() { hdr.Destroy() })
}

func TestAddRefPullsOffMultiListRemoveRefReinserts(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Identity = mkIdentity(20)
	hdr.Pabd = make([]byte, 4096)
	ss.changeState(hdr, StateMRU)
	require.Equal(t, 1, ss.Get(StateMRU).Lists[BlockTypeData].Len())

	hdr.AddRef(ss, "reader")
	require.Equal(t, 0, ss.Get(StateMRU).Lists[BlockTypeData].Len())
	require.Equal(t, int64(0), ss.Get(StateMRU).Esize(BlockTypeData))

	hdr.RemoveRef(ss, "reader")
	require.Equal(t, 1, ss.Get(StateMRU).Lists[BlockTypeData].Len())
	require.Equal(t, int64(4096), ss.Get(StateMRU).Esize(BlockTypeData))
}

func TestRemoveRefOnAnonDestroysHeader(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Pabd = make([]byte, 4096)
	hdr.AddRef(ss, "x")

	hdr.RemoveRef(ss, "x")
	require.Nil(t, hdr.Pabd)
}

func TestRemoveRefOnUncachedPrefetchRetains(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Identity = mkIdentity(30)
	hdr.Pabd = make([]byte, 4096)
	hdr.Flags.Set(FlagPrefetch)
	ss.changeState(hdr, StateUncached)
	hdr.AddRef(ss, "x")

	hdr.RemoveRef(ss, "x")
	require.Equal(t, StateUncached, hdr.State)
	require.Equal(t, 1, ss.Get(StateUncached).Lists[BlockTypeData].Len())
}

func TestRemoveRefOnUncachedNonPrefetchDestroys(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Identity = mkIdentity(31)
	hdr.Pabd = make([]byte, 4096)
	ss.changeState(hdr, StateUncached)
	hdr.AddRef(ss, "x")

	hdr.RemoveRef(ss, "x")
	require.Equal(t, StateAnon, hdr.State)
	require.Nil(t, hdr.Pabd)
}

func TestBufAllocReturnsReferencedAnonHeader(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	buf := BufAlloc(ss, 1, BlockTypeData, 4096)
	require.Len(t, buf.Data, 4096)
	require.Equal(t, StateAnon, buf.hdr.State)
	require.Equal(t, 1, buf.hdr.RefCount())
}

func TestBufReleaseDropsRefAndReinsertsIntoMultiList(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	buf := BufAlloc(ss, 1, BlockTypeData, 4096)
	hdr := buf.hdr
	hdr.Identity = mkIdentity(40)
	ss.changeState(hdr, StateMRU)

	// Still referenced: changeState must not have inserted it.
	require.Equal(t, 0, ss.Get(StateMRU).Lists[BlockTypeData].Len())

	n := BufRelease(ss, buf)
	require.Equal(t, 0, n)
	require.Equal(t, StateMRU, hdr.State)
	require.Equal(t, 1, ss.Get(StateMRU).Lists[BlockTypeData].Len())
}

func TestBufReleaseOnAnonDestroysHeader(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	buf := BufAlloc(ss, 1, BlockTypeData, 4096)

	BufRelease(ss, buf)
	require.Nil(t, buf.hdr.Pabd)
}

func TestBufReleaseOnNilIsNoop(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	require.Equal(t, 0, BufRelease(ss, nil))
}
