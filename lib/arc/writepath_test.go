package arc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWritePath() (*WritePath, *fakeZio) {
	zio := &fakeZio{}
	wp := &WritePath{
		Hash:   NewHashTable(64),
		States: NewStateSet(4),
		Sizer:  NewSizer(1<<20, 8<<20, 0, 0),
		Zio:    zio,
	}
	return wp, zio
}

func newWriteBuf(ss *StateSet, data []byte) *Buf {
	hdr := AllocFull(1, 0, 0, BlockTypeData, false, 0, 0)
	buf := &Buf{Data: data, hdr: hdr}
	hdr.AddRef(ss, ioTag)
	return buf
}

func TestWriteInsertsIntoHashOnSuccess(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	buf := newWriteBuf(wp.States, []byte("payload"))
	id := mkIdentity(50)

	var doneErr error
	err := wp.Write(context.Background(), buf, WriteProps{Identity: id, Type: BlockTypeData}, false, false,
		nil, func(e error) { doneErr = e })

	require.NoError(t, err)
	require.NoError(t, doneErr)

	hdr, unlock := wp.Hash.Find(id)
	require.NotNil(t, hdr)
	require.Equal(t, uint32(len("payload")), hdr.Psize)
	unlock()
}

func TestWriteRejectsMultiplyReferencedBuffer(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	buf := newWriteBuf(wp.States, []byte("x"))
	buf.hdr.AddRef(wp.States, "extra")

	err := wp.Write(context.Background(), buf, WriteProps{Identity: mkIdentity(51)}, false, false, nil, nil)
	require.Error(t, err)
}

func TestWriteCompressesWhenCodecConfigured(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	wp.Codec = fakeCodec{}
	buf := newWriteBuf(wp.States, []byte("raw"))
	id := mkIdentity(52)

	err := wp.Write(context.Background(), buf, WriteProps{Identity: id, Compress: 1}, false, false, nil, nil)
	require.NoError(t, err)

	hdr, unlock := wp.Hash.Find(id)
	require.NotNil(t, hdr)
	require.Equal(t, "z:raw", string(hdr.Pabd))
	unlock()
}

func TestWriteEncryptsWhenProtected(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	wp.Codec = fakeCodec{}
	buf := newWriteBuf(wp.States, []byte("secret"))
	id := mkIdentity(53)

	err := wp.Write(context.Background(), buf, WriteProps{Identity: id, Protected: true, Key: []byte("k")}, false, false, nil, nil)
	require.NoError(t, err)

	hdr, unlock := wp.Hash.Find(id)
	require.NotNil(t, hdr)
	require.True(t, hdr.Flags.Has(FlagProtected))
	require.Equal(t, "secret", string(hdr.Rabd))
	unlock()
}

func TestWriteErrorMarksIoErrorWithoutHashInsert(t *testing.T) {
	t.Parallel()
	wp, zio := newTestWritePath()
	zio.writeErr = newErr(ErrIO, Identity{}, nil)
	buf := newWriteBuf(wp.States, []byte("x"))
	id := mkIdentity(54)

	var doneErr error
	err := wp.Write(context.Background(), buf, WriteProps{Identity: id}, false, false, nil, func(e error) { doneErr = e })
	require.NoError(t, err)
	require.Error(t, doneErr)

	hdr, unlock := wp.Hash.Find(id)
	require.Nil(t, hdr)
	require.Nil(t, unlock)
	require.True(t, buf.hdr.Flags.Has(FlagIoError))
}

// cachedHdr builds a header as if it had already been written and
// cached under id, with data directly shareable (uncompressed,
// unprotected), and links it into wp's hash table and MRU list.
func cachedHdr(wp *WritePath, id Identity, data []byte) *BufferHeader {
	hdr := AllocFull(1, uint32(len(data)), uint32(len(data)), BlockTypeData, false, 0, 0)
	hdr.Identity = id
	hdr.Pabd = append([]byte(nil), data...)
	_, unlock := wp.Hash.Insert(hdr)
	unlock()
	wp.States.changeState(hdr, StateMRU)
	return hdr
}

func TestReleaseDetachesSoleBufAndAllowsRewrite(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	id := mkIdentity(56)
	hdr := cachedHdr(wp, id, []byte("payload"))

	rp := &ReadPath{Hash: wp.Hash, States: wp.States, Sizer: wp.Sizer}
	shared, err := rp.fill(hdr, 0)
	require.NoError(t, err)
	require.True(t, shared.SharedWithHdr)

	wp.Release(shared, "consumer")
	require.False(t, shared.SharedWithHdr)
	require.Equal(t, "payload", string(shared.Data))
	require.Same(t, hdr, shared.hdr)
	require.Equal(t, StateAnon, hdr.State)
	require.Equal(t, 1, hdr.RefCount())
	require.True(t, hdr.BufList.IsEmpty())

	_, missUnlock := wp.Hash.Find(id)
	require.Nil(t, missUnlock)
}

func TestReleaseThenWriteUnchangedDataIsNoop(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	id := mkIdentity(57)
	hdr := cachedHdr(wp, id, []byte("payload"))

	rp := &ReadPath{Hash: wp.Hash, States: wp.States, Sizer: wp.Sizer}
	shared, err := rp.fill(hdr, 0)
	require.NoError(t, err)

	wp.Release(shared, "consumer")
	require.NoError(t, wp.Write(context.Background(), shared, WriteProps{Identity: id, Type: BlockTypeData}, false, false, nil, nil))

	rehdr, rehUnlock := wp.Hash.Find(id)
	require.NotNil(t, rehdr)
	require.Equal(t, "payload", string(rehdr.Pabd))
	rehUnlock()
}

func TestReleaseDetachesSharedBufWhenOthersRemain(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	id := mkIdentity(58)
	hdr := cachedHdr(wp, id, []byte("payload"))
	hdr.Flags.Set(FlagSharedData)

	victim := &Buf{Data: hdr.Pabd, SharedWithHdr: true, hdr: hdr}
	other := &Buf{Data: hdr.Pabd, hdr: hdr}
	hdr.BufList.Store(&bufListEntry{Value: victim})
	hdr.BufList.Store(&bufListEntry{Value: other})
	require.Equal(t, 2, hdr.BufList.Len)

	wp.Release(victim, "consumer")
	require.NotSame(t, hdr, victim.hdr)
	require.Equal(t, "payload", string(victim.Data))
	require.Equal(t, 1, hdr.BufList.Len)
	require.Equal(t, 1, victim.hdr.RefCount())

	stillHdr, stillUnlock := wp.Hash.Find(id)
	require.Same(t, hdr, stillHdr)
	stillUnlock()
}

func TestFreedEvictsUnreferencedCachedHeaderImmediately(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	id := mkIdentity(59)
	cachedHdr(wp, id, []byte("payload"))

	wp.Freed(id)

	_, unlock := wp.Hash.Find(id)
	require.Nil(t, unlock)
}

func TestFreedOnMissingIdentityIsNoop(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	require.NotPanics(t, func() { wp.Freed(mkIdentity(60)) })
}

func TestFreedDuringWriteDiscardsOnCompletion(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	id := mkIdentity(61)

	hdr := AllocFull(1, 0, 0, BlockTypeData, false, 0, 0)
	hdr.Flags.Set(FlagIoInProgress)
	hdr.Identity = id
	_, unlock := wp.Hash.Insert(hdr)
	unlock()
	hdr.AddRef(wp.States, ioTag)

	wp.Freed(id)
	require.True(t, hdr.Flags.Has(FlagFreedOnWrite))

	wp.writeDone(context.Background(), hdr, WriteProps{Identity: id}, nil)
	require.False(t, hdr.Flags.Has(FlagFreedOnWrite))
	_, missUnlock := wp.Hash.Find(id)
	require.Nil(t, missUnlock)
}

func TestWriteCollidingAnonIsReplaced(t *testing.T) {
	t.Parallel()
	wp, _ := newTestWritePath()
	id := mkIdentity(55)

	stale := AllocFull(1, 4, 4, BlockTypeData, false, 0, 0)
	stale.Identity = id
	_, unlock := wp.Hash.Insert(stale)
	unlock()

	buf := newWriteBuf(wp.States, []byte("fresh"))
	err := wp.Write(context.Background(), buf, WriteProps{Identity: id}, false, false, nil, nil)
	require.NoError(t, err)

	hdr, hunlock := wp.Hash.Find(id)
	require.NotSame(t, stale, hdr)
	require.Equal(t, "fresh", string(hdr.Pabd))
	hunlock()
}
