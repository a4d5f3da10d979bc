package l2arc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcfs/arc/lib/arc"
)

func TestFletcher4Deterministic(t *testing.T) {
	t.Parallel()
	dat := make([]byte, 64)
	for i := range dat {
		dat[i] = byte(i)
	}
	a := fletcher4(dat)
	b := fletcher4(dat)
	require.Equal(t, a, b)

	dat[0] ^= 0xff
	c := fletcher4(dat)
	require.NotEqual(t, a, c)
}

func TestLogBlockAddFull(t *testing.T) {
	t.Parallel()
	lb := NewLogBlock(LogBlkPtr{})
	for i := 0; i < LogBlkMaxEntries; i++ {
		require.True(t, lb.Add(LogEntry{Daddr: uint64(i)}))
	}
	require.True(t, lb.Full())
	require.False(t, lb.Add(LogEntry{Daddr: 9999}))
	require.Equal(t, LogBlkMaxEntries, lb.Len())
}

func TestLogBlockEntriesInReverse(t *testing.T) {
	t.Parallel()
	lb := NewLogBlock(LogBlkPtr{})
	lb.Add(LogEntry{Daddr: 1})
	lb.Add(LogEntry{Daddr: 2})
	lb.Add(LogEntry{Daddr: 3})

	rev := lb.EntriesInReverse()
	require.Equal(t, []uint64{3, 2, 1}, []uint64{rev[0].Daddr, rev[1].Daddr, rev[2].Daddr})
}

func TestEncodeDecodeLogBlockRoundTrip(t *testing.T) {
	t.Parallel()
	lb := NewLogBlock(LogBlkPtr{Daddr: 42})
	lb.Add(LogEntry{DvaVdev: 1, DvaOffset: 0x1000, Birth: 7, Daddr: 0x2000})
	lb.Add(LogEntry{DvaVdev: 1, DvaOffset: 0x3000, Birth: 8, Daddr: 0x4000})

	dat, cksum, err := EncodeLogBlock(lb)
	require.NoError(t, err)

	got, err := DecodeLogBlock(dat, cksum, lb.Len())
	require.NoError(t, err)
	require.Equal(t, LogBlockMagic, got.Magic)
	require.Equal(t, uint64(42), got.PrevLbp.Daddr)
	require.Equal(t, lb.Len(), got.Len())
	require.Equal(t, lb.Entries[0], got.Entries[0])
	require.Equal(t, lb.Entries[1], got.Entries[1])
}

func TestDecodeLogBlockBadChecksum(t *testing.T) {
	t.Parallel()
	lb := NewLogBlock(LogBlkPtr{})
	lb.Add(LogEntry{Daddr: 1})
	dat, cksum, err := EncodeLogBlock(lb)
	require.NoError(t, err)

	cksum[0] ^= 1
	_, err = DecodeLogBlock(dat, cksum, lb.Len())
	require.Error(t, err)
}

func TestEntPropPacking(t *testing.T) {
	t.Parallel()
	prop := packEntProp(4096, 2048, 9, arc.BlockTypeMetadata, true, true, arc.StateMFU)
	lsize, psize, compress, typ, protected, prefetch, state := unpackEntProp(prop)
	require.Equal(t, uint32(4096), lsize)
	require.Equal(t, uint32(2048), psize)
	require.Equal(t, uint8(9), compress)
	require.Equal(t, arc.BlockTypeMetadata, typ)
	require.True(t, protected)
	require.True(t, prefetch)
	require.Equal(t, arc.StateMFU, state)
}
