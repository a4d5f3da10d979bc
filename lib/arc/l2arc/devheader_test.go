package l2arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	dh := NewDevHeader(1, 2, uint64(DevHeaderSize), 1<<20, 1022)
	dh.StartLbps[0] = LogBlkPtr{Daddr: 0x1000, PayloadStart: 0x2000, PayloadAsize: 0x4000, Cksum: [4]uint64{1, 2, 3, 4}}

	dat, err := EncodeDevHeader(dh)
	require.NoError(t, err)
	require.Len(t, dat, DevHeaderSize)

	got, err := DecodeDevHeader(dat)
	require.NoError(t, err)
	require.Equal(t, dh.Magic, got.Magic)
	require.Equal(t, dh.SpaGUID, got.SpaGUID)
	require.Equal(t, dh.VdevGUID, got.VdevGUID)
	require.Equal(t, dh.Start, got.Start)
	require.Equal(t, dh.End, got.End)
	require.Equal(t, dh.StartLbps[0], got.StartLbps[0])
}

func TestDevHeaderValid(t *testing.T) {
	t.Parallel()
	dh := NewDevHeader(1, 2, uint64(DevHeaderSize), 1<<20, 1022)
	require.True(t, dh.Valid(1, 2, uint64(DevHeaderSize), 1<<20))
	require.False(t, dh.Valid(1, 3, uint64(DevHeaderSize), 1<<20))
	require.False(t, dh.Valid(99, 2, uint64(DevHeaderSize), 1<<20))

	dh.Magic = 0
	require.False(t, dh.Valid(1, 2, uint64(DevHeaderSize), 1<<20))
}

func TestLbpPropPacking(t *testing.T) {
	t.Parallel()
	prop := packLbpProp(1022, 4096, 3, 7)
	lsize, psize, compress, checksumType := unpackLbpProp(prop)
	require.Equal(t, uint32(1022), lsize)
	require.Equal(t, uint32(4096), psize)
	require.Equal(t, uint8(3), compress)
	require.Equal(t, uint8(7), checksumType)
}
