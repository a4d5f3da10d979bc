package arc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcfs/arc/lib/blockaddr"
)

func mkIdentity(offset uint64) Identity {
	return Identity{Guid: 1, DVA: blockaddr.DVA{Vdev: 0, Offset: offset}, Birth: 1}
}

func TestHashTableInsertFindRemove(t *testing.T) {
	t.Parallel()
	ht := NewHashTable(16)

	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Identity = mkIdentity(1)

	existing, unlock := ht.Insert(hdr)
	require.Nil(t, existing)
	unlock()
	require.True(t, hdr.Flags.Has(FlagInHash))

	found, funlock := ht.Find(hdr.Identity)
	require.NotNil(t, found)
	require.Same(t, hdr, found)
	funlock()

	miss, munlock := ht.Find(mkIdentity(2))
	require.Nil(t, miss)
	require.Nil(t, munlock)

	bucketUnlock := ht.LockBucket(hdr.Identity)
	ht.Remove(hdr)
	bucketUnlock()
	require.False(t, hdr.Flags.Has(FlagInHash))

	miss2, munlock2 := ht.Find(hdr.Identity)
	require.Nil(t, miss2)
	require.Nil(t, munlock2)
}

func TestHashTableInsertDuplicateReturnsExisting(t *testing.T) {
	t.Parallel()
	ht := NewHashTable(16)

	id := mkIdentity(5)
	first := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	first.Identity = id
	second := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	second.Identity = id

	existing, unlock := ht.Insert(first)
	require.Nil(t, existing)
	unlock()

	existing2, unlock2 := ht.Insert(second)
	require.Same(t, first, existing2)
	unlock2()
	require.False(t, second.Flags.Has(FlagInHash))
}

func TestHashTableCollisionStats(t *testing.T) {
	t.Parallel()
	// A single-bucket table forces every insert into the same chain.
	ht := NewHashTable(1)

	for i := uint64(0); i < 5; i++ {
		hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
		hdr.Identity = mkIdentity(i)
		_, unlock := ht.Insert(hdr)
		unlock()
	}

	collisions, lookups, _ := ht.Stats()
	require.Equal(t, int64(4), collisions)
	require.Equal(t, int64(0), lookups)

	_, unlock := ht.Find(mkIdentity(3))
	require.NotNil(t, unlock)
	unlock()

	_, lookups2, meanChain := ht.Stats()
	require.Equal(t, int64(1), lookups2)
	require.Positive(t, meanChain)
}

func TestHashTableRemoveNotInHashPanics(t *testing.T) {
	t.Parallel()
	ht := NewHashTable(16)
	hdr := AllocFull(1, 4096, 4096, BlockTypeData, false, 0, 0)
	hdr.Identity = mkIdentity(9)
	require.Panics(t, func() { ht.Remove(hdr) })
}
