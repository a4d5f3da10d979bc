package arc

import (
	"sync"
)

// numBucketLocks is the size of the small fixed mutex array bucket
// indices are drawn from (spec §3.4: "a small fixed array (e.g.
// 2048)"). It is independent of the bucket-array size itself, and
// must be a power of two so the masking below is cheap.
const numBucketLocks = 2048

// HashTable is a fixed-size open-chaining table keyed by Identity, with
// one mutex drawn from a small fixed array per spec §3.4. Chains are
// intrusive (via BufferHeader.hashNext), so insert/remove never
// allocate.
type HashTable struct {
	buckets []*BufferHeader
	locks   [numBucketLocks]sync.Mutex

	mu          sync.Mutex // guards stat counters below; taken while a bucket lock is held
	collisions  int64
	chainLength int64
	lookups     int64
}

// NewHashTable creates a table with nBuckets slots, sized by the
// caller so that buckets × average_block_size ≥ total_memory (spec
// §3.4).
func NewHashTable(nBuckets int) *HashTable {
	if nBuckets <= 0 {
		nBuckets = 1 << 16
	}
	return &HashTable{buckets: make([]*BufferHeader, nBuckets)}
}

func (t *HashTable) bucketIndex(id Identity) int {
	return int(hashIdentity(id) % uint64(len(t.buckets)))
}

func (t *HashTable) lockFor(bucket int) *sync.Mutex {
	return &t.locks[bucket&(numBucketLocks-1)]
}

// Find computes id's bucket, acquires its lock, and walks the chain
// for an exact identity match. On success it returns the header with
// the bucket lock still held — the caller must call Unlock when done
// with it. On failure the lock is released before returning (spec
// §4.1 find).
func (t *HashTable) Find(id Identity) (hdr *BufferHeader, unlock func()) {
	bucket := t.bucketIndex(id)
	lock := t.lockFor(bucket)
	lock.Lock()
	t.mu.Lock()
	t.lookups++
	t.mu.Unlock()

	for h := t.buckets[bucket]; h != nil; h = h.hashNext {
		if h.Identity.Cmp(id) == 0 {
			return h, lock.Unlock
		}
	}
	lock.Unlock()
	return nil, nil
}

// Insert links hdr at the head of its bucket's chain and sets
// FlagInHash, acquiring the bucket lock itself (Find drops the lock
// on a miss); a caller that already holds the bucket lock uses
// InsertLocked below instead.
//
// If an equal header already exists on the chain, Insert returns it
// without inserting hdr; the bucket lock is left held either way so
// the caller can decide what to do next (spec §4.1 insert).
func (t *HashTable) Insert(hdr *BufferHeader) (existing *BufferHeader, unlock func()) {
	bucket := t.bucketIndex(hdr.Identity)
	lock := t.lockFor(bucket)
	lock.Lock()
	return t.insertLocked(hdr, bucket), lock.Unlock
}

// InsertLocked is Insert for a caller that already holds the bucket
// lock for hdr.Identity (e.g. having just called Find).
func (t *HashTable) InsertLocked(hdr *BufferHeader) *BufferHeader {
	bucket := t.bucketIndex(hdr.Identity)
	return t.insertLocked(hdr, bucket)
}

func (t *HashTable) insertLocked(hdr *BufferHeader, bucket int) *BufferHeader {
	chainLen := 0
	for h := t.buckets[bucket]; h != nil; h = h.hashNext {
		chainLen++
		if h.Identity.Cmp(hdr.Identity) == 0 {
			return h
		}
	}
	hdr.hashNext = t.buckets[bucket]
	t.buckets[bucket] = hdr
	hdr.bucketIdx = bucket
	hdr.Flags.Set(FlagInHash)

	t.mu.Lock()
	if chainLen > 0 {
		t.collisions++
	}
	t.chainLength += int64(chainLen) + 1
	t.mu.Unlock()
	return nil
}

// Remove unlinks hdr from its bucket's chain. The caller must hold the
// bucket lock and hdr must have FlagInHash set (spec §4.1 remove).
func (t *HashTable) Remove(hdr *BufferHeader) {
	if !hdr.Flags.Has(FlagInHash) {
		panic("arc: hashtable remove: header not in hash")
	}
	bucket := hdr.bucketIdx
	prev := &t.buckets[bucket]
	for h := *prev; h != nil; h = *prev {
		if h == hdr {
			*prev = h.hashNext
			h.hashNext = nil
			h.Flags.Clear(FlagInHash)
			return
		}
		prev = &h.hashNext
	}
	panic("arc: hashtable remove: header not found in its bucket")
}

// LockBucket acquires the bucket lock for id without performing a
// lookup, for callers (like Insert-before-lookup paths) that need to
// hold it across multiple hash table operations.
func (t *HashTable) LockBucket(id Identity) (unlock func()) {
	lock := t.lockFor(t.bucketIndex(id))
	lock.Lock()
	return lock.Unlock
}

// Stats returns the cumulative collision count and mean chain length
// observed across all inserts, for the kstat-style export in stats.go.
func (t *HashTable) Stats() (collisions, lookups int64, meanChainLen float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lookups == 0 {
		return t.collisions, t.lookups, 0
	}
	return t.collisions, t.lookups, float64(t.chainLength) / float64(t.lookups+1)
}
