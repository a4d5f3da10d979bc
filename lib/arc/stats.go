package arc

import (
	"bytes"
	"sync/atomic"

	"git.lukeshu.com/go/lowmemjson"
)

// Stats is the kstat-style counter block ZFS normally exposes through
// the kstat filesystem interface (an external collaborator per spec
// §1); this module exposes the same counters directly so `arcctl
// stats --json` has a structured, scriptable surface to report,
// supplementing the distillation's dropped CLI/kstat plumbing (see
// SPEC_FULL.md §12).
type Stats struct {
	Hits, Misses             atomic.Int64
	DemandDataHits           atomic.Int64
	DemandMetadataHits       atomic.Int64
	PrefetchDataHits         atomic.Int64
	PrefetchMetadataHits     atomic.Int64
	MRUGhostHits             atomic.Int64
	MFUGhostHits             atomic.Int64
	Evictions                atomic.Int64
	MutexMiss                atomic.Int64
	HashCollisions           atomic.Int64
	HashLookups              atomic.Int64
	L2Hits, L2Misses         atomic.Int64
	L2FeedBytes              atomic.Int64
	L2RebuildEntriesRestored atomic.Int64
	L2RebuildBlocksRead      atomic.Int64
	LoanedBytes              atomic.Int64
}

// Snapshot is the plain-value form of Stats used for JSON export —
// lowmemjson, like the standard library's encoding/json, does not
// encode exported fields of type atomic.Int64 usefully, so Snapshot
// copies each counter out to a plain int64 first.
type Snapshot struct {
	Hits, Misses                                 int64
	DemandDataHits, DemandMetadataHits           int64
	PrefetchDataHits, PrefetchMetadataHits        int64
	MRUGhostHits, MFUGhostHits                   int64
	Evictions, MutexMiss                         int64
	HashCollisions, HashLookups                  int64
	L2Hits, L2Misses                             int64
	L2FeedBytes                                  int64
	L2RebuildEntriesRestored, L2RebuildBlocksRead int64
	LoanedBytes                                   int64

	Size, Target int64
	Meta, Pd, Pm uint32
}

func (s *Stats) Snapshot(sz *Sizer) Snapshot {
	return Snapshot{
		Hits:                     s.Hits.Load(),
		Misses:                   s.Misses.Load(),
		DemandDataHits:           s.DemandDataHits.Load(),
		DemandMetadataHits:       s.DemandMetadataHits.Load(),
		PrefetchDataHits:         s.PrefetchDataHits.Load(),
		PrefetchMetadataHits:     s.PrefetchMetadataHits.Load(),
		MRUGhostHits:             s.MRUGhostHits.Load(),
		MFUGhostHits:             s.MFUGhostHits.Load(),
		Evictions:                s.Evictions.Load(),
		MutexMiss:                s.MutexMiss.Load(),
		HashCollisions:           s.HashCollisions.Load(),
		HashLookups:              s.HashLookups.Load(),
		L2Hits:                   s.L2Hits.Load(),
		L2Misses:                 s.L2Misses.Load(),
		L2FeedBytes:              s.L2FeedBytes.Load(),
		L2RebuildEntriesRestored: s.L2RebuildEntriesRestored.Load(),
		L2RebuildBlocksRead:      s.L2RebuildBlocksRead.Load(),
		LoanedBytes:              s.LoanedBytes.Load(),
		Size:                     sz.Size(),
		Target:                   sz.C(),
		Meta:                     sz.Meta(),
		Pd:                       sz.Pd(),
		Pm:                       sz.Pm(),
	}
}

// JSON renders a Snapshot as JSON using the same encoder the teacher
// uses for everything else in this module (git.lukeshu.com/go/lowmemjson),
// rather than encoding/json, so the whole module's JSON surface goes
// through one library.
func (s *Stats) JSON(sz *Sizer) ([]byte, error) {
	var buf bytes.Buffer
	if err := lowmemjson.Encode(&buf, s.Snapshot(sz)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
