package arc

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
)

// isMarker reports whether hdr is the identity-zero sentinel inserted
// at a sublist's tail to mark an eviction pass's cursor (spec §4.6
// evict_state). Workers skip markers belonging to other threads and
// use their own marker's position as a progress cursor.
func isMarker(hdr *BufferHeader) bool { return hdr != nil && hdr.Identity == (Identity{}) }

// EvictionTunables bundles the EvictionEngine knobs named in spec §6.4 that
// this component reads directly; the full registry lives in
// lib/arc/tunables.
type EvictionTunables struct {
	EvictBatchLimit         int
	EvictThreads            int // 0=auto, 1=single, N=fixed
	MinPrefetchMs           int64
	MinPrescientPrefetchMs  int64
}

// EvictionEngine selects victims across the StateSet's sublists,
// parallelizes the work via a small task pool, and wakes waiters on
// progress (spec §4.6).
type EvictionEngine struct {
	States *StateSet
	Sizer  *Sizer

	Tunables EvictionTunables

	evictCount atomic.Int64

	waitersMu sync.Mutex
	waiters   []*waiter

	evictL2Cached, evictL2EligibleMRU, evictL2EligibleMFU, evictL2Ineligible atomic.Int64
	mutexMiss                                                                atomic.Int64

	pruneMu  sync.Mutex
	pruneID  uint64
	pruneCBs map[PruneHandle]func(ctx context.Context)
}

// PruneHandle identifies a callback registered with AddPruneCallback,
// for later removal via RemovePruneCallback.
type PruneHandle uint64

type waiter struct {
	count int64
	done  chan struct{}
}

func NewEvictionEngine(ss *StateSet, sz *Sizer) *EvictionEngine {
	return &EvictionEngine{
		States: ss,
		Sizer:  sz,
		Tunables: EvictionTunables{
			EvictBatchLimit:        10,
			EvictThreads:           0,
			MinPrefetchMs:          6000,
			MinPrescientPrefetchMs: 6000,
		},
	}
}

// taskPoolSize implements ZFS's own `log2(ncpus) + ncpus/32` formula
// (spec §4.6), clamped to at least 1 when ncpus<6, as named directly
// by the spec rather than drawn from any example in the corpus.
func taskPoolSize(ncpus int) int {
	if ncpus < 1 {
		ncpus = 1
	}
	n := bits.Len(uint(ncpus)) - 1 + ncpus/32
	if ncpus < 6 {
		if n < 1 {
			n = 1
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Evict runs one eviction pass and returns the number of bytes
// evicted (spec §4.6 "evict() → bytes_evicted").
func (e *EvictionEngine) Evict(ctx context.Context, ncpus int) int64 {
	c := e.Sizer.C()
	total := e.Sizer.Size()
	overage := total - c
	if overage <= 0 {
		return 0
	}

	meta := int64(e.Sizer.Meta())
	pd := int64(e.Sizer.Pd())
	pm := int64(e.Sizer.Pm())

	metaQuota := scaleFrac(overage, meta)
	dataQuota := overage - metaQuota
	mruMetaQuota := scaleFrac(metaQuota, pm)
	mfuMetaQuota := metaQuota - mruMetaQuota
	mruDataQuota := scaleFrac(dataQuota, pd)
	mfuDataQuota := dataQuota - mruDataQuota

	var evicted int64
	order := []struct {
		state StateKind
		typ   BlockType
		quota int64
	}{
		{StateMRU, BlockTypeMetadata, mruMetaQuota},
		{StateMFU, BlockTypeMetadata, mfuMetaQuota},
		{StateMRU, BlockTypeData, mruDataQuota},
		{StateMFU, BlockTypeData, mfuDataQuota},
	}
	for _, step := range order {
		if step.quota <= 0 {
			continue
		}
		evicted += e.evictState(ctx, step.state, step.typ, 0, step.quota, ncpus)
	}

	e.balanceGhosts()
	e.maybePrune(ctx)

	e.evictCount.Add(evicted)
	e.wakeWaiters()
	return evicted
}

func scaleFrac(total, frac int64) int64 {
	return (total * frac) / fixedPointOne
}

// balanceGhosts implements spec §4.6 step 4: evict ghost lists to keep
// each ghost size at most half the sum of the other three live-state
// sizes.
func (e *EvictionEngine) balanceGhosts() {
	for _, pair := range []struct {
		ghost StateKind
		peers [3]StateKind
	}{
		{StateMRUGhost, [3]StateKind{StateMRU, StateMFU, StateMFUGhost}},
		{StateMFUGhost, [3]StateKind{StateMRU, StateMFU, StateMRUGhost}},
	} {
		ghost := e.States.Get(pair.ghost)
		var peerTotal int64
		for _, p := range pair.peers {
			st := e.States.Get(p)
			peerTotal += st.Size(BlockTypeData) + st.Size(BlockTypeMetadata)
		}
		limit := peerTotal / 2
		for _, t := range [2]BlockType{BlockTypeData, BlockTypeMetadata} {
			over := ghost.Size(t) - limit/2
			if over > 0 {
				e.evictStateSingle(pair.ghost, t, 0, over)
			}
		}
	}
}

// AddPruneCallback implements spec §6.3's arc_add_prune_callback(fn,
// priv): registers fn to be invoked, in its own goroutine, every time
// maybePrune decides pinned metadata is over budget. Unlike a single
// callback field, any number of subscribers can be registered at
// once; priv is whatever state the caller closed over in fn, since Go
// closures make a separate priv parameter redundant. The returned
// handle is the only way to remove this particular subscription.
func (e *EvictionEngine) AddPruneCallback(fn func(ctx context.Context)) PruneHandle {
	e.pruneMu.Lock()
	defer e.pruneMu.Unlock()
	if e.pruneCBs == nil {
		e.pruneCBs = make(map[PruneHandle]func(ctx context.Context))
	}
	e.pruneID++
	h := PruneHandle(e.pruneID)
	e.pruneCBs[h] = fn
	return h
}

// RemovePruneCallback implements spec §6.3's arc_remove_prune_callback(p).
func (e *EvictionEngine) RemovePruneCallback(h PruneHandle) {
	e.pruneMu.Lock()
	defer e.pruneMu.Unlock()
	delete(e.pruneCBs, h)
}

// maybePrune implements spec §4.6 step 5: when pinned metadata is over
// 3/4 of the meta target or over dnode_limit, asynchronously invoke
// every registered prune callback.
func (e *EvictionEngine) maybePrune(ctx context.Context) {
	e.pruneMu.Lock()
	cbs := make([]func(ctx context.Context), 0, len(e.pruneCBs))
	for _, fn := range e.pruneCBs {
		cbs = append(cbs, fn)
	}
	e.pruneMu.Unlock()
	if len(cbs) == 0 {
		return
	}

	c := e.Sizer.C()
	metaTarget := scaleFrac(c, int64(e.Sizer.Meta()))
	pinnedMeta := e.States.Get(StateMRU).Size(BlockTypeMetadata) + e.States.Get(StateMFU).Size(BlockTypeMetadata)
	if pinnedMeta > (metaTarget*3)/4 || e.Sizer.DnodeSize() > e.Sizer.DnodeLimit() {
		for _, fn := range cbs {
			go fn(ctx)
		}
	}
}

// evictState implements spec §4.6 evict_state: distributes sublists
// of the (state,type) multi-list across a worker pool.
func (e *EvictionEngine) evictState(ctx context.Context, state StateKind, typ BlockType, spa uint64, bytes int64, ncpus int) int64 {
	ml := e.States.Get(state).Lists[typ]
	width := ml.Width()

	workers := 1
	if e.Tunables.EvictThreads > 1 {
		workers = e.Tunables.EvictThreads
	} else if e.Tunables.EvictThreads == 0 && ncpus > 1 {
		workers = taskPoolSize(ncpus)
	}
	if workers > width {
		workers = width
	}
	if workers < 1 {
		workers = 1
	}

	// Every sublist gets a fair share of the quota up front; workers
	// process them in groups of `workers` shards at a time so the pass
	// still covers every shard even though only a handful run
	// concurrently.
	perShard := bytes / int64(width)
	if perShard == 0 {
		perShard = bytes
	}

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < width && total.Load() < bytes; i += workers {
		for w := 0; w < workers && i+w < width; w++ {
			idx := i + w
			remaining := bytes - total.Load()
			if remaining <= 0 {
				break
			}
			batch := perShard
			if batch > remaining {
				batch = remaining
			}
			wg.Add(1)
			go func(idx int, quota int64) {
				defer wg.Done()
				got := e.evictStateImpl(ctx, ml, idx, state, typ, spa, quota)
				total.Add(got)
			}(idx, batch)
		}
		wg.Wait()
	}
	return total.Load()
}

// evictStateSingle is a single-sublist-set convenience used by the
// ghost rebalance pass and Flush, which do not need the worker pool.
func (e *EvictionEngine) evictStateSingle(state StateKind, typ BlockType, spa uint64, bytes int64) int64 {
	ml := e.States.Get(state).Lists[typ]
	var total int64
	for idx := 0; idx < ml.Width() && total < bytes; idx++ {
		total += e.evictStateImpl(context.Background(), ml, idx, state, typ, spa, bytes-total)
	}
	return total
}

// evictStateImpl implements spec §4.6 evict_state_impl: iterate
// backward from the marker, batching up to EvictBatchLimit victims.
func (e *EvictionEngine) evictStateImpl(ctx context.Context, ml *MultiList, idx int, state StateKind, typ BlockType, spa uint64, bytes int64) int64 {
	s := ml.shards[idx]

	marker := &BufferHeader{}
	s.mu.Lock()
	s.list.Store(&marker.listEntry)
	s.mu.Unlock()

	var evicted int64
	victims := 0
	batchLimit := e.Tunables.EvictBatchLimit
	if batchLimit <= 0 {
		batchLimit = 10
	}

	for evicted < bytes && victims < batchLimit {
		s.mu.Lock()
		cur := marker.listEntry.Older
		for cur != nil && (isMarker(cur.Value) || (spa != 0 && cur.Value.SpaID != spa)) {
			cur = cur.Older
		}
		if cur == nil {
			s.list.Delete(&marker.listEntry)
			s.mu.Unlock()
			break
		}
		hdr := cur.Value
		s.list.MoveToNewest(&marker.listEntry)
		s.list.Delete(cur)
		s.mu.Unlock()

		logical, real := e.evictHdr(ctx, hdr)
		_ = real
		evicted += logical
		victims++
	}
	s.mu.Lock()
	if marker.listEntry.List != nil {
		s.list.Delete(&marker.listEntry)
	}
	s.mu.Unlock()
	return evicted
}

// evictHdr implements spec §4.6 evict_hdr.
func (e *EvictionEngine) evictHdr(ctx context.Context, hdr *BufferHeader) (logical, real int64) {
	lsize := int64(hdr.Lsize)

	if hdr.State.IsGhost() {
		if hdr.Flags.Has(FlagHasL2) {
			if hdr.Flags.Has(FlagL2Writing) {
				return 0, 0
			}
			hdr.ToL2Only()
			e.States.changeState(hdr, StateL2OnlyOnly)
			return lsize, lsize
		}
		e.States.changeState(hdr, StateAnon)
		hdr.Destroy()
		return lsize, lsize
	}

	if hdr.Flags.Has(FlagPrefetch) || hdr.Flags.Has(FlagIndirect) {
		floor := e.Tunables.MinPrefetchMs
		if hdr.Flags.Has(FlagPrescientPrefetch) {
			floor = e.Tunables.MinPrescientPrefetchMs
		}
		if time.Since(hdr.AccessTime) < time.Duration(floor)*time.Millisecond {
			dlog.Debugf(ctx, "arc: evict skip (prefetch lifespan): %v", hdr.Identity)
			return 0, 0
		}
	}

	switch {
	case hdr.Flags.Has(FlagHasL2):
		e.evictL2Cached.Add(lsize)
	case hdr.Flags.Has(FlagL2Cache) && hdr.State == StateMRU:
		e.evictL2EligibleMRU.Add(lsize)
	case hdr.Flags.Has(FlagL2Cache) && hdr.State == StateMFU:
		e.evictL2EligibleMFU.Add(lsize)
	default:
		e.evictL2Ineligible.Add(lsize)
	}

	switch hdr.State {
	case StateMRU:
		e.States.changeState(hdr, StateMRUGhost)
	case StateMFU:
		e.States.changeState(hdr, StateMFUGhost)
	case StateUncached:
		e.States.changeState(hdr, StateAnon)
		hdr.Destroy()
	}
	hdr.Pabd = nil
	hdr.Rabd = nil
	return lsize, lsize
}

// WaitFor implements spec §4.7's bounded-wait admission.
func (e *EvictionEngine) WaitFor(ctx context.Context, amount int64, level OverflowLevel, needEviction *atomic.Bool, wake func()) error {
	switch level {
	case OverflowNone:
		return nil
	case OverflowSome:
		needEviction.Store(true)
		if wake != nil {
			wake()
		}
		return nil
	default: // OverflowSevere
		e.waitersMu.Lock()
		last := int64(0)
		if len(e.waiters) > 0 {
			last = e.waiters[len(e.waiters)-1].count
		}
		if cur := e.evictCount.Load(); cur > last {
			last = cur
		}
		w := &waiter{count: last + amount, done: make(chan struct{})}
		e.waiters = append(e.waiters, w)
		e.waitersMu.Unlock()

		if wake != nil {
			wake()
		}
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return newErr(ErrCancelled, Identity{}, ctx.Err())
		}
	}
}

func (e *EvictionEngine) wakeWaiters() {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	cur := e.evictCount.Load()
	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		if cur >= w.count {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	e.waiters = remaining
}

// ShutdownWaiters wakes every pending waiter unconditionally, for
// graceful shutdown (spec §4.7: "evictor broadcasts all waiters ...
// on shutdown").
func (e *EvictionEngine) ShutdownWaiters() {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for _, w := range e.waiters {
		close(w.done)
	}
	e.waiters = nil
}

// EvictCount returns the cumulative bytes evicted across all passes,
// the counter wait_for compares against.
func (e *EvictionEngine) EvictCount() int64 { return e.evictCount.Load() }

// Flush implements spec §6.3's arc_flush(spa, retry): evicts every
// header belonging to spa out of the live and ghost states, ignoring
// the normal overage-driven quota entirely (used when exporting a
// pool, where nothing belonging to it may be left cached). With retry
// set it keeps sweeping until a full pass evicts nothing further,
// since a single pass can stop short of emptying a sublist once
// EvictBatchLimit is hit.
func (e *EvictionEngine) Flush(ctx context.Context, spa uint64, retry bool) int64 {
	var total int64
	for {
		live, ghost := e.flushPass(ctx, spa)
		total += live
		e.evictCount.Add(live)
		if live+ghost == 0 || !retry {
			break
		}
		select {
		case <-ctx.Done():
			return total
		default:
		}
	}
	e.wakeWaiters()
	return total
}

func (e *EvictionEngine) flushPass(ctx context.Context, spa uint64) (live, ghost int64) {
	_ = ctx
	for _, st := range [4]StateKind{StateMRU, StateMFU, StateMRUGhost, StateMFUGhost} {
		for _, t := range [2]BlockType{BlockTypeData, BlockTypeMetadata} {
			size := e.States.Get(st).Size(t)
			if size <= 0 {
				continue
			}
			n := e.evictStateSingle(st, t, spa, size)
			if st.IsGhost() {
				ghost += n
			} else {
				live += n
			}
		}
	}
	return live, ghost
}

// FlushAsync implements spec §6.3's arc_flush_async(spa): runs Flush
// in its own goroutine so a pool-export path isn't blocked waiting
// for the sweep to finish.
func (e *EvictionEngine) FlushAsync(ctx context.Context, spa uint64) {
	go e.Flush(ctx, spa, true)
}
