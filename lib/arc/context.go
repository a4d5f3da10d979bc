package arc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/arcfs/arc/lib/arc/tunables"
)

// ArcContext is the process-lifetime singleton spec §9 calls for: "the
// seven state structs, the hash table array, the L2 device list, the
// free-on-write list, and statistics ... structure them as a single
// ArcContext that is constructed at init() and torn down at fini()".
//
// NewArcContext takes no context.Context; Run takes one so the
// background tasks it starts can be supervised and cancelled the way
// every other long-running task in this module is (dgroup). ArcContext
// itself holds no reference to it.
type ArcContext struct {
	Tunables *tunables.Registry
	Hash     *HashTable
	States   *StateSet
	Sizer    *Sizer
	Adapter  *Adapter
	Evict    *EvictionEngine
	Read     *ReadPath
	Write    *WritePath
	Stats    *Stats

	Mon MemoryMonitor

	needEviction atomic.Bool
	evictWake    chan struct{}
	ncpus        int
}

// Config bundles the external collaborators and sizing parameters a
// caller supplies at construction; everything else is computed from
// the tunable registry (spec §6.4).
type Config struct {
	Tunables      *tunables.Registry
	Codec         Codec
	Zio           Zio
	Keys          KeyStore
	Mon           MemoryMonitor
	NumCPU        int
	HashBuckets   int
	MaxRecordSize int64
	MaxBlockSize  int64
}

// NewArcContext wires every component together the way §9 describes:
// one struct holding the seven states, the hash table, the sizer, and
// statistics, all built from a single tunable registry.
func NewArcContext(cfg Config) *ArcContext {
	t := cfg.Tunables
	if t == nil {
		t = tunables.Defaults()
	}

	cMin := tunables.Get[int64](t, "arc_min")
	cMax := tunables.Get[int64](t, "arc_max")
	if cMax <= 0 {
		cMax = cMin * 8
	}
	maxRecord := cfg.MaxRecordSize
	if maxRecord == 0 {
		maxRecord = 1 << 20
	}
	maxBlock := cfg.MaxBlockSize
	if maxBlock == 0 {
		maxBlock = 128 << 10
	}

	sz := NewSizer(cMin, cMax, maxRecord, maxBlock)
	sz.SetDnodeLimit((cMax * tunables.Get[int64](t, "dnode_limit_percent")) / 100)

	ss := NewStateSet(cfg.NumCPU)
	hash := NewHashTable(cfg.HashBuckets)
	evict := NewEvictionEngine(ss, sz)
	evict.Tunables = EvictionTunables{
		EvictBatchLimit:        int(tunables.Get[int64](t, "evict_batch_limit")),
		EvictThreads:           int(tunables.Get[int64](t, "evict_threads")),
		MinPrefetchMs:          tunables.Get[int64](t, "min_prefetch_ms"),
		MinPrescientPrefetchMs: tunables.Get[int64](t, "min_prescient_prefetch_ms"),
	}

	adapter := NewAdapter()
	adapter.MetaBalance = tunables.Get[uint32](t, "meta_balance")

	rp := &ReadPath{Hash: hash, States: ss, Sizer: sz, Evict: evict, Codec: cfg.Codec, Zio: cfg.Zio, Keys: cfg.Keys}
	wp := &WritePath{Hash: hash, States: ss, Sizer: sz, Codec: cfg.Codec, Zio: cfg.Zio}

	ncpus := cfg.NumCPU
	if ncpus <= 0 {
		ncpus = 1
	}

	return &ArcContext{
		Tunables:  t,
		Hash:      hash,
		States:    ss,
		Sizer:     sz,
		Adapter:   adapter,
		Evict:     evict,
		Read:      rp,
		Write:     wp,
		Stats:     &Stats{},
		Mon:       cfg.Mon,
		evictWake: make(chan struct{}, 1),
		ncpus:     ncpus,
	}
}

// WakeEvictor is the wake() callback EvictionEngine.WaitFor and
// Sizer.ReduceTargetSize use to notify the background evictor of
// pending work (spec §4.7).
func (ac *ArcContext) WakeEvictor() {
	select {
	case ac.evictWake <- struct{}{}:
	default:
	}
}

// Run starts the background tasks spec §5 names as long-running: the
// evictor (evict_zthr) and a periodic reaper that checks for overflow
// even absent an explicit wake. It supervises them with a dgroup, the
// same pattern the teacher uses for its inspectors/repairers, and
// returns once the group's context is cancelled or a task errors.
func (ac *ArcContext) Run(ctx context.Context) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: false,
	})

	grp.Go("evictor", ac.runEvictor)
	grp.Go("reaper", ac.runReaper)

	err := grp.Wait()
	ac.Evict.ShutdownWaiters()
	return err
}

func (ac *ArcContext) runEvictor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ac.evictWake:
		case <-time.After(5 * time.Second):
		}
		if ac.needEviction.Load() || ac.Sizer.IsOverflowing(false, false) != OverflowNone {
			ac.needEviction.Store(false)
			ac.Adapter.Run(ac.States, ac.Sizer)
			evicted := ac.Evict.Evict(ctx, ac.ncpus)
			if evicted > 0 {
				ac.Stats.Evictions.Add(evicted)
				dlog.Debugf(ctx, "arc: evicted %d bytes", evicted)
			}
		}
	}
}

// runReaper implements spec §5's reaper task: periodically checks
// memory pressure via the MemoryMonitor collaborator and, if negative,
// shrinks the target size (arc_kmem_reap / arc_reap_zthr equivalent).
func (ac *ArcContext) runReaper(ctx context.Context) error {
	if ac.Mon == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ac.Mon.AvailableMemory() < 0 {
				toFree := ac.Sizer.C() >> 5
				ac.Sizer.ReduceTargetSize(toFree, ac.WakeEvictor)
				dlog.Debugf(ctx, "arc: reaper shrank target size by %d bytes", toFree)
			}
		}
	}
}
