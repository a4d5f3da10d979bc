package arc

import (
	"sync/atomic"
)

// OverflowLevel is the result of Sizer.IsOverflowing: how urgently the
// EvictionEngine and bounded-wait admission should react (spec §4.4).
type OverflowLevel int

const (
	OverflowNone OverflowLevel = iota
	OverflowSome
	OverflowSevere
)

// MemoryMonitor is the external collaborator spec §1 calls "the
// platform memory-pressure notifier", supplying available_memory().
// The caller wires a real implementation; Sizer only consults it from
// Adapt.
type MemoryMonitor interface {
	AvailableMemory() int64
}

// Sizer tracks current/target cache size, per-state evictable size,
// the dnode sub-limit, and overflow thresholds (spec §4.4). All
// fields are atomic so reads never block a concurrent read/write.
type Sizer struct {
	CMin, CMax int64

	c    atomic.Int64 // current target size
	meta atomic.Uint32 // 32-bit fixed-point fraction of c that is metadata
	pd   atomic.Uint32 // MRU share of data
	pm   atomic.Uint32 // MRU share of metadata

	dnodeLimit  atomic.Int64
	dnodeSize   atomic.Int64
	tempreserve atomic.Int64

	size           atomic.Int64 // aggsum total size across all states
	maxRecordSize  int64
	maxBlockSize   int64
	overflowShift  uint

	OnGrow   func()
	OnShrink func(toFree int64)
	WakeReaper func()
}

const fixedPointOne = 1 << 32

// NewSizer creates a Sizer with the spec's documented initial
// fractions: meta=1/4, pd=pm=1/2 (spec §4.4).
func NewSizer(cMin, cMax, maxRecordSize, maxBlockSize int64) *Sizer {
	s := &Sizer{
		CMin:          cMin,
		CMax:          cMax,
		maxRecordSize: maxRecordSize,
		maxBlockSize:  maxBlockSize,
		overflowShift: 5,
	}
	s.c.Store(cMin)
	s.meta.Store(fixedPointOne / 4)
	s.pd.Store(fixedPointOne / 2)
	s.pm.Store(fixedPointOne / 2)
	return s
}

func (s *Sizer) C() int64        { return s.c.Load() }
func (s *Sizer) Meta() uint32    { return s.meta.Load() }
func (s *Sizer) Pd() uint32      { return s.pd.Load() }
func (s *Sizer) Pm() uint32      { return s.pm.Load() }
func (s *Sizer) Size() int64     { return s.size.Load() }
func (s *Sizer) DnodeSize() int64 { return s.dnodeSize.Load() }

func (s *Sizer) SetDnodeLimit(v int64) { s.dnodeLimit.Store(v) }
func (s *Sizer) DnodeLimit() int64     { return s.dnodeLimit.Load() }

func (s *Sizer) AddSize(blockDelta int64)  { s.size.Add(blockDelta) }
func (s *Sizer) AddDnodeSize(delta int64)  { s.dnodeSize.Add(delta) }

// IsOverflowing implements spec §4.4's is_overflowing.
func (s *Sizer) IsOverflowing(lax, useReserve bool) OverflowLevel {
	over := s.size.Load() - s.c.Load() - s.maxRecordSize
	if over <= 0 && s.dnodeSize.Load()-s.dnodeLimit.Load() <= 0 {
		return OverflowNone
	}
	if lax {
		return OverflowSevere
	}
	overflow := (s.c.Load() >> s.overflowShift) / 2
	if useReserve {
		overflow *= 3
	}
	if over < overflow {
		return OverflowSome
	}
	return OverflowSevere
}

// Adapt implements spec §4.4's adapt: grows c toward c_max when memory
// allows and the cache is nearly full.
func (s *Sizer) Adapt(bytesAdded int64, mon MemoryMonitor) {
	if mon != nil && mon.AvailableMemory() < 0 {
		if s.WakeReaper != nil {
			s.WakeReaper()
		}
		return
	}
	c := s.c.Load()
	if c >= s.CMax {
		return
	}
	if s.size.Load() < c+2*s.maxBlockSize {
		grow := bytesAdded
		if s.maxBlockSize > grow {
			grow = s.maxBlockSize
		}
		newC := c + grow
		if newC > s.CMax {
			newC = s.CMax
		}
		s.c.Store(newC)
		if s.OnGrow != nil {
			s.OnGrow()
		}
	}
}

// ReduceTargetSize implements spec §4.4's reduce_target_size: shrinks
// c (never below c_min), notifies the (external) dbuf cache to shrink
// proportionally, and signals the eviction engine if size is still
// above the new c.
func (s *Sizer) ReduceTargetSize(toFree int64, signalEvict func()) {
	for {
		old := s.c.Load()
		newC := old - toFree
		if newC < s.CMin {
			newC = s.CMin
		}
		if s.c.CompareAndSwap(old, newC) {
			break
		}
	}
	if s.OnShrink != nil {
		s.OnShrink(toFree)
	}
	if s.size.Load() > s.c.Load() && signalEvict != nil {
		signalEvict()
	}
}

// TempReserve implements spec §4.4's tempreserve field and the
// ArcTempreserveSpace/ArcTempreserveClear operations of spec §6.3.
// It is intentionally just the field Sizer already tracks (§9 lists no
// separate component for it); this module exposes it as
// Sizer.Reserve/Release.
//
// Reserve attempts to reserve `amount` bytes of in-flight write
// pipeline space. It returns ErrThrottle if tempreserve is already
// close to c (within 1/4), and ErrOverflow if adding amount would
// exceed c outright; otherwise it reserves and returns nil.
func (s *Sizer) Reserve(amount int64) error {
	c := s.c.Load()
	cur := s.tempreserve.Load()
	if cur > c-c/4 {
		return newErr(ErrThrottle, Identity{}, nil)
	}
	if cur+amount > c {
		return newErr(ErrOverflow, Identity{}, nil)
	}
	s.tempreserve.Add(amount)
	return nil
}

// Release gives back a reservation made by Reserve.
func (s *Sizer) Release(amount int64) {
	s.tempreserve.Add(-amount)
}

// setFractions is used by the Adapter to publish newly-computed
// meta/pd/pm fractions.
func (s *Sizer) setFractions(meta, pd, pm uint32) {
	s.meta.Store(meta)
	s.pd.Store(pd)
	s.pm.Store(pm)
}
