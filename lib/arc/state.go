package arc

import (
	"sync"
	"sync/atomic"

	"github.com/arcfs/arc/lib/containers"
)

// StateKind enumerates the seven places a header can live (spec §3.2
// lifecycle). Dynamic dispatch on state is modeled, per spec §9, as
// this enum plus a side array of state objects indexed by it, rather
// than as bare pointers compared for identity.
type StateKind int

const (
	StateAnon StateKind = iota
	StateMRU
	StateMFU
	StateMRUGhost
	StateMFUGhost
	StateL2OnlyOnly
	StateUncached
	numStates
)

func (k StateKind) String() string {
	switch k {
	case StateAnon:
		return "anon"
	case StateMRU:
		return "mru"
	case StateMFU:
		return "mfu"
	case StateMRUGhost:
		return "mru_ghost"
	case StateMFUGhost:
		return "mfu_ghost"
	case StateL2OnlyOnly:
		return "l2_only"
	case StateUncached:
		return "uncached"
	default:
		return "invalid"
	}
}

// IsGhost reports whether k is one of the two ghost states.
func (k StateKind) IsGhost() bool { return k == StateMRUGhost || k == StateMFUGhost }

// defaultMultiListWidth is the number of independent sublists a
// MultiList shards across when NewMultiList (or NewStateSet) is given
// a width <= 0. ZFS picks this from ncpus; we fix a modest default.
const defaultMultiListWidth = 16

// sublist is one shard of a MultiList: an intrusive LinkedList of
// headers guarded by its own mutex, so that eviction workers operating
// on distinct sublists never contend with each other.
type sublist struct {
	mu   sync.Mutex
	list containers.LinkedList[*BufferHeader]
}

// MultiList is an array of independent sublists that headers are
// hashed across by identity, so multiple eviction workers can make
// progress on one state/type in parallel (spec §3.3).
type MultiList struct {
	shards []*sublist
}

func NewMultiList(width int) *MultiList {
	if width <= 0 {
		width = defaultMultiListWidth
	}
	ml := &MultiList{shards: make([]*sublist, width)}
	for i := range ml.shards {
		ml.shards[i] = &sublist{}
	}
	return ml
}

func (ml *MultiList) Width() int { return len(ml.shards) }

func (ml *MultiList) shardFor(hdr *BufferHeader) *sublist {
	idx := hashIdentity(hdr.Identity) % uint64(len(ml.shards))
	return ml.shards[idx]
}

// Insert links hdr into the shard selected by its identity hash.
func (ml *MultiList) Insert(hdr *BufferHeader) {
	s := ml.shardFor(hdr)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list.Store(&hdr.listEntry)
}

// Remove unlinks hdr from whichever shard it is currently in. hdr must
// record which shard it was inserted into (tracked via listEntry.List,
// which sublist.list sets).
func (ml *MultiList) Remove(hdr *BufferHeader) {
	for _, s := range ml.shards {
		if hdr.listEntry.List == &s.list {
			s.mu.Lock()
			s.list.Delete(&hdr.listEntry)
			s.mu.Unlock()
			return
		}
	}
}

// WalkCandidates scans each shard without removing anything, from the
// oldest entry when fromOldest is true or from the newest otherwise,
// invoking fn for every real header; markers left by a concurrent
// eviction pass are skipped. fn returns false to stop that shard's
// scan early (e.g. once a scan-budget or byte target is met). This is
// the read-only counterpart to evictStateImpl's destructive
// marker-cursor walk, used by the L2 feeder to pick write candidates
// without disturbing eviction (spec §4.10 step 4: "iterate a random
// sublist from the head (when cold) or tail (when warm)").
func (ml *MultiList) WalkCandidates(fromOldest bool, fn func(hdr *BufferHeader) bool) {
	for _, s := range ml.shards {
		s.mu.Lock()
		if fromOldest {
			for e := s.list.Oldest; e != nil; e = e.Newer {
				if isMarker(e.Value) {
					continue
				}
				if !fn(e.Value) {
					break
				}
			}
		} else {
			for e := s.list.Newest; e != nil; e = e.Older {
				if isMarker(e.Value) {
					continue
				}
				if !fn(e.Value) {
					break
				}
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the total number of headers across all shards. Used by
// tests and stats; not on any hot path.
func (ml *MultiList) Len() int {
	total := 0
	for _, s := range ml.shards {
		s.mu.Lock()
		total += s.list.Len
		s.mu.Unlock()
	}
	return total
}

// sizeTracker holds the atomic per-type byte counters a State keeps:
// size (live+evictable) and esize (evictable only), per spec §3.3.
type sizeTracker struct {
	size  [2]atomic.Int64 // indexed by BlockType
	esize [2]atomic.Int64
}

func (st *sizeTracker) add(t BlockType, n int64)      { st.size[t].Add(n) }
func (st *sizeTracker) addEvictable(t BlockType, n int64) { st.esize[t].Add(n) }
func (st *sizeTracker) Size(t BlockType) int64        { return st.size[t].Load() }
func (st *sizeTracker) Esize(t BlockType) int64       { return st.esize[t].Load() }

// State is one of the seven StateSet members: a pair of multi-lists
// (one per BlockType), byte counters, and, for ghost states, a
// cumulative hit-byte counter (wmsum in the spec) the Adapter reads.
type State struct {
	Kind  StateKind
	Lists [2]*MultiList // indexed by BlockType
	sizeTracker

	ghostHits [2]atomic.Int64 // cumulative hit bytes, per BlockType; ghost states only
}

func NewState(kind StateKind, width int) *State {
	return &State{
		Kind: kind,
		Lists: [2]*MultiList{
			BlockTypeData:     NewMultiList(width),
			BlockTypeMetadata: NewMultiList(width),
		},
	}
}

// RecordGhostHit accumulates a ghost-hit byte count for the Adapter's
// next pass (spec §4.5 step 1).
func (s *State) RecordGhostHit(t BlockType, bytes int64) {
	s.ghostHits[t].Add(bytes)
}

// SnapshotGhostHits reads and resets the cumulative ghost-hit counters,
// returning the delta accumulated since the last snapshot.
func (s *State) SnapshotGhostHits(t BlockType) int64 {
	return s.ghostHits[t].Swap(0)
}

// StateSet is the complete collection of the seven named states, plus
// helpers used throughout the rest of the package to look a state up
// by kind (spec §9's "side array of state objects indexed by [kind]").
type StateSet struct {
	states [numStates]*State
}

func NewStateSet(width int) *StateSet {
	ss := &StateSet{}
	for k := StateKind(0); k < numStates; k++ {
		ss.states[k] = NewState(k, width)
	}
	return ss
}

func (ss *StateSet) Get(k StateKind) *State { return ss.states[k] }

// ChangeState exposes changeState to collaborators outside this
// package (namely lib/arc/l2arc, which must transition l2_only
// headers to anon when its device evicts them).
func (ss *StateSet) ChangeState(hdr *BufferHeader, to StateKind) { ss.changeState(hdr, to) }

// changeState implements spec §4.3's change_state: the single mutator
// of state membership. Callers must hold hdr's bucket lock.
func (ss *StateSet) changeState(hdr *BufferHeader, to StateKind) {
	from := hdr.State
	if from == to {
		return
	}
	t := hdr.Type
	oldSz := hdr.ownedSize()

	if from != StateAnon && from != StateL2OnlyOnly {
		oldState := ss.Get(from)
		if hdr.RefCount() == 0 {
			oldState.Lists[t].Remove(hdr)
			oldState.addEvictable(t, -oldSz)
		}
		oldState.add(t, -oldSz)
		if from.IsGhost() {
			// ghost size was counted by lsize via the hdr pointer tag;
			// nothing further to release since ghosts own no buffers.
			_ = oldState
		}
	}
	hdr.State = to
	newSz := hdr.ownedSize()
	if to != StateAnon && to != StateL2OnlyOnly {
		newState := ss.Get(to)
		newState.add(t, newSz)
		if hdr.RefCount() == 0 {
			newState.Lists[t].Insert(hdr)
			newState.addEvictable(t, newSz)
		}
	}
	if to != StateAnon && hdr.Flags.Has(FlagInHash) {
		hdr.ArcsState = to
	}
}

// ownedSize is the number of bytes hdr contributes to its state's size
// counters: lsize for ghost states (spec §4.3 step 4), or the sum of
// its owned buffers (pabd/rabd) for live states.
func (hdr *BufferHeader) ownedSize() int64 {
	if hdr.State.IsGhost() {
		return int64(hdr.Lsize)
	}
	var n int64
	if hdr.Pabd != nil {
		n += int64(len(hdr.Pabd))
	}
	if hdr.Rabd != nil {
		n += int64(len(hdr.Rabd))
	}
	for e := hdr.BufList.Oldest; e != nil; e = e.Newer {
		n += int64(len(e.Value.Data))
	}
	return n
}
