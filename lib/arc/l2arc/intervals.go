package l2arc

import (
	"github.com/arcfs/arc/lib/blockaddr"
	"github.com/arcfs/arc/lib/containers"
)

// lbptrEntry is one committed log block's location and extent on
// device, as tracked in lbptr_list (spec §4.10 step 3).
type lbptrEntry struct {
	Start, End blockaddr.DeviceOffset // [Start, End) payload range on device
	Ptr        LogBlkPtr
}

// lbptrList indexes committed log-block pointers two ways: an
// IntervalTree for point-containment lookups ("which log block, if
// any, currently covers device offset X"), grounded on
// lib/containers.IntervalTree, and a plain insertion-ordered list for
// the tail-to-head sweep l2arc_evict performs as the write hand laps
// the device. IntervalTree.Search only answers point-in-range
// queries (it prunes by the same comparator against both a node's min
// and max), so it cannot itself answer "does this range overlap any
// entry" for an arbitrary range; because entries are committed in
// strictly increasing device order and never overlap each other, the
// ordered list walk used by Evict handles that instead.
type lbptrList struct {
	tree containers.IntervalTree[blockaddr.DeviceOffset, lbptrEntry]
	ordered containers.LinkedList[lbptrEntry]
	nodes map[blockaddr.DeviceOffset]*containers.LinkedListEntry[lbptrEntry]
}

func newLbptrList() *lbptrList {
	l := &lbptrList{nodes: make(map[blockaddr.DeviceOffset]*containers.LinkedListEntry[lbptrEntry])}
	l.tree.MinFn = func(e lbptrEntry) blockaddr.DeviceOffset { return e.Start }
	l.tree.MaxFn = func(e lbptrEntry) blockaddr.DeviceOffset { return e.End }
	return l
}

// Insert records a newly-committed log block's extent.
func (l *lbptrList) Insert(e lbptrEntry) {
	l.tree.Insert(e)
	entry := &containers.LinkedListEntry[lbptrEntry]{Value: e}
	l.ordered.Store(entry)
	l.nodes[e.Start] = entry
}

// Remove drops e, once it has been evicted or superseded.
func (l *lbptrList) Remove(e lbptrEntry) {
	l.tree.Delete(e.Start, e.End)
	if entry, ok := l.nodes[e.Start]; ok {
		l.ordered.Delete(entry)
		delete(l.nodes, e.Start)
	}
}

// Covering returns the log block, if any, whose payload range
// contains off.
func (l *lbptrList) Covering(off blockaddr.DeviceOffset) (lbptrEntry, bool) {
	return l.tree.Lookup(off)
}

// Oldest returns the least-recently-committed entries, in commit
// order, for Evict's tail walk (spec §4.10 step 3: "walk lbptr_list
// from tail").
func (l *lbptrList) Oldest() []lbptrEntry {
	out := make([]lbptrEntry, 0, l.ordered.Len)
	for e := l.ordered.Oldest; e != nil; e = e.Newer {
		out = append(out, e.Value)
	}
	return out
}
