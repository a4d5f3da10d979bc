package l2arc

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/blockaddr"
)

// Rebuilder walks a device's on-disk log-block chain and restores
// l2c_only headers into the hash table and state lists, so a cache
// device's contents survive a process restart (spec §4.11).
type Rebuilder struct {
	Hash   *arc.HashTable
	States *arc.StateSet
	Sizer  *arc.Sizer
	Stats  *arc.Stats
	SpaID  uint64

	// MetaPercent is l2arc_meta_percent: rebuild aborts once the
	// restored header metadata would exceed this fraction of c (warm)
	// or c_max (cold) (spec §4.11 step 4, l2arc_meta_percent tunable).
	MetaPercent int64

	restoredHdrBytes int64
}

func NewRebuilder(hash *arc.HashTable, states *arc.StateSet, sizer *arc.Sizer, stats *arc.Stats, spaID uint64, metaPercent int64) *Rebuilder {
	return &Rebuilder{
		Hash:        hash,
		States:      states,
		Sizer:       sizer,
		Stats:       stats,
		SpaID:       spaID,
		MetaPercent: metaPercent,
	}
}

// fetchResult is what the background reader goroutine in Rebuild
// hands back for one log block: either its raw bytes or the error
// that prevented reading them.
type fetchResult struct {
	ptr LogBlkPtr
	dat []byte
	err error
}

// fetchBlock reads one log block's bytes in the background, so the
// next block's I/O can be in flight while the current one is being
// decoded and its entries restored — the same overlap-read-with-work
// shape readpath.go's Zio.ReadPhys/done-callback pair gives the
// foreground read path, adapted here to a channel since rebuild has
// no caller-supplied completion callback to invoke into.
func fetchBlock(ctx context.Context, dev *Device, ptr LogBlkPtr) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	if ptr.IsZero() {
		ch <- fetchResult{}
		return ch
	}
	go func() {
		dat := make([]byte, ptr.PayloadAsize)
		_, err := dev.backing.ReadAt(dat, blockaddr.DeviceOffset(ptr.Daddr))
		select {
		case ch <- fetchResult{ptr: ptr, dat: dat, err: err}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// Rebuild implements spec §4.11: validate dev's on-disk header, then
// walk its log-block chain from the most recently committed
// start_lbps[] head back toward the evict
// boundary, restoring each entry found along the way. It is safe to
// cancel at any point via ctx — nothing rebuild has done needs
// rolling back, since restored headers are simply incomplete instead
// of wrong.
//
// reopen implements l2arc_rebuild_vdev's reopen argument (spec §6.3):
// when set, dev's on-disk header is re-read from backing before the
// chain walk starts, for a device whose header may have changed since
// dev was last attached.
func (r *Rebuilder) Rebuild(ctx context.Context, dev *Device, reopen bool) error {
	dev.SetHealth(BeingRebuilt)
	defer dev.SetHealth(Online)

	if reopen {
		if err := dev.ReloadHeader(); err != nil {
			return fmt.Errorf("l2arc: rebuild %s: reopen: %w", dev.Name(), err)
		}
	}

	if !dev.devHdr.Valid(uint64(dev.spaGUID), uint64(dev.vdevGUID), uint64(dev.Start), uint64(dev.End)) {
		return fmt.Errorf("l2arc: rebuild %s: on-disk header invalid or stale", dev.Name())
	}

	first := dev.devHdr.StartLbps[0]
	second := dev.devHdr.StartLbps[1]
	if first.IsZero() && second.IsZero() {
		dlog.Infof(ctx, "l2arc: rebuild %s: no log chain, nothing to restore", dev.Name())
		return nil
	}
	// feeder.go's flushLogBlock toggles devHdrFlagEvictSweptFirst after
	// every commit: while it is set the most recent commit went to index
	// 1, while it is clear to index 0. Start from that newest head.
	start := first
	if dev.devHdr.Flags&devHdrFlagEvictSweptFirst != 0 {
		start = second
	}
	if start.IsZero() {
		if first.IsZero() {
			start = second
		} else {
			start = first
		}
	}

	visited := make(map[uint64]struct{})
	pending := fetchBlock(ctx, dev, start)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-pending:
			if res.ptr.IsZero() {
				return nil
			}
			if res.err != nil {
				return fmt.Errorf("l2arc: rebuild %s: read log block at %#x: %w", dev.Name(), res.ptr.Daddr, res.err)
			}
			if _, seen := visited[res.ptr.Daddr]; seen {
				dlog.Infof(ctx, "l2arc: rebuild %s: log chain loops at %#x, stopping", dev.Name(), res.ptr.Daddr)
				return nil
			}
			visited[res.ptr.Daddr] = struct{}{}

			if r.sweptAway(dev, res.ptr) {
				dlog.Infof(ctx, "l2arc: rebuild %s: log block at %#x already overwritten, stopping", dev.Name(), res.ptr.Daddr)
				return nil
			}

			n, _, _, _ := unpackLbpProp(res.ptr.Prop)
			lb, err := DecodeLogBlock(res.dat, res.ptr.Cksum, int(n))
			if err != nil {
				return fmt.Errorf("l2arc: rebuild %s: decode log block at %#x: %w", dev.Name(), res.ptr.Daddr, err)
			}

			next := fetchBlock(ctx, dev, lb.PrevLbp)

			if r.memoryPressure(dev) {
				dlog.Infof(ctx, "l2arc: rebuild %s: aborting under memory pressure after %d entries", dev.Name(), r.Stats.L2RebuildEntriesRestored.Load())
				return nil
			}

			restored := r.restoreBlock(dev, lb)
			r.Stats.L2RebuildBlocksRead.Add(1)
			r.Stats.L2RebuildEntriesRestored.Add(int64(restored))
			dev.Stats.RebuiltEntries += int64(restored)

			pending = next
		}
	}
}

// sweptAway reports whether ptr's payload range has already been
// passed by the write hand since this block was committed — i.e. the
// cache entries it describes are gone, so the chain walk should stop
// rather than restore now-stale metadata (spec §4.11's loop/staleness
// guard: "wrap-through-evict-boundary").
func (r *Rebuilder) sweptAway(dev *Device, ptr LogBlkPtr) bool {
	off := blockaddr.DeviceOffset(ptr.PayloadStart)
	return off.Cmp(dev.Evict) < 0 && !dev.First
}

// memoryPressure implements spec §4.11 step 4's abort condition: once
// the summed lsize of the headers this Rebuilder has restored exceeds
// MetaPercent of c (or of c_max, while the device is still cold),
// rebuild stops rather than starving live traffic. The running total
// is kept on the Rebuilder; nothing is charged to the Sizer.
func (r *Rebuilder) memoryPressure(dev *Device) bool {
	limit := r.Sizer.C()
	if dev.Cold() {
		limit = r.Sizer.CMax
	}
	budget := limit * r.MetaPercent / 100
	return r.restoredHdrBytes > budget
}

// restoreBlock implements l2arc_hdr_restore for every entry in lb, in
// reverse temporal order within the block so older entries end up
// nearer the buflist head and newer ones nearer its tail, matching
// the order a feeder pass would have inserted them in originally
// (spec §4.11 step 3).
func (r *Rebuilder) restoreBlock(dev *Device, lb *LogBlock) int {
	restored := 0
	for _, e := range lb.EntriesInReverse() {
		if r.restoreEntry(dev, e) {
			restored++
		}
	}
	return restored
}

// restoreEntry implements one l2arc_hdr_restore call: build a
// minimal l2c_only header from one log entry's fields and insert it
// into the hash table, merging into an existing entry that has no L2
// backing yet, or discarding silently if the block is already cached
// some other way (spec §4.11 step 3).
func (r *Rebuilder) restoreEntry(dev *Device, e LogEntry) bool {
	lsize, psize, compress, typ, protected, prefetch, state := unpackEntProp(e.Prop)

	id := arc.Identity{
		Guid:  blockaddr.GUID(dev.spaGUID),
		DVA:   e.DVA(),
		Birth: blockaddr.Txg(e.Birth),
	}

	hdr := arc.AllocL2Only(r.SpaID, id, psize, lsize, typ, dev, int64(e.Daddr))
	hdr.Compress = compress
	if protected {
		hdr.Flags.Set(arc.FlagProtected)
	}
	if prefetch {
		hdr.Flags.Set(arc.FlagPrefetch)
	}
	hdr.ArcsState = state

	existing, unlock := r.Hash.Insert(hdr)
	defer unlock()

	if existing != nil {
		if existing.Flags.Has(arc.FlagHasL2) {
			// Already cached some other way (e.g. re-fed since this
			// log block was committed); this entry is stale.
			return false
		}
		existing.Dev = dev
		existing.Daddr = int64(e.Daddr)
		existing.Flags.Set(arc.FlagHasL2)
		dev.addBuf(existing)
		r.restoredHdrBytes += int64(lsize)
		return true
	}

	dev.addBuf(hdr)
	r.restoredHdrBytes += int64(lsize)
	return true
}
