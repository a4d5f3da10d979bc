package l2arc

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/blockaddr"
)

// logEntryOnDiskOverhead is the worst-case per-entry bookkeeping size
// charged against a pass's write budget, covering the log block's own
// entry slot regardless of how small the cached payload is (spec
// §4.10 step 2: "plus worst-case log-block overhead").
const logEntryOnDiskOverhead = 64

// FeederTunables bundles the l2arc_* knobs the feeder reads directly
// (spec §6.4).
type FeederTunables struct {
	WriteMax      int64
	WriteBoost    int64
	Headroom      int64
	HeadroomBoost int64
	FeedSecs      int64
	NoPrefetch    bool
	MFUOnly       bool
}

// Feeder drives the periodic background task that selects a device,
// sweeps the range its write hand is about to overwrite, and writes
// new candidates into the freed space (spec §4.10).
type Feeder struct {
	States *arc.StateSet
	Hash   *arc.HashTable
	Stats  *arc.Stats
	SpaID  uint64

	Tunables FeederTunables

	devMu      sync.Mutex
	devices    []*Device
	nextDevice int
}

func NewFeeder(states *arc.StateSet, hash *arc.HashTable, stats *arc.Stats, spaID uint64) *Feeder {
	return &Feeder{
		States: states,
		Hash:   hash,
		Stats:  stats,
		SpaID:  spaID,
		Tunables: FeederTunables{
			WriteMax:      8 << 20,
			WriteBoost:    8 << 20,
			Headroom:      2,
			HeadroomBoost: 200,
			FeedSecs:      1,
		},
	}
}

// Run drives Iterate on a FeedSecs-period ticker until ctx is
// cancelled, matching the dgroup-task shape ArcContext.runEvictor
// uses for the in-memory evictor.
func (f *Feeder) Run(ctx context.Context) error {
	secs := f.Tunables.FeedSecs
	if secs <= 0 {
		secs = 1
	}
	ticker := time.NewTicker(time.Duration(secs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Iterate(ctx)
		}
	}
}

// Iterate runs one feeder pass (spec §4.10 steps 1-4).
func (f *Feeder) Iterate(ctx context.Context) {
	dev := f.selectDevice()
	if dev == nil {
		return
	}
	target := f.writeTarget(dev)
	f.evict(ctx, dev, target)
	if err := dev.PersistHeader(); err != nil {
		dlog.Errorf(ctx, "l2arc: header write to %s failed: %v", dev.Name(), err)
	}
	written := f.writeBuffers(ctx, dev, target)
	if written > 0 {
		dlog.Debugf(ctx, "l2arc: wrote %d bytes to %s", written, dev.Name())
		f.Stats.L2FeedBytes.Add(written)
	}
}

// AddDevice implements spec §6.3's l2arc_add_vdev(spa, vd): registers
// dev with the feeder's round robin. A device must be added here
// before Iterate will ever select it for writing.
func (f *Feeder) AddDevice(dev *Device) {
	f.devMu.Lock()
	defer f.devMu.Unlock()
	f.devices = append(f.devices, dev)
}

// RemoveDevice implements spec §6.3's l2arc_remove_vdev(vd): drops dev
// from the round robin and evicts every header still backed by it, since
// the feeder can no longer write to or serve cached reads from a
// detached vdev.
func (f *Feeder) RemoveDevice(ctx context.Context, dev *Device) {
	f.devMu.Lock()
	for i, d := range f.devices {
		if d == dev {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			break
		}
	}
	f.devMu.Unlock()

	f.evict(ctx, dev, dev.SizeBytes())
	dev.SetHealth(Removed)
}

// Devices returns a snapshot of the feeder's currently registered
// devices.
func (f *Feeder) Devices() []*Device {
	f.devMu.Lock()
	defer f.devMu.Unlock()
	return append([]*Device(nil), f.devices...)
}

// selectDevice implements spec §4.10 step 1's round robin, skipping
// devices that Usable rejects: any whose health is not Online, or
// that are being rebuilt.
func (f *Feeder) selectDevice() *Device {
	f.devMu.Lock()
	devices := append([]*Device(nil), f.devices...)
	start := f.nextDevice
	f.devMu.Unlock()

	n := len(devices)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		d := devices[idx]
		if d.Usable() {
			f.devMu.Lock()
			f.nextDevice = (idx + 1) % n
			f.devMu.Unlock()
			return d
		}
	}
	return nil
}

// writeTarget implements spec §4.10 step 2.
func (f *Feeder) writeTarget(dev *Device) int64 {
	target := f.Tunables.WriteMax
	if dev.Cold() {
		target += f.Tunables.WriteBoost
	}
	target += int64(LogBlkMaxEntries) * logEntryOnDiskOverhead
	if cap := dev.SizeBytes() / 4; target > cap {
		target = cap
	}
	return target
}

// evict implements l2arc_evict (spec §4.10 step 3): advance the hand
// by target bytes and clear out anything the sweep now overlaps.
func (f *Feeder) evict(ctx context.Context, dev *Device, target int64) {
	ranges, wrapped := dev.Advance(target)
	for _, r := range ranges {
		f.sweepRange(ctx, dev, r[0], r[1])
	}
	if len(ranges) > 0 {
		dev.SetEvict(ranges[len(ranges)-1][1])
	}
	_ = wrapped // Advance already covers the wrapped lap with a second swept range
}

func (f *Feeder) sweepRange(ctx context.Context, dev *Device, start, end blockaddr.DeviceOffset) {
	if start == end {
		return
	}
	for _, e := range dev.lbptrList.Oldest() {
		if rangesOverlap(e.Start, e.End, start, end) {
			dev.lbptrList.Remove(e)
			dev.Stats.EvictedEntries++
		}
	}

	var victims []*arc.BufferHeader
	dev.mu.Lock()
	for e := dev.buflist.Oldest; e != nil; e = e.Newer {
		hdr := e.Value
		if inRange(blockaddr.DeviceOffset(hdr.Daddr), start, end) {
			victims = append(victims, hdr)
		}
	}
	dev.mu.Unlock()

	for _, hdr := range victims {
		f.evictHdr(hdr, dev)
	}
}

func rangesOverlap(aStart, aEnd, bStart, bEnd blockaddr.DeviceOffset) bool {
	return aStart.Cmp(bEnd) < 0 && bStart.Cmp(aEnd) < 0
}

func inRange(off, start, end blockaddr.DeviceOffset) bool {
	return off.Cmp(start) >= 0 && off.Cmp(end) < 0
}

// evictHdr implements the per-header branch of l2arc_evict (spec
// §4.10 step 3): headers with no L1 payload are purely L2-backed and
// are destroyed outright; L1-present headers just lose their L2
// backing and stay live in MRU/MFU; a header mid-read has its result
// discarded instead of being torn down under the reader.
func (f *Feeder) evictHdr(hdr *arc.BufferHeader, dev *Device) {
	dev.RemoveBuf(hdr)

	if hdr.Flags.Has(arc.FlagL2Reading) {
		hdr.Flags.Set(arc.FlagL2Evicted)
		return
	}

	if !hdr.Flags.Has(arc.FlagHasL1) {
		unlock := f.Hash.LockBucket(hdr.Identity)
		if hdr.Flags.Has(arc.FlagInHash) {
			f.Hash.Remove(hdr)
		}
		f.States.ChangeState(hdr, arc.StateAnon)
		unlock()
		hdr.Destroy()
		dev.Stats.EvictedEntries++
		return
	}

	hdr.Flags.Clear(arc.FlagHasL2)
	dev.Stats.EvictedEntries++
}

// candidatePass names one of the four (state, type) passes
// l2arc_write_buffers sweeps, in the order spec §4.10 step 4 lists
// them.
type candidatePass struct {
	state arc.StateKind
	typ   arc.BlockType
}

func (f *Feeder) passes() []candidatePass {
	passes := []candidatePass{
		{arc.StateMFU, arc.BlockTypeMetadata},
		{arc.StateMRU, arc.BlockTypeMetadata},
		{arc.StateMFU, arc.BlockTypeData},
		{arc.StateMRU, arc.BlockTypeData},
	}
	if f.Tunables.MFUOnly {
		passes = []candidatePass{
			{arc.StateMFU, arc.BlockTypeMetadata},
			{arc.StateMFU, arc.BlockTypeData},
		}
	}
	return passes
}

// writeBuffers implements l2arc_write_buffers (spec §4.10 step 4):
// scan candidates across the four passes and pack them into log
// blocks until target bytes have been written or scanned headroom is
// exhausted.
func (f *Feeder) writeBuffers(ctx context.Context, dev *Device, target int64) int64 {
	headroomBudget := target * f.Tunables.Headroom
	if dev.Cold() && f.Tunables.HeadroomBoost > 0 {
		headroomBudget = headroomBudget * (100 + f.Tunables.HeadroomBoost) / 100
	}

	var written, scanned int64
	fromOldest := !dev.Cold()

	for _, pass := range f.passes() {
		if written >= target {
			break
		}
		st := f.States.Get(pass.state)
		ml := st.Lists[pass.typ]

		ml.WalkCandidates(fromOldest, func(hdr *arc.BufferHeader) bool {
			if written >= target || scanned >= headroomBudget {
				return false
			}
			scanned += int64(hdr.Lsize)
			if !f.eligible(hdr) {
				return true
			}
			n, ok := f.writeOne(ctx, dev, hdr)
			if ok {
				written += n
			}
			return written < target
		})
	}

	f.flushLogBlock(ctx, dev)
	return written
}

// eligible implements spec §4.10 step 4's candidate filter: same
// pool, not already L2-backed, no in-flight I/O, L2Cache requested.
func (f *Feeder) eligible(hdr *arc.BufferHeader) bool {
	if hdr.SpaID != f.SpaID {
		return false
	}
	if hdr.Flags.Has(arc.FlagHasL2) || hdr.Flags.Has(arc.FlagIoInProgress) {
		return false
	}
	if !hdr.Flags.Has(arc.FlagL2Cache) {
		return false
	}
	if f.Tunables.NoPrefetch && hdr.Flags.Has(arc.FlagPrefetch) {
		return false
	}
	return hdr.Pabd != nil
}

// writeOne implements the per-header body of spec §4.10 step 4:
// compute on-device asize, apply transforms, write the payload,
// append it to the in-progress log block, and mark the header
// L2-backed.
func (f *Feeder) writeOne(ctx context.Context, dev *Device, hdr *arc.BufferHeader) (int64, bool) {
	payload := applyTransforms(hdr)
	asize := dev.AlignUp(int64(len(payload)))
	if asize <= 0 {
		return 0, false
	}
	padded := make([]byte, asize)
	copy(padded, payload)

	ranges, wrapped := dev.Advance(asize)
	if len(ranges) == 0 {
		return 0, false
	}
	daddr := ranges[0][0]
	if wrapped {
		f.flushLogBlock(ctx, dev)
	}

	hdr.Flags.Set(arc.FlagL2Writing)
	if _, err := dev.backing.WriteAt(padded, daddr); err != nil {
		hdr.Flags.Clear(arc.FlagL2Writing)
		dlog.Errorf(ctx, "l2arc: write to %s failed: %v", dev.Name(), err)
		return 0, false
	}
	hdr.Flags.Clear(arc.FlagL2Writing)
	hdr.Flags.Set(arc.FlagHasL2)
	hdr.Dev = dev
	hdr.Daddr = int64(daddr)
	dev.addBuf(hdr)

	entry := LogEntry{
		DvaVdev:   uint64(hdr.DVA.Vdev),
		DvaOffset: uint64(hdr.DVA.Offset),
		Birth:     uint64(hdr.Birth),
		Daddr:     uint64(daddr),
		Prop:      packEntProp(hdr.Lsize, hdr.Psize, hdr.Compress, hdr.Type, hdr.Flags.Has(arc.FlagProtected), hdr.Flags.Has(arc.FlagPrefetch), hdr.State),
		Complevel: hdr.Complevel,
	}
	f.appendEntry(ctx, dev, entry)

	dev.Stats.Lsize += int64(hdr.Lsize)
	dev.Stats.Psize += int64(hdr.Psize)
	dev.Stats.Asize += asize
	return asize, true
}

// applyTransforms stands in for l2arc_apply_transforms: the ARC
// already keeps pabd in its final on-disk form when
// compressed_arc_enabled is set (spec §4.9 write path), so there is
// nothing left to recompress here; this just names the step so
// writeOne reads the same as the spec's algorithm.
func applyTransforms(hdr *arc.BufferHeader) []byte {
	return hdr.Pabd
}

func (f *Feeder) appendEntry(ctx context.Context, dev *Device, entry LogEntry) {
	dev.mu.Lock()
	if dev.logBlk == nil {
		dev.logBlk = NewLogBlock(LogBlkPtr{})
	}
	if dev.logBlk.Len() == 0 {
		dev.logBlkPayloadStart = blockaddr.DeviceOffset(entry.Daddr)
	}
	full := !dev.logBlk.Add(entry)
	dev.mu.Unlock()
	if full {
		f.flushLogBlock(ctx, dev)
		dev.mu.Lock()
		dev.logBlk = NewLogBlock(LogBlkPtr{})
		dev.logBlkPayloadStart = blockaddr.DeviceOffset(entry.Daddr)
		dev.logBlk.Add(entry)
		dev.mu.Unlock()
	}
}

// flushLogBlock implements l2arc_log_blk_commit (spec §4.10): encode
// and write the in-progress log block, update the device header's
// two-entry start_lbps[] chain (alternating which head advances), and
// record the new pointer in lbptr_list.
func (f *Feeder) flushLogBlock(ctx context.Context, dev *Device) {
	dev.mu.Lock()
	lb := dev.logBlk
	if lb == nil || lb.Len() == 0 {
		dev.mu.Unlock()
		return
	}
	// The previous commit went to the index the next one will not use.
	prevIdx := 0
	if dev.devHdr.Flags&devHdrFlagEvictSweptFirst != 0 {
		prevIdx = 1
	}
	lb.PrevLbp = dev.devHdr.StartLbps[prevIdx]
	payloadStart := dev.logBlkPayloadStart
	entryCount := lb.Len()
	dev.mu.Unlock()

	dat, cksum, err := EncodeLogBlock(lb)
	if err != nil {
		dlog.Errorf(ctx, "l2arc: encode log block for %s failed: %v", dev.Name(), err)
		return
	}

	ranges, wrapped := dev.Advance(int64(len(dat)))
	if len(ranges) == 0 {
		return
	}
	daddr := ranges[0][0]
	if _, err := dev.backing.WriteAt(dat, daddr); err != nil {
		dlog.Errorf(ctx, "l2arc: log block write to %s failed: %v", dev.Name(), err)
		return
	}

	// lsize is repurposed here to carry the block's populated entry
	// count, since rebuild cannot otherwise distinguish a real zero
	// entry from unused tail space in the fixed-size encoded form.
	ptr := LogBlkPtr{
		Daddr:        uint64(daddr),
		PayloadStart: uint64(payloadStart),
		PayloadAsize: uint64(len(dat)),
		Prop:         packLbpProp(uint32(entryCount), uint32(len(dat)), 0, 0),
		Cksum:        cksum,
	}

	dev.mu.Lock()
	idx := 1
	if dev.devHdr.Flags&devHdrFlagEvictSweptFirst != 0 {
		idx = 0
	}
	dev.devHdr.StartLbps[idx] = ptr
	dev.devHdr.Flags ^= devHdrFlagEvictSweptFirst
	dev.devHdr.LbCount++
	dev.devHdr.LbAsize += uint64(len(dat))
	dev.logBlk = nil
	dev.mu.Unlock()

	dev.lbptrList.Insert(lbptrEntry{
		Start: payloadStart,
		End:   daddr.Add(blockaddr.OffsetDelta(len(dat))),
		Ptr:   ptr,
	})
	_ = wrapped

	if err := dev.PersistHeader(); err != nil {
		dlog.Errorf(ctx, "l2arc: header write to %s failed: %v", dev.Name(), err)
	}
}
