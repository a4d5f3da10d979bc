// Package l2arc implements the optional second-level, on-device cache
// that sits behind the in-memory ARC: a per-device rotary log of
// restorable header metadata (the "L2 feeder" and "L2 rebuild"
// components), backed by a plain block device through lib/diskio.
package l2arc

import (
	"context"
	"fmt"
	"sync"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/blockaddr"
	"github.com/arcfs/arc/lib/containers"
	"github.com/arcfs/arc/lib/diskio"
)

// HealthState is the vdev-lifecycle vocabulary a cache device moves
// through, named after the states zpool reports for any vdev
// (Online/Offline/Removed) plus one specific to L2ARC (BeingRebuilt),
// used to gate the feeder and rebuild per spec §4.10 step 1 / §4.11.
type HealthState int

const (
	Online HealthState = iota
	Offline
	Removed
	BeingRebuilt
)

func (s HealthState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Removed:
		return "removed"
	case BeingRebuilt:
		return "being rebuilt"
	default:
		return "unknown"
	}
}

// Trimmer issues a trim (discard) command ahead of the write hand, so
// SSD-backed devices can erase the region before it is next written
// (spec §4.10 step 2, §4.11 step 1: "trim-ahead padding"). A Device
// with a nil Trimmer simply skips trim-ahead.
type Trimmer interface {
	TrimRange(ctx context.Context, start, end blockaddr.DeviceOffset) error
}

// Device is the per-vdev L2ARC state spec §3.5 describes: the
// device's usable byte range, the write/evict cursors, the set of
// cached headers currently backed by it (buflist), the set of
// committed log-block pointers (lbptr_list), and the log block
// presently being assembled.
//
// Its mutex is l2ad_mtx (spec §5's lock-ordering level 2): it guards
// buflist, lbptr_list, and the cursor fields, and must never be
// acquired while a bucket lock or state sublist lock is held.
type Device struct {
	mu sync.Mutex

	name     string
	spaGUID  blockaddr.GUID
	vdevGUID blockaddr.GUID

	backing diskio.File[blockaddr.DeviceOffset]
	ashift  uint8

	Start, End, Hand, Evict blockaddr.DeviceOffset
	First                   bool // true until the hand has wrapped once

	buflist   containers.LinkedList[*arc.BufferHeader]
	lbptrList *lbptrList

	logBlk             *LogBlock
	logBlkPayloadStart blockaddr.DeviceOffset

	devHdr DevHeader

	health     HealthState
	rebuilding bool
	trimmer    Trimmer

	Stats DeviceStats
}

// DeviceStats mirrors the subset of kstat-style L2 counters that are
// meaningfully per-device rather than process-wide (spec §6.4's
// l2arc_* counters, scoped down to one vdev).
type DeviceStats struct {
	Lsize, Psize, Asize int64 // live bytes backed by this device
	FeedBytes           int64
	EvictedEntries      int64
	RebuiltEntries      int64
}

// defaultBufferedBlocks sizes the golang-lru block cache NewDevice puts
// in front of backing, so repeated small reads/writes to the same
// sector (the device header, the tail of a log block chain) don't all
// round-trip the underlying file.
const defaultBufferedBlocks = 64

// bufferFile wraps backing in lib/diskio's block-buffering layer, sized
// to the device's own sector (spec §6.4 doesn't name a cache size for
// this, so this module picks defaultBufferedBlocks as a modest fixed
// default rather than exposing yet another tunable).
func bufferFile(backing diskio.File[blockaddr.DeviceOffset], ashift uint8) diskio.File[blockaddr.DeviceOffset] {
	sector := blockaddr.DeviceOffset(1) << ashift
	return diskio.NewBufferedFile[blockaddr.DeviceOffset](backing, sector, defaultBufferedBlocks)
}

// NewDevice creates a Device spanning the full extent of backing,
// starting at byte offset reserved past the device header (spec
// §6.1's header occupies [0, DevHeaderSize)), for a freshly-attached
// cache vdev with no existing on-disk state.
func NewDevice(name string, spaGUID, vdevGUID blockaddr.GUID, backing diskio.File[blockaddr.DeviceOffset], ashift uint8, logEntries uint64) *Device {
	start := blockaddr.DeviceOffset(DevHeaderSize)
	end := backing.Size()
	d := &Device{
		name:      name,
		spaGUID:   spaGUID,
		vdevGUID:  vdevGUID,
		backing:   bufferFile(backing, ashift),
		ashift:    ashift,
		Start:     start,
		End:       end,
		Hand:      start,
		Evict:     start,
		First:     true,
		lbptrList: newLbptrList(),
		health:    Online,
	}
	d.devHdr = NewDevHeader(uint64(spaGUID), uint64(vdevGUID), uint64(start), uint64(end), logEntries)
	d.logBlk = NewLogBlock(LogBlkPtr{})
	d.logBlkPayloadStart = d.Hand
	return d
}

// PersistHeader writes d's in-memory device header out to its labelled
// block at device offset 0 (spec §6.1: "written atomically as a single
// labelled block"). The feeder calls this after every committed log
// block so a crash loses at most one block's worth of entries.
func (d *Device) PersistHeader() error {
	d.mu.Lock()
	dh := d.devHdr
	d.mu.Unlock()

	dat, err := EncodeDevHeader(dh)
	if err != nil {
		return err
	}
	_, err = d.backing.WriteAt(dat, 0)
	return err
}

// AttachDevice reads and validates an existing on-disk header from
// backing and reconstructs the Device state needed to resume feeding
// and to rebuild from it (spec §4.11 step 1: "validate on-device
// header"). Unlike NewDevice, the returned Device is not cold: its
// hand/evict cursors are seeded from the persisted header rather than
// the start of the device.
func AttachDevice(name string, spaGUID, vdevGUID blockaddr.GUID, backing diskio.File[blockaddr.DeviceOffset], ashift uint8) (*Device, error) {
	buffered := bufferFile(backing, ashift)
	dat := make([]byte, DevHeaderSize)
	if _, err := buffered.ReadAt(dat, 0); err != nil {
		return nil, err
	}
	dh, err := DecodeDevHeader(dat)
	if err != nil {
		return nil, err
	}

	start := blockaddr.DeviceOffset(DevHeaderSize)
	end := backing.Size()
	if !dh.Valid(uint64(spaGUID), uint64(vdevGUID), uint64(start), uint64(end)) {
		return nil, fmt.Errorf("l2arc: attach %s: on-disk header invalid or belongs to a different pool/vdev", name)
	}

	d := &Device{
		name:      name,
		spaGUID:   spaGUID,
		vdevGUID:  vdevGUID,
		backing:   buffered,
		ashift:    ashift,
		Start:     start,
		End:       end,
		Hand:      blockaddr.DeviceOffset(dh.Evict),
		Evict:     blockaddr.DeviceOffset(dh.Evict),
		First:     false,
		lbptrList: newLbptrList(),
		health:    Online,
		devHdr:    dh,
	}
	d.logBlk = NewLogBlock(LogBlkPtr{})
	d.logBlkPayloadStart = d.Hand
	return d, nil
}

// Name implements arc.L2DeviceHandle.
func (d *Device) Name() string { return d.name }

// ReloadHeader re-reads d's on-disk device header from backing and
// replaces the in-memory copy. l2arc_rebuild_vdev's reopen argument
// (spec §6.3) asks for this before walking the log chain, covering a
// device that was detached and reattached, or whose header was
// rewritten by another process, since d was last opened.
func (d *Device) ReloadHeader() error {
	dat := make([]byte, DevHeaderSize)
	if _, err := d.backing.ReadAt(dat, 0); err != nil {
		return err
	}
	dh, err := DecodeDevHeader(dat)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devHdr = dh
	return nil
}

// Health returns the device's current lifecycle state.
func (d *Device) Health() HealthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// SetHealth transitions the device's lifecycle state (spec §4.10 step
// 1: the feeder "skip[s] devices that are dead, being rebuilt, being
// trimmed, or whose pool is exporting").
func (d *Device) SetHealth(h HealthState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = h
}

// Usable reports whether the feeder and rebuild may operate on d right
// now.
func (d *Device) Usable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health == Online && !d.rebuilding
}

// SizeBytes returns the device's usable span (excluding the header).
func (d *Device) SizeBytes() int64 { return int64(d.End - d.Start) }

// AlignUp rounds off up to the device's ashift sector size (spec
// §4.10 step 4: "compute on-device asize (rounded to vdev ashift)").
func (d *Device) AlignUp(n int64) int64 {
	sector := int64(1) << d.ashift
	if n <= 0 {
		return 0
	}
	return ((n + sector - 1) / sector) * sector
}

// addBuf links hdr into buflist and records its L2 backing, under
// d.mu. Callers (the feeder) must have already set hdr.Dev/hdr.Daddr
// and the FlagHasL2 bit.
func (d *Device) addBuf(hdr *arc.BufferHeader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := hdr.DevEntry()
	entry.Value = hdr
	d.buflist.Store(entry)
}

// RemoveBuf implements arc.L2DeviceHandle: unlinks hdr from buflist,
// if present.
func (d *Device) RemoveBuf(hdr *arc.BufferHeader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := hdr.DevEntry()
	if entry.List != nil {
		d.buflist.Delete(entry)
	}
}

// Advance moves Hand forward by up to n bytes (clamped to the
// device's span), returning the one or two [start,end) byte ranges
// the hand swept through. Wrapping past End resets Hand and Evict to
// Start and clears First (spec §4.10 step 3: "When advancing past
// end, reset hand=evict=start, first=false, and re-run").
func (d *Device) Advance(n int64) (swept [][2]blockaddr.DeviceOffset, wrapped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	span := int64(d.End - d.Start)
	if span <= 0 || n <= 0 {
		return nil, false
	}
	if n > span {
		n = span
	}
	rel := int64(d.Hand - d.Start)
	endRel := rel + n

	if endRel < span {
		newHand := d.Start.Add(blockaddr.OffsetDelta(endRel))
		swept = [][2]blockaddr.DeviceOffset{{d.Hand, newHand}}
		d.Hand = newHand
		return swept, false
	}

	swept = [][2]blockaddr.DeviceOffset{
		{d.Hand, d.End},
		{d.Start, d.Start.Add(blockaddr.OffsetDelta(endRel - span))},
	}
	d.Hand = d.Start.Add(blockaddr.OffsetDelta(endRel - span))
	d.Evict = d.Start
	d.First = false
	return swept, true
}

// Cold reports whether the device hasn't completed a first full pass
// of its write hand yet (spec §4.10 step 2: "plus l2arc_write_boost
// while cold").
func (d *Device) Cold() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.First
}

// SetEvict advances the evict cursor to match the hand after a sweep
// has been fully processed. The device header's own Evict field is
// kept in step so a crash between sweeps resumes from the right place
// on reattach (spec §6.1: "evict: byte offset of the evict cursor").
func (d *Device) SetEvict(off blockaddr.DeviceOffset) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Evict = off
	d.devHdr.Evict = uint64(off)
}

// CurrentHand returns the current write-hand offset.
func (d *Device) CurrentHand() blockaddr.DeviceOffset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Hand
}

// Range returns the device's usable [start, end) span.
func (d *Device) Range() (start, end blockaddr.DeviceOffset) {
	return d.Start, d.End
}
