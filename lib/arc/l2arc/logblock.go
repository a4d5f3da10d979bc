package l2arc

import (
	"encoding/binary"
	"fmt"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/binstruct"
	"github.com/arcfs/arc/lib/blockaddr"
)

// LogBlockMagic identifies a valid on-device log block (spec §6.2
// L2ARC_LOG_BLK_MAGIC).
const LogBlockMagic = 0x4c4f47424c4b4d47

// LogBlkMaxEntries is the fixed entry capacity of one log block (spec
// §6.2 LOG_BLK_MAX_ENTRIES).
const LogBlkMaxEntries = 1022

// LogEntry is one restorable cache-entry record inside a log block
// (spec §6.2). The DVA's two halves are stored as plain uint64 fields
// rather than embedding blockaddr.DVA directly, since binstruct's
// off=/siz= struct tags only drive marshalling for fields declared
// with tags of their own; DVA carries none.
type LogEntry struct {
	DvaVdev   uint64  `bin:"off=0x0,  siz=0x8"`
	DvaOffset uint64  `bin:"off=0x8,  siz=0x8"`
	Birth     uint64  `bin:"off=0x10, siz=0x8"`
	Daddr     uint64  `bin:"off=0x18, siz=0x8"`
	Prop      uint64  `bin:"off=0x20, siz=0x8"` // lsize:20,psize:20,compress:5,type:4,protected:1,prefetch:1,state:3,reserved:10
	Complevel uint8   `bin:"off=0x28, siz=0x1"`
	Padding   [7]byte `bin:"off=0x29, siz=0x7"`
}

// DVA reconstructs the entry's disk-virtual-address.
func (e LogEntry) DVA() blockaddr.DVA {
	return blockaddr.DVA{Vdev: blockaddr.VdevID(e.DvaVdev), Offset: blockaddr.DeviceOffset(e.DvaOffset)}
}

// packEntProp packs the bitfields spec §6.2 describes for a log
// entry's prop word.
func packEntProp(lsize, psize uint32, compress uint8, typ arc.BlockType, protected, prefetch bool, state arc.StateKind) uint64 {
	var typBit uint64
	if typ == arc.BlockTypeMetadata {
		typBit = 1
	}
	var prop uint64
	prop |= uint64(lsize) & 0xfffff
	prop |= (uint64(psize) & 0xfffff) << 20
	prop |= (uint64(compress) & 0x1f) << 40
	prop |= (typBit & 0xf) << 45
	if protected {
		prop |= 1 << 49
	}
	if prefetch {
		prop |= 1 << 50
	}
	prop |= (uint64(state) & 0x7) << 51
	return prop
}

func unpackEntProp(prop uint64) (lsize, psize uint32, compress uint8, typ arc.BlockType, protected, prefetch bool, state arc.StateKind) {
	lsize = uint32(prop & 0xfffff)
	psize = uint32((prop >> 20) & 0xfffff)
	compress = uint8((prop >> 40) & 0x1f)
	if (prop>>45)&0xf != 0 {
		typ = arc.BlockTypeMetadata
	}
	protected = (prop>>49)&1 != 0
	prefetch = (prop>>50)&1 != 0
	state = arc.StateKind((prop >> 51) & 0x7)
	return
}

// LogBlock is the on-device unit the L2 feeder commits to describe a
// batch of newly-cached entries, chained backward via PrevLbp to the
// previous block written for this device (spec §6.2).
type LogBlock struct {
	Magic   uint64                     `bin:"off=0x0,  siz=0x8"`
	PrevLbp LogBlkPtr                  `bin:"off=0x8,  siz=0x40"`
	Entries [LogBlkMaxEntries]LogEntry `bin:"off=0x48, siz=0xbfa0"`

	// n is the number of Entries actually populated; entries beyond n
	// are zero and not meaningful. Not part of the on-device layout
	// (the device always writes/reads the fixed-size array).
	n int `bin:"-"`
}

func NewLogBlock(prev LogBlkPtr) *LogBlock {
	return &LogBlock{Magic: LogBlockMagic, PrevLbp: prev}
}

// Full reports whether lb has no room for another entry.
func (lb *LogBlock) Full() bool { return lb.n >= LogBlkMaxEntries }

// Add appends one entry, returning false if the block is already full
// (spec §4.10 step 4: "When the log block is full ... commit it").
func (lb *LogBlock) Add(e LogEntry) bool {
	if lb.Full() {
		return false
	}
	lb.Entries[lb.n] = e
	lb.n++
	return true
}

// Len returns the number of populated entries.
func (lb *LogBlock) Len() int { return lb.n }

// EntriesInReverse returns lb's populated entries from newest to
// oldest, the order spec §4.11 step 3 requires restoring them in
// ("in reverse temporal order within the block, so newest blocks
// insert at buflist tail").
func (lb *LogBlock) EntriesInReverse() []LogEntry {
	out := make([]LogEntry, lb.n)
	for i := 0; i < lb.n; i++ {
		out[i] = lb.Entries[lb.n-1-i]
	}
	return out
}

// fletcher4 computes ZFS's four-accumulator streaming checksum over
// dat, treated as a stream of little-endian 32-bit words (spec §6.1/
// §6.2: "Fletcher-4 checksum over the on-disk form"). len(dat) must be
// a multiple of 4; callers pad short data before checksumming.
func fletcher4(dat []byte) [4]uint64 {
	var a, b, c, d uint64
	for i := 0; i+4 <= len(dat); i += 4 {
		word := uint64(binary.LittleEndian.Uint32(dat[i : i+4]))
		a += word
		b += a
		c += b
		d += c
	}
	return [4]uint64{a, b, c, d}
}

// EncodeLogBlock renders lb to its on-device byte form (the fixed
// LogBlkMaxEntries-sized array; lb.n unpopulated entries are encoded
// as zero, matching a real device's unused tail) and returns the
// Fletcher-4 checksum of that form, for the caller to store in the
// LogBlkPtr referencing it.
func EncodeLogBlock(lb *LogBlock) (dat []byte, cksum [4]uint64, err error) {
	dat, err = binstruct.Marshal(*lb)
	if err != nil {
		return nil, [4]uint64{}, err
	}
	return dat, fletcher4(dat), nil
}

// DecodeLogBlock parses a log block from its on-device byte form and
// verifies its magic and checksum against expect (spec §4.11 step 2:
// "verify Fletcher-4 ... verify magic"). n, the number of entries
// considered populated, must be supplied by the caller (it comes from
// the lsize field of the referencing LogBlkPtr's Prop, where
// flushLogBlock stores the entry count, not from the on-device form
// itself) since an unmarshalled block cannot tell a real zero entry
// from unused tail space.
func DecodeLogBlock(dat []byte, expect [4]uint64, n int) (*LogBlock, error) {
	if got := fletcher4(dat); got != expect {
		return nil, fmt.Errorf("l2arc: log block checksum mismatch: got %x, want %x", got, expect)
	}
	var lb LogBlock
	if _, err := binstruct.Unmarshal(dat, &lb); err != nil {
		return nil, err
	}
	if lb.Magic != LogBlockMagic {
		return nil, fmt.Errorf("l2arc: log block bad magic %#x", lb.Magic)
	}
	if n < 0 || n > LogBlkMaxEntries {
		return nil, fmt.Errorf("l2arc: log block entry count %d out of range", n)
	}
	lb.n = n
	return &lb, nil
}
