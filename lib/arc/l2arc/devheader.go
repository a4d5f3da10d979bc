package l2arc

import (
	"github.com/arcfs/arc/lib/binstruct"
)

// DevHeaderMagic identifies a valid L2ARC device header (spec §6.1).
const DevHeaderMagic = 0x00365a46c780d5fa

const devHeaderVersion = 1

// DevHeaderSize is the on-device size of a DevHeader, fixed at 4 KiB.
// That equals max(4 KiB, 1<<ashift) only for ashift <= 12; for larger
// sector sizes the header region is still 4 KiB, less than one sector.
const DevHeaderSize = 4096

// LogBlkPtr locates and authenticates one log block on the device
// (spec §6.1 start_lbps[], §6.2 prev_lbp).
type LogBlkPtr struct {
	Daddr        uint64    `bin:"off=0x0,  siz=0x8"`
	PayloadStart uint64    `bin:"off=0x8,  siz=0x8"`
	PayloadAsize uint64    `bin:"off=0x10, siz=0x8"`
	Prop         uint64    `bin:"off=0x18, siz=0x8"` // packed lsize/psize/compress/checksum
	Cksum        [4]uint64 `bin:"off=0x20, siz=0x20"`
}

const logBlkPtrSize = 0x40

func (p LogBlkPtr) IsZero() bool { return p == LogBlkPtr{} }

// packLbpProp packs the fields spec §6.1 describes for start_lbps[].prop
// ("packed lsize/psize/compress/checksum") into one u64, the same way
// logEntProp below packs a log entry's fields.
func packLbpProp(lsize, psize uint32, compress uint8, checksumType uint8) uint64 {
	return uint64(lsize&0xfffff) |
		uint64(psize&0xfffff)<<20 |
		uint64(compress&0x1f)<<40 |
		uint64(checksumType&0xf)<<45
}

func unpackLbpProp(prop uint64) (lsize, psize uint32, compress, checksumType uint8) {
	lsize = uint32(prop & 0xfffff)
	psize = uint32((prop >> 20) & 0xfffff)
	compress = uint8((prop >> 40) & 0x1f)
	checksumType = uint8((prop >> 45) & 0xf)
	return
}

// DevHeader is the on-device label written at VDEV_LABEL_START on
// every L2ARC cache device (spec §6.1), describing the device's
// address range, its two log-block chain heads, and trim state.
//
// Field layout and the off=/siz= tag convention follow the teacher's
// types_superblock.go exactly; every field here is a plain integer or
// fixed-size array rather than one of binstruct's typed wrappers,
// matching most of that file's own fields (Flags, NumDevices,
// SectorSize, ...).
type DevHeader struct {
	Magic          uint64       `bin:"off=0x0,  siz=0x8"`
	Version        uint64       `bin:"off=0x8,  siz=0x8"`
	SpaGUID        uint64       `bin:"off=0x10, siz=0x8"`
	VdevGUID       uint64       `bin:"off=0x18, siz=0x8"`
	LogEntries     uint64       `bin:"off=0x20, siz=0x8"`
	Evict          uint64       `bin:"off=0x28, siz=0x8"` // byte offset
	Start          uint64       `bin:"off=0x30, siz=0x8"`
	End            uint64       `bin:"off=0x38, siz=0x8"`
	LbAsize        uint64       `bin:"off=0x40, siz=0x8"` // debug/diagnostic
	LbCount        uint64       `bin:"off=0x48, siz=0x8"`
	Flags          uint64       `bin:"off=0x50, siz=0x8"` // bit 0 = evict-swept-first
	TrimActionTime uint64       `bin:"off=0x58, siz=0x8"`
	TrimState      uint32       `bin:"off=0x60, siz=0x4"`
	Padding0       [4]byte      `bin:"off=0x64, siz=0x4"`
	StartLbps      [2]LogBlkPtr `bin:"off=0x68, siz=0x80"`
	Reserved       [DevHeaderSize - 0xe8]byte `bin:"off=0xe8, siz=0xf18"`
}

const (
	devHdrFlagEvictSweptFirst uint64 = 1 << 0
)

// NewDevHeader builds a fresh, zeroed header for a newly-attached
// device spanning [start, end) with the given log entry count per
// block (spec §6.1; start/end/log_entries are the only fields a fresh
// attach needs to seed — everything else starts at zero, meaning "no
// chain yet").
func NewDevHeader(spaGUID, vdevGUID uint64, start, end, logEntries uint64) DevHeader {
	return DevHeader{
		Magic:      DevHeaderMagic,
		Version:    devHeaderVersion,
		SpaGUID:    spaGUID,
		VdevGUID:   vdevGUID,
		LogEntries: logEntries,
		Evict:      start,
		Start:      start,
		End:        end,
	}
}

// Valid reports whether dh's static fields are self-consistent with
// the device it is being attached to, per spec §4.11 step 1: magic,
// version, spa/vdev guid, and evict falling within [start, end].
func (dh DevHeader) Valid(spaGUID, vdevGUID, start, end uint64) bool {
	if dh.Magic != DevHeaderMagic || dh.Version != devHeaderVersion {
		return false
	}
	if dh.SpaGUID != spaGUID || dh.VdevGUID != vdevGUID {
		return false
	}
	if dh.Start != start || dh.End != end {
		return false
	}
	return dh.Evict >= dh.Start && dh.Evict <= dh.End
}

// EncodeDevHeader renders dh in its on-device byte layout, padded to
// DevHeaderSize (spec §6.1: "written atomically as a single labelled
// block").
func EncodeDevHeader(dh DevHeader) ([]byte, error) {
	dat, err := binstruct.Marshal(dh)
	if err != nil {
		return nil, err
	}
	if len(dat) < DevHeaderSize {
		dat = append(dat, make([]byte, DevHeaderSize-len(dat))...)
	}
	return dat, nil
}

// DecodeDevHeader parses dh from its on-device byte layout.
func DecodeDevHeader(dat []byte) (DevHeader, error) {
	var dh DevHeader
	_, err := binstruct.Unmarshal(dat, &dh)
	return dh, err
}
