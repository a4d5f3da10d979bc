// Package blockaddr defines the address types used to name and locate
// cached blocks: the on-pool disk-virtual-address (DVA), the pool load
// GUID, and the byte offsets used on an L2ARC cache device.
//
// The formatting conventions here (fixed-width hex via a shared
// fmt.Formatter helper) follow the same pattern the rest of this module
// uses for every other integer-like identifier.
package blockaddr

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/arcfs/arc/lib/fmtutil"
)

// DeviceOffset is a byte offset on some storage device (either the main
// pool or an L2ARC cache device). It has no notion of which device it is
// relative to; pair it with a vdev identifier when that matters.
type DeviceOffset int64

// OffsetDelta is the difference between two DeviceOffsets.
type OffsetDelta int64

func formatOffset(v int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), fmt.Sprintf("%#016x", v))
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), v)
	}
}

func (a DeviceOffset) Format(f fmt.State, verb rune)  { formatOffset(int64(a), f, verb) }
func (d OffsetDelta) Format(f fmt.State, verb rune)   { formatOffset(int64(d), f, verb) }
func (a DeviceOffset) Sub(b DeviceOffset) OffsetDelta { return OffsetDelta(a - b) }
func (a DeviceOffset) Add(b OffsetDelta) DeviceOffset { return a + DeviceOffset(b) }
func (a DeviceOffset) Cmp(b DeviceOffset) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// VdevID identifies one top-level virtual device within a pool.
type VdevID uint64

// DVA is a disk-virtual-address: which vdev a block lives on, and its
// byte offset within that vdev. Spec §3.1 describes this as a 128-bit
// value (vdev id packed with offset); we keep the two halves distinct
// since nothing in this module needs to treat a DVA as an opaque
// 128-bit integer.
type DVA struct {
	Vdev   VdevID
	Offset DeviceOffset
}

func (d DVA) String() string {
	return fmt.Sprintf("dva(vdev=%d,off=%#x)", d.Vdev, int64(d.Offset))
}

func (a DVA) Cmp(b DVA) int {
	if a.Vdev != b.Vdev {
		if a.Vdev < b.Vdev {
			return -1
		}
		return 1
	}
	return a.Offset.Cmp(b.Offset)
}

// GUID is a 64-bit pool-load or vdev GUID, assigned once at pool
// creation (or at vdev attach) and never reused.
type GUID uint64

func (g GUID) String() string { return fmt.Sprintf("%#016x", uint64(g)) }

// Txg is a transaction group number: a monotonically increasing
// generation counter. A block's birth Txg is part of its identity
// (spec §3.1): the same DVA can be reused by a later, unrelated block
// once the earlier one is freed, and birth_txg disambiguates them.
type Txg uint64

// UUID is a 128-bit universally-unique identifier, used for vdev and
// pool identification in the on-device L2ARC header (spec §6.1).
//
// Grounded on the teacher's lib/btrfs/btrfsprim.UUID: fixed-size byte
// array with String/Format/(Un)MarshalText, not a dependency on a UUID
// library, since nothing here generates UUIDs (only compares and
// formats ones provided by the caller).
type UUID [16]byte

func (u UUID) String() string {
	s := hex.EncodeToString(u[:])
	return strings.Join([]string{s[:8], s[8:12], s[12:16], s[16:20], s[20:32]}, "-")
}

func (u UUID) Format(f fmt.State, verb rune) {
	fmtutil.FormatByteArrayStringer(u, u[:], f, verb)
}

func (a UUID) Cmp(b UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
