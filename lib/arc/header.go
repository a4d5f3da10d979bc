package arc

import (
	"time"

	"github.com/arcfs/arc/lib/containers"
)

// Buf is a consumer-facing buffer returned by ReadPath/WritePath. It
// either owns its bytes outright or shares them with its header's
// pabd — the "typed enum/variant on the buffer" spec §9 calls for,
// rather than a raw pointer plus a boolean.
type Buf struct {
	Data        []byte
	SharedWithHdr bool
	hdr         *BufferHeader
}

// bufListEntry links a Buf into a header's intrusive buf_list.
type bufListEntry = containers.LinkedListEntry[*Buf]

// AcbRecord is a pending read/done callback attached to a header that
// currently has FlagIoInProgress set (spec §4.8 step 4b).
type AcbRecord struct {
	Done     func(buf *Buf, err error)
	Priority Priority
	Wait     chan struct{}
}

// BufferHeader is the cache entity: identity, state, data pointer(s),
// refcount, and flags (spec §3.2). It is conceptually a tagged union
// of an L2-only and an L1-present variant; we keep both sets of
// fields on one struct (the L1 fields are simply unused/zero when
// HasL1 is clear) rather than a Go sum type, because realloc (§4.2)
// needs to flip the variant of an existing, already-linked header
// in place.
type BufferHeader struct {
	Identity
	SpaID uint64

	Psize, Lsize   uint32
	Compress       uint8
	Complevel      uint8
	Byteswap       bool
	Type           BlockType
	Flags          HdrFlags

	State StateKind

	// L1 payload
	Pabd      []byte
	Rabd      []byte
	BufList   containers.LinkedList[*Buf]
	refcount  TaggedRefcount
	AccessTime time.Time
	AcbList   []*AcbRecord
	HitsMRU, HitsMRUGhost, HitsMFU, HitsMFUGhost uint32

	// L2 payload
	Dev       L2DeviceHandle
	Daddr     int64
	L2Hits    uint32
	ArcsState StateKind

	listEntry containers.LinkedListEntry[*BufferHeader] // membership in current state's MultiList
	bucketIdx int                                       // set by the hash table on insert
	hashNext  *BufferHeader                              // intrusive open-chain link within a hash bucket

	devEntry containers.LinkedListEntry[*BufferHeader] // membership in L2Device.buflist
}

// L2DeviceHandle is the subset of an L2 device a header needs to refer
// back to it; implemented by *l2arc.Device in the l2arc package. Kept
// as an interface here so lib/arc has no import-time dependency on
// lib/arc/l2arc (which itself depends on lib/arc for BufferHeader).
type L2DeviceHandle interface {
	Name() string

	// RemoveBuf unlinks hdr from the device's buflist, if present.
	// Destroy calls this when FlagHasL2 is set so a destroyed header
	// never leaves a dangling buflist entry behind (spec §4.2 destroy).
	RemoveBuf(hdr *BufferHeader)
}

// RefCount returns the header's current total reference count.
func (hdr *BufferHeader) RefCount() int { return hdr.refcount.Count() }

// DevEntry returns the intrusive list entry used to link hdr into its
// L2 device's buflist. Exposed so the l2arc package, which implements
// L2DeviceHandle, can maintain that list without lib/arc needing to
// know anything about buflist's actual shape.
func (hdr *BufferHeader) DevEntry() *containers.LinkedListEntry[*BufferHeader] {
	return &hdr.devEntry
}

// AllocFull creates a zero-identity anonymous L1-present header (spec
// §4.2 alloc_full).
func AllocFull(spaID uint64, psize, lsize uint32, typ BlockType, protected bool, compress, complevel uint8) *BufferHeader {
	hdr := &BufferHeader{
		SpaID:     spaID,
		Psize:     psize,
		Lsize:     lsize,
		Type:      typ,
		Compress:  compress,
		Complevel: complevel,
		State:     StateAnon,
	}
	hdr.Flags.Set(FlagHasL1)
	if protected {
		hdr.Flags.Set(FlagProtected)
	}
	return hdr
}

// BufAlloc implements spec §6.3's arc_buf_alloc(spa, tag, type, size):
// allocates a fresh anonymous header and hands the caller a private
// Buf that owns it outright (refcount 1, tagged by the Buf itself),
// ready to be filled with data and passed to WritePath.Write — the
// same role arc_loan_buf/arc_return_buf play for a consumer that
// wants to build a block before committing it.
func BufAlloc(ss *StateSet, spaID uint64, typ BlockType, size int) *Buf {
	hdr := AllocFull(spaID, 0, 0, typ, false, 0, 0)
	buf := &Buf{Data: make([]byte, size), hdr: hdr}
	hdr.AddRef(ss, buf)
	return buf
}

// BufRelease implements spec §6.3's arc_buf_destroy(buf, tag): drops
// buf's own reference on its header. A Buf returned by BufAlloc or by
// a ReadPath.Read callback holds its header non-evictable until this
// is called, exactly as spec §4.2's add_ref/remove_ref describes; a
// caller that never releases a loaned or returned Buf pins it in
// memory forever, by design.
func BufRelease(ss *StateSet, buf *Buf) int {
	if buf == nil || buf.hdr == nil {
		return 0
	}
	return buf.hdr.RemoveRef(ss, buf)
}

// AllocL2Only creates the minimal header used during L2 rebuild (spec
// §4.2 alloc_l2only): no L1 fields, state l2c_only.
func AllocL2Only(spaID uint64, id Identity, psize, lsize uint32, typ BlockType, dev L2DeviceHandle, daddr int64) *BufferHeader {
	hdr := &BufferHeader{
		Identity: id,
		SpaID:    spaID,
		Psize:    psize,
		Lsize:    lsize,
		Type:     typ,
		State:    StateL2OnlyOnly,
		Dev:      dev,
		Daddr:    daddr,
	}
	hdr.Flags.Set(FlagHasL2)
	return hdr
}

// ToFull promotes an l2c_only header to have L1 fields, preserving
// identity, device linkage, and position in the device buflist (spec
// §4.2 realloc, to_full direction).
func (hdr *BufferHeader) ToFull() {
	if hdr.Flags.Has(FlagHasL1) {
		return
	}
	hdr.Flags.Set(FlagHasL1)
	hdr.State = StateAnon
}

// ToL2Only demotes a full header to l2c_only in place, freeing the L1
// payload. The caller must have already released pabd/rabd/buf_list
// (spec §4.2 realloc, to_l2only direction: "asserts the L1 payload is
// already released").
func (hdr *BufferHeader) ToL2Only() {
	if hdr.Pabd != nil || hdr.Rabd != nil || !hdr.BufList.IsEmpty() {
		panic("arc: ToL2Only: L1 payload not released")
	}
	hdr.Flags.Clear(FlagHasL1)
	hdr.refcount = TaggedRefcount{}
}

// Destroy frees a header's buffers and, if it was L2-backed, removes
// it from its device's buflist (spec §4.2 destroy). The caller must
// ensure refcnt==0, state==anon, and no I/O in progress.
func (hdr *BufferHeader) Destroy() {
	if hdr.RefCount() != 0 {
		panic("arc: destroy: refcount != 0")
	}
	if hdr.State != StateAnon {
		panic("arc: destroy: state != anon")
	}
	if hdr.Flags.Has(FlagIoInProgress) {
		panic("arc: destroy: I/O in progress")
	}
	if hdr.Flags.Has(FlagHasL2) {
		hdr.Dev.RemoveBuf(hdr)
		hdr.Flags.Clear(FlagHasL2)
	}
	hdr.Pabd = nil
	hdr.Rabd = nil
	hdr.BufList = containers.LinkedList[*Buf]{}
}

// AddRef adds a reference under tag. When the count rises from 0 the
// header is pulled off its state's multi-list (it becomes
// non-evictable while referenced); spec §4.2 add_ref.
func (hdr *BufferHeader) AddRef(ss *StateSet, tag any) int {
	before := hdr.RefCount()
	n := hdr.refcount.Add(tag)
	if before == 0 && hdr.State != StateAnon && hdr.State != StateL2OnlyOnly {
		st := ss.Get(hdr.State)
		st.Lists[hdr.Type].Remove(hdr)
		st.addEvictable(hdr.Type, -hdr.ownedSize())
	}
	return n
}

// RemoveRef releases a reference held under tag. On drop to 0 the
// header is reinserted into its state's multi-list and its size is
// added back to esize; anon headers are destroyed outright, and
// non-prefetch uncached headers move to anon then destroy (spec §4.2
// remove_ref).
func (hdr *BufferHeader) RemoveRef(ss *StateSet, tag any) int {
	n := hdr.refcount.Remove(tag)
	if n != 0 {
		return n
	}
	switch hdr.State {
	case StateAnon:
		hdr.Destroy()
	case StateUncached:
		if !hdr.Flags.Has(FlagPrefetch) {
			ss.changeState(hdr, StateAnon)
			hdr.Destroy()
		} else {
			st := ss.Get(hdr.State)
			st.Lists[hdr.Type].Insert(hdr)
			st.addEvictable(hdr.Type, hdr.ownedSize())
		}
	default:
		st := ss.Get(hdr.State)
		st.Lists[hdr.Type].Insert(hdr)
		st.addEvictable(hdr.Type, hdr.ownedSize())
	}
	return n
}
