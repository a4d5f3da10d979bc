package arc

import (
	"context"
)

// WriteProps bundles the identity and encoding parameters a write
// commits, standing in for the source's block-pointer-out parameters
// (spec §4.9 write's `bp_out`, `props`).
type WriteProps struct {
	Identity
	Compress  uint8
	Complevel uint8
	Type      BlockType
	Protected bool
	Key       []byte
}

// WritePath implements spec §4.9.
type WritePath struct {
	Hash   *HashTable
	States *StateSet
	Sizer  *Sizer
	Codec  Codec
	Zio    Zio
}

// Write implements spec §4.9's write(pio, bp_out, buf, uncached, l2,
// props, ready_cb, children_cb, done_cb). l2 sets FlagL2Cache on the
// resulting header, matching the source's "cache in L2ARC" write flag.
func (wp *WritePath) Write(ctx context.Context, buf *Buf, props WriteProps, uncached, l2 bool, readyCB func(), doneCB func(err error)) error {
	hdr := buf.hdr
	if hdr == nil || !hdr.Flags.Has(FlagHasL1) {
		return newErr(ErrIO, props.Identity, nil)
	}
	if hdr.RefCount() != 1 || hdr.Flags.Has(FlagIoInProgress) || hdr.Flags.Has(FlagIoError) || len(hdr.AcbList) != 0 {
		return newErr(ErrIO, props.Identity, nil)
	}

	if buf.SharedWithHdr {
		wp.unshare(hdr, buf)
	}

	encoded := buf.Data
	if wp.Codec != nil && props.Compress != 0 {
		if c, ok, err := wp.Codec.Compress(props.Compress, props.Complevel, buf.Data); err == nil && ok {
			encoded = c
		} else if err != nil {
			return newErr(ErrIO, props.Identity, err)
		}
	}
	var mac []byte
	if props.Protected {
		if wp.Codec == nil {
			return newErr(ErrKeyUnavailable, props.Identity, nil)
		}
		enc, m, err := wp.Codec.Encrypt(props.Key, nil, nil, encoded)
		if err != nil {
			return newErr(ErrAuthentication, props.Identity, err)
		}
		encoded, mac = enc, m
		hdr.Rabd = encoded
		hdr.Flags.Set(FlagProtected)
	} else {
		hdr.Pabd = wp.allocOrShare(hdr, buf, encoded, uncached)
	}
	_ = mac

	hdr.Compress = props.Compress
	hdr.Complevel = props.Complevel
	hdr.Type = props.Type
	hdr.Lsize = uint32(len(buf.Data))
	hdr.Psize = uint32(len(encoded))
	if l2 {
		hdr.Flags.Set(FlagL2Cache)
	}
	if uncached {
		hdr.Flags.Set(FlagUncached)
	}

	if readyCB != nil {
		readyCB()
	}

	hdr.Flags.Set(FlagIoInProgress)
	hdr.AddRef(wp.States, ioTag)

	complete := func(err error) {
		wp.writeDone(ctx, hdr, props, err)
		if doneCB != nil {
			doneCB(err)
		}
	}
	if wp.Zio != nil {
		wp.Zio.WritePrimary(ctx, props.Identity, encoded, complete)
	} else {
		complete(nil)
	}
	return nil
}

// unshare implements spec §4.9 step 2: when buf aliases hdr.Pabd,
// give the buffer exclusive ownership so a concurrent L2 write cannot
// observe a mutation mid-flight.
func (wp *WritePath) unshare(hdr *BufferHeader, buf *Buf) {
	owned := append([]byte(nil), hdr.Pabd...)
	buf.Data = owned
	buf.SharedWithHdr = false
	removeBufEntry(hdr, buf)
	hdr.Pabd = nil
	hdr.Flags.Clear(FlagSharedData)
}

// removeBufEntry unlinks buf's entry from hdr.BufList, if present.
// bufListEntry doesn't keep a back-pointer from buf to its entry, so
// this walks the list the same way ownedSize does.
func removeBufEntry(hdr *BufferHeader, buf *Buf) {
	for e := hdr.BufList.Oldest; e != nil; e = e.Newer {
		if e.Value == buf {
			hdr.BufList.Delete(e)
			return
		}
	}
}

// Release implements spec §6.3's arc_release(buf, tag): detaches buf
// from whatever cache state its header currently occupies so the
// caller may safely overwrite its data and hand it to Write — spec
// §3.2's "any L1→anon (arc_release: about to be overwritten)"
// transition.
//
// If buf aliases its header's shared data plane it is first given a
// private copy (spec §9: "arc_release converts SharedWithHdr back to
// Owned by reallocating"). If other consumer buffers still share the
// header, buf is detached onto a fresh, private anon header so those
// readers are unaffected; otherwise the existing header is reused in
// place: unhashed, cleared of its identity, and moved to anon. Either
// way the returned buf ends up referenced exactly once, under tag,
// satisfying the same precondition Write checks on a BufAlloc'd buf.
func (wp *WritePath) Release(buf *Buf, tag any) {
	hdr := buf.hdr
	if hdr == nil {
		return
	}
	if buf.SharedWithHdr {
		wp.unshare(hdr, buf)
	}

	if !hdr.BufList.IsEmpty() {
		newHdr := AllocFull(hdr.SpaID, 0, uint32(len(buf.Data)), hdr.Type, hdr.Flags.Has(FlagProtected), 0, 0)
		buf.hdr = newHdr
		newHdr.AddRef(wp.States, tag)
		return
	}

	if hdr.Flags.Has(FlagInHash) {
		unlock := wp.Hash.LockBucket(hdr.Identity)
		wp.Hash.Remove(hdr)
		unlock()
	}
	wp.States.changeState(hdr, StateAnon)
	hdr.Identity = Identity{}
	hdr.AddRef(wp.States, tag)
}

// Freed implements spec §6.3's arc_freed(spa, bp): notifies the cache
// that the block identified by id has just been freed on disk. A
// header with no write in flight is evicted immediately if nothing
// still references it; one with FlagIoInProgress set is marked
// FlagFreedOnWrite instead, so writeDone discards the finished write
// rather than caching data for a block that no longer exists.
func (wp *WritePath) Freed(id Identity) {
	hdr, unlock := wp.Hash.Find(id)
	if hdr == nil {
		return
	}
	defer unlock()

	if hdr.Flags.Has(FlagIoInProgress) {
		hdr.Flags.Set(FlagFreedOnWrite)
		return
	}
	if hdr.RefCount() != 0 {
		return
	}
	wp.Hash.Remove(hdr)
	if hdr.State != StateAnon {
		wp.States.changeState(hdr, StateAnon)
	}
	hdr.Destroy()
}

// allocOrShare decides, per spec §4.9 step 3, whether the header's
// pabd can simply alias the newly-encoded bytes (sharing) or must own
// a private copy, following the same predicates ReadPath.canShare
// uses for the read direction.
func (wp *WritePath) allocOrShare(hdr *BufferHeader, buf *Buf, encoded []byte, uncached bool) []byte {
	canShare := !uncached && hdr.Compress == 0 && !hdr.Flags.Has(FlagProtected)
	if canShare && len(encoded) == len(buf.Data) {
		hdr.Flags.Set(FlagSharedData)
		buf.SharedWithHdr = true
		return encoded
	}
	return append([]byte(nil), encoded...)
}

// writeDone implements spec §4.9 step 4: on success, assigns the
// block's identity to the header and inserts it into the hash table,
// replacing any anonymous collider.
func (wp *WritePath) writeDone(ctx context.Context, hdr *BufferHeader, props WriteProps, ioErr error) {
	unlock := wp.Hash.LockBucket(props.Identity)
	defer unlock()

	hdr.Flags.Clear(FlagIoInProgress)

	if hdr.Flags.Has(FlagFreedOnWrite) {
		hdr.Flags.Clear(FlagFreedOnWrite)
		if hdr.Flags.Has(FlagInHash) {
			wp.Hash.Remove(hdr)
		}
		if hdr.State != StateAnon {
			wp.States.changeState(hdr, StateAnon)
		}
		hdr.RemoveRef(wp.States, ioTag)
		return
	}

	hdr.RemoveRef(wp.States, ioTag)

	if ioErr != nil {
		hdr.Flags.Set(FlagIoError)
		if hdr.State != StateAnon {
			wp.States.changeState(hdr, StateAnon)
		}
		return
	}

	hdr.Identity = props.Identity
	existing := wp.Hash.InsertLocked(hdr)
	if existing != nil {
		if existing.RefCount() != 0 {
			panic("arc: write_done: hash collision on a referenced header")
		}
		wp.Hash.Remove(existing)
		existing.Destroy()
		wp.Hash.InsertLocked(hdr)
	}

	if hdr.State == StateAnon {
		rp := &ReadPath{Hash: wp.Hash, States: wp.States, Sizer: wp.Sizer}
		rp.access(hdr, 0, false)
	}
}
