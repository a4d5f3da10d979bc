package arc

import (
	"context"
	"time"
)

// Codec is the external collaborator spec §1 calls out for
// compression/encryption: "called through compress(alg, src, dst, …)
// / decrypt(key, salt, iv, mac, …)". Only the decode direction is
// needed on the read path; WritePath calls the encode direction.
type Codec interface {
	Decompress(alg uint8, complevel uint8, src []byte, lsize uint32) ([]byte, error)
	Decrypt(key, salt, iv, mac, src []byte) ([]byte, error)
	Compress(alg uint8, complevel uint8, src []byte) (dst []byte, ok bool, err error)
	Encrypt(key, salt, iv, src []byte) (dst, mac []byte, err error)
}

// Zio is the external block I/O pipeline collaborator (spec §1:
// "zio_read, zio_write_phys"). ReadPath/WritePath issue physical I/O
// through it and get the result back via a completion callback so
// that a real implementation can run the I/O asynchronously.
type Zio interface {
	ReadPrimary(ctx context.Context, id Identity, psize uint32, raw bool, done func(data []byte, err error))
	ReadPhys(ctx context.Context, dev L2DeviceHandle, daddr int64, psize uint32, done func(data []byte, err error))
	WritePrimary(ctx context.Context, id Identity, data []byte, done func(err error))
}

// KeyStore is consulted when a read requests decrypted data for a
// Protected header; spec §7's KeyUnavailable error comes from here.
type KeyStore interface {
	Key(guid uint64) (key []byte, ok bool)
}

// ReadPath implements spec §4.8.
type ReadPath struct {
	Hash   *HashTable
	States *StateSet
	Sizer  *Sizer
	Evict  *EvictionEngine
	Codec  Codec
	Zio    Zio
	Keys   KeyStore

	MinTime time.Duration // ARC_MINTIME, the mru->mfu promotion floor
}

// ReadResult is what Read's done callback receives (spec §4.8 read's
// `done_cb`).
type ReadResult struct {
	Buf *Buf
	Err error
}

// readTag is the refcount tag contributed by in-flight I/O (spec §5:
// "In-flight I/O contributes one tag (hdr)").
type readTag struct{}

var ioTag = &readTag{}

// Read implements spec §4.8's read(bp, done_cb, priority, flags,
// bookmark). id is the identity extracted from the block pointer by
// the caller (bp parsing is outside this library's scope).
func (rp *ReadPath) Read(ctx context.Context, id Identity, psize, lsize uint32, typ BlockType, priority Priority, flags ReadFlags, protected bool, done func(ReadResult)) {
	hdr, unlock := rp.Hash.Find(id)

	if hdr != nil && rp.hasData(hdr, flags) {
		rp.handleHit(ctx, hdr, unlock, flags, done)
		return
	}

	if hdr == nil {
		hdr = AllocFull(0, psize, lsize, typ, protected, 0, 0)
		hdr.Identity = id
		existing, ins := rp.Hash.Insert(hdr)
		if existing != nil {
			hdr = existing
			unlock = ins
			if rp.hasData(hdr, flags) {
				rp.handleHit(ctx, hdr, unlock, flags, done)
				return
			}
		} else {
			unlock = ins
		}
	} else if !hdr.Flags.Has(FlagHasL1) {
		hdr.ToFull()
	}

	hdr.Flags.Set(FlagIoInProgress)
	hdr.AddRef(rp.States, ioTag)
	rp.access(hdr, flags, false)
	unlock()

	rp.issueRead(ctx, hdr, psize, flags, done)
}

func (rp *ReadPath) hasData(hdr *BufferHeader, flags ReadFlags) bool {
	if flags.Has(ReadFlagRaw) {
		return hdr.Rabd != nil
	}
	return hdr.Pabd != nil
}

func (rp *ReadPath) handleHit(ctx context.Context, hdr *BufferHeader, unlock func(), flags ReadFlags, done func(ReadResult)) {
	defer unlock()

	if hdr.Flags.Has(FlagIoInProgress) {
		acb := &AcbRecord{Priority: priorityOf(flags), Wait: make(chan struct{})}
		acb.Done = func(buf *Buf, err error) {
			done(ReadResult{Buf: buf, Err: err})
			close(acb.Wait)
		}
		hdr.AcbList = append(hdr.AcbList, acb)
		if flags.Has(ReadFlagWait) {
			wait := acb.Wait
			go func() {
				<-wait
			}()
		}
		return
	}

	rp.access(hdr, flags, true)
	buf, err := rp.fill(hdr, flags)
	done(ReadResult{Buf: buf, Err: err})
}

func priorityOf(flags ReadFlags) Priority {
	if flags.Has(ReadFlagWait) {
		return PrioSyncRead
	}
	return PrioAsyncRead
}

// fill builds a consumer Buf from a header's pabd/rabd, decompressing
// and decrypting as needed (spec §4.8 step 4c).
func (rp *ReadPath) fill(hdr *BufferHeader, flags ReadFlags) (*Buf, error) {
	if hdr.Flags.Has(FlagProtected) && !flags.Has(ReadFlagRaw) {
		if rp.Keys == nil {
			return nil, newErr(ErrKeyUnavailable, hdr.Identity, nil)
		}
		key, ok := rp.Keys.Key(hdr.SpaID)
		if !ok {
			return nil, newErr(ErrKeyUnavailable, hdr.Identity, nil)
		}
		plain, err := rp.Codec.Decrypt(key, nil, nil, nil, hdr.Rabd)
		if err != nil {
			return nil, newErr(ErrAuthentication, hdr.Identity, err)
		}
		return &Buf{Data: plain, hdr: hdr}, nil
	}

	src := hdr.Pabd
	if flags.Has(ReadFlagRaw) {
		return &Buf{Data: append([]byte(nil), hdr.Rabd...), hdr: hdr}, nil
	}
	if rp.canShare(hdr) {
		buf := &Buf{Data: src, SharedWithHdr: true, hdr: hdr}
		hdr.Flags.Set(FlagSharedData)
		hdr.BufList.Store(&bufListEntry{Value: buf})
		return buf, nil
	}
	if hdr.Compress == 0 || rp.Codec == nil {
		return &Buf{Data: append([]byte(nil), src...), hdr: hdr}, nil
	}
	data, err := rp.Codec.Decompress(hdr.Compress, hdr.Complevel, src, hdr.Lsize)
	if err != nil {
		return nil, newErr(ErrChecksum, hdr.Identity, err)
	}
	return &Buf{Data: data, hdr: hdr}, nil
}

// canShare reports whether a consumer buffer may alias pabd directly
// (spec §3.2 invariant: uncompressed, unencrypted, not byte-swapped,
// not currently being written to L2).
func (rp *ReadPath) canShare(hdr *BufferHeader) bool {
	return hdr.Compress == 0 && !hdr.Byteswap && !hdr.Flags.Has(FlagProtected) &&
		!hdr.Flags.Has(FlagL2Writing) && !hdr.Flags.Has(FlagSharedData)
}

func (rp *ReadPath) issueRead(ctx context.Context, hdr *BufferHeader, psize uint32, flags ReadFlags, done func(ReadResult)) {
	complete := func(data []byte, err error) {
		unlock := rp.Hash.LockBucket(hdr.Identity)
		defer unlock()

		hdr.Flags.Clear(FlagIoInProgress)
		if err != nil {
			hdr.Flags.Set(FlagIoError)
			rp.States.changeState(hdr, StateAnon)
			if hdr.Flags.Has(FlagInHash) {
				rp.Hash.Remove(hdr)
			}
			hdr.RemoveRef(rp.States, ioTag)
			rp.fireCallbacks(hdr, nil, err, done)
			return
		}
		if flags.Has(ReadFlagRaw) {
			hdr.Rabd = data
		} else {
			hdr.Pabd = data
		}
		hdr.RemoveRef(rp.States, ioTag)

		buf, ferr := rp.fill(hdr, flags)
		rp.fireCallbacks(hdr, buf, ferr, done)
	}

	if hdr.Flags.Has(FlagHasL2) && rp.canReadL2(hdr) && rp.Zio != nil {
		hdr.Flags.Set(FlagL2Reading)
		rp.Zio.ReadPhys(ctx, hdr.Dev, hdr.Daddr, psize, func(data []byte, err error) {
			hdr.Flags.Clear(FlagL2Reading)
			if err != nil && rp.Zio != nil {
				// L2 read failed: fall back to the primary pool.
				rp.Zio.ReadPrimary(ctx, hdr.Identity, psize, flags.Has(ReadFlagRaw), complete)
				return
			}
			complete(data, err)
		})
		return
	}
	if rp.Zio != nil {
		rp.Zio.ReadPrimary(ctx, hdr.Identity, psize, flags.Has(ReadFlagRaw), complete)
		return
	}
	complete(nil, newErr(ErrIO, hdr.Identity, nil))
}

func (rp *ReadPath) canReadL2(hdr *BufferHeader) bool {
	return !hdr.Flags.Has(FlagL2Writing) && !hdr.Flags.Has(FlagL2Evicted)
}

func (rp *ReadPath) fireCallbacks(hdr *BufferHeader, buf *Buf, err error, primary func(ReadResult)) {
	primary(ReadResult{Buf: buf, Err: err})
	acbs := hdr.AcbList
	hdr.AcbList = nil
	for _, acb := range acbs {
		acb.Done(buf, err)
	}
}

// access implements spec §4.8's access(hdr, flags, hit) state table.
// Caller must hold the bucket lock.
func (rp *ReadPath) access(hdr *BufferHeader, flags ReadFlags, hit bool) {
	now := time.Now()
	prevState := hdr.State

	if flags.Has(ReadFlagPrefetch) {
		hdr.Flags.Set(FlagPrefetch)
	}
	if flags.Has(ReadFlagPrescientPrefetch) {
		hdr.Flags.Set(FlagPrescientPrefetch)
	}

	switch prevState {
	case StateAnon:
		if flags.Has(ReadFlagCachedOnly) {
			rp.States.changeState(hdr, StateUncached)
		} else {
			rp.States.changeState(hdr, StateMRU)
		}
	case StateMRU:
		if hdr.Flags.Has(FlagIoInProgress) {
			// just refresh access_time below
		} else if hdr.Flags.Has(FlagPrefetch) {
			// previous was prefetch: no promotion
		} else if now.Sub(hdr.AccessTime) >= rp.minTime() {
			rp.States.changeState(hdr, StateMFU)
		}
	case StateMRUGhost:
		dst := StateMFU
		if flags.Has(ReadFlagPrefetch) {
			dst = StateMRU
		}
		rp.recordGhostHit(hdr)
		rp.States.changeState(hdr, dst)
	case StateMFU:
		// refresh access_time only
	case StateMFUGhost:
		rp.recordGhostHit(hdr)
		rp.States.changeState(hdr, StateMFU)
	case StateL2OnlyOnly:
		hdr.ToFull()
		rp.States.changeState(hdr, StateMRU)
	case StateUncached:
		// no promotion
	}
	hdr.AccessTime = now
}

func (rp *ReadPath) minTime() time.Duration {
	if rp.MinTime == 0 {
		return 5 * time.Second // ARC_MINTIME default used by the source
	}
	return rp.MinTime
}

func (rp *ReadPath) recordGhostHit(hdr *BufferHeader) {
	st := rp.States.Get(hdr.State)
	st.RecordGhostHit(hdr.Type, int64(hdr.Lsize))
}
