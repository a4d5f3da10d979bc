package arc

import "math/bits"

// Adapter recomputes the metadata/data and MRU/MFU target fractions
// from ghost-list hit byte counts accumulated since the previous pass
// (spec §4.5). It holds no state of its own beyond the balance
// tunables; the hit counters it reads live on the mru_ghost/mfu_ghost
// States themselves.
type Adapter struct {
	MetaBalance uint32 // default 500, spec §6.4
}

func NewAdapter() *Adapter {
	return &Adapter{MetaBalance: 500}
}

// adjust implements spec §4.5's adjust(frac, total, up, down, balance):
// nudges frac upward by up and downward by down*100/balance, rescaling
// internally to avoid overflow, with hysteresis at small totals.
func adjust(frac uint32, total, up, down int64, balance uint32) uint32 {
	if total == 0 || (up == 0 && down == 0) {
		return frac
	}
	// At small totals relative to fixedPointOne, the percentage swing
	// would be noise; the source's hysteresis keeps frac unchanged.
	const minTotal = 1 << 16
	if total < minTotal {
		return frac
	}

	// scaled returns x/total as a fixed-point fraction, capped at one;
	// the 128-bit intermediate keeps x*fixedPointOne from overflowing.
	scaled := func(x int64) int64 {
		if x >= total {
			return fixedPointOne
		}
		hi, lo := bits.Mul64(uint64(x), fixedPointOne)
		q, _ := bits.Div64(hi, lo, uint64(total))
		return int64(q)
	}
	delta := int64(0)
	if up > 0 {
		delta += scaled(up)
	}
	if down > 0 && balance > 0 {
		delta -= scaled((down * 100) / int64(balance))
	}

	newFrac := int64(frac) + delta
	if newFrac < 0 {
		newFrac = 0 // saturated subtraction, per spec
	}
	if newFrac > fixedPointOne-1 {
		newFrac = fixedPointOne - 1 // largest value a uint32 fraction holds
	}
	return uint32(newFrac)
}

// Run executes one Adapter pass against the current ghost-state sizes
// held in ss, publishing new fractions to sz (spec §4.5 steps 1-4).
func (a *Adapter) Run(ss *StateSet, sz *Sizer) {
	mruGhost := ss.Get(StateMRUGhost)
	mfuGhost := ss.Get(StateMFUGhost)

	mruData := mruGhost.SnapshotGhostHits(BlockTypeData)
	mruMeta := mruGhost.SnapshotGhostHits(BlockTypeMetadata)
	mfuData := mfuGhost.SnapshotGhostHits(BlockTypeData)
	mfuMeta := mfuGhost.SnapshotGhostHits(BlockTypeMetadata)

	metadataHits := mruMeta + mfuMeta
	dataHits := mruData + mfuData

	dataGhostSize := mruGhost.Size(BlockTypeData) + mfuGhost.Size(BlockTypeData)
	metaGhostSize := mruGhost.Size(BlockTypeMetadata) + mfuGhost.Size(BlockTypeMetadata)
	totalGhostSize := dataGhostSize + metaGhostSize

	newMeta := adjust(sz.Meta(), totalGhostSize, metadataHits, dataHits, a.MetaBalance)
	newPd := adjust(sz.Pd(), dataGhostSize, mruData, mfuData, 100)
	newPm := adjust(sz.Pm(), metaGhostSize, mruMeta, mfuMeta, 100)

	sz.setFractions(newMeta, newPd, newPm)
}
