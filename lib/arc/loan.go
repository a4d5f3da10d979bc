package arc

// LoanBuf implements spec §6.3's arc_loan_buf(spa, is_metadata, size):
// hands the caller a privately-owned buffer exactly like BufAlloc,
// additionally tracking the bytes as loaned in stats until the
// caller calls ReturnBuf. Handing the buffer to Write does not change
// the loaned count.
func LoanBuf(ss *StateSet, stats *Stats, spaID uint64, isMetadata bool, size int) *Buf {
	typ := BlockTypeData
	if isMetadata {
		typ = BlockTypeMetadata
	}
	buf := BufAlloc(ss, spaID, typ, size)
	stats.LoanedBytes.Add(int64(size))
	return buf
}

// ReturnBuf implements spec §6.3's arc_return_buf(buf, tag): the
// caller is done holding buf on loan. This only reverses LoanBuf's
// stats bookkeeping; the buffer's own reference is released
// separately, either via BufRelease or by handing buf to Write.
func ReturnBuf(stats *Stats, buf *Buf) {
	if buf == nil {
		return
	}
	stats.LoanedBytes.Add(-int64(len(buf.Data)))
}

// LoanInUseBuf implements spec §6.3's arc_loan_inuse_buf(buf, tag):
// marks a buffer the caller already holds — typically one returned by
// a read — as loaned, without allocating anything new, so the kstat
// accounts for it the same way as a buffer obtained through LoanBuf.
func LoanInUseBuf(stats *Stats, buf *Buf) {
	if buf == nil {
		return
	}
	stats.LoanedBytes.Add(int64(len(buf.Data)))
}
