package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoanBufTracksLoanedBytes(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	stats := &Stats{}

	buf := LoanBuf(ss, stats, 1, false, 512)
	require.Len(t, buf.Data, 512)
	require.Equal(t, BlockTypeData, buf.hdr.Type)
	require.Equal(t, int64(512), stats.LoanedBytes.Load())
}

func TestLoanBufMetadataSetsType(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	stats := &Stats{}

	buf := LoanBuf(ss, stats, 1, true, 128)
	require.Equal(t, BlockTypeMetadata, buf.hdr.Type)
}

func TestReturnBufUndoesLoanBufBookkeeping(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	stats := &Stats{}

	buf := LoanBuf(ss, stats, 1, false, 256)
	ReturnBuf(stats, buf)
	require.Equal(t, int64(0), stats.LoanedBytes.Load())
}

func TestLoanInUseBufTracksExistingBuffer(t *testing.T) {
	t.Parallel()
	ss := NewStateSet(4)
	stats := &Stats{}
	buf := BufAlloc(ss, 1, BlockTypeData, 64)

	LoanInUseBuf(stats, buf)
	require.Equal(t, int64(64), stats.LoanedBytes.Load())

	ReturnBuf(stats, buf)
	require.Equal(t, int64(0), stats.LoanedBytes.Load())
}

func TestReturnBufOnNilIsNoop(t *testing.T) {
	t.Parallel()
	stats := &Stats{}
	ReturnBuf(stats, nil)
	require.Equal(t, int64(0), stats.LoanedBytes.Load())
}
