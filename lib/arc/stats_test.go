package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsSnapshotCopiesCounters(t *testing.T) {
	t.Parallel()
	var s Stats
	s.Hits.Add(5)
	s.Misses.Add(2)
	s.MRUGhostHits.Add(1)

	sz := NewSizer(1<<20, 8<<20, 0, 0)
	snap := s.Snapshot(sz)

	require.Equal(t, int64(5), snap.Hits)
	require.Equal(t, int64(2), snap.Misses)
	require.Equal(t, int64(1), snap.MRUGhostHits)
	require.Equal(t, sz.C(), snap.Target)
}

func TestStatsJSONEncodesSnapshot(t *testing.T) {
	t.Parallel()
	var s Stats
	s.Hits.Add(3)
	sz := NewSizer(1<<20, 8<<20, 0, 0)

	out, err := s.JSON(sz)
	require.NoError(t, err)
	require.Contains(t, string(out), "Hits")
}
