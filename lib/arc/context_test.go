package arc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcfs/arc/lib/arc/tunables"
)

func TestNewArcContextWiresComponents(t *testing.T) {
	t.Parallel()
	ac := NewArcContext(Config{
		NumCPU:      2,
		HashBuckets: 64,
	})

	require.NotNil(t, ac.Hash)
	require.NotNil(t, ac.States)
	require.NotNil(t, ac.Sizer)
	require.NotNil(t, ac.Adapter)
	require.NotNil(t, ac.Evict)
	require.NotNil(t, ac.Read)
	require.NotNil(t, ac.Write)
	require.NotNil(t, ac.Stats)
	require.Equal(t, tunables.Get[int64](ac.Tunables, "arc_min"), ac.Sizer.CMin)
}

func TestArcContextCustomTunablesOverrideDefaults(t *testing.T) {
	t.Parallel()
	reg := tunables.Defaults()
	require.NoError(t, reg.Set("arc_min", int64(1<<10)))
	require.NoError(t, reg.Set("arc_max", int64(1<<20)))

	ac := NewArcContext(Config{Tunables: reg, NumCPU: 1, HashBuckets: 16})
	require.Equal(t, int64(1<<10), ac.Sizer.CMin)
	require.Equal(t, int64(1<<20), ac.Sizer.CMax)
}

func TestArcContextRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ac := NewArcContext(Config{NumCPU: 1, HashBuckets: 16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ac.Run(ctx) }()

	ac.WakeEvictor()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
