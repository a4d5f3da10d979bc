package main

import (
	"runtime"

	"github.com/spf13/pflag"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/arc/tunables"
)

// sizingFlags bundles the handful of tunables that are most useful to
// override per-invocation (cache bounds); every other tunable is
// reachable through `arcctl tunable set`, but these two are common
// enough to deserve their own flags on `simulate`.
type sizingFlags struct {
	ArcMin int64
	ArcMax int64
}

func (f *sizingFlags) register(flags *pflag.FlagSet) {
	flags.Int64Var(&f.ArcMin, "arc-min", 32<<20, "minimum cache target size, in bytes (c_min)")
	flags.Int64Var(&f.ArcMax, "arc-max", 256<<20, "maximum cache target size, in bytes (c_max)")
}

// newSession builds a fresh ArcContext the way a real caller would:
// one tunable registry, sized from f, with a no-op MemoryMonitor
// (arcctl has no platform memory-pressure signal of its own to feed
// in) and whatever Codec/Zio the caller supplies.
func newSession(f sizingFlags, codec arc.Codec, zio arc.Zio, keys arc.KeyStore) *arc.ArcContext {
	reg := tunables.Defaults()
	_ = reg.Set("arc_min", f.ArcMin)
	_ = reg.Set("arc_max", f.ArcMax)

	return arc.NewArcContext(arc.Config{
		Tunables:    reg,
		Codec:       codec,
		Zio:         zio,
		Keys:        keys,
		Mon:         noopMonitor{},
		NumCPU:      runtime.NumCPU(),
		HashBuckets: 1024,
	})
}

type noopMonitor struct{}

func (noopMonitor) AvailableMemory() int64 { return 1 << 30 }
