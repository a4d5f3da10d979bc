package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/blockaddr"
)

// simZio is an in-memory stand-in for the block I/O pipeline spec §1
// calls external (zio_read/zio_write_phys): it backs the primary pool
// with a plain map, so `simulate` can drive ReadPath/WritePath without
// a real vdev. It never serves L2 reads — `simulate` exercises the
// Adapter's ghost-driven tuning (SPEC_FULL.md §12), not the L2
// subsystem, which `l2 rebuild`/`l2 add-device` cover separately.
type simZio struct {
	mu   sync.Mutex
	data map[arc.Identity][]byte
}

func newSimZio() *simZio { return &simZio{data: make(map[arc.Identity][]byte)} }

func (z *simZio) ReadPrimary(_ context.Context, id arc.Identity, _ uint32, _ bool, done func([]byte, error)) {
	z.mu.Lock()
	d, ok := z.data[id]
	z.mu.Unlock()
	if !ok {
		done(nil, fmt.Errorf("simulate: no such block %v", id))
		return
	}
	done(append([]byte(nil), d...), nil)
}

func (z *simZio) ReadPhys(_ context.Context, _ arc.L2DeviceHandle, _ int64, _ uint32, done func([]byte, error)) {
	done(nil, fmt.Errorf("simulate: no L2 device attached"))
}

func (z *simZio) WritePrimary(_ context.Context, id arc.Identity, data []byte, done func(error)) {
	z.mu.Lock()
	z.data[id] = append([]byte(nil), data...)
	z.mu.Unlock()
	done(nil)
}

func (z *simZio) has(id arc.Identity) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.data[id]
	return ok
}

// passthroughCodec implements arc.Codec with no compression or
// encryption, for workloads that only care about cache admission and
// eviction behavior, not the codec boundary spec §1 excludes from
// scope.
type passthroughCodec struct{}

func (passthroughCodec) Decompress(_ uint8, _ uint8, src []byte, _ uint32) ([]byte, error) {
	return src, nil
}
func (passthroughCodec) Decrypt(_, _, _, _, src []byte) ([]byte, error) { return src, nil }
func (passthroughCodec) Compress(_ uint8, _ uint8, _ []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (passthroughCodec) Encrypt(_, _, _, src []byte) ([]byte, []byte, error) { return src, nil, nil }

type workload func(ctx context.Context, ac *arc.ArcContext, zio *simZio, blocks, blockSize int64, rng *rand.Rand)

var workloads = map[string]workload{
	"sequential":  sequentialWorkload,
	"zipfian":     zipfianWorkload,
	"ghost-thrash": ghostThrashWorkload,
}

func newSimulateCmd() *cobra.Command {
	var sizing sizingFlags
	var asJSON bool
	var kind string
	var blocks int64
	var blockSize int64
	var seed int64

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the cache with a synthetic workload and report the resulting stats",
		Long: `Drive a freshly-constructed cache with one of three synthetic
workloads, purely to exercise and demonstrate the Adapter's
ghost-driven target-fraction tuning (spec §4.5, SPEC_FULL.md §12):

  sequential    a single cold pass over --blocks distinct identities,
                never repeating one — demonstrates the cache resisting
                one-shot-scan pollution.
  zipfian       repeated demand reads over a skewed popularity
                distribution, biased toward a hot working set.
  ghost-thrash  writes enough metadata to overflow the cache, forcing
                mru->mru_ghost evictions, then re-reads the evicted
                range so the Adapter's meta fraction measurably moves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wl, ok := workloads[kind]
			if !ok {
				return fmt.Errorf("arcctl: unknown --workload %q", kind)
			}
			zio := newSimZio()
			ac := newSession(sizing, passthroughCodec{}, zio, nil)

			ctx, cancel := context.WithCancel(cmd.Context())
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ac.Run(ctx)
			}()

			rng := rand.New(rand.NewSource(seed))
			wl(ctx, ac, zio, blocks, blockSize, rng)

			// Let the background evictor catch up to whatever
			// overflow the workload created before we snapshot.
			ac.WakeEvictor()
			time.Sleep(50 * time.Millisecond)
			cancel()
			wg.Wait()

			cmd.Printf("workload=%s blocks=%d blockSize=%d\n", kind, blocks, blockSize)
			return printStats(cmd, ac, asJSON)
		},
	}
	sizing.register(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the final snapshot as JSON instead of a table")
	cmd.Flags().StringVar(&kind, "workload", "sequential", "one of: sequential, zipfian, ghost-thrash")
	cmd.Flags().Int64Var(&blocks, "blocks", 4096, "number of distinct identities the workload touches")
	cmd.Flags().Int64Var(&blockSize, "block-size", 4096, "synthetic block size, in bytes")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed for workloads with a random component")
	return cmd
}

func synthIdentity(guid uint64, n int64) arc.Identity {
	return arc.Identity{
		Guid:  blockaddr.GUID(guid),
		DVA:   blockaddr.DVA{Vdev: 0, Offset: blockaddr.DeviceOffset(n * 4096)},
		Birth: blockaddr.Txg(n),
	}
}

func writeBlock(ctx context.Context, ac *arc.ArcContext, id arc.Identity, typ arc.BlockType, size int64) {
	buf := arc.BufAlloc(ac.States, uint64(id.Guid), typ, int(size))
	done := make(chan struct{})
	_ = ac.Write.Write(ctx, buf, arc.WriteProps{Identity: id, Type: typ}, false, false, nil, func(error) { close(done) })
	<-done
	// Drop the loaned buffer's reference once the write has landed, the
	// way a real consumer calls arc_buf_destroy when it's done with the
	// data — otherwise the header stays pinned and never becomes
	// evictable, which would defeat every workload below.
	arc.BufRelease(ac.States, buf)
}

func readBlock(ctx context.Context, ac *arc.ArcContext, id arc.Identity, size int64, flags arc.ReadFlags) {
	done := make(chan struct{})
	ac.Read.Read(ctx, id, uint32(size), uint32(size), arc.BlockTypeData, arc.PrioSyncRead, flags, false, func(arc.ReadResult) {
		close(done)
	})
	<-done
}

func sequentialWorkload(ctx context.Context, ac *arc.ArcContext, _ *simZio, blocks, blockSize int64, _ *rand.Rand) {
	for i := int64(0); i < blocks; i++ {
		id := synthIdentity(1, i)
		writeBlock(ctx, ac, id, arc.BlockTypeData, blockSize)
		readBlock(ctx, ac, id, blockSize, 0)
	}
}

func zipfianWorkload(ctx context.Context, ac *arc.ArcContext, zio *simZio, blocks, blockSize int64, rng *rand.Rand) {
	if blocks < 1 {
		return
	}
	z := rand.NewZipf(rng, 1.5, 1, uint64(blocks-1))
	for i := int64(0); i < blocks; i++ {
		id := synthIdentity(1, i)
		writeBlock(ctx, ac, id, arc.BlockTypeData, blockSize)
	}
	iterations := blocks * 8
	for i := int64(0); i < iterations; i++ {
		n := int64(z.Uint64())
		id := synthIdentity(1, n)
		if !zio.has(id) {
			continue
		}
		readBlock(ctx, ac, id, blockSize, 0)
	}
}

func ghostThrashWorkload(ctx context.Context, ac *arc.ArcContext, _ *simZio, blocks, blockSize int64, _ *rand.Rand) {
	for i := int64(0); i < blocks; i++ {
		id := synthIdentity(1, i)
		writeBlock(ctx, ac, id, arc.BlockTypeMetadata, blockSize)
	}
	ac.WakeEvictor()
	time.Sleep(100 * time.Millisecond)
	for i := int64(0); i < blocks; i++ {
		id := synthIdentity(1, i)
		readBlock(ctx, ac, id, blockSize, 0)
	}
}
