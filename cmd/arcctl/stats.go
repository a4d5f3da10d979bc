package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcfs/arc/lib/arc"
	"github.com/arcfs/arc/lib/textui"
)

func newStatsCmd() *cobra.Command {
	var sizing sizingFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the kstat-style counter block for a freshly-sized, empty cache",
		Long: `Print the kstat-style counter block (spec §6.4/§12's "scriptable
stats surface") for a cache sized per --arc-min/--arc-max. Since
arcctl has no daemon to attach to, this shows the starting state a
cache in that configuration would report; pair with "simulate
--json" to see counters after a workload has run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ac := newSession(sizing, nil, nil, nil)
			return printStats(cmd, ac, asJSON)
		},
	}
	sizing.register(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the snapshot as JSON instead of a table")
	return cmd
}

func printStats(cmd *cobra.Command, ac *arc.ArcContext, asJSON bool) error {
	if asJSON {
		data, err := ac.Stats.JSON(ac.Sizer)
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	snap := ac.Stats.Snapshot(ac.Sizer)
	rows := []struct {
		name string
		val  any
	}{
		{"target size (c)", textui.IEC(snap.Target, "B")},
		{"current size", textui.IEC(snap.Size, "B")},
		{"meta fraction", fixed32(snap.Meta)},
		{"mru data share (pd)", fixed32(snap.Pd)},
		{"mru meta share (pm)", fixed32(snap.Pm)},
		{"hits", snap.Hits},
		{"misses", snap.Misses},
		{"demand data hits", snap.DemandDataHits},
		{"demand metadata hits", snap.DemandMetadataHits},
		{"prefetch data hits", snap.PrefetchDataHits},
		{"prefetch metadata hits", snap.PrefetchMetadataHits},
		{"mru ghost hits", snap.MRUGhostHits},
		{"mfu ghost hits", snap.MFUGhostHits},
		{"evictions (bytes)", textui.IEC(snap.Evictions, "B")},
		{"mutex misses", snap.MutexMiss},
		{"hash collisions", snap.HashCollisions},
		{"hash lookups", snap.HashLookups},
		{"l2 hits", snap.L2Hits},
		{"l2 misses", snap.L2Misses},
		{"l2 feed bytes", textui.IEC(snap.L2FeedBytes, "B")},
		{"l2 rebuild entries restored", snap.L2RebuildEntriesRestored},
		{"l2 rebuild blocks read", snap.L2RebuildBlocksRead},
	}
	for _, r := range rows {
		cmd.Printf("%-28s %v\n", r.name, r.val)
	}
	return nil
}

// fixed32 renders one of Sizer's 32-bit fixed-point fractions (meta,
// pd, pm) as a percentage, matching how the source's kstat exposes
// them for human consumption.
func fixed32(v uint32) string {
	return fmt.Sprintf("%.2f%%", float64(v)/float64(1<<32)*100)
}
