package main

import (
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/arcfs/arc/lib/arc/l2arc"
	"github.com/arcfs/arc/lib/arc/tunables"
	"github.com/arcfs/arc/lib/blockaddr"
	"github.com/arcfs/arc/lib/diskio"
)

func newL2Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "l2 {[flags]|SUBCOMMAND}",
		Short: "Manage an L2ARC cache device (spec §4.10/§4.11)",
		Args:  cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE:  cliutil.RunSubcommands,
	}
	cmd.AddCommand(newL2AddDeviceCmd())
	cmd.AddCommand(newL2RemoveDeviceCmd())
	cmd.AddCommand(newL2RebuildCmd())
	return cmd
}

func openBacking(path string, create bool, sizeBytes int64) (diskio.File[blockaddr.DeviceOffset], error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	if create {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &diskio.OSFile[blockaddr.DeviceOffset]{File: f}, nil
}

func newL2AddDeviceCmd() *cobra.Command {
	var path string
	var sizeBytes int64
	var ashift int
	var spaGUID, vdevGUID uint64
	var logEntries int64

	cmd := &cobra.Command{
		Use:   "add-device",
		Short: "Initialize a new L2ARC cache device backing file (spec §6.1, §4.2's device header)",
		Long: `Create --path as a fresh backing file of --size bytes, write an
initial device header to it (spec §6.1), and register it with a
feeder's round robin. This is the l2arc_add_vdev operation (spec
§6.3) for a plain-file-backed cache device; a real caller would
attach an actual block device here instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				return fmt.Errorf("arcctl: --path is required")
			}
			backing, err := openBacking(path, true, sizeBytes)
			if err != nil {
				return fmt.Errorf("arcctl: create %s: %w", path, err)
			}
			defer backing.Close()

			dev := l2arc.NewDevice(path, blockaddr.GUID(spaGUID), blockaddr.GUID(vdevGUID), backing, uint8(ashift), uint64(logEntries))
			if err := dev.PersistHeader(); err != nil {
				return fmt.Errorf("arcctl: persist header for %s: %w", path, err)
			}

			reg := tunables.Defaults()
			sizing := sizingFlags{ArcMin: tunables.Get[int64](reg, "arc_min"), ArcMax: 64 << 20}
			ac := newSession(sizing, nil, nil, nil)
			feeder := l2arc.NewFeeder(ac.States, ac.Hash, ac.Stats, spaGUID)
			feeder.AddDevice(dev)

			start, end := dev.Range()
			cmd.Printf("device=%s spa_guid=%#016x vdev_guid=%#016x\n", path, spaGUID, vdevGUID)
			cmd.Printf("range=[%v, %v) ashift=%d log_entries=%d\n", start, end, ashift, logEntries)
			cmd.Printf("feeder_devices=%d\n", len(feeder.Devices()))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "backing file to create (must not already exist)")
	cmd.Flags().Int64Var(&sizeBytes, "size", 64<<20, "total backing file size, in bytes")
	cmd.Flags().IntVar(&ashift, "ashift", 12, "log2 of the device's sector size")
	cmd.Flags().Uint64Var(&spaGUID, "spa-guid", 1, "pool load GUID this device belongs to")
	cmd.Flags().Uint64Var(&vdevGUID, "vdev-guid", 1, "this device's own vdev GUID")
	cmd.Flags().Int64Var(&logEntries, "log-entries", int64(l2arc.LogBlkMaxEntries), "log block entry count (spec §6.2's LOG_BLK_MAX_ENTRIES cap applies)")
	_ = cmd.MarkFlagFilename("path")
	return cmd
}

func newL2RemoveDeviceCmd() *cobra.Command {
	var path string
	var ashift int
	var spaGUID, vdevGUID uint64

	cmd := &cobra.Command{
		Use:   "remove-device",
		Short: "Detach an L2ARC cache device and evict its entries (spec §6.3's l2arc_remove_vdev)",
		Long: `Attach --path, register it with a feeder, then remove it: every
header still backed by the device is evicted and the device is marked
removed so no later feeder pass can select it again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				return fmt.Errorf("arcctl: --path is required")
			}
			backing, err := openBacking(path, false, 0)
			if err != nil {
				return fmt.Errorf("arcctl: open %s: %w", path, err)
			}
			defer backing.Close()

			dev, err := l2arc.AttachDevice(path, blockaddr.GUID(spaGUID), blockaddr.GUID(vdevGUID), backing, uint8(ashift))
			if err != nil {
				return fmt.Errorf("arcctl: attach %s: %w", path, err)
			}

			reg := tunables.Defaults()
			sizing := sizingFlags{ArcMin: tunables.Get[int64](reg, "arc_min"), ArcMax: 64 << 20}
			ac := newSession(sizing, nil, nil, nil)
			feeder := l2arc.NewFeeder(ac.States, ac.Hash, ac.Stats, spaGUID)
			feeder.AddDevice(dev)

			feeder.RemoveDevice(cmd.Context(), dev)

			cmd.Printf("device=%s health=%s evicted_entries=%d feeder_devices=%d\n",
				path, dev.Health(), dev.Stats.EvictedEntries, len(feeder.Devices()))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "backing file previously created with add-device")
	cmd.Flags().IntVar(&ashift, "ashift", 12, "log2 of the device's sector size (must match add-device)")
	cmd.Flags().Uint64Var(&spaGUID, "spa-guid", 1, "pool load GUID this device belongs to")
	cmd.Flags().Uint64Var(&vdevGUID, "vdev-guid", 1, "this device's own vdev GUID")
	_ = cmd.MarkFlagFilename("path")
	return cmd
}

func newL2RebuildCmd() *cobra.Command {
	var path string
	var ashift int
	var spaGUID, vdevGUID uint64
	var metaPercent int64
	var asJSON bool
	var reopen bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Attach an existing device and walk its log-block chain (spec §4.11)",
		Long: `Attach --path (an existing device previously initialized with
"l2 add-device" and fed with a real process's L2Feeder), register it
with a feeder, validate its on-device header, and walk
dh_start_lbps[] to reconstruct l2c_only headers into a fresh,
otherwise-empty ArcContext. This is l2arc_rebuild_vdev (spec §6.3)
driven standalone for inspection; --reopen re-reads the on-disk
header before the walk, as a long-running caller would after
reattaching a device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				return fmt.Errorf("arcctl: --path is required")
			}
			backing, err := openBacking(path, false, 0)
			if err != nil {
				return fmt.Errorf("arcctl: open %s: %w", path, err)
			}
			defer backing.Close()

			dev, err := l2arc.AttachDevice(path, blockaddr.GUID(spaGUID), blockaddr.GUID(vdevGUID), backing, uint8(ashift))
			if err != nil {
				return fmt.Errorf("arcctl: attach %s: %w", path, err)
			}

			reg := tunables.Defaults()
			sizing := sizingFlags{ArcMin: tunables.Get[int64](reg, "arc_min"), ArcMax: 64 << 20}
			ac := newSession(sizing, nil, nil, nil)
			feeder := l2arc.NewFeeder(ac.States, ac.Hash, ac.Stats, spaGUID)
			feeder.AddDevice(dev)

			rebuilder := l2arc.NewRebuilder(ac.Hash, ac.States, ac.Sizer, ac.Stats, spaGUID, metaPercent)

			ctx := cmd.Context()
			dlog.Infof(ctx, "l2arc: rebuilding %s", path)
			if err := rebuilder.Rebuild(ctx, dev, reopen); err != nil {
				return fmt.Errorf("arcctl: rebuild %s: %w", path, err)
			}

			cmd.Printf("device=%s restored_entries=%d blocks_read=%d\n",
				path, ac.Stats.L2RebuildEntriesRestored.Load(), ac.Stats.L2RebuildBlocksRead.Load())
			return printStats(cmd, ac, asJSON)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "backing file previously created with add-device")
	cmd.Flags().IntVar(&ashift, "ashift", 12, "log2 of the device's sector size (must match add-device)")
	cmd.Flags().Uint64Var(&spaGUID, "spa-guid", 1, "pool load GUID this device belongs to")
	cmd.Flags().Uint64Var(&vdevGUID, "vdev-guid", 1, "this device's own vdev GUID")
	cmd.Flags().Int64Var(&metaPercent, "meta-percent", 33, "l2arc_meta_percent: cap on restored header memory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the post-rebuild snapshot as JSON instead of a table")
	cmd.Flags().BoolVar(&reopen, "reopen", false, "re-read the on-disk device header before walking the log chain")
	_ = cmd.MarkFlagFilename("path")
	return cmd
}
