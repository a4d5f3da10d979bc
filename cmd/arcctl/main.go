// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command arcctl drives and inspects the ARC/L2ARC library (lib/arc,
// lib/arc/l2arc) from the command line: it has no persistent daemon
// and no on-disk config of its own, since this module's caller (a
// real copy-on-write filesystem) owns the pool/property/kstat
// plumbing spec.md §1 names as an external collaborator. Every
// subcommand here builds a fresh, in-process ArcContext, drives it,
// and reports what happened.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/arcfs/arc/lib/profile"
	"github.com/arcfs/arc/lib/textui"
)

func main() {
	verbosity := textui.LogLevelFlag{Level: dlog.LogLevelInfo}

	argparser := &cobra.Command{
		Use:   "arcctl {[flags]|SUBCOMMAND}",
		Short: "Drive and inspect the ARC/L2ARC block cache",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() handles this after ExecuteContext returns
		SilenceUsage:  true, // our FlagErrorFunc handles it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&verbosity, "verbosity", "set the log verbosity")

	stopProfile := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")

	argparser.AddCommand(newStatsCmd())
	argparser.AddCommand(newTunableCmd())
	argparser.AddCommand(newSimulateCmd())
	argparser.AddCommand(newL2Cmd())

	argparser.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		logger := textui.NewLogger(os.Stderr, verbosity.Level)
		ctx := dlog.WithLogger(cmd.Context(), logger)
		cmd.SetContext(ctx)
		return nil
	}

	// Every RunE below is wrapped in a dgroup the same way the
	// teacher's cmd/btrfs-rec/main.go supervises its inspectors and
	// repairers, so Ctrl-C during `simulate` or `l2 rebuild` shuts
	// down cleanly instead of leaving a background goroutine running.
	for _, cmd := range allLeaves(argparser) {
		inner := cmd.RunE
		if inner == nil {
			continue
		}
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				cmd.SetContext(ctx)
				return inner(cmd, args)
			})
			return grp.Wait()
		}
	}

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfile(); err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// allLeaves walks a cobra command tree and returns every command that
// has its own RunE (i.e. every leaf subcommand, not the group nodes
// like `tunable` or `l2` that only dispatch to children).
func allLeaves(cmd *cobra.Command) []*cobra.Command {
	var out []*cobra.Command
	for _, c := range cmd.Commands() {
		if c.HasSubCommands() {
			out = append(out, allLeaves(c)...)
			continue
		}
		if c.RunE != nil {
			out = append(out, c)
		}
	}
	return out
}
