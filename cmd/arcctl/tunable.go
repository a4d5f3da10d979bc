package main

import (
	"fmt"
	"sort"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/arcfs/arc/lib/arc/tunables"
)

func newTunableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunable {[flags]|SUBCOMMAND}",
		Short: "Inspect and exercise the §6.4 tunable registry",
		Args:  cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE:  cliutil.RunSubcommands,
	}
	cmd.AddCommand(newTunableListCmd())
	cmd.AddCommand(newTunableGetCmd())
	cmd.AddCommand(newTunableSetCmd())
	return cmd
}

// Every tunable subcommand works against its own freshly-defaulted
// registry: arcctl has no long-running daemon for a `set` to persist
// into, so `set` demonstrates parsing/validation against the default
// and prints the result, the same way `stats` reports a freshly-sized
// cache's starting counters rather than a live one's.

func newTunableListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered tunable and its default value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := tunables.Defaults()
			names := reg.Names()
			sort.Strings(names)
			for _, n := range names {
				v, _ := reg.RawGet(n)
				cmd.Printf("%-40s %v\n", n, v)
			}
			return nil
		},
	}
}

func newTunableGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print the default value of one tunable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := tunables.Defaults()
			v, ok := reg.RawGet(args[0])
			if !ok {
				return fmt.Errorf("arcctl: unknown tunable %q", args[0])
			}
			cmd.Println(v)
			return nil
		},
	}
}

func newTunableSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Parse and validate VALUE against NAME's registered kind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := tunables.Defaults()
			if err := reg.SetRaw(args[0], args[1]); err != nil {
				return err
			}
			v, _ := reg.RawGet(args[0])
			cmd.Printf("%s = %v\n", args[0], v)
			return nil
		},
	}
}
