package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andrej220/biusrv/internal/ops"
	"github.com/andrej220/biusrv/internal/script"
	"github.com/spf13/cobra"
)

// Script groups the script subcommands.
func Script(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Run actions from a script file (.toml, .yaml)",
	}
	cmd.AddCommand(scriptRun(o))
	cmd.AddCommand(scriptList())
	return cmd
}

func scriptRun(o *options) *cobra.Command {
	var actions []string

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run script actions on remote servers",
		Long: `Run the named actions of a script on every selected server.

Actions run in the order given. A failing step stops its action; the
remaining actions still run. Without --action the available actions are
listed instead.

Examples:
  biusrv script run deploy.toml --all-servers --action install,restart`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := script.Load(args[0])
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				return printActions(cmd.OutOrStdout(), def)
			}

			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			op := &ops.Script{
				Def:            def,
				Actions:        actions,
				Sink:           r.sink,
				Logger:         r.logger,
				HideProgress:   o.hideProgress,
				Base:           r.policy().Base,
				PerServerPaths: len(r.targets) > 1,
			}
			report := r.execute(cmd.Context(), op)
			for _, res := range report.Sorted() {
				if results := op.Results(res.Server); len(results) > 0 {
					r.printer.Script(res.Server, results)
				}
			}
			return r.finish(report)
		},
	}

	cmd.Flags().StringSliceVarP(&actions, "action", "a", nil, "Actions to run, in order (comma separated)")

	return cmd
}

func scriptList() *cobra.Command {
	return &cobra.Command{
		Use:   "list <file>",
		Short: "List the actions of a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := script.Load(args[0])
			if err != nil {
				return err
			}
			return printActions(cmd.OutOrStdout(), def)
		},
	}
}

func printActions(w io.Writer, def *script.Def) error {
	fmt.Fprintf(w, "%s", def.Name)
	if def.Description != "" {
		fmt.Fprintf(w, ": %s", def.Description)
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range script.List(def) {
		fmt.Fprintf(tw, "  %s\t%s\n", a.Name, a.Description)
	}
	return tw.Flush()
}
