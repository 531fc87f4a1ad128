package commands

import (
	"strings"

	"github.com/andrej220/biusrv/internal/ops"
	"github.com/andrej220/biusrv/internal/processor"
	"github.com/spf13/cobra"
)

// Exec returns the command that runs one shell command on every target.
func Exec(o *options) *cobra.Command {
	var (
		sudo       bool
		hideOutput bool
		process    string
		shape      string
	)

	cmd := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Execute a command on remote servers",
		Long: `Execute a command on every selected server in parallel.

Output lines are tagged with the server name. With --process the output of
each server is collected, run through the named processors and printed once
the server is done.

Examples:
  biusrv exec --all-servers uptime
  biusrv exec -s web1,web2 --sudo systemctl restart nginx
  biusrv exec -s db1 --process trim,key_value cat /etc/os-release`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := &ops.Exec{Command: strings.Join(args, " "), Sudo: sudo}
			if process != "" {
				chain := processor.NewProcessorChain()
				names, err := chain.ParseNames(process)
				if err != nil {
					return err
				}
				op.Shape = processor.Shape(shape)
				if err := chain.Validate(op.Shape, names...); err != nil {
					return err
				}
				op.Chain, op.Processors = chain, names
			}

			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			r.quiet = hideOutput || len(op.Processors) > 0
			report := r.execute(cmd.Context(), op)

			if len(op.Processors) > 0 && !hideOutput {
				for _, res := range report.Sorted() {
					r.printer.Lines(res.Server, op.Output(res.Server))
				}
			}
			return r.finish(report)
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&sudo, "sudo", false, "Run the command through sudo")
	cmd.Flags().BoolVar(&hideOutput, "hide-output", false, "Do not print command output")
	cmd.Flags().StringVar(&process, "process", "", "Comma separated output processors ("+strings.Join(processor.NewProcessorChain().Names(), ", ")+", tail:N)")
	cmd.Flags().StringVar(&shape, "shape", string(processor.ShapeString), "Output shape the processors expect: string, array or object")

	return cmd
}
