package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/andrej220/biusrv/internal/multishell"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/spf13/cobra"
)

// Shell returns the command that opens interactive shells on the targets.
func Shell(o *options) *cobra.Command {
	var (
		history      bool
		historyLines int
		termName     string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open interactive shells on one or more servers",
		Long: `Open an interactive shell on every selected server.

With one server the terminal is handed over in raw mode; press Ctrl-] to
detach. With several servers each line you type is sent to all of them and
their output is tagged with the server name. Type "/history [server]" to
print what a server has printed so far.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			r.flush()
			defer r.close()

			cols, rows := session.Size(os.Stdout)
			m := &multishell.Manager{
				Opener:       r.opener,
				Limit:        r.threads(),
				Shell:        session.ShellOptions{Term: termName, Cols: cols, Rows: rows},
				HistoryLines: historyLines,
				Prefix:       r.printer.Prefix,
				Logger:       r.logger,
			}
			defer m.Close()

			opened, failed := m.OpenAll(cmd.Context(), r.targets)
			names := make([]string, 0, len(failed))
			for name := range failed {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.ErrOrStderr(), "%scannot open shell: %v\n", r.printer.Prefix(name), failed[name])
			}
			if len(opened) == 0 {
				return multishell.ErrNoChannels
			}

			out := cmd.OutOrStdout()
			if len(opened) == 1 && session.IsTerminal(os.Stdin) {
				t, err := session.MakeRaw(os.Stdin)
				if err != nil {
					return fmt.Errorf("raw terminal: %w", err)
				}
				defer t.Restore()
			}
			resizeCtx, stopResize := context.WithCancel(cmd.Context())
			defer stopResize()
			watchResize(resizeCtx, os.Stdout, m.Resize)

			err = m.Run(cmd.Context(), cmd.InOrStdin(), out)
			switch {
			case errors.Is(err, multishell.ErrDetached):
				fmt.Fprintln(out, "\r\ndetached")
				if history {
					m.WriteHistory(out, "")
				}
			case err != nil && cmd.Context().Err() == nil:
				return err
			}
			if len(failed) > 0 {
				r.logger.Warn("Some shells did not open", lg.Int("failed", len(failed)))
				return fmt.Errorf("%d server(s) could not open a shell", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", true, "Print each server's output history after detaching")
	cmd.Flags().IntVar(&historyLines, "history-lines", multishell.DefaultHistory, "Output lines kept per server")
	cmd.Flags().StringVar(&termName, "term", "xterm-256color", "TERM requested for the remote PTY")

	return cmd
}
