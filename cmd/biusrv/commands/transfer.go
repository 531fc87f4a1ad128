package commands

import (
	"github.com/andrej220/biusrv/internal/ops"
	"github.com/andrej220/biusrv/internal/transfer"
	"github.com/spf13/cobra"
)

// Transfer groups the upload and download subcommands.
func Transfer(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy files and directories to or from servers",
		Long: `Copy a file or a directory tree between this machine and every selected
server over SFTP.

A path ending in "/" names a directory. Existing destination files are
skipped unless --force is given; --resume continues a partial file from its
current size. Downloads from several servers go to per-server local paths:
"logs/" becomes "logs/<server>/" and "app.log" becomes "app.log.<server>".`,
	}
	cmd.AddCommand(transferCmd(o, transfer.Upload))
	cmd.AddCommand(transferCmd(o, transfer.Download))
	return cmd
}

func transferCmd(o *options, dir transfer.Direction) *cobra.Command {
	var force, resume bool

	use, short := "upload <local> <remote>", "Upload a local path to every server"
	if dir == transfer.Download {
		use, short = "download <remote> <local>", "Download a remote path from every server"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]
			if dir == transfer.Download {
				local, remote = args[1], args[0]
			}

			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			policy := r.policy()
			op := &ops.Transfer{
				Direction: dir,
				Local:     local,
				Remote:    remote,
				Options: transfer.Options{
					Force:        force,
					Resume:       resume,
					HideProgress: o.hideProgress,
					MaxRetry:     policy.MaxRetry,
					Base:         policy.Base,
				},
				Sink:           r.sink,
				Opener:         r.opener,
				Logger:         r.logger,
				PerServerPaths: len(r.targets) > 1,
			}
			if err := op.Precheck(r.targets); err != nil {
				return r.abort(err)
			}

			report := r.execute(cmd.Context(), op)
			for _, res := range report.Sorted() {
				r.printer.Transfer(res.Server, op.Result(res.Server))
			}
			return r.finish(report)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing destination files")
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue partial files from their current size")

	return cmd
}
