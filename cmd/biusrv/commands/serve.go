package commands

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/biusrv/internal/api"
	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/metrics"
	"github.com/andrej220/biusrv/internal/serverutil"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/config"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Serve returns the command that runs the HTTP API.
func Serve(o *options) *cobra.Command {
	var (
		listen          string
		shutdownTimeout time.Duration
		keepRuns        int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve an HTTP API that runs commands on the inventory.

  POST /exec         start a command run, returns {"run_id": ...}
  GET  /runs         list recent runs
  GET  /runs/{id}    status, per-server results and output of a run
  GET  /servers      inventory server names
  GET  /metrics      Prometheus metrics

A file inventory is reloaded when it changes on disk. Password prompts are
not available; servers need a key or a configured password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("log-format") {
				o.logFormat = "json"
			}
			logger := o.logger()
			defer logger.Sync()
			ctx := cmd.Context()

			store, err := o.store()
			if err != nil {
				return err
			}
			defer config.Close(context.Background(), store)
			inv, err := config.Load(store)
			if err != nil {
				return err
			}

			sinks := events.Multi{events.LogSink{Logger: logger}, metrics.NewSink()}
			if kc := o.kafka(inv); kc != nil {
				kafka := events.NewKafkaSink(*kc, "serve-"+uuid.NewString(), logger)
				defer kafka.Close()
				sinks = append(sinks, kafka)
			}
			opener := session.NewSSHOpener(session.OpenerConfig{
				KnownHosts: o.knownHosts,
				Sink:       sinks,
				Logger:     logger,
			})
			threads := o.threads
			if threads == 0 {
				threads = inv.Manage.Threads
			}
			srv := api.New(ctx, executor.New(opener, threads, logger), inv, logger)
			if keepRuns > 0 {
				srv.KeepRuns = keepRuns
			}

			go func() {
				err := config.Watch(ctx, store, logger, func() {
					next, err := config.Load(store)
					if err != nil {
						logger.Warn("Inventory reload failed, keeping the previous one", lg.Err(err))
						return
					}
					srv.SetInventory(next)
					logger.Info("Inventory reloaded", lg.Int("servers", len(next.Manage.Servers)))
				})
				if err != nil && !errors.Is(err, config.ErrWatchUnsupported) && ctx.Err() == nil {
					logger.Warn("Inventory watch stopped", lg.Err(err))
				}
			}()

			scfg := serverutil.DefaultServerConfig()
			scfg.Addr = listen
			scfg.ShutdownTimeout = shutdownTimeout
			scfg.Logger = logger
			err = serverutil.RunServer(ctx, srv.Handler(), scfg)
			srv.Wait()
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8081", "Address to listen on")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for in-flight requests on shutdown")
	cmd.Flags().IntVar(&keepRuns, "keep-runs", api.DefaultKeepRuns, "Finished runs kept in memory")

	return cmd
}
