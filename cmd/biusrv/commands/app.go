package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/metrics"
	"github.com/andrej220/biusrv/internal/render"
	"github.com/andrej220/biusrv/internal/retry"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/config"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/andrej220/biusrv/pkg/persistence"
	"github.com/google/uuid"
)

const serviceName = "biusrv"

// options holds the persistent flags.
type options struct {
	configPath string
	mongoURI   string
	mongoDB    string
	mongoColl  string
	mongoID    string

	debug     bool
	logFormat string

	servers      []string
	allServers   bool
	threads      int
	maxRetry     int
	maxRetrySet  bool
	hideProgress bool
	reportPath   string
	knownHosts   string

	kafkaBrokers []string
	kafkaTopic   string
}

func (o *options) logger() lg.Logger {
	return lg.New(lg.NewConfig(serviceName, o.debug, o.logFormat))
}

func (o *options) store() (config.Config, error) {
	if o.mongoURI != "" {
		return config.NewStore(config.MongoStore, &config.MongoConfig{
			URI:      o.mongoURI,
			DBName:   o.mongoDB,
			CollName: o.mongoColl,
			ID:       o.mongoID,
		})
	}
	return config.NewStore(config.FileStore, &config.FileConfig{Path: o.configPath})
}

func (o *options) inventory() (*config.Inventory, error) {
	store, err := o.store()
	if err != nil {
		return nil, err
	}
	defer config.Close(context.Background(), store)
	return config.Load(store)
}

// kafka returns the event topic from flags, falling back to the inventory.
func (o *options) kafka(inv *config.Inventory) *events.KafkaConfig {
	if len(o.kafkaBrokers) > 0 && o.kafkaTopic != "" {
		return &events.KafkaConfig{Brokers: o.kafkaBrokers, Topic: o.kafkaTopic}
	}
	if inv != nil && inv.Events.Kafka != nil {
		return inv.Events.Kafka
	}
	return nil
}

// run is everything one fleet command needs: the selected targets, an
// executor and the event pipeline feeding the terminal.
type run struct {
	opts    *options
	inv     *config.Inventory
	targets []session.Target
	id      uuid.UUID
	logger  lg.Logger
	printer *render.Printer
	sink    events.Sink
	// quiet drops streamed command output.
	quiet bool

	kafka   *events.KafkaSink
	events  *events.Chan
	drained sync.WaitGroup
	opener  session.Opener
	exec    *executor.Executor
}

func (o *options) newRun(out io.Writer) (*run, error) {
	logger := o.logger()
	inv, err := o.inventory()
	if err != nil {
		return nil, err
	}
	targets, err := inv.Targets(o.servers, o.allServers)
	if err != nil {
		if errors.Is(err, config.ErrNoServers) {
			return nil, fmt.Errorf("%w: use --server or --all-servers", err)
		}
		return nil, err
	}

	r := &run{
		opts:    o,
		inv:     inv,
		targets: targets,
		id:      uuid.New(),
		logger:  logger,
		printer: render.New(out),
		events:  events.NewChan(1024),
	}
	r.drained.Add(1)
	go r.drain()

	sinks := events.Multi{r.events, metrics.NewSink()}
	if kc := o.kafka(inv); kc != nil {
		r.kafka = events.NewKafkaSink(*kc, r.id.String(), logger)
		sinks = append(sinks, r.kafka)
	}
	r.sink = sinks

	var promptMu sync.Mutex
	opener := session.NewSSHOpener(session.OpenerConfig{
		KnownHosts: o.knownHosts,
		Prompt: func(t session.Target) (string, error) {
			promptMu.Lock()
			defer promptMu.Unlock()
			return session.ReadPassword(fmt.Sprintf("Password for %s: ", t))
		},
		Sink:   r.sink,
		Logger: logger,
	})
	r.opener = opener
	r.exec = executor.New(opener, r.threads(), logger)
	return r, nil
}

// drain renders events on one goroutine so workers never write to the terminal.
func (r *run) drain() {
	defer r.drained.Done()
	progress, output := r.events.ProgressC, r.events.OutputC
	for progress != nil || output != nil {
		select {
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if !r.opts.hideProgress {
				r.printer.Progress(p)
			}
		case o, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			if !r.quiet {
				r.printer.Output(o)
			}
		}
	}
}

func (r *run) threads() int {
	if r.opts.threads > 0 {
		return r.opts.threads
	}
	return r.inv.Manage.Threads
}

// policy is the inventory retry policy with --max-retry applied.
func (r *run) policy() retry.Policy {
	policy := r.inv.Policy()
	if r.opts.maxRetrySet {
		policy.MaxRetry = r.opts.maxRetry
	}
	return policy
}

func (r *run) spec(op executor.Operation) executor.TaskSpec {
	return executor.TaskSpec{
		Servers:     r.targets,
		Op:          op,
		Policy:      r.policy(),
		Concurrency: r.threads(),
		RunID:       r.id,
	}
}

// execute runs op and waits for every queued event to be printed.
func (r *run) execute(ctx context.Context, op executor.Operation) *executor.Report {
	report := r.exec.Run(lg.Attach(ctx, r.logger), r.spec(op))
	r.flush()
	return report
}

func (r *run) flush() {
	r.events.Close()
	r.drained.Wait()
	if n := r.events.Dropped(); n > 0 {
		r.logger.Debug("Dropped progress events", lg.Int("count", n))
	}
}

// finish prints the summary, writes the JSON report and turns failures into
// a non-zero exit.
func (r *run) finish(report *executor.Report) error {
	defer r.close()
	r.printer.Summary(report)
	if r.opts.reportPath != "" {
		if err := persistence.WriteJSON(report, r.opts.reportPath); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if report.Failed() {
		return fmt.Errorf("%d of %d server(s) did not succeed",
			report.Count(executor.Failed)+report.Count(executor.Cancelled), len(report.Results))
	}
	return nil
}

// abort releases a run that never executed.
func (r *run) abort(err error) error {
	r.flush()
	r.close()
	return err
}

func (r *run) close() {
	if r.kafka != nil {
		if err := r.kafka.Close(); err != nil {
			r.logger.Warn("Failed to flush events", lg.Err(err))
		}
	}
	_ = r.logger.Sync()
}
