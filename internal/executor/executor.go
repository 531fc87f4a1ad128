// Package executor runs one operation across a server set with bounded
// concurrency, per-server retries and exactly one result per server.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/metrics"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/andrej220/biusrv/pkg/workerpool"
)

type Executor struct {
	Opener session.Opener
	// ThreadLimit caps the derived concurrency. Zero uses workerpool.TotalMaxWorkers.
	ThreadLimit int
	Logger      lg.Logger

	locks sequencer
}

func New(opener session.Opener, threadLimit int, logger lg.Logger) *Executor {
	return &Executor{Opener: opener, ThreadLimit: threadLimit, Logger: logger}
}

// Run executes spec.Op on every distinct server and returns once all of them
// have a result. Cancelling ctx stops dispatch; servers that never started or
// were interrupted are reported Cancelled.
func (e *Executor) Run(ctx context.Context, spec TaskSpec) *Report {
	report := newReport(spec.RunID, spec.Op.Kind())
	servers := dedupe(spec.Servers)
	logger := e.logger().With(lg.String("run", report.RunID.String()), lg.String("operation", spec.Op.Kind().String()))
	ctx = lg.Attach(ctx, logger)

	var mu sync.Mutex
	record := func(res *TaskResult) {
		mu.Lock()
		defer mu.Unlock()
		if _, done := report.Results[res.Server]; done {
			return
		}
		report.Results[res.Server] = res
		metrics.RecordResult(spec.Op.Kind().String(), res.Outcome.String(), res.Kind.String(), res.Attempts, res.Duration)
	}

	if len(servers) > 0 {
		n := e.concurrency(spec.Concurrency, len(servers))
		logger.Info("Run started", lg.Int("servers", len(servers)), lg.Int("workers", n))
		pool := workerpool.NewPool[session.Target](n)
		for _, t := range servers {
			err := pool.Submit(workerpool.Job[session.Target]{
				Payload: t,
				Ctx:     ctx,
				Fn: func(ctx context.Context, t session.Target) error {
					res := e.runServer(ctx, t, spec)
					record(res)
					return res.Err
				},
				CleanupFunc: func(err error) {
					record(cancelled(t.Name, err))
				},
			})
			if err != nil {
				record(cancelled(t.Name, err))
			}
		}
		pool.Stop()
	}

	report.Finished = time.Now()
	logger.Info("Run finished",
		lg.Int("succeeded", report.Count(Success)),
		lg.Int("failed", report.Count(Failed)),
		lg.Int("skipped", report.Count(Skipped)),
		lg.Int("cancelled", report.Count(Cancelled)),
		lg.Duration("duration", report.Finished.Sub(report.Started)))
	return report
}

func (e *Executor) runServer(ctx context.Context, t session.Target, spec TaskSpec) *TaskResult {
	start := time.Now()
	logger := lg.FromContext(ctx).With(lg.String("server", t.Name))

	release, err := e.locks.acquire(ctx, t.Name)
	if err != nil {
		return cancelled(t.Name, err)
	}
	defer release()

	policy := spec.Policy
	base := policy.Transient
	if base == nil {
		base = fault.IsTransient
	}
	classifier, _ := spec.Op.(Classifier)
	policy = policy.WithTransient(func(err error) bool {
		var oe *opError
		if classifier != nil && errors.As(err, &oe) {
			return classifier.Retryable(oe.err)
		}
		return base(err)
	})
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Attempt failed, retrying", lg.Int("attempt", attempt), lg.Duration("delay", delay), lg.Err(err))
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		sess, err := e.Opener.Open(ctx, t)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := spec.Op.Run(ctx, sess); err != nil {
			return &opError{err: err}
		}
		return nil
	})
	var oe *opError
	if errors.As(err, &oe) {
		err = oe.err
	}

	res := &TaskResult{Server: t.Name, Attempts: attempts, Duration: time.Since(start), Err: err}
	switch kind := fault.KindOf(err); {
	case err == nil:
		res.Outcome = Success
	case kind == fault.Cancelled:
		res.Outcome, res.Kind, res.Message = Cancelled, kind, err.Error()
	case kind == fault.AlreadyExists:
		res.Outcome, res.Kind, res.Message, res.Err = Skipped, kind, err.Error(), nil
	default:
		res.Outcome, res.Kind, res.Message = Failed, kind, err.Error()
	}
	if res.Outcome == Failed {
		logger.Error("Server failed", lg.String("kind", res.Kind.String()), lg.Int("attempts", attempts), lg.Err(err))
	} else {
		logger.Info("Server finished", lg.String("outcome", res.Outcome.String()), lg.Int("attempts", attempts))
	}
	return res
}

// opError marks errors returned by the operation itself, as opposed to
// failures opening the session.
type opError struct{ err error }

func (e *opError) Error() string { return e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func cancelled(server string, err error) *TaskResult {
	if err == nil {
		err = context.Canceled
	}
	return &TaskResult{
		Server:  server,
		Outcome: Cancelled,
		Kind:    fault.Cancelled,
		Message: err.Error(),
		Err:     fault.New(fault.Cancelled, "dispatch", err),
	}
}

func (e *Executor) concurrency(requested, servers int) int {
	n := requested
	if n <= 0 {
		n = e.ThreadLimit
		if n <= 0 {
			n = workerpool.TotalMaxWorkers
		}
	}
	return min(n, servers)
}

func (e *Executor) logger() lg.Logger {
	if e.Logger == nil {
		return lg.Discard
	}
	return e.Logger
}

// dedupe keeps the first target of each name.
func dedupe(targets []session.Target) []session.Target {
	seen := make(map[string]bool, len(targets))
	out := make([]session.Target, 0, len(targets))
	for _, t := range targets {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out
}

// sequencer hands out one lock per server name so overlapping runs of the same
// executor never touch a server concurrently.
type sequencer struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (s *sequencer) acquire(ctx context.Context, name string) (func(), error) {
	s.mu.Lock()
	if s.slots == nil {
		s.slots = make(map[string]chan struct{})
	}
	slot, ok := s.slots[name]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[name] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
