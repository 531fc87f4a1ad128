package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/internal/transfer"
	"github.com/andrej220/biusrv/pkg/lg"
)

type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "cancelled"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ActionResult is the outcome of one requested action.
type ActionResult struct {
	Name string `json:"name"`
	State State `json:"state"`
	// StepsRun counts steps that started, including a failing one.
	StepsRun int           `json:"stepsRun"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// SessionFactory supplies the session steps run against. The runner asks for it
// once, on the first step, and does not close it.
type SessionFactory func(ctx context.Context) (session.Session, error)

type Runner struct {
	Server       string
	Sink         events.Sink
	Logger       lg.Logger
	ChunkSize    int
	HideProgress bool
	// Base is the backoff base for transfer step retries.
	Base time.Duration
	// LocalPath rewrites the local side of download steps.
	LocalPath func(string) string
	// OnState observes action state transitions.
	OnState func(action string, s State)
}

// Run executes the named actions in the requested order. Unknown names fail before
// anything runs. A failing action never prevents the next one from starting.
func (r *Runner) Run(ctx context.Context, def *Def, names []string, factory SessionFactory) ([]ActionResult, error) {
	actions := make([]*Action, 0, len(names))
	for _, name := range names {
		a, ok := def.Action(name)
		if !ok {
			return nil, fmt.Errorf("script %q has no action %q", def.Name, name)
		}
		actions = append(actions, a)
	}
	logger := r.logger()

	var (
		sess    session.Session
		sessErr error
		opened  bool
	)
	get := func(ctx context.Context) (session.Session, error) {
		if !opened {
			sess, sessErr = factory(ctx)
			opened = true
		}
		return sess, sessErr
	}

	results := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		res := ActionResult{Name: a.Name, State: Pending}
		r.transition(a.Name, Pending)
		if err := ctx.Err(); err != nil {
			res.State, res.Err = Cancelled, fault.New(fault.Cancelled, "script", err)
			r.transition(a.Name, Cancelled)
			results = append(results, res)
			continue
		}
		start := time.Now()
		res.State = Running
		r.transition(a.Name, Running)
		logger.Info("Action started", lg.String("action", a.Name), lg.Int("steps", len(a.Steps)))

		for i, step := range a.Steps {
			if err := ctx.Err(); err != nil {
				res.State, res.Err = Cancelled, fault.New(fault.Cancelled, "script", err)
				break
			}
			res.StepsRun = i + 1
			cur, err := get(ctx)
			if err == nil {
				err = r.step(ctx, cur, step)
			}
			if err != nil {
				res.Err = fmt.Errorf("action %s step %d (%s): %w", a.Name, i+1, step.Kind(), err)
				res.State = Failed
				if fault.KindOf(err) == fault.Cancelled {
					res.State = Cancelled
				}
				break
			}
		}
		if res.State == Running {
			res.State = Completed
		}
		res.Duration = time.Since(start)
		r.transition(a.Name, res.State)
		if res.Err != nil {
			logger.Error("Action finished", lg.String("action", a.Name), lg.String("state", res.State.String()), lg.Err(res.Err))
		} else {
			logger.Info("Action finished", lg.String("action", a.Name), lg.Duration("duration", res.Duration))
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) step(ctx context.Context, sess session.Session, step Step) error {
	switch s := step.(type) {
	case CommandStep:
		for _, cmd := range s.Commands {
			if _, err := sess.Exec(ctx, cmd, session.ExecOptions{Sudo: s.Sudo}); err != nil {
				return err
			}
		}
		return nil
	case TransferStep:
		return r.transfer(ctx, sess, s)
	default:
		return fmt.Errorf("unsupported step %T", step)
	}
}

func (r *Runner) transfer(ctx context.Context, sess session.Session, s TransferStep) error {
	local := s.Local
	if s.Direction == transfer.Download && r.LocalPath != nil {
		local = r.LocalPath(local)
	}
	if err := transfer.Precheck(local, s.Remote, s.Direction); err != nil {
		return err
	}
	remote, err := sess.RemoteFS()
	if err != nil {
		return err
	}
	var src, dst session.FS = session.LocalFS{}, remote
	if s.Direction == transfer.Download {
		src, dst = remote, session.LocalFS{}
	}
	srcPath, dstPath := transfer.Endpoints(s.Direction, local, s.Remote)
	plan, err := transfer.NewPlan(s.Direction, src, srcPath, dst, dstPath)
	if err != nil {
		return err
	}
	engine := &transfer.Engine{Server: r.Server, Sink: r.Sink, Logger: r.logger(), ChunkSize: r.ChunkSize}
	res := engine.Execute(ctx, plan, src, dst, transfer.Options{
		Force:        s.Force,
		Resume:       s.Resume,
		HideProgress: r.HideProgress,
		MaxRetry:     s.MaxRetry,
		Base:         r.Base,
	})
	return res.Err()
}

func (r *Runner) transition(action string, s State) {
	if r.OnState != nil {
		r.OnState(action, s)
	}
}

func (r *Runner) logger() lg.Logger {
	if r.Logger == nil {
		return lg.Discard
	}
	return r.Logger
}

// Err joins the errors of failed or cancelled actions.
func Err(results []ActionResult) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}
