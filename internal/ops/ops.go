// Package ops holds the per-server operations the CLI and HTTP API hand to the
// executor.
package ops

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/firewall"
	"github.com/andrej220/biusrv/internal/processor"
	"github.com/andrej220/biusrv/internal/script"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/internal/transfer"
	"github.com/andrej220/biusrv/pkg/lg"
)

// ServerPath appends the server name to a local path so downloads from several
// servers do not collide: "logs/" becomes "logs/web1/", "app.log" "app.log.web1".
func ServerPath(local, server string) string {
	if strings.HasSuffix(local, "/") || strings.HasSuffix(local, string(filepath.Separator)) {
		return filepath.Join(local, server) + string(filepath.Separator)
	}
	return local + "." + server
}

// Exec runs one command and optionally post-processes its stdout.
type Exec struct {
	Command    string
	Sudo       bool
	Shape      processor.Shape
	Processors []string
	Chain      *processor.ProcessorChain

	mu      sync.Mutex
	outputs map[string][]string
}

func (o *Exec) Kind() executor.OpKind { return executor.Exec }

func (o *Exec) Run(ctx context.Context, sess session.Session) error {
	res, err := sess.Exec(ctx, o.Command, session.ExecOptions{Sudo: o.Sudo})
	if err != nil {
		return err
	}
	lines := res.StdoutLines()
	if len(o.Processors) > 0 {
		chain := o.Chain
		if chain == nil {
			chain = processor.NewProcessorChain()
		}
		shape := o.Shape
		if shape == "" {
			shape = processor.ShapeString
		}
		if lines, err = chain.Process(lines, shape, o.Processors...); err != nil {
			return fault.New(fault.Command, "process", err)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outputs == nil {
		o.outputs = make(map[string][]string)
	}
	o.outputs[sess.Target().Name] = lines
	return nil
}

// Output is the (processed) stdout of the last successful attempt on server.
func (o *Exec) Output(server string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outputs[server]
}

// Script runs named actions of a script definition.
type Script struct {
	Def          *script.Def
	Actions      []string
	Sink         events.Sink
	Logger       lg.Logger
	ChunkSize    int
	HideProgress bool
	Base         time.Duration
	// PerServerPaths appends the server name to local download paths.
	PerServerPaths bool

	mu      sync.Mutex
	results map[string][]script.ActionResult
}

func (o *Script) Kind() executor.OpKind { return executor.ScriptStep }

func (o *Script) Run(ctx context.Context, sess session.Session) error {
	name := sess.Target().Name
	r := &script.Runner{
		Server:       name,
		Sink:         o.Sink,
		Logger:       logger(o.Logger).With(lg.String("server", name), lg.String("script", o.Def.Name)),
		ChunkSize:    o.ChunkSize,
		HideProgress: o.HideProgress,
		Base:         o.Base,
	}
	if o.PerServerPaths {
		r.LocalPath = func(p string) string { return ServerPath(p, name) }
	}
	results, err := r.Run(ctx, o.Def, o.Actions, func(context.Context) (session.Session, error) { return sess, nil })
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.results == nil {
		o.results = make(map[string][]script.ActionResult)
	}
	o.results[name] = results
	o.mu.Unlock()

	err = script.Err(results)
	if err != nil {
		for _, res := range results {
			if res.State == script.Completed {
				return &partialError{err: err}
			}
		}
	}
	return err
}

// Retryable keeps connection losses retryable only while no action has
// completed, so finished actions never run twice.
func (o *Script) Retryable(err error) bool {
	var p *partialError
	return fault.IsTransient(err) && !errors.As(err, &p)
}

type partialError struct{ err error }

func (e *partialError) Error() string { return e.err.Error() }
func (e *partialError) Unwrap() error { return e.err }

func (o *Script) Results(server string) []script.ActionResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[server]
}

// Transfer copies one path between the operator machine and every server.
type Transfer struct {
	Direction transfer.Direction
	Local     string
	Remote    string
	Options   transfer.Options
	Sink      events.Sink
	Logger    lg.Logger
	ChunkSize int
	// PerServerPaths appends the server name to the local path of downloads.
	PerServerPaths bool
	// Opener reconnects when an entry loses its connection. Without it a lost
	// connection fails the attempt and the executor opens a new session.
	Opener session.Opener

	mu      sync.Mutex
	results map[string]*transfer.Result
	engines map[string]*transfer.Engine
}

// engine returns the server's engine, kept across executor attempts so a
// retried transfer continues with the entries that are still missing.
func (o *Transfer) engine(name string) *transfer.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.engines == nil {
		o.engines = make(map[string]*transfer.Engine)
	}
	e, ok := o.engines[name]
	if !ok {
		e = &transfer.Engine{
			Server:    name,
			Sink:      o.Sink,
			Logger:    logger(o.Logger).With(lg.String("server", name)),
			ChunkSize: o.ChunkSize,
		}
		o.engines[name] = e
	}
	return e
}

func (o *Transfer) Kind() executor.OpKind { return executor.TransferJob }

// Precheck rejects mismatched path kinds before any session is opened.
func (o *Transfer) Precheck(servers []session.Target) error {
	if o.Direction == transfer.Upload || !o.PerServerPaths {
		return transfer.Precheck(o.Local, o.Remote, o.Direction)
	}
	for _, t := range servers {
		if err := transfer.Precheck(ServerPath(o.Local, t.Name), o.Remote, o.Direction); err != nil {
			return err
		}
	}
	return nil
}

func (o *Transfer) Run(ctx context.Context, sess session.Session) error {
	name := sess.Target().Name
	local := o.Local
	if o.Direction == transfer.Download && o.PerServerPaths {
		local = ServerPath(local, name)
	}
	if err := transfer.Precheck(local, o.Remote, o.Direction); err != nil {
		return err
	}
	remote, err := sess.RemoteFS()
	if err != nil {
		return err
	}
	var src, dst session.FS = session.LocalFS{}, remote
	if o.Direction == transfer.Download {
		src, dst = remote, session.LocalFS{}
	}
	srcPath, dstPath := transfer.Endpoints(o.Direction, local, o.Remote)
	plan, err := transfer.NewPlan(o.Direction, src, srcPath, dst, dstPath)
	if err != nil {
		return err
	}
	engine := o.engine(name)
	engine.Reopen = nil
	if o.Opener != nil {
		var extra []session.Session
		defer func() {
			for _, s := range extra {
				_ = s.Close()
			}
		}()
		engine.Reopen = func(ctx context.Context) (session.FS, error) {
			s, err := o.Opener.Open(ctx, sess.Target())
			if err != nil {
				return nil, err
			}
			extra = append(extra, s)
			return s.RemoteFS()
		}
	}
	res := engine.Execute(ctx, plan, src, dst, o.Options)
	err = res.Err()
	o.mu.Lock()
	if o.results == nil {
		o.results = make(map[string]*transfer.Result)
	}
	o.results[name] = res
	if !o.Retryable(err) {
		// the next run starts from the destination's state again
		delete(o.engines, name)
	}
	o.mu.Unlock()

	if err != nil {
		return err
	}
	if len(res.Entries) > 0 && res.Skipped() == len(res.Entries) {
		return fault.Newf(fault.AlreadyExists, "transfer", "all %d entries skipped", len(res.Entries))
	}
	return nil
}

// Retryable lets a lost connection reopen the session. Entries that already
// finished are not copied again.
func (o *Transfer) Retryable(err error) bool { return fault.IsTransient(err) }

func (o *Transfer) Result(server string) *transfer.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[server]
}

// Firewall applies a firewall plan, or only reads the status when Plan is empty.
type Firewall struct {
	Plan   firewall.Plan
	Enable bool
	// NewBackend defaults to ufw.
	NewBackend func(session.Session) firewall.Backend

	mu     sync.Mutex
	status map[string][]firewall.Rule
}

func (o *Firewall) Kind() executor.OpKind { return executor.FirewallEdit }

func (o *Firewall) Run(ctx context.Context, sess session.Session) error {
	var b firewall.Backend
	if o.NewBackend != nil {
		b = o.NewBackend(sess)
	} else {
		b = firewall.NewUFW(sess)
	}
	if o.Enable {
		if err := b.Enable(ctx); err != nil {
			return fmt.Errorf("enable firewall: %w", err)
		}
	}
	if err := firewall.Execute(ctx, b, o.Plan); err != nil {
		return err
	}
	_, rules, err := b.Status(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == nil {
		o.status = make(map[string][]firewall.Rule)
	}
	o.status[sess.Target().Name] = rules
	return nil
}

func (o *Firewall) Status(server string) []firewall.Rule {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status[server]
}

func logger(l lg.Logger) lg.Logger {
	if l == nil {
		return lg.Discard
	}
	return l
}
