// Package sessiontest provides in-memory sessions and openers for tests.
package sessiontest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/session"
)

// Call is one recorded Exec.
type Call struct {
	Cmd  string
	Sudo bool
}

// Handler answers an Exec. A nil result means exit 0 with no output.
type Handler func(ctx context.Context, cmd string, opts session.ExecOptions) (*session.ExecResult, error)

// Session is a scriptable session.Session.
type Session struct {
	Tgt     session.Target
	Caps    session.Capabilities
	Handler Handler
	// FS is returned by RemoteFS. Defaults to the local filesystem.
	FS session.FS
	// ShellFn opens interactive channels. Defaults to a PipeChannel.
	ShellFn func(ctx context.Context, opts session.ShellOptions) (session.Channel, error)

	mu     sync.Mutex
	calls  []Call
	closed atomic.Int32
}

func New(name string) *Session {
	return &Session{Tgt: session.Target{Name: name, Host: name, User: "deploy"}}
}

func (s *Session) Target() session.Target             { return s.Tgt }
func (s *Session) Capabilities() session.Capabilities { return s.Caps }

func (s *Session) Exec(ctx context.Context, cmd string, opts session.ExecOptions) (*session.ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Cmd: cmd, Sudo: opts.Sudo})
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Cancelled, "exec", err)
	}
	if s.Handler == nil {
		return &session.ExecResult{}, nil
	}
	res, err := s.Handler(ctx, cmd, opts)
	if res == nil {
		res = &session.ExecResult{}
	}
	if err == nil && res.ExitCode != 0 && !opts.Tolerate {
		err = fault.New(fault.Command, "exec", fmt.Errorf("%q exited with status %d", cmd, res.ExitCode))
	}
	return res, err
}

func (s *Session) Shell(ctx context.Context, opts session.ShellOptions) (session.Channel, error) {
	if s.ShellFn != nil {
		return s.ShellFn(ctx, opts)
	}
	return NewPipeChannel(), nil
}

func (s *Session) RemoteFS() (session.FS, error) {
	if s.FS == nil {
		return session.LocalFS{}, nil
	}
	return s.FS, nil
}

func (s *Session) Close() error {
	s.closed.Add(1)
	return nil
}

// Calls returns the recorded Exec calls.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Commands returns just the command strings of Calls.
func (s *Session) Commands() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Cmd)
	}
	return out
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int { return int(s.closed.Load()) }

// Opener hands out sessions by server name and counts opens.
type Opener struct {
	// Make builds the session for a target. Defaults to New(t.Name).
	Make func(t session.Target) (session.Session, error)

	mu       sync.Mutex
	opens    map[string]int
	sessions map[string][]session.Session
}

func (o *Opener) Open(ctx context.Context, t session.Target) (session.Session, error) {
	o.mu.Lock()
	if o.opens == nil {
		o.opens = make(map[string]int)
		o.sessions = make(map[string][]session.Session)
	}
	o.opens[t.Name]++
	o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Cancelled, "open", err)
	}
	var (
		s   session.Session
		err error
	)
	if o.Make != nil {
		s, err = o.Make(t)
	} else {
		s = New(t.Name)
	}
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.sessions[t.Name] = append(o.sessions[t.Name], s)
	o.mu.Unlock()
	return s, nil
}

// Opens reports how many times name was opened.
func (o *Opener) Opens(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[name]
}

// Sessions returns the sessions opened for name.
func (o *Opener) Sessions(name string) []session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]session.Session(nil), o.sessions[name]...)
}

// PipeChannel is an in-memory interactive channel. The test plays the remote end
// through RemoteIn and RemoteOut.
type PipeChannel struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	resizes atomic.Int32
}

func NewPipeChannel() *PipeChannel {
	c := &PipeChannel{done: make(chan struct{})}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	return c
}

func (c *PipeChannel) Stdin() io.WriteCloser { return c.stdinW }
func (c *PipeChannel) Stdout() io.Reader     { return c.stdoutR }

func (c *PipeChannel) Resize(cols, rows int) error {
	c.resizes.Add(1)
	return nil
}

func (c *PipeChannel) Wait() error {
	<-c.done
	return nil
}

func (c *PipeChannel) Close() error {
	c.once.Do(func() {
		c.stdinR.Close()
		c.stdoutW.Close()
		close(c.done)
	})
	return nil
}

// Resizes counts Resize calls.
func (c *PipeChannel) Resizes() int { return int(c.resizes.Load()) }

// RemoteIn is what the operator side wrote to the channel.
func (c *PipeChannel) RemoteIn() io.Reader { return c.stdinR }

// RemoteOut writes as the remote shell.
func (c *PipeChannel) RemoteOut() io.Writer { return c.stdoutW }

// Exit simulates the remote shell exiting.
func (c *PipeChannel) Exit() { c.Close() }

// Closed reports whether the channel has been closed.
func (c *PipeChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
