// Package session owns one authenticated SSH connection to one server and exposes
// command execution, file-range I/O and interactive shell channels on top of it.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/andrej220/biusrv/internal/events"
)

const DefaultPort = 22

// Target identifies a server and how to authenticate against it.
type Target struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	KeyPath     string `json:"keyPath,omitempty"`
	Password    string `json:"-"`
	UsePassword bool   `json:"usePassword,omitempty"`
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s@%s)", t.Name, t.User, t.Addr())
}

type OSFamily string

const (
	OSUnknown OSFamily = "unknown"
	OSDebian  OSFamily = "debian"
	OSRedHat  OSFamily = "redhat"
	OSArch    OSFamily = "arch"
)

// Capabilities are probed once after the connection is established.
type Capabilities struct {
	Root             bool
	PasswordlessSudo bool
	OS               OSFamily
}

// ExecOptions controls a single remote command.
type ExecOptions struct {
	Sudo bool
	// Tolerate suppresses the Command error on a non-zero exit.
	Tolerate bool
	// Sink receives the output lines. Nil uses the opener's sink.
	Sink events.Sink
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r *ExecResult) StdoutLines() []string { return splitLines(r.Stdout) }
func (r *ExecResult) StderrLines() []string { return splitLines(r.Stderr) }

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type ShellOptions struct {
	Term string
	Cols int
	Rows int
	// Echo keeps remote echo on. Multiplexed shells turn it off because the
	// operator's terminal already echoes locally.
	Echo bool
}

// Channel is a PTY-backed interactive shell.
type Channel interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Resize(cols, rows int) error
	// Wait blocks until the remote shell exits.
	Wait() error
	Close() error
}

// Session is one authenticated connection. It is owned by one worker at a time.
type Session interface {
	Target() Target
	Capabilities() Capabilities
	Exec(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)
	Shell(ctx context.Context, opts ShellOptions) (Channel, error)
	RemoteFS() (FS, error)
	Close() error
}

// Opener creates sessions. The executor and the multi-shell manager only see this.
type Opener interface {
	Open(ctx context.Context, t Target) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, t Target) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, t Target) (Session, error) { return f(ctx, t) }
