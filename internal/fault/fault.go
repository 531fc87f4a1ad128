// Package fault classifies failures raised by sessions, transfers and scripts
// into the small set of kinds the executor and CLI reason about.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

type Kind int

const (
	Unknown Kind = iota
	AuthExhausted
	Connection
	Command
	PathMismatch
	AlreadyExists
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case AuthExhausted:
		return "AuthExhausted"
	case Connection:
		return "ConnectionError"
	case Command:
		return "CommandError"
	case PathMismatch:
		return "PathMismatch"
	case AlreadyExists:
		return "AlreadyExists"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error carries a Kind alongside the failing operation and server.
type Error struct {
	Kind   Kind
	Op     string
	Server string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Server != "" {
		b.WriteString(e.Server)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, fault.ErrCancelled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Server == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrAuthExhausted = &Error{Kind: AuthExhausted}
	ErrConnection    = &Error{Kind: Connection}
	ErrCommand       = &Error{Kind: Command}
	ErrPathMismatch  = &Error{Kind: PathMismatch}
	ErrAlreadyExists = &Error{Kind: AlreadyExists}
	ErrCancelled     = &Error{Kind: Cancelled}
)

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithServer tags err with a server name, keeping its kind.
func WithServer(server string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Server == "" {
		cp := *fe
		cp.Server = server
		return &cp
	}
	return &Error{Kind: KindOf(err), Server: server, Err: err}
}

// KindOf reports the kind of err. Untyped network failures are Connection,
// context errors are Cancelled, anything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	if isNetwork(err) {
		return Connection
	}
	return Unknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == Connection
}

// IsFatal is the complement of IsTransient for a non-nil error.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

func isNetwork(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, net.ErrClosed):
		return true
	}
	msg := err.Error()
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// ssh and sftp report lost transports as plain strings.
var transientMessages = []string{
	"connection lost",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"use of closed network connection",
}
