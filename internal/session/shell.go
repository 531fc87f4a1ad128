package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/andrej220/biusrv/internal/fault"
	"golang.org/x/crypto/ssh"
)

const defaultTerm = "xterm-256color"

// Shell requests a PTY and starts a login shell. The channel closes when the
// remote shell exits or ctx ends.
func (s *SSHSession) Shell(ctx context.Context, opts ShellOptions) (Channel, error) {
	name := s.target.Name
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fault.WithServer(name, fault.New(fault.Connection, "new session", err))
	}
	if opts.Term == "" {
		opts.Term = defaultTerm
	}
	if opts.Cols <= 0 || opts.Rows <= 0 {
		opts.Cols, opts.Rows = 80, 24
	}
	echo := uint32(0)
	if opts.Echo {
		echo = 1
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          echo,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		sess.Close()
		return nil, fault.WithServer(name, fault.New(fault.Connection, "request pty", err))
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fault.WithServer(name, fault.New(fault.Connection, "stdin pipe", err))
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fault.WithServer(name, fault.New(fault.Connection, "stdout pipe", err))
	}
	// a PTY merges stderr into stdout
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fault.WithServer(name, fault.New(fault.Connection, "shell", err))
	}

	ch := &sshChannel{sess: sess, stdin: stdin, stdout: stdout}
	ch.stop = context.AfterFunc(ctx, func() { ch.Close() })
	return ch, nil
}

type sshChannel struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stop   func() bool

	once sync.Once
	err  error
}

func (c *sshChannel) Stdin() io.WriteCloser { return c.stdin }
func (c *sshChannel) Stdout() io.Reader     { return c.stdout }

func (c *sshChannel) Resize(cols, rows int) error {
	return c.sess.WindowChange(rows, cols)
}

func (c *sshChannel) Wait() error {
	err := c.sess.Wait()
	var exitErr *ssh.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}

func (c *sshChannel) Close() error {
	c.once.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		c.err = c.sess.Close()
		if c.err == io.EOF {
			c.err = nil
		}
	})
	return c.err
}
