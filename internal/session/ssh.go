package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultDialTimeout = 10 * time.Second
	maxErrorLines      = 5
)

// OpenerConfig configures SSHOpener.
type OpenerConfig struct {
	DialTimeout time.Duration
	// KnownHosts enables host key checking. Empty accepts any host key.
	KnownHosts string
	// Prompt asks for a password when UsePassword is set and none is configured.
	Prompt  func(t Target) (string, error)
	Breaker BreakerSettings
	Sink    events.Sink
	Logger  lg.Logger
}

// SSHOpener dials servers through a per-server circuit breaker. Prompted
// passwords are remembered per server until they are rejected.
type SSHOpener struct {
	cfg      OpenerConfig
	breakers *breakers
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	secrets map[string]string
}

func NewSSHOpener(cfg OpenerConfig) *SSHOpener {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Breaker == (BreakerSettings{}) {
		cfg.Breaker = DefaultBreakerSettings()
	}
	if cfg.Logger == nil {
		cfg.Logger = lg.Discard
	}
	cfg.Sink = events.OrDiscard(cfg.Sink)
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &SSHOpener{
		cfg:      cfg,
		breakers: newBreakers(cfg.Breaker),
		dialer:   d.DialContext,
		secrets:  make(map[string]string),
	}
}

// password returns the remembered password for t or asks for one.
func (o *SSHOpener) password(t Target) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if secret, ok := o.secrets[t.Name]; ok {
		return secret, nil
	}
	secret, err := o.cfg.Prompt(t)
	if err != nil {
		return "", err
	}
	o.secrets[t.Name] = secret
	return secret, nil
}

func (o *SSHOpener) forget(name string) {
	o.mu.Lock()
	delete(o.secrets, name)
	o.mu.Unlock()
}

// Open authenticates against t and probes its capabilities.
func (o *SSHOpener) Open(ctx context.Context, t Target) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.WithServer(t.Name, fault.New(fault.Cancelled, "open", err))
	}
	logger := o.cfg.Logger.With(lg.String("server", t.Name), lg.String("addr", t.Addr()))

	var prompt func() (string, error)
	if o.cfg.Prompt != nil {
		prompt = func() (string, error) { return o.password(t) }
	}
	creds := Strategies(t, prompt)
	methods := make([]ssh.AuthMethod, 0, len(creds))
	for _, c := range creds {
		m, err := c.AuthMethod()
		if err != nil {
			logger.Warn("Skipping credential", lg.String("credential", c.Name()), lg.Err(err))
			continue
		}
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		return nil, fault.WithServer(t.Name, fault.Newf(fault.AuthExhausted, "auth", "no usable credentials for %s", t.User))
	}

	hostKey, err := o.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         o.cfg.DialTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	res, err := o.breakers.execute(t.Name, func() (any, error) {
		return o.dial(ctx, t, config)
	})
	if err != nil {
		if fault.KindOf(err) == fault.AuthExhausted {
			o.forget(t.Name)
		}
		return nil, fault.WithServer(t.Name, err)
	}
	client := res.(*ssh.Client)

	s := &SSHSession{
		target: t,
		client: client,
		sink:   o.cfg.Sink,
		lg:     logger,
		secret: t.Password,
	}
	for _, c := range creds {
		if p, ok := c.(*PromptPassword); ok && s.secret == "" {
			if secret, ok := p.Cached(); ok {
				s.secret = secret
			}
		}
	}
	s.caps = s.probe(ctx)
	logger.Debug("Session opened",
		lg.Bool("root", s.caps.Root),
		lg.Bool("passwordlessSudo", s.caps.PasswordlessSudo),
		lg.String("os", string(s.caps.OS)))
	return s, nil
}

func (o *SSHOpener) dial(ctx context.Context, t Target, config *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := o.dialer(ctx, "tcp", t.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.New(fault.Cancelled, "dial", ctx.Err())
		}
		return nil, fault.New(fault.Connection, "dial", err)
	}
	// bound the handshake; cleared once the connection is up
	_ = conn.SetDeadline(time.Now().Add(o.cfg.DialTimeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, t.Addr(), config)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fault.New(fault.Cancelled, "handshake", ctx.Err())
		}
		if isAuthFailure(err) {
			return nil, fault.New(fault.AuthExhausted, "auth", err)
		}
		return nil, fault.New(fault.Connection, "handshake", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (o *SSHOpener) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if o.cfg.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path, err := expandHome(o.cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return cb, nil
}

// x/crypto/ssh reports exhausted methods only as text.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

// SSHSession implements Session over an *ssh.Client.
type SSHSession struct {
	target Target
	client *ssh.Client
	caps   Capabilities
	secret string
	sink   events.Sink
	lg     lg.Logger

	mu        sync.Mutex
	sftp      *sftp.Client
	closeOnce sync.Once
	closeErr  error
}

func (s *SSHSession) Target() Target             { return s.target }
func (s *SSHSession) Capabilities() Capabilities { return s.caps }

// Exec runs cmd, streaming each output line to the sink while collecting it.
func (s *SSHSession) Exec(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	sink := s.sink
	if opts.Sink != nil {
		sink = opts.Sink
	}
	return s.exec(ctx, cmd, opts, sink)
}

func (s *SSHSession) exec(ctx context.Context, cmd string, opts ExecOptions, sink events.Sink) (*ExecResult, error) {
	name := s.target.Name
	if err := ctx.Err(); err != nil {
		return nil, fault.WithServer(name, fault.New(fault.Cancelled, "exec", err))
	}
	line, stdin := Elevate(cmd, opts.Sudo, s.caps, s.secret)

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fault.WithServer(name, fault.New(fault.Connection, "new session", err))
	}
	defer sess.Close()
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fault.WithServer(name, fault.New(fault.Connection, "stdout pipe", err))
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, fault.WithServer(name, fault.New(fault.Connection, "stderr pipe", err))
	}
	s.lg.Debug("Exec", lg.String("cmd", cmd), lg.Bool("sudo", opts.Sudo))
	if err := sess.Start(line); err != nil {
		return nil, fault.WithServer(name, fault.New(fault.Connection, "start", err))
	}

	res := &ExecResult{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Stdout = scanLines(stdout, name, events.Stdout, sink)
	}()
	go func() {
		defer wg.Done()
		res.Stderr = scanLines(stderr, name, events.Stderr, sink)
	}()
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		sess.Close()
		<-done
		return res, fault.WithServer(name, fault.New(fault.Cancelled, "exec", ctx.Err()))
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return res, fault.WithServer(name, fault.New(fault.Connection, "exec", err))
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	if res.ExitCode != 0 && !opts.Tolerate {
		return res, fault.WithServer(name, fault.New(fault.Command, "exec",
			commandError(cmd, res.ExitCode, res.Stderr)))
	}
	return res, nil
}

func commandError(cmd string, code int, stderr string) error {
	lines := splitLines(stderr)
	if len(lines) > maxErrorLines {
		lines = append([]string{"..."}, lines[len(lines)-maxErrorLines:]...)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%q exited with status %d", cmd, code)
	}
	return fmt.Errorf("%q exited with status %d: %s", cmd, code, strings.Join(lines, "\n"))
}

func scanLines(r io.Reader, server string, stream events.Stream, sink events.Sink) string {
	var b strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		b.WriteString(text)
		b.WriteByte('\n')
		sink.Output(events.Output{Server: server, Stream: stream, Text: text, At: time.Now()})
	}
	// drain whatever is left so the remote side is never blocked on a full window
	_, _ = io.Copy(io.Discard, r)
	return b.String()
}

// Elevate wraps cmd for privilege elevation. It returns the command line to run
// and what to feed on stdin. Root sessions run cmd unchanged.
func Elevate(cmd string, sudo bool, caps Capabilities, secret string) (string, string) {
	if !sudo || caps.Root {
		return cmd, ""
	}
	quoted := shellescape.Quote(cmd)
	if caps.PasswordlessSudo || secret == "" {
		return "sudo -n sh -c " + quoted, ""
	}
	return "sudo -S -p '' sh -c " + quoted, secret + "\n"
}

// probe negotiates capabilities. Failures leave the conservative defaults.
func (s *SSHSession) probe(ctx context.Context) Capabilities {
	caps := Capabilities{OS: OSUnknown}
	quiet := events.Discard
	if res, err := s.exec(ctx, "id -u", ExecOptions{Tolerate: true}, quiet); err == nil {
		caps.Root = strings.TrimSpace(res.Stdout) == "0"
	}
	if !caps.Root {
		if res, err := s.exec(ctx, "sudo -n true", ExecOptions{Tolerate: true}, quiet); err == nil {
			caps.PasswordlessSudo = res.ExitCode == 0
		}
	}
	if res, err := s.exec(ctx, "cat /etc/os-release", ExecOptions{Tolerate: true}, quiet); err == nil {
		caps.OS = ParseOSRelease(res.Stdout)
	}
	return caps
}

// ParseOSRelease maps /etc/os-release content to a family.
func ParseOSRelease(content string) OSFamily {
	var ids []string
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || (key != "ID" && key != "ID_LIKE") {
			continue
		}
		ids = append(ids, strings.Fields(strings.Trim(value, `"'`))...)
	}
	for _, id := range ids {
		switch strings.ToLower(id) {
		case "debian", "ubuntu":
			return OSDebian
		case "rhel", "centos", "fedora", "rocky", "almalinux":
			return OSRedHat
		case "arch", "manjaro":
			return OSArch
		}
	}
	return OSUnknown
}

// RemoteFS returns the SFTP view of the server, starting the subsystem on first use.
func (s *SSHSession) RemoteFS() (FS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fault.WithServer(s.target.Name, fault.New(fault.Connection, "sftp", err))
		}
		s.sftp = c
	}
	return &SFTPFS{client: s.sftp}, nil
}

// Close releases the SFTP client and the connection. Safe to call more than once.
func (s *SSHSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.sftp != nil {
			_ = s.sftp.Close()
		}
		s.mu.Unlock()
		s.closeErr = s.client.Close()
		s.lg.Debug("Session closed")
	})
	return s.closeErr
}
