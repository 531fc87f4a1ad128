// Package multishell drives interactive shells on several servers at once:
// operator input is broadcast to every shell and their output is interleaved
// line by line, tagged with the server name.
package multishell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/lg"
	"golang.org/x/sync/errgroup"
)

// DetachByte (Ctrl-]) ends a run from the operator side.
const DetachByte = 0x1d

const (
	DefaultHistory = 1000
	DefaultLimit   = 10
)

// ErrDetached is returned by Run when the operator detached.
var ErrDetached = errors.New("detached")

var ErrNoChannels = errors.New("no open shells")

type Manager struct {
	Opener session.Opener
	// Limit bounds concurrent opens.
	Limit int
	Shell session.ShellOptions
	// HistoryLines bounds the per-server output history.
	HistoryLines int
	// Prefix renders the tag put before each line when more than one shell is
	// open. Defaults to "[name] ".
	Prefix func(name string) string
	Logger lg.Logger

	mu       sync.Mutex
	sessions map[string]session.Session
	channels map[string]session.Channel
	history  map[string]*ring
}

// OpenAll opens one session and one shell per target concurrently. A target
// that fails to open is reported in the error map and left out; nothing is
// retried.
func (m *Manager) OpenAll(ctx context.Context, targets []session.Target) (map[string]session.Channel, map[string]error) {
	m.mu.Lock()
	if m.sessions == nil {
		m.sessions = make(map[string]session.Session)
		m.channels = make(map[string]session.Channel)
		m.history = make(map[string]*ring)
	}
	m.mu.Unlock()

	limit := m.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	opts := m.Shell
	opts.Echo = len(targets) == 1

	var (
		mu       sync.Mutex
		opened   = make(map[string]session.Channel)
		failures = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, t := range targets {
		g.Go(func() error {
			sess, ch, err := m.open(gctx, t, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[t.Name] = err
				m.logger().Error("Shell open failed", lg.String("server", t.Name), lg.Err(err))
				return nil
			}
			opened[t.Name] = ch
			m.mu.Lock()
			m.sessions[t.Name] = sess
			m.channels[t.Name] = ch
			if _, ok := m.history[t.Name]; !ok {
				m.history[t.Name] = newRing(m.historyLines())
			}
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return opened, failures
}

func (m *Manager) open(ctx context.Context, t session.Target, opts session.ShellOptions) (session.Session, session.Channel, error) {
	sess, err := m.Opener.Open(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	ch, err := sess.Shell(ctx, opts)
	if err != nil {
		sess.Close()
		return nil, nil, err
	}
	return sess, ch, nil
}

type display struct {
	server string
	data   []byte
}

// Run streams operator input to the open shells until every shell has exited,
// ctx ends or the operator detaches. With more than one shell, input is read
// in lines; "/history [name]" prints recorded output locally. Every shell and
// session is closed before Run returns.
func (m *Manager) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	m.mu.Lock()
	active := make(map[string]session.Channel, len(m.channels))
	for name, ch := range m.channels {
		active[name] = ch
	}
	m.mu.Unlock()
	defer m.Close()
	if len(active) == 0 {
		return ErrNoChannels
	}
	multi := len(active) > 1

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	displayC := make(chan display, 64)
	doneC := make(chan string, len(active))
	detachC := make(chan struct{})
	inputs := make(map[string]*inputQueue, len(active))

	for name, ch := range active {
		input := &inputQueue{c: make(chan []byte, 64), gone: make(chan struct{})}
		inputs[name] = input
		wg.Add(2)
		go func() {
			defer wg.Done()
			writeInput(runCtx, ch.Stdin(), input.c)
		}()
		go func() {
			defer wg.Done()
			m.readOutput(runCtx, name, ch.Stdout(), multi, displayC)
			select {
			case doneC <- name:
			case <-runCtx.Done():
			}
		}()
	}

	// not waited for: a blocked read on the operator's terminal cannot be
	// interrupted
	go m.readInput(runCtx, in, multi, inputs, displayC, detachC)

	var runErr error
loop:
	for len(active) > 0 {
		select {
		case <-runCtx.Done():
			runErr = ctx.Err()
			break loop
		case <-detachC:
			runErr = ErrDetached
			break loop
		case d := <-displayC:
			if _, err := out.Write(d.data); err != nil {
				runErr = fmt.Errorf("write output: %w", err)
				break loop
			}
		case name := <-doneC:
			if ch, ok := active[name]; ok {
				close(inputs[name].gone)
				ch.Close()
				delete(active, name)
				m.logger().Info("Shell closed", lg.String("server", name))
			}
		}
	}
	// drain what the readers already queued
	for {
		select {
		case d := <-displayC:
			_, _ = out.Write(d.data)
			continue
		default:
		}
		break
	}
	cancel()
	m.closeChannels()
	wg.Wait()
	return runErr
}

// inputQueue feeds one shell's stdin. gone is closed once the shell has left
// the active set.
type inputQueue struct {
	c    chan []byte
	gone chan struct{}
}

// writeInput copies queued input to w. After a failed write the queue is
// still drained so the broadcaster never blocks on a dead shell.
func writeInput(ctx context.Context, w io.WriteCloser, input <-chan []byte) {
	broken := false
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-input:
			if !ok {
				w.Close()
				return
			}
			if broken {
				continue
			}
			if _, err := w.Write(chunk); err != nil {
				broken = true
			}
		}
	}
}

// readInput fans operator input out to every shell. At EOF each shell's stdin
// is closed so remote shells can exit on their own.
func (m *Manager) readInput(ctx context.Context, in io.Reader, multi bool, inputs map[string]*inputQueue, displayC chan<- display, detachC chan<- struct{}) {
	broadcast := func(chunk []byte) bool {
		for _, input := range inputs {
			c := append([]byte(nil), chunk...)
			select {
			case input.c <- c:
			case <-input.gone:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}
	defer func() {
		for _, input := range inputs {
			close(input.c)
		}
	}()

	if !multi {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, DetachByte); i >= 0 {
					if i > 0 {
						broadcast(chunk[:i])
					}
					close(detachC)
					return
				}
				if !broadcast(chunk) {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, DetachByte); i >= 0 {
			close(detachC)
			return
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case strings.HasPrefix(input, "/history"):
			fields := strings.Fields(input)
			var buf bytes.Buffer
			if len(fields) > 1 {
				m.WriteHistory(&buf, fields[1])
			} else {
				m.WriteHistory(&buf, "")
			}
			select {
			case displayC <- display{data: buf.Bytes()}:
			case <-ctx.Done():
				return
			}
		default:
			if !broadcast([]byte(input + "\n")) {
				return
			}
		}
	}
}

// readOutput forwards a shell's output. With several shells it is split into
// lines, each tagged with the server; a single shell is passed through raw.
func (m *Manager) readOutput(ctx context.Context, name string, r io.Reader, multi bool, displayC chan<- display) {
	hist := m.ring(name)
	send := func(b []byte) bool {
		select {
		case displayC <- display{server: name, data: b}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	prefix := m.prefix(name)
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !multi {
				if !send(append([]byte(nil), chunk...)) {
					return
				}
			}
			pending = append(pending, chunk...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				if line == "" {
					continue
				}
				hist.add(line)
				if multi && !send([]byte(prefix+line+"\n")) {
					return
				}
			}
		}
		if err != nil {
			if line := strings.TrimRight(string(pending), "\r"); line != "" {
				hist.add(line)
				if multi {
					send([]byte(prefix + line + "\n"))
				}
			}
			return
		}
	}
}

// History returns up to HistoryLines of the most recent output lines of name.
func (m *Manager) History(name string) []string {
	m.mu.Lock()
	r := m.history[name]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.lines()
}

// Servers lists the servers with recorded history.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.history))
	for name := range m.history {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WriteHistory prints the history of name, or of every server when name is empty.
func (m *Manager) WriteHistory(w io.Writer, name string) {
	names := []string{name}
	if name == "" {
		names = m.Servers()
	}
	for _, n := range names {
		lines := m.History(n)
		if lines == nil {
			fmt.Fprintf(w, "no history for %s\n", n)
			continue
		}
		fmt.Fprintf(w, "--- %s (%d lines)\n", n, len(lines))
		for i, l := range lines {
			fmt.Fprintf(w, "%4d | %s\n", i+1, l)
		}
	}
}

// Resize forwards a terminal size change to every open shell.
func (m *Manager) Resize(cols, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		if err := ch.Resize(cols, rows); err != nil {
			m.logger().Debug("Resize failed", lg.String("server", name), lg.Err(err))
		}
	}
}

func (m *Manager) closeChannels() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		ch.Close()
	}
}

// Close releases every shell and session. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, ch := range m.channels {
		ch.Close()
		delete(m.channels, name)
	}
	for name, sess := range m.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(m.sessions, name)
	}
	return errors.Join(errs...)
}

func (m *Manager) ring(name string) *ring {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.history[name]
	if !ok {
		r = newRing(m.historyLines())
		m.history[name] = r
	}
	return r
}

func (m *Manager) prefix(name string) string {
	if m.Prefix != nil {
		return m.Prefix(name)
	}
	return "[" + name + "] "
}

func (m *Manager) historyLines() int {
	if m.HistoryLines <= 0 {
		return DefaultHistory
	}
	return m.HistoryLines
}

func (m *Manager) logger() lg.Logger {
	if m.Logger == nil {
		return lg.Discard
	}
	return m.Logger
}

// ring keeps the last n lines.
type ring struct {
	mu    sync.Mutex
	buf   []string
	start int
	n     int
}

func newRing(n int) *ring { return &ring{buf: make([]string, 0, n), n: n} }

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.n {
		r.buf = append(r.buf, line)
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % r.n
}

func (r *ring) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.start:]...)
	return append(out, r.buf[:r.start]...)
}
