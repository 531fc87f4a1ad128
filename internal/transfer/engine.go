package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/retry"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/lg"
)

const DefaultChunkSize = 64 * 1024

// Options are the per-job knobs. Zero values mean no overwrite, no resume and no retries.
type Options struct {
	Force        bool
	Resume       bool
	HideProgress bool
	MaxRetry     int
	// Base is the first backoff delay between entry attempts.
	Base time.Duration
}

type Status int

const (
	Copied Status = iota
	Skipped
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Copied:
		return "copied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "cancelled"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type EntryResult struct {
	Entry    Entry  `json:"entry"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Offset   int64  `json:"offset"`
	Bytes    int64  `json:"bytes"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// Result aggregates per-entry outcomes in plan order.
type Result struct {
	Plan    *Plan         `json:"plan"`
	Entries []EntryResult `json:"entries"`
}

func (r *Result) count(s Status) int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == s {
			n++
		}
	}
	return n
}

func (r *Result) Copied() int  { return r.count(Copied) }
func (r *Result) Skipped() int { return r.count(Skipped) }
func (r *Result) Failed() int  { return r.count(Failed) }

// Bytes is what this run actually moved.
func (r *Result) Bytes() int64 {
	var n int64
	for _, e := range r.Entries {
		n += e.Bytes
	}
	return n
}

// Err is nil unless an entry failed or was cancelled. Skips are not errors.
func (r *Result) Err() error {
	var errs []error
	cancelled := false
	for _, e := range r.Entries {
		switch e.Status {
		case Failed:
			errs = append(errs, fmt.Errorf("%s: %w", e.Entry.Rel, e.Err))
		case Cancelled:
			cancelled = true
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if cancelled {
		return fault.New(fault.Cancelled, "transfer", context.Canceled)
	}
	return nil
}

// Engine executes plans for one server. An Engine remembers the entries it
// finished and the destinations it wrote, so executing the plan again after a
// lost connection continues where the previous run stopped.
type Engine struct {
	Server    string
	Sink      events.Sink
	Logger    lg.Logger
	ChunkSize int
	// Reopen returns a fresh remote filesystem. It is called before retrying
	// an entry whose previous attempt lost the connection.
	Reopen func(ctx context.Context) (session.FS, error)

	wrote map[string]bool
	done  map[string]EntryResult
}

// endpoints are the filesystems of one Execute call; the remote side is
// replaced after a reconnect.
type endpoints struct {
	src, dst session.FS
	dir      Direction
}

func (e *Engine) reopen(ctx context.Context, ep *endpoints) error {
	if e.Reopen == nil {
		return nil
	}
	fsys, err := e.Reopen(ctx)
	if err != nil {
		return err
	}
	if ep.dir == Upload {
		ep.dst = fsys
	} else {
		ep.src = fsys
	}
	e.logger().Info("Reopened remote filesystem", lg.String("server", e.Server))
	return nil
}

func (e *Engine) chunkSize() int {
	if e.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return e.ChunkSize
}

func (e *Engine) logger() lg.Logger {
	if e.Logger == nil {
		return lg.Discard
	}
	return e.Logger
}

// Execute copies every entry of plan from src to dst. Entries are independent: one
// failing after its retries does not stop the others. Cancellation is honored
// between chunks, so a partial file always ends on a chunk boundary.
func (e *Engine) Execute(ctx context.Context, plan *Plan, src, dst session.FS, opts Options) *Result {
	res := &Result{Plan: plan, Entries: make([]EntryResult, 0, len(plan.Entries))}
	policy := retry.Policy{MaxRetry: opts.MaxRetry, Base: opts.Base}
	logger := e.logger().With(lg.String("server", e.Server), lg.String("direction", plan.Direction.String()))

	for _, p := range plan.Skipped {
		logger.Warn("Skipping non-regular file", lg.String("path", p))
	}
	for _, d := range plan.Dirs {
		_, err := policy.Do(ctx, func(context.Context, int) error { return dst.MkdirAll(d) })
		if err != nil {
			logger.Warn("Failed to create directory", lg.String("path", d), lg.Err(err))
		}
	}

	if e.wrote == nil {
		e.wrote = make(map[string]bool)
		e.done = make(map[string]EntryResult)
	}
	ep := &endpoints{src: src, dst: dst, dir: plan.Direction}
	total := len(plan.Entries)
	for i, entry := range plan.Entries {
		if prev, ok := e.done[entry.Dst]; ok {
			res.Entries = append(res.Entries, prev)
			continue
		}
		if ctx.Err() != nil {
			res.Entries = append(res.Entries, EntryResult{Entry: entry, Status: Cancelled, Err: fault.New(fault.Cancelled, "transfer", ctx.Err())})
			continue
		}
		er := e.entry(ctx, policy, ep, entry, i+1, total, opts)
		if er.Status == Copied || er.Status == Skipped {
			e.done[entry.Dst] = er
		}
		switch er.Status {
		case Failed:
			logger.Error("Transfer failed", lg.String("entry", entry.Rel), lg.Int("attempts", er.Attempts), lg.Err(er.Err))
		case Skipped:
			logger.Info("Transfer skipped", lg.String("entry", entry.Rel), lg.String("reason", er.Reason))
		case Copied:
			logger.Debug("Transfer done", lg.String("entry", entry.Rel), lg.Int64("bytes", er.Bytes), lg.Int64("offset", er.Offset))
		}
		res.Entries = append(res.Entries, er)
	}
	return res
}

func (e *Engine) entry(ctx context.Context, policy retry.Policy, ep *endpoints, entry Entry, index, total int, opts Options) EntryResult {
	er := EntryResult{Entry: entry}
	reconnect := false

	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if reconnect {
			if err := e.reopen(ctx, ep); err != nil {
				return err
			}
			reconnect = false
		}
		err := e.attempt(ctx, ep, entry, index, total, opts, &er)
		if fault.KindOf(err) == fault.Connection {
			reconnect = true
		}
		return err
	})
	er.Attempts = attempts
	switch {
	case err == nil && er.Status == Skipped:
	case err == nil:
		er.Status = Copied
	case fault.KindOf(err) == fault.Cancelled:
		er.Status, er.Err = Cancelled, err
	default:
		er.Status, er.Err = Failed, err
	}
	return er
}

func (e *Engine) attempt(ctx context.Context, ep *endpoints, entry Entry, index, total int, opts Options, er *EntryResult) error {
	offset, skip, err := decide(ep.dst, entry, opts, e.wrote[entry.Dst])
	if err != nil {
		return err
	}
	if skip != nil {
		er.Status, er.Reason, er.Err = Skipped, skip.reason, skip.err
		return nil
	}
	er.Offset = offset
	e.wrote[entry.Dst] = true
	n, err := e.copy(ctx, ep.src, ep.dst, entry, offset, index, total, opts.HideProgress)
	er.Bytes += n
	return err
}

type skipDecision struct {
	reason string
	err    error
}

// decide picks the write offset for entry, or a reason to leave it alone. It is
// evaluated live on every attempt.
func decide(dst session.FS, entry Entry, opts Options, owned bool) (int64, *skipDecision, error) {
	info, err := dst.Stat(entry.Dst)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("stat %s: %w", entry.Dst, err)
	}
	if info.IsDir() {
		return 0, nil, fault.New(fault.PathMismatch, "transfer", fmt.Errorf("destination %s is a directory", entry.Dst))
	}
	size := info.Size()
	switch {
	case opts.Force:
		return 0, nil, nil
	case opts.Resume && size < entry.Size:
		return size, nil, nil
	case owned:
		// a previous attempt of this job wrote a partial file
		return 0, nil, nil
	case opts.Resume && size == entry.Size:
		return 0, &skipDecision{reason: "destination already complete"}, nil
	case opts.Resume:
		return 0, &skipDecision{reason: fmt.Sprintf("destination larger than source (%d > %d bytes)", size, entry.Size)}, nil
	default:
		return 0, &skipDecision{
			reason: "destination exists",
			err:    fault.New(fault.AlreadyExists, "transfer", fmt.Errorf("%s exists; use force or resume", entry.Dst)),
		}, nil
	}
}

func (e *Engine) copy(ctx context.Context, src, dst session.FS, entry Entry, offset int64, index, total int, hide bool) (int64, error) {
	r, err := src.OpenRange(entry.Src, offset)
	if err != nil {
		return 0, fmt.Errorf("open source %s: %w", entry.Src, err)
	}
	defer r.Close()
	w, err := dst.OpenWriteAt(entry.Dst, offset)
	if err != nil {
		return 0, fmt.Errorf("open destination %s: %w", entry.Dst, err)
	}

	sink := events.OrDiscard(e.Sink)
	buf := make([]byte, e.chunkSize())
	done := offset
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			w.Close()
			return written, fault.New(fault.Cancelled, "transfer", err)
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				w.Close()
				return written, fmt.Errorf("write %s: %w", entry.Dst, err)
			}
			written += int64(n)
			done += int64(n)
			if !hide {
				sink.Progress(events.Progress{
					Server:     e.Server,
					Entry:      entry.Rel,
					Index:      index,
					Total:      total,
					BytesDone:  done,
					BytesTotal: entry.Size,
					At:         time.Now(),
				})
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			w.Close()
			return written, fmt.Errorf("read %s: %w", entry.Src, rerr)
		}
	}
	if err := w.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", entry.Dst, err)
	}
	return written, nil
}
