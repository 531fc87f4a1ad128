package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/retry"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/google/uuid"
)

type OpKind int

const (
	Exec OpKind = iota
	ScriptStep
	TransferJob
	FirewallEdit
)

func (k OpKind) String() string {
	switch k {
	case Exec:
		return "exec"
	case ScriptStep:
		return "script"
	case TransferJob:
		return "transfer"
	case FirewallEdit:
		return "firewall"
	default:
		return "unknown"
	}
}

func (k OpKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Operation is the per-server work of a task. Run gets a freshly opened session
// for every attempt and must not close it.
type Operation interface {
	Kind() OpKind
	Run(ctx context.Context, sess session.Session) error
}

// Classifier lets an operation decide which of its own errors are worth another
// attempt. Errors from opening the session are always classified by the policy.
type Classifier interface {
	Retryable(err error) bool
}

// OpFunc adapts a function to Operation.
type OpFunc struct {
	OpKind OpKind
	Fn     func(ctx context.Context, sess session.Session) error
}

func (f OpFunc) Kind() OpKind { return f.OpKind }

func (f OpFunc) Run(ctx context.Context, sess session.Session) error { return f.Fn(ctx, sess) }

type TaskSpec struct {
	Servers []session.Target
	Op      Operation
	Policy  retry.Policy
	// Concurrency bounds parallel servers. Zero derives it from the server count
	// and the executor's thread limit.
	Concurrency int
	// RunID names the run. A nil id gets a fresh one.
	RunID uuid.UUID
}

type Outcome int

const (
	Success Outcome = iota
	Failed
	Skipped
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "cancelled"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

type TaskResult struct {
	Server   string        `json:"server"`
	Outcome  Outcome       `json:"outcome"`
	Kind     fault.Kind    `json:"kind,omitempty"`
	Message  string        `json:"message,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

func (r *TaskResult) String() string {
	if r.Outcome == Failed {
		return fmt.Sprintf("%s: failed (%s) after %d attempt(s): %s", r.Server, r.Kind, r.Attempts, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Server, r.Outcome)
}

// Report holds one result per distinct server of a run.
type Report struct {
	RunID     uuid.UUID              `json:"runId"`
	Operation OpKind                 `json:"operation"`
	Started   time.Time              `json:"started"`
	Finished  time.Time              `json:"finished"`
	Results   map[string]*TaskResult `json:"results"`
}

func newReport(id uuid.UUID, kind OpKind) *Report {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Report{
		RunID:     id,
		Operation: kind,
		Started:   time.Now(),
		Results:   make(map[string]*TaskResult),
	}
}

// Failed reports whether any server failed or was cancelled.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome == Failed || res.Outcome == Cancelled {
			return true
		}
	}
	return false
}

// Sorted returns the results ordered by server name.
func (r *Report) Sorted() []*TaskResult {
	out := make([]*TaskResult, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Err joins the errors of failed and cancelled servers.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Sorted() {
		if res.Outcome != Failed && res.Outcome != Cancelled {
			continue
		}
		if res.Err != nil {
			errs = append(errs, fault.WithServer(res.Server, res.Err))
		} else {
			errs = append(errs, fmt.Errorf("%s: %s", res.Server, res.Outcome))
		}
	}
	return errors.Join(errs...)
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
