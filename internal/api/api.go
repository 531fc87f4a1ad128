// Package api is the HTTP front end of `biusrv serve`. It starts exec runs
// asynchronously and keeps their reports in memory.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/metrics"
	"github.com/andrej220/biusrv/internal/ops"
	"github.com/andrej220/biusrv/internal/processor"
	"github.com/andrej220/biusrv/internal/serverutil"
	"github.com/andrej220/biusrv/pkg/config"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/andrej220/biusrv/pkg/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultKeepRuns is how many finished runs stay queryable.
const DefaultKeepRuns = 200

type run struct {
	mu     sync.Mutex
	status models.RunStatus
}

func (r *run) snapshot() models.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

type Server struct {
	Executor *executor.Executor
	Logger   lg.Logger
	KeepRuns int

	base context.Context
	wg   sync.WaitGroup

	invMu sync.RWMutex
	inv   *config.Inventory

	runsMu sync.Mutex
	runs   map[uuid.UUID]*run
	order  []uuid.UUID
}

// New returns a Server whose runs are cancelled when ctx is done.
func New(ctx context.Context, exec *executor.Executor, inv *config.Inventory, logger lg.Logger) *Server {
	if logger == nil {
		logger = lg.Discard
	}
	return &Server{
		Executor: exec,
		Logger:   logger,
		KeepRuns: DefaultKeepRuns,
		base:     ctx,
		inv:      inv,
		runs:     make(map[uuid.UUID]*run),
	}
}

// SetInventory swaps the inventory used by new runs.
func (s *Server) SetInventory(inv *config.Inventory) {
	s.invMu.Lock()
	defer s.invMu.Unlock()
	s.inv = inv
}

func (s *Server) inventory() *config.Inventory {
	s.invMu.RLock()
	defer s.invMu.RUnlock()
	return s.inv
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /exec", serverutil.NewValidationHandler[models.ExecRequest](http.HandlerFunc(s.handleExec)))
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		serverutil.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Wait blocks until every started run has finished.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleExec(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.ExecRequest](r.Context())
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, errors.New("request not decoded"))
		return
	}

	inv := s.inventory()
	targets, err := inv.Targets(req.Servers, req.All)
	if err != nil {
		serverutil.WriteError(rw, http.StatusBadRequest, err)
		return
	}

	op := &ops.Exec{Command: req.Command, Sudo: req.Sudo, Shape: processor.Shape(req.Shape)}
	if len(req.Processors) > 0 {
		chain := processor.NewProcessorChain()
		names, err := chain.ParseNames(strings.Join(req.Processors, ","))
		if err == nil {
			if op.Shape == "" {
				op.Shape = processor.ShapeString
			}
			err = chain.Validate(op.Shape, names...)
		}
		if err != nil {
			serverutil.WriteError(rw, http.StatusBadRequest, err)
			return
		}
		op.Chain, op.Processors = chain, names
	}

	policy := inv.Policy()
	if req.MaxRetry != nil {
		policy.MaxRetry = *req.MaxRetry
	}

	id := uuid.New()
	rn := &run{status: models.RunStatus{
		RunID:   id,
		State:   models.RunRunning,
		Command: req.Command,
		Started: time.Now(),
	}}
	s.store(id, rn)

	logger := s.Logger.With(lg.String("run", id.String()))
	logger.Info("Exec accepted", lg.Int("servers", len(targets)), lg.String("command", req.Command))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := lg.Attach(s.base, logger)
		report := s.Executor.Run(ctx, executor.TaskSpec{
			Servers:     targets,
			Op:          op,
			Policy:      policy,
			Concurrency: inv.Manage.Threads,
			RunID:       id,
		})
		s.finish(rn, report, op)
	}()

	serverutil.WriteJSON(rw, http.StatusAccepted, models.ExecResponse{RunID: id})
}

func (s *Server) finish(rn *run, report *executor.Report, op *ops.Exec) {
	results := make([]models.ServerResult, 0, len(report.Results))
	output := make(map[string][]string)
	for _, res := range report.Sorted() {
		sr := models.ServerResult{
			Server:   res.Server,
			Outcome:  res.Outcome.String(),
			Message:  res.Message,
			Attempts: res.Attempts,
		}
		if res.Outcome == executor.Failed {
			sr.Kind = res.Kind.String()
		}
		results = append(results, sr)
		if lines := op.Output(res.Server); lines != nil {
			output[res.Server] = lines
		}
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	finished := report.Finished
	rn.status.State = models.RunFinished
	rn.status.Finished = &finished
	rn.status.Results = results
	rn.status.Output = output
}

// store keeps at most KeepRuns runs, dropping the oldest first.
func (s *Server) store(id uuid.UUID, rn *run) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs[id] = rn
	s.order = append(s.order, id)
	keep := s.KeepRuns
	if keep <= 0 {
		keep = DefaultKeepRuns
	}
	for len(s.order) > keep {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Server) lookup(id uuid.UUID) (*run, bool) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	rn, ok := s.runs[id]
	return rn, ok
}

func (s *Server) handleRun(rw http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		serverutil.WriteError(rw, http.StatusBadRequest, fmt.Errorf("invalid run id: %w", err))
		return
	}
	rn, ok := s.lookup(id)
	if !ok {
		serverutil.WriteError(rw, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, rn.snapshot())
}

func (s *Server) handleListRuns(rw http.ResponseWriter, _ *http.Request) {
	s.runsMu.Lock()
	list := make([]models.RunStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.runs[id].snapshot()
		st.Results, st.Output = nil, nil
		list = append(list, st)
	}
	s.runsMu.Unlock()
	sort.SliceStable(list, func(i, j int) bool { return list[i].Started.After(list[j].Started) })
	serverutil.WriteJSON(rw, http.StatusOK, list)
}

func (s *Server) handleServers(rw http.ResponseWriter, _ *http.Request) {
	serverutil.WriteJSON(rw, http.StatusOK, s.inventory().Names())
}
