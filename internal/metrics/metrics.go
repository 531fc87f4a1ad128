// Package metrics holds the Prometheus collectors exposed by `biusrv serve`.
package metrics

import (
	"sync"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	taskResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "biusrv",
			Subsystem: "executor",
			Name:      "results_total",
			Help:      "Per-server task results by operation, outcome and error kind",
		},
		[]string{"operation", "outcome", "kind"},
	)

	taskAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "biusrv",
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Attempts made per operation, including retries",
		},
		[]string{"operation"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "biusrv",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Duration of a per-server task in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"operation"},
	)

	transferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "biusrv",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes copied by the transfer engine",
		},
		[]string{"server"},
	)

	outputLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "biusrv",
			Subsystem: "session",
			Name:      "output_lines_total",
			Help:      "Remote output lines by stream",
		},
		[]string{"stream"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		taskResultsTotal,
		taskAttemptsTotal,
		taskDuration,
		transferBytesTotal,
		outputLinesTotal,
	)
}

// RecordResult records one per-server task outcome.
func RecordResult(operation, outcome, kind string, attempts int, d time.Duration) {
	taskResultsTotal.WithLabelValues(operation, outcome, kind).Inc()
	taskAttemptsTotal.WithLabelValues(operation).Add(float64(attempts))
	taskDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Sink counts transferred bytes and output lines from the event stream.
// Progress carries cumulative byte counts, so the sink keeps the last value
// per server and entry to derive deltas.
type Sink struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewSink() *Sink {
	return &Sink{last: make(map[string]int64)}
}

func (s *Sink) Progress(p events.Progress) {
	key := p.Server + "\x00" + p.Entry
	s.mu.Lock()
	prev, ok := s.last[key]
	if !ok || p.BytesDone < prev {
		prev = 0
	}
	s.last[key] = p.BytesDone
	s.mu.Unlock()
	if delta := p.BytesDone - prev; delta > 0 {
		transferBytesTotal.WithLabelValues(p.Server).Add(float64(delta))
	}
}

func (s *Sink) Output(o events.Output) {
	outputLinesTotal.WithLabelValues(string(o.Stream)).Inc()
}
