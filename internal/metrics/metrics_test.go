package metrics

import (
	"testing"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordResult(t *testing.T) {
	taskResultsTotal.Reset()
	taskAttemptsTotal.Reset()

	RecordResult("exec", "Failed", "ConnectionError", 2, time.Second)
	RecordResult("exec", "Success", "", 1, time.Second)

	failed, err := taskResultsTotal.GetMetricWithLabelValues("exec", "Failed", "ConnectionError")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(failed))

	attempts, err := taskAttemptsTotal.GetMetricWithLabelValues("exec")
	assert.NoError(t, err)
	assert.Equal(t, float64(3), testutil.ToFloat64(attempts))
}

func TestSinkCountsByteDeltas(t *testing.T) {
	transferBytesTotal.Reset()
	s := NewSink()

	s.Progress(events.Progress{Server: "a", Entry: "f", BytesDone: 100})
	s.Progress(events.Progress{Server: "a", Entry: "f", BytesDone: 250})
	// retried entry restarts from zero
	s.Progress(events.Progress{Server: "a", Entry: "f", BytesDone: 50})

	c, err := transferBytesTotal.GetMetricWithLabelValues("a")
	assert.NoError(t, err)
	assert.Equal(t, float64(300), testutil.ToFloat64(c))
}

func TestSinkCountsOutputLines(t *testing.T) {
	outputLinesTotal.Reset()
	s := NewSink()
	s.Output(events.Output{Stream: events.Stderr})
	s.Output(events.Output{Stream: events.Stderr})

	c, err := outputLinesTotal.GetMetricWithLabelValues("stderr")
	assert.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(c))
}
