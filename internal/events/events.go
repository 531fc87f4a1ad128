// Package events carries progress and output notifications from the core to
// whatever renders them. The core never depends on how they are displayed.
package events

import (
	"sync"
	"time"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Progress is emitted by the transfer engine after each copied chunk.
type Progress struct {
	Server     string    `json:"server"`
	Entry      string    `json:"entry"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	BytesDone  int64     `json:"bytesDone"`
	BytesTotal int64     `json:"bytesTotal"`
	At         time.Time `json:"at"`
}

// Output is one line of remote command output.
type Output struct {
	Server string    `json:"server"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Progress(Progress)
	Output(Output)
}

type discard struct{}

func (discard) Progress(Progress) {}
func (discard) Output(Output)     {}

// Discard drops every event.
var Discard Sink = discard{}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Funcs adapts plain functions to a Sink. Nil fields drop the event.
type Funcs struct {
	OnProgress func(Progress)
	OnOutput   func(Output)
}

func (f Funcs) Progress(p Progress) {
	if f.OnProgress != nil {
		f.OnProgress(p)
	}
}

func (f Funcs) Output(o Output) {
	if f.OnOutput != nil {
		f.OnOutput(o)
	}
}

// Multi fans every event out to all sinks in order.
type Multi []Sink

func (m Multi) Progress(p Progress) {
	for _, s := range m {
		s.Progress(p)
	}
}

func (m Multi) Output(o Output) {
	for _, s := range m {
		s.Output(o)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu       sync.Mutex
	progress []Progress
	output   []Output
}

func (r *Recorder) Progress(p Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *Recorder) Output(o Output) {
	r.mu.Lock()
	r.output = append(r.output, o)
	r.mu.Unlock()
}

func (r *Recorder) ProgressEvents() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.progress...)
}

func (r *Recorder) OutputEvents() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.output...)
}
