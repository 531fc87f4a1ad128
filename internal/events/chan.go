package events

import "sync"

// Chan delivers events on buffered channels for a renderer goroutine.
// When a buffer is full the event is dropped and counted rather than
// stalling the worker that produced it.
type Chan struct {
	ProgressC chan Progress
	OutputC   chan Output

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewChan(buffer int) *Chan {
	if buffer <= 0 {
		buffer = 256
	}
	return &Chan{
		ProgressC: make(chan Progress, buffer),
		OutputC:   make(chan Output, buffer),
	}
}

func (c *Chan) Progress(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ProgressC <- p:
	default:
		c.dropped++
	}
}

// Output lines are never dropped; the renderer must keep up.
func (c *Chan) Output(o Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.OutputC <- o
}

// Dropped reports how many progress events were discarded.
func (c *Chan) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close closes both channels. Later events are ignored.
func (c *Chan) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ProgressC)
	close(c.OutputC)
}
