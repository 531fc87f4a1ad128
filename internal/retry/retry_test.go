package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires immediately and records the requested delays.
type instantTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

var errReset = fault.New(fault.Connection, "read", errors.New("connection reset by peer"))

func TestDoDelaysDoubleFromBase(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxRetry: 3, Base: 100 * time.Millisecond, timer: timer}

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		return errReset
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errReset)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, timer.delays)
}

func TestDoCap(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxRetry: 4, Base: time.Second, Cap: 3 * time.Second, timer: timer}

	_, err := p.Do(context.Background(), func(context.Context, int) error { return errReset })

	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, timer.delays)
}

func TestDoStopsOnFatal(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxRetry: 5, Base: time.Millisecond, timer: timer}
	fatal := fault.New(fault.AuthExhausted, "auth", errors.New("no method accepted"))

	attempts, err := p.Do(context.Background(), func(context.Context, int) error { return fatal })

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, fault.ErrAuthExhausted)
	assert.Empty(t, timer.delays)
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	p := Policy{MaxRetry: 2, Base: time.Millisecond, timer: newInstantTimer()}
	var seen []int
	attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errReset
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoZeroRetries(t *testing.T) {
	p := Policy{timer: newInstantTimer()}
	attempts, err := p.Do(context.Background(), func(context.Context, int) error { return errReset })
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errReset)
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := Policy{MaxRetry: 3}.Do(ctx, func(context.Context, int) error {
		t.Fatal("op must not run on a cancelled context")
		return nil
	})
	assert.Equal(t, 0, attempts)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestDoCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxRetry: 3,
		Base:     time.Hour,
		OnRetry:  func(int, error, time.Duration) { cancel() },
	}
	attempts, err := p.Do(ctx, func(context.Context, int) error { return errReset })
	assert.Equal(t, 1, attempts)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestWithTransient(t *testing.T) {
	plain := errors.New("flaky")
	p := Policy{MaxRetry: 1, timer: newInstantTimer()}.WithTransient(func(err error) bool {
		return errors.Is(err, plain)
	})
	attempts, err := p.Do(context.Background(), func(context.Context, int) error { return plain })
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, plain)
}
