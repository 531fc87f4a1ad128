package session

import (
	"errors"
	"sync"
	"time"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the per-server circuit breaker around dialing.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// breakers hands out one circuit breaker per server name.
type breakers struct {
	mu       sync.Mutex
	settings BreakerSettings
	byName   map[string]*gobreaker.CircuitBreaker
}

func newBreakers(s BreakerSettings) *breakers {
	return &breakers{settings: s, byName: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byName[name]
	if !ok {
		limit := b.settings.ConsecutiveFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ssh-dial:" + name,
			MaxRequests: b.settings.MaxRequests,
			Interval:    b.settings.Interval,
			Timeout:     b.settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= limit
			},
			// only transport failures say anything about the host being down
			IsSuccessful: func(err error) bool {
				return err == nil || !fault.IsTransient(err)
			},
		})
		b.byName[name] = cb
	}
	return cb
}

// execute runs dial through the breaker for name. An open breaker surfaces as a
// Connection error so the retry policy backs off instead of giving up.
func (b *breakers) execute(name string, dial func() (any, error)) (any, error) {
	res, err := b.get(name).Execute(dial)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fault.New(fault.Connection, "dial", err)
	}
	return res, err
}

func (b *breakers) state(name string) gobreaker.State {
	return b.get(name).State()
}
