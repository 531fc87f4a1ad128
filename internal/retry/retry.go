// Package retry is the single retry policy shared by the executor and the transfer
// engine: exponential backoff without jitter, delay = base * 2^(attempt-1).
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/cenkalti/backoff/v4"
)

const DefaultBase = time.Second

// Policy describes how many times and how patiently an operation is retried.
type Policy struct {
	// MaxRetry is the number of additional attempts after the first one.
	MaxRetry int
	// Base is the delay before the second attempt.
	Base time.Duration
	// Cap bounds a single delay. Zero means uncapped.
	Cap time.Duration
	// Transient classifies errors. Nil means fault.IsTransient.
	Transient func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	timer backoff.Timer
}

// WithTransient returns a copy of p using classify for retry decisions.
func (p Policy) WithTransient(classify func(error) bool) Policy {
	p.Transient = classify
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	maxInterval := time.Duration(math.MaxInt64)
	if p.Cap > 0 {
		maxInterval = p.Cap
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, fails with a non-transient error, exhausts the
// policy or ctx ends. attempt starts at 1. It returns the number of attempts made
// and the last error; a cancelled run yields a fault.Cancelled error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fault.New(fault.Cancelled, "retry", err)
	}
	transient := p.Transient
	if transient == nil {
		transient = fault.IsTransient
	}
	retries := p.MaxRetry
	if retries < 0 {
		retries = 0
	}

	var (
		attempts int
		lastErr  error
	)
	operation := func() error {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, delay)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(retries)), ctx)
	var err error
	if p.timer != nil {
		err = backoff.RetryNotifyWithTimer(operation, b, notify, p.timer)
	} else {
		err = backoff.RetryNotify(operation, b, notify)
	}
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if lastErr != nil && !errors.Is(lastErr, ctxErr) {
			return attempts, fault.New(fault.Cancelled, "retry", errors.Join(ctxErr, lastErr))
		}
		return attempts, fault.New(fault.Cancelled, "retry", ctxErr)
	}
	return attempts, err
}
