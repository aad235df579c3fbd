package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Config holds configuration for bounded retry.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns the request retry policy used by the vendor clients.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryAfterer is implemented by errors that carry a server-requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Do executes fn with exponential backoff until it succeeds, returns a
// permanent error, attempts run out or ctx is done. The returned error is
// never wrapped in the permanent marker.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		var ra RetryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > wait {
			wait = ra.RetryAfter()
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		if err := Sleep(ctx, wait); err != nil {
			return lastErr
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff produces reconnect delays that never decrease and never exceed Max.
// Jitter only shortens a delay, and a delay is never shorter than the previous one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	mu      sync.Mutex
	attempt int
	last    time.Duration
	rnd     func() float64
}

// NewBackoff builds a Backoff with the given bounds.
func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	return &Backoff{Initial: initial, Max: max, Jitter: jitter, rnd: rand.Float64}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.Initial
	for i := 0; i < b.attempt && base < b.Max; i++ {
		base *= 2
	}
	if base > b.Max {
		base = b.Max
	}
	b.attempt++

	d := base
	if b.Jitter > 0 {
		r := 0.5
		if b.rnd != nil {
			r = b.rnd()
		}
		d = time.Duration(float64(base) * (1 - b.Jitter*r))
	}
	if d < b.last {
		d = b.last
	}
	if d > b.Max {
		d = b.Max
	}
	b.last = d
	return d
}

// Reset starts the sequence over, typically after a stable connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.last = 0
	b.mu.Unlock()
}

// Attempt returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
