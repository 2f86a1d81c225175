package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDialExhausted is returned once every connect attempt to a backend failed.
var ErrDialExhausted = errors.New("backend dial attempts exhausted")

// BackoffPolicy describes how often and how patiently a backend is retried.
// A Multiplier of 1 gives a fixed delay, 2 doubles it after every failure.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Delay returns the pause that follows the given failed attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Dialer connects to backends with a per-attempt timeout and retries
// according to Policy.
type Dialer struct {
	Policy  BackoffPolicy
	Timeout time.Duration

	// DialContext opens a single connection. Nil uses net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// OnAttempt, if set, is called after every attempt with its outcome.
	OnAttempt func(attempt int, err error)
}

// Dial connects to addr. It makes at most Policy.MaxAttempts attempts and
// gives up early only when ctx is done.
func (d Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	attempts := max(d.Policy.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := d.dialOnce(ctx, addr)
		if d.OnAttempt != nil {
			d.OnAttempt(attempt, err)
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		t := time.NewTimer(d.Policy.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w: %d attempts to %s: %w", ErrDialExhausted, attempts, addr, lastErr)
}

func (d Dialer) dialOnce(ctx context.Context, addr string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	dial := d.DialContext
	if dial == nil {
		var nd net.Dialer
		dial = nd.DialContext
	}
	return dial(ctx, "tcp", addr)
}
