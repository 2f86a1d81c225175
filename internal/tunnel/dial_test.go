package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffPolicyDelay(t *testing.T) {
	exp := BackoffPolicy{MaxAttempts: 8, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		require.Equal(t, w*time.Second, exp.Delay(i+1), "attempt %d", i+1)
	}

	fixed := BackoffPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		require.Equal(t, 500*time.Millisecond, fixed.Delay(attempt))
	}

	// multipliers below one never shrink the delay
	odd := BackoffPolicy{BaseDelay: time.Second, Multiplier: 0.5}
	require.Equal(t, time.Second, odd.Delay(4))
}

func TestBackoffPolicyNonDecreasingAndCapped(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 20, BaseDelay: 1500 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt < 20; attempt++ {
		d := p.Delay(attempt)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestDialRetryBound(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	refused := errors.New("connection refused")
	d := Dialer{
		Policy:  BackoffPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 25 * time.Millisecond},
		Timeout: time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			return nil, refused
		},
	}

	conn, err := d.Dial(context.Background(), "127.0.0.1:1")
	require.Nil(t, conn)
	require.ErrorIs(t, err, ErrDialExhausted)
	require.ErrorIs(t, err, refused)
	require.Len(t, times, 4)

	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		require.GreaterOrEqual(t, gap, d.Policy.Delay(i), "gap after attempt %d", i)
	}
}

func TestDialRefusedBackend(t *testing.T) {
	var attempts []error
	d := Dialer{
		Policy:    BackoffPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond},
		Timeout:   time.Second,
		OnAttempt: func(attempt int, err error) { attempts = append(attempts, err) },
	}

	_, err := d.Dial(context.Background(), closedAddr(t))
	require.ErrorIs(t, err, ErrDialExhausted)
	require.Len(t, attempts, 3)
	for _, e := range attempts {
		require.Error(t, e)
	}
}

func TestDialSucceedsAfterFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	calls := 0
	var nd net.Dialer
	d := Dialer{
		Policy: BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("not yet")
			}
			return nd.DialContext(ctx, network, addr)
		},
	}

	conn, err := d.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
	require.Equal(t, 3, calls)
}

func TestDialAttemptTimeout(t *testing.T) {
	d := Dialer{
		Policy:  BackoffPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		Timeout: 30 * time.Millisecond,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	start := time.Now()
	_, err := d.Dial(context.Background(), "hung:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestDialStopsOnCancel(t *testing.T) {
	d := Dialer{
		Policy: BackoffPolicy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("refused")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.Dial(ctx, "x:1")
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}
