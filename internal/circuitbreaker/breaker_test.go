package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(ctx context.Context) error { return errors.New("boom") }
func succeeding(ctx context.Context) error { return nil }

func testBreaker(trip uint32) (*Breaker, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b := New(&Config{
		Name:        "test",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= trip },
	})
	b.WithClock(func() time.Time { return now })
	return b, &now
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, failing))
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(ctx, succeeding)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b, now := testBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	// After the timeout the breaker probes.
	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxRequests consecutive successes close it again.
	require.NoError(t, b.Do(ctx, succeeding))
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, now := testBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Do(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerLimitsHalfOpenRequests(t *testing.T) {
	b, now := testBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go b.Do(ctx, func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started

	err := b.Do(ctx, succeeding)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

type countingSender struct {
	calls int
	err   error
}

func (c *countingSender) Send(ctx context.Context, to []string, subject, body string) error {
	c.calls++
	return c.err
}

func TestGuardedEmailSenderShedsWhenOpen(t *testing.T) {
	inner := &countingSender{err: errors.New("smtp down")}
	breakers := NewEngineBreakers()
	sender := NewGuardedEmailSender(inner, breakers.Email)
	ctx := context.Background()

	// Email breaker trips on 3 consecutive failures.
	for i := 0; i < 3; i++ {
		require.Error(t, sender.Send(ctx, []string{"ops@example.com"}, "s", "b"))
	}
	require.Equal(t, 3, inner.calls)

	// Open circuit: the transport is no longer invoked.
	err := sender.Send(ctx, []string{"ops@example.com"}, "s", "b")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, inner.calls)
}
