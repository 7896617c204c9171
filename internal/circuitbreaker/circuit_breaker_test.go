package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:                "chain",
		MinCalls:            100,
		ConsecutiveFailures: 3,
		FailureThreshold:    0.5,
		Timeout:             time.Minute,
		HalfOpenMaxCalls:    1,
		Now:                 clock.Now,
	})
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	notFound := errors.New("not found")
	cb := NewCircuitBreaker(&Config{
		Name:                "chain",
		ConsecutiveFailures: 1,
		Timeout:             time.Minute,
		IsFailure:           func(err error) bool { return !errors.Is(err, notFound) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return notFound })
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 5, cb.GetStats().Successes)
}
