package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

var now = time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

func TestBackoffGrowthIsMonotonicAndCapped(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Second, Jitter: 0, MaxDelay: 10 * time.Second}

	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqualf(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqualf(t, d, 10*time.Second, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
}

func TestBackoffJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Jitter: 500 * time.Millisecond, MaxDelay: time.Hour}

	p.Rand = func(n int64) int64 { return n - 1 }
	assert.Equal(t, 4*time.Second+500*time.Millisecond, p.Backoff(2))

	p.Rand = func(int64) int64 { return 0 }
	assert.Equal(t, 4*time.Second, p.Backoff(2))
}

func TestBackoffLargeAttemptDoesNotOverflow(t *testing.T) {
	p := Policy{Base: time.Second, MaxDelay: time.Minute}
	assert.Equal(t, time.Minute, p.Backoff(500))
	assert.Equal(t, time.Second, p.Backoff(-3))
}

func TestDecideSuccess(t *testing.T) {
	d := DefaultPolicy().Decide(3, nil, false, now)
	assert.Equal(t, models.StatusCompleted, d.Status)
	assert.Nil(t, d.NextAttemptAt)
	assert.Nil(t, d.LastError)
}

func TestDecideRetryableWithinBudget(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Second, MaxDelay: time.Minute}

	d := p.Decide(2, errors.New("rate limited"), true, now)
	require.Equal(t, models.StatusRetry, d.Status)
	require.NotNil(t, d.NextAttemptAt)
	assert.Equal(t, now.Add(4*time.Second), *d.NextAttemptAt)
	assert.Equal(t, "rate limited", *d.LastError)
}

func TestDecideBudgetExhaustedOnFifthFailure(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Second, MaxDelay: time.Minute}

	for attempt := 1; attempt <= 4; attempt++ {
		d := p.Decide(attempt, errors.New("timeout"), true, now)
		assert.Equalf(t, models.StatusRetry, d.Status, "attempt %d", attempt)
	}

	d := p.Decide(5, errors.New("fifth failure"), true, now)
	assert.Equal(t, models.StatusDeadLetter, d.Status)
	assert.Nil(t, d.NextAttemptAt)
	assert.Equal(t, "fifth failure", *d.LastError)
}

func TestDecideNonRetryableGoesStraightToDeadLetter(t *testing.T) {
	d := DefaultPolicy().Decide(1, errors.New("validation failed"), false, now)
	assert.Equal(t, models.StatusDeadLetter, d.Status)
	assert.Nil(t, d.NextAttemptAt)
}
