package retry

import (
	"math/rand/v2"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// Policy decides between RETRY and DEAD_LETTER for a failed attempt.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Base        time.Duration `mapstructure:"base"`
	Jitter      time.Duration `mapstructure:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`

	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64 `mapstructure:"-"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        time.Second,
		Jitter:      time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Backoff returns base * 2^attempt + random(0, jitter), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.Jitter > 0 {
		delay += time.Duration(p.randN(int64(p.Jitter) + 1))
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Decision is the persisted result of one attempt.
type Decision struct {
	Status        models.EventStatus
	NextAttemptAt *time.Time
	LastError     *string
}

// Decide maps an attempt result to the next status. attemptCount already includes
// the attempt that just finished. failure == nil means the attempt succeeded.
func (p Policy) Decide(attemptCount int, failure error, retryable bool, now time.Time) Decision {
	if failure == nil {
		return Decision{Status: models.StatusCompleted}
	}

	p = p.withDefaults()
	msg := failure.Error()

	if !retryable || attemptCount >= p.MaxAttempts {
		return Decision{Status: models.StatusDeadLetter, LastError: &msg}
	}

	next := now.Add(p.Backoff(attemptCount)).UTC()
	return Decision{Status: models.StatusRetry, NextAttemptAt: &next, LastError: &msg}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) randN(n int64) int64 {
	if p.Rand != nil {
		return p.Rand(n)
	}
	return rand.Int64N(n)
}
