package dispatcher

import (
	"math/rand/v2"
	"time"

	"github.com/jeremycline/fedora-notifications/internal/config"
)

// RetryPolicy computes the wait before re-attempting a transiently failed
// task. The base schedule doubles per attempt up to Cap; Jitter spreads
// retries so a burst of failures does not thunder back in lockstep.
type RetryPolicy struct {
	// MaxAttempts bounds retries, not total attempts: a task is retried
	// up to MaxAttempts times and fails permanently on the following
	// failed attempt.
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
}

// PolicyFromConfig builds a RetryPolicy from delivery configuration.
func PolicyFromConfig(cfg config.DeliveryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
		Jitter:      cfg.BackoffJitter,
	}
}

// Delay returns the deterministic backoff for the given completed attempt
// count, without jitter. Attempt 1 waits Base, each further attempt doubles,
// clamped to Cap.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 32 || p.Base<<shift > p.Cap || p.Base<<shift <= 0 {
		return p.Cap
	}
	return p.Base << shift
}

// Next returns the jittered wait before the next attempt.
func (p RetryPolicy) Next(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if p.Jitter <= 0 {
		return delay
	}
	spread := 1 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * spread)
}
