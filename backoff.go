package tasq

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/tasqhq/tasq/envelope"
)

// BackoffConfig parameterizes the shape of the delay computed between
// retries of the same task. The base itself is per-task (the
// envelope's own RetryDelay, set at dispatch); InitialInterval here is
// only the fallback used when a task carries no base at all.
// MaxRetries bounds the number of retries (0 means unbounded, left to
// the task's own MaxAttempts); MaxInterval bounds the curve; Multiplier
// shapes the exponential strategy (2 when left zero); RandomizationFactor adds up to
// ±factor jitter around the computed delay to avoid synchronized retry
// storms (off by default, matching the source's deterministic
// behavior, per the jitter Open Question).
type BackoffConfig struct {
	MaxRetries          uint32
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

type backoffCounter struct {
	BackoffConfig
}

// next computes the delay before the retry that follows the given
// (failed) attempt number, honoring the
// envelope's chosen strategy and its own base retry delay (baseDelay;
// falls back to bc.InitialInterval if the task left it unset). ok is
// false once MaxRetries has been exceeded, signaling the caller should
// dead-letter instead of retry.
func (bc *backoffCounter) next(strategy envelope.RetryStrategy, baseDelay time.Duration, attempt uint32) (time.Duration, bool) {
	if bc.MaxRetries > 0 && attempt > bc.MaxRetries {
		return 0, false
	}
	if baseDelay <= 0 {
		baseDelay = bc.InitialInterval
	}
	var exp float64
	switch strategy {
	case envelope.Fixed:
		exp = float64(baseDelay)
	default: // envelope.Exponential
		mult := bc.Multiplier
		if mult <= 0 {
			mult = 2
		}
		exp = float64(baseDelay) * math.Pow(mult, float64(attempt-1))
	}
	if bc.MaxInterval > 0 && exp > float64(bc.MaxInterval) {
		exp = float64(bc.MaxInterval)
	}
	if bc.RandomizationFactor > 0 {
		delta := bc.RandomizationFactor * exp
		minExp := exp - delta
		maxExp := exp + delta
		exp = minExp + rand.Float64()*(maxExp-minExp)
	}
	return time.Duration(exp), true
}

// decodeFailureCap bounds how many delivery attempts an envelope that
// fails to decode gets (each failure short of the cap is replayed with a
// short fixed delay) before it is dead-lettered
// outright, resolving the "decode-error requeue without bound" Open
// Question with a small fixed limit rather than looping forever.
const decodeFailureCap = 5

// decodeRetryDelay is the short fixed delay given to a decode failure so
// a stale worker build has a chance to be redeployed before the next
// attempt.
const decodeRetryDelay = 5 * time.Second
