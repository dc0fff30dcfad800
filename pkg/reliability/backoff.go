package reliability

import (
	"math/rand"
	"time"

	"github.com/odvcencio/modelrelay/pkg/errors"
)

// Delay computes the backoff before the attempt following attemptIndex.
// attemptIndex is 1-based and names the attempt that just failed; the
// policy is only consulted between attempts, never before the first.
func (c BackoffConfig) Delay(attemptIndex int) time.Duration {
	if c.Base <= 0 {
		return 0
	}
	if attemptIndex < 1 {
		attemptIndex = 1
	}

	delay := c.Base
	if c.Kind == BackoffExponential && attemptIndex > 1 {
		delay = c.Base << (attemptIndex - 1)
		// Shift overflow or runaway growth both land on the cap
		if delay <= 0 {
			delay = c.MaxDelay
		}
	}

	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	// Jitter in [0, base/2) avoids synchronized retry storms when many
	// callers back off from the same incident.
	jitter := time.Duration(rand.Float64() * float64(c.Base) * 0.5)
	return delay + jitter
}

// delayFor applies the provider's Retry-After request on top of the
// computed backoff, bounded by MaxDelay.
func delayFor(cfg BackoffConfig, attemptIndex int, classified *errors.Error) time.Duration {
	if classified != nil && classified.RetryAfter > 0 {
		retryAfter := classified.RetryAfter
		if cfg.MaxDelay > 0 && retryAfter > cfg.MaxDelay {
			retryAfter = cfg.MaxDelay
		}
		return retryAfter
	}
	return cfg.Delay(attemptIndex)
}
