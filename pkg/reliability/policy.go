package reliability

import (
	"fmt"
	"time"

	"github.com/odvcencio/modelrelay/pkg/errors"
)

// BackoffKind selects the delay curve between same-model retries.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffExponential BackoffKind = "exponential"
)

// BackoffConfig configures delay-before-next-attempt computation.
type BackoffConfig struct {
	Kind     BackoffKind
	Base     time.Duration
	MaxDelay time.Duration
}

// BreakerConfig configures the per-(scope, model, tenant) circuit breaker.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Policy is the immutable reliability policy for one engine instance.
// Constructed once at startup and passed explicitly; the engine keeps
// no ambient configuration state.
type Policy struct {
	// MaxRetries is the number of same-model retries after the first
	// attempt; a model is tried at most MaxRetries+1 times.
	MaxRetries int

	Backoff BackoffConfig

	// FallbackModels are tried in order after the request's primary
	// model. May be empty.
	FallbackModels []string

	// TotalTimeout is the wall-clock ceiling spanning all attempts and
	// models for one logical call. Zero disables it.
	TotalTimeout time.Duration

	Breaker BreakerConfig

	// NonFallbackCodes fail immediately without retries or fallback
	// (programmer errors).
	NonFallbackCodes []errors.ErrorCode

	// RetryablePatterns are regular expressions matched against error
	// messages to recognize transient provider errors not otherwise
	// classified. Checked after structured status classification.
	RetryablePatterns []string
}

// DefaultPolicy returns the default reliability policy
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Backoff: BackoffConfig{
			Kind:     BackoffExponential,
			Base:     time.Second,
			MaxDelay: 30 * time.Second,
		},
		Breaker: DefaultBreakerConfig(),
		NonFallbackCodes: []errors.ErrorCode{
			errors.ErrCodeInvalidArgument,
			errors.ErrCodeConfigInvalid,
		},
	}
}

// Validate performs range checks on the policy
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.Backoff.Base < 0 {
		return fmt.Errorf("backoff base must be >= 0, got %v", p.Backoff.Base)
	}
	if p.Backoff.MaxDelay > 0 && p.Backoff.MaxDelay < p.Backoff.Base {
		return fmt.Errorf("backoff max delay %v is below base %v", p.Backoff.MaxDelay, p.Backoff.Base)
	}
	switch p.Backoff.Kind {
	case BackoffConstant, BackoffExponential, "":
	default:
		return fmt.Errorf("unknown backoff kind %q", p.Backoff.Kind)
	}
	if p.TotalTimeout < 0 {
		return fmt.Errorf("total timeout must be >= 0, got %v", p.TotalTimeout)
	}
	if p.Breaker.Enabled {
		if p.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("breaker failure threshold must be > 0, got %d", p.Breaker.FailureThreshold)
		}
		if p.Breaker.Window <= 0 {
			return fmt.Errorf("breaker window must be > 0, got %v", p.Breaker.Window)
		}
		if p.Breaker.Cooldown <= 0 {
			return fmt.Errorf("breaker cooldown must be > 0, got %v", p.Breaker.Cooldown)
		}
	}
	return nil
}
