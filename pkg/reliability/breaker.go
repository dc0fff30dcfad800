package reliability

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/store"
)

// BreakerState reports the derived state of one breaker key.
type BreakerState int

const (
	// BreakerClosed allows requests to pass through
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks all requests until the cooldown elapses
	BreakerOpen
	// BreakerHalfOpen allows probe requests to check recovery
	BreakerHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerKey scopes breaker state to (scope, model, tenant). A breaker
// opened for one tenant never blocks another tenant on the same model.
type BreakerKey struct {
	Scope   string
	ModelID string
	Tenant  string
}

// String renders the counter-store key for this breaker.
func (k BreakerKey) String() string {
	return fmt.Sprintf("breaker:%s:%s:%s", k.Scope, k.ModelID, k.Tenant)
}

// Counter-store fields per breaker key.
const (
	fieldFailures    = "failure_count"
	fieldWindowStart = "window_start"
	fieldOpenedAt    = "opened_at"
)

// Breaker is a failure-windowed circuit breaker whose state lives
// entirely in the shared counter store: no in-process caching across
// calls, so correctness holds under multiple concurrent processes.
//
// half-open is never stored. The breaker reads as open only while
// opened_at is within the cooldown; once the cooldown elapses the next
// caller passes through as a probe, and a probe failure re-stamps
// opened_at via the same guarded transition that opens the breaker.
type Breaker struct {
	config BreakerConfig
	store  store.CounterStore

	now func() time.Time
}

// NewBreaker creates a breaker over the given counter store.
func NewBreaker(config BreakerConfig, counters store.CounterStore) *Breaker {
	return &Breaker{
		config: config,
		store:  counters,
		now:    time.Now,
	}
}

// Open reports whether calls for key must be short-circuited. It is a
// pure read: cooldown expiry is evaluated, never written back.
func (b *Breaker) Open(ctx context.Context, key BreakerKey) (bool, error) {
	rec, err := b.store.Read(ctx, key.String())
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFallbackEligible, "breaker state read failed").
			WithContext("key", key.String())
	}

	openedAt := int64(rec[fieldOpenedAt])
	if openedAt <= 0 {
		return false, nil
	}
	return b.now().Sub(time.Unix(openedAt, 0)) < b.config.Cooldown, nil
}

// State returns the derived state for key.
func (b *Breaker) State(ctx context.Context, key BreakerKey) (BreakerState, error) {
	rec, err := b.store.Read(ctx, key.String())
	if err != nil {
		return BreakerClosed, errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFallbackEligible, "breaker state read failed").
			WithContext("key", key.String())
	}

	openedAt := int64(rec[fieldOpenedAt])
	switch {
	case openedAt <= 0:
		return BreakerClosed, nil
	case b.now().Sub(time.Unix(openedAt, 0)) < b.config.Cooldown:
		return BreakerOpen, nil
	default:
		return BreakerHalfOpen, nil
	}
}

// FailureCount returns the failure count in the current window.
func (b *Breaker) FailureCount(ctx context.Context, key BreakerKey) (int, error) {
	rec, err := b.store.Read(ctx, key.String())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFallbackEligible, "breaker state read failed")
	}
	return int(rec[fieldFailures]), nil
}

// TimeUntilClose returns the remaining cooldown, or zero when the
// breaker is not actively open.
func (b *Breaker) TimeUntilClose(ctx context.Context, key BreakerKey) (time.Duration, error) {
	rec, err := b.store.Read(ctx, key.String())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFallbackEligible, "breaker state read failed")
	}

	openedAt := int64(rec[fieldOpenedAt])
	if openedAt <= 0 {
		return 0, nil
	}
	remaining := b.config.Cooldown - b.now().Sub(time.Unix(openedAt, 0))
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, key BreakerKey) error {
	rec, err := b.store.Read(ctx, key.String())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFallbackEligible, "breaker state read failed")
	}
	wasOpen := int64(rec[fieldOpenedAt]) > 0

	_, err = b.store.ConditionalReset(ctx, key.String(), nil, store.Record{
		fieldFailures: 0,
		fieldOpenedAt: 0,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "breaker success write failed").
			WithContext("key", key.String())
	}

	if wasOpen {
		log.Printf("[circuit-breaker] %s transitioning to closed (service recovered)", key.String())
	}
	return nil
}

// RecordFailure counts one failure, starting a fresh window when the
// previous one has elapsed, and performs the guarded closed->open (or
// half-open->open) transition when warranted. Concurrent callers
// racing this transition converge on a single open state: only the
// first guarded write lands.
func (b *Breaker) RecordFailure(ctx context.Context, key BreakerKey) error {
	now := b.now()

	// Fresh window: zero the count before counting this failure.
	windowCutoff := float64(now.Add(-b.config.Window).Unix())
	_, err := b.store.ConditionalReset(ctx, key.String(),
		&store.Condition{Field: fieldWindowStart, Op: store.OpLessOrEq, Value: windowCutoff},
		store.Record{
			fieldFailures:    0,
			fieldWindowStart: float64(now.Unix()),
		})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "breaker window reset failed").
			WithContext("key", key.String())
	}

	post, err := b.store.AtomicIncrement(ctx, key.String(), store.Record{fieldFailures: 1})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "breaker failure increment failed").
			WithContext("key", key.String())
	}

	probeFailed := int64(post[fieldOpenedAt]) > 0
	thresholdHit := int(post[fieldFailures]) >= b.config.FailureThreshold
	if !probeFailed && !thresholdHit {
		return nil
	}

	// Guard: only stamp opened_at while no active open period exists
	// (opened_at zero, or older than the cooldown). Racing openers
	// converge; a failure recorded while already open does not extend
	// the open period.
	cooldownCutoff := float64(now.Add(-b.config.Cooldown).Unix())
	applied, err := b.store.ConditionalReset(ctx, key.String(),
		&store.Condition{Field: fieldOpenedAt, Op: store.OpLessOrEq, Value: cooldownCutoff},
		store.Record{fieldOpenedAt: float64(now.Unix())})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "breaker open transition failed").
			WithContext("key", key.String())
	}

	if applied {
		if probeFailed {
			log.Printf("[circuit-breaker] %s transitioning from half-open to open (failure in probe request)", key.String())
		} else {
			log.Printf("[circuit-breaker] %s transitioning from closed to open after %d failures", key.String(), b.config.FailureThreshold)
		}
		metricBreakerTransitions.WithLabelValues("open").Inc()
	}
	return nil
}

// Reset manually closes the breaker for key.
func (b *Breaker) Reset(ctx context.Context, key BreakerKey) error {
	_, err := b.store.ConditionalReset(ctx, key.String(), nil, store.Record{
		fieldFailures:    0,
		fieldWindowStart: 0,
		fieldOpenedAt:    0,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "breaker reset failed").
			WithContext("key", key.String())
	}
	log.Printf("[circuit-breaker] %s manually reset to closed", key.String())
	return nil
}
