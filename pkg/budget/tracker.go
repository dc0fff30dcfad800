// Package budget enforces per-tenant spend and usage quotas over the
// shared counter store, with daily and monthly windows and three
// enforcement modes.
package budget

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/store"
)

// EnforcementMode controls how a breached limit is acted on.
type EnforcementMode string

const (
	// ModeNone performs no checks.
	ModeNone EnforcementMode = "none"
	// ModeSoft never blocks; alerts fire when limits are reached.
	ModeSoft EnforcementMode = "soft"
	// ModeHard blocks calls once a limit is reached.
	ModeHard EnforcementMode = "hard"
)

// LimitKind identifies which quota a limit or breach refers to.
type LimitKind string

const (
	LimitDailyCost         LimitKind = "daily_cost"
	LimitMonthlyCost       LimitKind = "monthly_cost"
	LimitDailyTokens       LimitKind = "daily_tokens"
	LimitMonthlyTokens     LimitKind = "monthly_tokens"
	LimitDailyExecutions   LimitKind = "daily_executions"
	LimitMonthlyExecutions LimitKind = "monthly_executions"
)

// Limits configures one tenant's quotas. Zero disables a limit.
type Limits struct {
	Mode EnforcementMode

	DailyCostUSD   float64
	MonthlyCostUSD float64

	DailyTokens   int64
	MonthlyTokens int64

	DailyExecutions   int64
	MonthlyExecutions int64
}

// ExceededError reports the first breached limit for a blocked call.
type ExceededError struct {
	TenantID  string
	Limit     LimitKind
	Threshold float64
	Current   float64
}

// Error implements the error interface
func (e *ExceededError) Error() string {
	return fmt.Sprintf("[%s] tenant %s exceeded %s: %.4f / %.4f",
		errors.ErrCodeBudgetExceeded, e.TenantID, e.Limit, e.Current, e.Threshold)
}

// AsExceeded extracts an ExceededError from an error chain.
func AsExceeded(err error) (*ExceededError, bool) {
	var exceeded *ExceededError
	if stderrors.As(err, &exceeded) {
		return exceeded, true
	}
	return nil, false
}

// Counter-store fields per tenant key.
const (
	fieldDailyCost    = "daily_cost"
	fieldMonthlyCost  = "monthly_cost"
	fieldDailyTokens  = "daily_tokens"
	fieldMonthlyTok   = "monthly_tokens"
	fieldDailyExecs   = "daily_executions"
	fieldMonthlyExecs = "monthly_executions"
	fieldDailyErrors  = "daily_errors"
	fieldMonthlyErr   = "monthly_errors"
	fieldDailyReset   = "daily_reset"
	fieldMonthlyReset = "monthly_reset"
	fieldLastExecAt   = "last_execution_at"
	fieldLastStatus   = "last_execution_status"
)

// last_execution_status values
const (
	statusSuccess = 1
	statusError   = 2
)

// ExecutionRecord is the post-call spend applied to a tenant.
type ExecutionRecord struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	Success      bool
}

// Tracker tracks per-tenant usage and enforces budgets. All counter
// arithmetic happens store-side; the tracker holds no usage state of
// its own and is safe for concurrent use across processes.
type Tracker struct {
	store store.CounterStore

	mu       sync.RWMutex
	limits   map[string]Limits
	defaults Limits

	notifier *Notifier

	now func() time.Time
}

// NewTracker creates a tracker with the given default limits.
func NewTracker(counters store.CounterStore, defaults Limits) (*Tracker, error) {
	if counters == nil {
		return nil, stderrors.New("budget tracker requires a counter store")
	}
	if defaults.Mode == "" {
		defaults.Mode = ModeNone
	}
	return &Tracker{
		store:    counters,
		limits:   make(map[string]Limits),
		defaults: defaults,
		notifier: NewNotifier(),
		now:      time.Now,
	}, nil
}

// SetLimits overrides the limits for one tenant. Safe to call while
// other goroutines are checking or recording.
func (t *Tracker) SetLimits(tenantID string, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limits.Mode == "" {
		limits.Mode = t.defaults.Mode
	}
	t.limits[tenantID] = limits
}

// LimitsFor returns the effective limits for a tenant.
func (t *Tracker) LimitsFor(tenantID string) Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.limits[tenantID]; ok {
		return l
	}
	return t.defaults
}

// OnAlert registers a callback for soft-cap alerts.
func (t *Tracker) OnAlert(cb AlertCallback) {
	t.notifier.OnAlert(cb)
}

func tenantKey(tenantID string) string {
	return "budget:" + tenantID
}

// CheckBudget is the pre-call gate. In hard mode the first breached
// limit blocks the call; soft and none modes never block. Counters for
// a rejected call are untouched.
func (t *Tracker) CheckBudget(ctx context.Context, tenantID string) error {
	limits := t.LimitsFor(tenantID)
	if limits.Mode != ModeHard {
		return nil
	}

	if err := t.rollover(ctx, tenantID); err != nil {
		return err
	}

	rec, err := t.store.Read(ctx, tenantKey(tenantID))
	if err != nil {
		// Hard enforcement cannot run blind: an unreadable store
		// blocks the call rather than letting spend go unmetered.
		return errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFatal, "budget counters unavailable").
			WithContext("tenant", tenantID)
	}

	if breach := firstBreach(tenantID, limits, rec); breach != nil {
		return breach
	}
	return nil
}

// firstBreach returns the first configured limit the counters meet or
// exceed, in a fixed evaluation order.
func firstBreach(tenantID string, limits Limits, rec store.Record) *ExceededError {
	checks := []struct {
		kind      LimitKind
		threshold float64
		current   float64
	}{
		{LimitDailyCost, limits.DailyCostUSD, rec[fieldDailyCost]},
		{LimitMonthlyCost, limits.MonthlyCostUSD, rec[fieldMonthlyCost]},
		{LimitDailyTokens, float64(limits.DailyTokens), rec[fieldDailyTokens]},
		{LimitMonthlyTokens, float64(limits.MonthlyTokens), rec[fieldMonthlyTok]},
		{LimitDailyExecutions, float64(limits.DailyExecutions), rec[fieldDailyExecs]},
		{LimitMonthlyExecutions, float64(limits.MonthlyExecutions), rec[fieldMonthlyExecs]},
	}

	for _, c := range checks {
		if c.threshold > 0 && c.current >= c.threshold {
			return &ExceededError{
				TenantID:  tenantID,
				Limit:     c.kind,
				Threshold: c.threshold,
				Current:   c.current,
			}
		}
	}
	return nil
}

// RecordExecution applies one completed call's spend: all eight
// counters move in a single atomic increment, then last-execution
// metadata updates, then soft-cap alerts are evaluated.
func (t *Tracker) RecordExecution(ctx context.Context, tenantID string, exec ExecutionRecord) error {
	limits := t.LimitsFor(tenantID)
	if limits.Mode == ModeNone {
		return nil
	}

	if err := t.rollover(ctx, tenantID); err != nil {
		return err
	}

	tokens := float64(exec.InputTokens + exec.OutputTokens)
	deltas := store.Record{
		fieldDailyCost:    exec.CostUSD,
		fieldMonthlyCost:  exec.CostUSD,
		fieldDailyTokens:  tokens,
		fieldMonthlyTok:   tokens,
		fieldDailyExecs:   1,
		fieldMonthlyExecs: 1,
		fieldDailyErrors:  0,
		fieldMonthlyErr:   0,
	}
	if !exec.Success {
		deltas[fieldDailyErrors] = 1
		deltas[fieldMonthlyErr] = 1
	}

	post, err := t.store.AtomicIncrement(ctx, tenantKey(tenantID), deltas)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "budget increment failed").
			WithContext("tenant", tenantID)
	}

	t.stampLastExecution(ctx, tenantID, exec.Success)
	t.notifier.Evaluate(tenantID, limits, post)
	return nil
}

// stampLastExecution records when the tenant last executed and with
// what status. Guarded on the timestamp so an older concurrent write
// never overwrites a newer one.
func (t *Tracker) stampLastExecution(ctx context.Context, tenantID string, success bool) {
	now := float64(t.now().Unix())
	status := float64(statusSuccess)
	if !success {
		status = float64(statusError)
	}
	// Best-effort metadata; a lost race is fine.
	_, _ = t.store.ConditionalReset(ctx, tenantKey(tenantID),
		&store.Condition{Field: fieldLastExecAt, Op: store.OpLessOrEq, Value: now},
		store.Record{
			fieldLastExecAt: now,
			fieldLastStatus: status,
		})
}

// rollover lazily zeroes stale windows. The reset is a guarded
// conditional write: only the first caller that observes a stale
// reset-date applies it, so concurrent increments are never lost and
// a second call in the same window is a no-op.
func (t *Tracker) rollover(ctx context.Context, tenantID string) error {
	now := t.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Unix()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
	key := tenantKey(tenantID)

	_, err := t.store.ConditionalReset(ctx, key,
		&store.Condition{Field: fieldDailyReset, Op: store.OpLess, Value: float64(dayStart)},
		store.Record{
			fieldDailyCost:   0,
			fieldDailyTokens: 0,
			fieldDailyExecs:  0,
			fieldDailyErrors: 0,
			fieldDailyReset:  float64(dayStart),
		})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "daily rollover failed").
			WithContext("tenant", tenantID)
	}

	_, err = t.store.ConditionalReset(ctx, key,
		&store.Condition{Field: fieldMonthlyReset, Op: store.OpLess, Value: float64(monthStart)},
		store.Record{
			fieldMonthlyCost:  0,
			fieldMonthlyTok:   0,
			fieldMonthlyExecs: 0,
			fieldMonthlyErr:   0,
			fieldMonthlyReset: float64(monthStart),
		})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, errors.KindFallbackEligible, "monthly rollover failed").
			WithContext("tenant", tenantID)
	}
	return nil
}

// Status is a point-in-time snapshot of a tenant's usage against its
// limits, for operator surfaces.
type Status struct {
	TenantID string
	Mode     EnforcementMode

	DailyCost      float64
	MonthlyCost    float64
	DailyTokens    int64
	MonthlyTokens  int64
	DailyExecs     int64
	MonthlyExecs   int64
	DailyErrors    int64
	MonthlyErrors  int64
	LastExecutedAt time.Time

	Limits Limits

	DailyCostPercent   float64
	MonthlyCostPercent float64
}

// Status returns the current usage snapshot for a tenant.
func (t *Tracker) Status(ctx context.Context, tenantID string) (*Status, error) {
	if err := t.rollover(ctx, tenantID); err != nil {
		return nil, err
	}

	rec, err := t.store.Read(ctx, tenantKey(tenantID))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreRead, errors.KindFallbackEligible, "budget counters unavailable").
			WithContext("tenant", tenantID)
	}

	limits := t.LimitsFor(tenantID)
	status := &Status{
		TenantID:           tenantID,
		Mode:               limits.Mode,
		DailyCost:          rec[fieldDailyCost],
		MonthlyCost:        rec[fieldMonthlyCost],
		DailyTokens:        int64(rec[fieldDailyTokens]),
		MonthlyTokens:      int64(rec[fieldMonthlyTok]),
		DailyExecs:         int64(rec[fieldDailyExecs]),
		MonthlyExecs:       int64(rec[fieldMonthlyExecs]),
		DailyErrors:        int64(rec[fieldDailyErrors]),
		MonthlyErrors:      int64(rec[fieldMonthlyErr]),
		Limits:             limits,
		DailyCostPercent:   percentOf(rec[fieldDailyCost], limits.DailyCostUSD),
		MonthlyCostPercent: percentOf(rec[fieldMonthlyCost], limits.MonthlyCostUSD),
	}
	if at := int64(rec[fieldLastExecAt]); at > 0 {
		status.LastExecutedAt = time.Unix(at, 0)
	}
	return status, nil
}

func percentOf(current, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return (current / limit) * 100
}
