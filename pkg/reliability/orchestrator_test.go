package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/modelrelay/pkg/budget"
	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/model"
	"github.com/odvcencio/modelrelay/pkg/store"
)

type invokeStep struct {
	resp *model.Response
	err  error
}

// scriptedInvoker plays back a per-model queue of responses and errors.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   []string
	scripts map[string][]invokeStep
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{scripts: make(map[string][]invokeStep)}
}

func (s *scriptedInvoker) on(modelID string, steps ...invokeStep) {
	s.scripts[modelID] = append(s.scripts[modelID], steps...)
}

func (s *scriptedInvoker) Invoke(_ context.Context, req model.Request) (*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Model)
	queue := s.scripts[req.Model]
	if len(queue) == 0 {
		return nil, &model.APIError{StatusCode: 500, Message: "unscripted call"}
	}
	step := queue[0]
	s.scripts[req.Model] = queue[1:]
	return step.resp, step.err
}

func (s *scriptedInvoker) callsTo(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == modelID {
			n++
		}
	}
	return n
}

func ok(modelID string) invokeStep {
	return invokeStep{resp: &model.Response{
		ID:      "resp-1",
		Model:   modelID,
		Content: "hello",
		Usage:   model.Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
	}}
}

func apiErr(status int) invokeStep {
	return invokeStep{err: &model.APIError{StatusCode: status, Message: "provider says no"}}
}

func fastPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		Backoff:    BackoffConfig{Kind: BackoffConstant, Base: 0},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
		NonFallbackCodes: []errors.ErrorCode{
			errors.ErrCodeInvalidArgument,
			errors.ErrCodeConfigInvalid,
		},
	}
}

func newTestEngine(t *testing.T, policy Policy, invoker model.Invoker, opts EngineOptions) *Engine {
	t.Helper()
	var breaker *Breaker
	if policy.Breaker.Enabled {
		breaker = NewBreaker(policy.Breaker, store.NewMemoryStore())
	}
	engine, err := NewEngine(policy, invoker, breaker, opts)
	require.NoError(t, err)
	return engine
}

func testCall(primary string) Call {
	return Call{
		TenantID: "acme",
		Scope:    "coder",
		Request: model.Request{
			Model:    primary,
			Messages: []model.Message{{Role: "user", Content: "hi"}},
		},
	}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.on("m1", ok("m1"))
	engine := newTestEngine(t, fastPolicy(), invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	assert.NotEmpty(t, result.CallID)
	assert.Equal(t, "m1", result.ChosenModel)
	assert.Equal(t, 1, result.AttemptsCount)
	assert.False(t, result.FallbackTriggered)
	assert.Equal(t, []string{"m1"}, result.FallbackChain)
	assert.Equal(t, 100, result.Usage.PromptTokens)
	assert.False(t, result.CacheHit)

	require.Len(t, result.Attempts, 1)
	assert.Equal(t, OutcomeSuccess, result.Attempts[0].Outcome)
	assert.Equal(t, 1, result.Attempts[0].AttemptIndex)
	assert.NotEmpty(t, result.Attempts[0].ID)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(500), ok("m1"))
	engine := newTestEngine(t, fastPolicy(), invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	assert.Equal(t, "m1", result.ChosenModel)
	assert.Equal(t, 2, result.AttemptsCount)
	assert.False(t, result.FallbackTriggered)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeError, result.Attempts[0].Outcome)
	assert.Equal(t, RetryTransient, result.Attempts[0].RetryReason)
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)
	assert.Equal(t, 2, result.Attempts[1].AttemptIndex)
}

func TestExecuteRetryBudgetIsMaxRetriesPlusOne(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(500), apiErr(500), apiErr(500), apiErr(500))
	engine := newTestEngine(t, fastPolicy(), invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	// MaxRetries 2 means exactly 3 attempts, never a fourth.
	assert.Equal(t, 3, invoker.callsTo("m1"))
	assert.Equal(t, 3, result.AttemptsCount)

	ex, isExhaustion := errors.AsExhaustion(err)
	require.True(t, isExhaustion)
	require.Len(t, ex.Failures, 1)
	assert.Equal(t, "m1", ex.Failures[0].ModelID)
	assert.Equal(t, 3, ex.Failures[0].Attempts)
	assert.Equal(t, errors.KindRetryable, ex.Failures[0].ErrorKind)
	// The retryable terminal failure surfaces on the result summary.
	assert.True(t, result.Retryable)
	assert.False(t, result.RateLimited)
}

func TestExecuteFallsBackInOrder(t *testing.T) {
	policy := fastPolicy()
	policy.FallbackModels = []string{"m2", "m3"}

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(400))
	invoker.on("m2", apiErr(400))
	invoker.on("m3", ok("m3"))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	assert.Equal(t, "m3", result.ChosenModel)
	assert.True(t, result.FallbackTriggered)
	assert.Equal(t, []string{"m1", "m2", "m3"}, result.FallbackChain)
	assert.Equal(t, "fallback_eligible", result.FallbackReason)

	// Fallback-eligible errors advance immediately, one attempt each.
	assert.Equal(t, 1, invoker.callsTo("m1"))
	assert.Equal(t, 1, invoker.callsTo("m2"))
	assert.Equal(t, 3, result.AttemptsCount)
}

func TestExecuteRateLimitedAdvancesWhenFallbackRemains(t *testing.T) {
	policy := fastPolicy()
	policy.FallbackModels = []string{"m2"}

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(429))
	invoker.on("m2", ok("m2"))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	// No point waiting out a rate limit while another model is idle.
	assert.Equal(t, 1, invoker.callsTo("m1"))
	assert.Equal(t, "m2", result.ChosenModel)
	assert.Equal(t, "rate_limited", result.FallbackReason)
}

func TestExecuteRateLimitedRetriesOnLastModel(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 1

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(429), ok("m1"))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	assert.Equal(t, 2, invoker.callsTo("m1"))
	assert.Equal(t, RetryRateLimited, result.Attempts[0].RetryReason)
}

func TestExecuteFatalAbortsWithoutFallback(t *testing.T) {
	policy := fastPolicy()
	policy.FallbackModels = []string{"m2"}

	invoker := newScriptedInvoker()
	invoker.on("m1", invokeStep{err: errors.New(errors.ErrCodeInvalidArgument, errors.KindFatal, "temperature out of range")})
	invoker.on("m2", ok("m2"))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	assert.Equal(t, 0, invoker.callsTo("m2"))
	assert.Equal(t, 1, result.AttemptsCount)
	assert.Empty(t, result.ChosenModel)
}

func TestExecuteExhaustionCarriesPerModelDiagnostics(t *testing.T) {
	policy := fastPolicy()
	policy.FallbackModels = []string{"m2", "m3"}

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(400))
	invoker.on("m2", apiErr(404))
	invoker.on("m3", apiErr(400))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	ex, isExhaustion := errors.AsExhaustion(err)
	require.True(t, isExhaustion)
	assert.Equal(t, "acme", ex.TenantID)
	require.Len(t, ex.Failures, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ex.Models())
	for _, f := range ex.Failures {
		assert.Equal(t, 1, f.Attempts)
		assert.Equal(t, errors.KindFallbackEligible, f.ErrorKind)
		assert.NotEmpty(t, f.ErrorMessage)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, result.FallbackChain)
}

func TestExecuteShortCircuitsOpenBreaker(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 0
	policy.Breaker.FailureThreshold = 1
	policy.FallbackModels = []string{"m2"}

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(500))
	invoker.on("m2", ok("m2"), ok("m2"))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	// First call trips m1's breaker and lands on m2.
	first, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)
	assert.Equal(t, "m2", first.ChosenModel)

	// Second call must not touch m1 at all.
	second, err := engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	assert.Equal(t, 1, invoker.callsTo("m1"))
	assert.Equal(t, "m2", second.ChosenModel)
	// The reason stays in the kind vocabulary; the attempt record
	// carries the specific circuit-open code.
	assert.Equal(t, errors.KindFallbackEligible.String(), second.FallbackReason)

	require.Len(t, second.Attempts, 2)
	short := second.Attempts[0]
	assert.True(t, short.ShortCircuited)
	assert.Equal(t, errors.ErrCodeCircuitOpen, short.ErrorCode)
	assert.Equal(t, []string{"m1", "m2"}, second.FallbackChain)
}

func TestExecuteBreakerIsolatedPerTenant(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 0
	policy.Breaker.FailureThreshold = 1

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(500), ok("m1"))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	_, err := engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	other := testCall("m1")
	other.TenantID = "globex"
	result, err := engine.Execute(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, "m1", result.ChosenModel)
	assert.False(t, result.Attempts[0].ShortCircuited)
}

func TestExecuteTotalTimeoutDuringBackoff(t *testing.T) {
	policy := fastPolicy()
	policy.Backoff = BackoffConfig{Kind: BackoffConstant, Base: 200 * time.Millisecond}
	policy.TotalTimeout = 50 * time.Millisecond

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(500), apiErr(500), apiErr(500))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeTotalTimeout, errors.GetCode(err))
	assert.Equal(t, errors.KindFatal, errors.GetKind(err))
	// The deadline fired during the first backoff: exactly one attempt.
	assert.Equal(t, 1, result.AttemptsCount)
}

func TestExecuteBudgetHardBlock(t *testing.T) {
	counters := store.NewMemoryStore()
	tracker, err := budget.NewTracker(counters, budget.Limits{
		Mode:            budget.ModeHard,
		DailyExecutions: 1,
	})
	require.NoError(t, err)

	invoker := newScriptedInvoker()
	invoker.on("m1", ok("m1"), ok("m1"))
	engine := newTestEngine(t, fastPolicy(), invoker, EngineOptions{Budget: tracker})

	_, err = engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	// The daily execution quota is spent; the next call is rejected
	// before the invoker runs and moves no counters.
	_, err = engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	exceeded, isExceeded := budget.AsExceeded(err)
	require.True(t, isExceeded)
	assert.Equal(t, budget.LimitDailyExecutions, exceeded.Limit)
	assert.Equal(t, "acme", exceeded.TenantID)
	assert.Equal(t, 1, invoker.callsTo("m1"))

	rec, err := counters.Read(context.Background(), "budget:acme")
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec["daily_executions"])
}

type fixedCosts struct{ perCall float64 }

func (f fixedCosts) CalculateCostFromTokens(string, int, int) (float64, error) {
	return f.perCall, nil
}

func TestExecuteRecordsSpendAfterSuccess(t *testing.T) {
	counters := store.NewMemoryStore()
	tracker, err := budget.NewTracker(counters, budget.Limits{
		Mode:         budget.ModeSoft,
		DailyCostUSD: 100,
	})
	require.NoError(t, err)

	invoker := newScriptedInvoker()
	invoker.on("m1", ok("m1"))
	engine := newTestEngine(t, fastPolicy(), invoker, EngineOptions{
		Budget: tracker,
		Costs:  fixedCosts{perCall: 0.25},
	})

	_, err = engine.Execute(context.Background(), testCall("m1"))
	require.NoError(t, err)

	rec, err := counters.Read(context.Background(), "budget:acme")
	require.NoError(t, err)
	assert.Equal(t, 0.25, rec["daily_cost"])
	assert.Equal(t, 0.25, rec["monthly_cost"])
	assert.Equal(t, float64(140), rec["daily_tokens"])
	assert.Equal(t, float64(1), rec["daily_executions"])
	assert.Equal(t, float64(0), rec["daily_errors"])
}

func TestExecuteRecordsFailedExecution(t *testing.T) {
	counters := store.NewMemoryStore()
	tracker, err := budget.NewTracker(counters, budget.Limits{
		Mode:         budget.ModeSoft,
		DailyCostUSD: 100,
	})
	require.NoError(t, err)

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(400))
	engine := newTestEngine(t, fastPolicy(), invoker, EngineOptions{Budget: tracker})

	_, err = engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)

	rec, err := counters.Read(context.Background(), "budget:acme")
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec["daily_executions"])
	assert.Equal(t, float64(1), rec["daily_errors"])
	assert.Equal(t, float64(0), rec["daily_cost"])
}

func TestExecuteRateLimitedSurfacesInResult(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 0

	invoker := newScriptedInvoker()
	invoker.on("m1", apiErr(429))
	engine := newTestEngine(t, policy, invoker, EngineOptions{})

	result, err := engine.Execute(context.Background(), testCall("m1"))
	require.Error(t, err)
	assert.True(t, result.RateLimited)
}

func TestNewEngineValidation(t *testing.T) {
	invoker := newScriptedInvoker()

	t.Run("nil invoker", func(t *testing.T) {
		_, err := NewEngine(fastPolicy(), nil, nil, EngineOptions{})
		require.Error(t, err)
	})

	t.Run("breaker required when enabled", func(t *testing.T) {
		_, err := NewEngine(fastPolicy(), invoker, nil, EngineOptions{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
	})

	t.Run("invalid policy", func(t *testing.T) {
		policy := fastPolicy()
		policy.MaxRetries = -1
		_, err := NewEngine(policy, invoker, nil, EngineOptions{})
		require.Error(t, err)
	})

	t.Run("breaker disabled needs no breaker", func(t *testing.T) {
		policy := fastPolicy()
		policy.Breaker.Enabled = false
		_, err := NewEngine(policy, invoker, nil, EngineOptions{})
		require.NoError(t, err)
	})
}
