// Package reliability implements the execution engine that wraps one
// logical model call with bounded retries, ordered model fallback,
// store-backed circuit breaking and tenant budget enforcement, while
// producing a structured audit trail of every attempt.
package reliability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/modelrelay/pkg/budget"
	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/logging"
	"github.com/odvcencio/modelrelay/pkg/model"
)

// CostCalculator abstracts token-to-dollar conversions.
type CostCalculator interface {
	CalculateCostFromTokens(modelID string, promptTokens, completionTokens int) (float64, error)
}

// Call identifies one logical request to the engine.
type Call struct {
	// TenantID scopes budgets and circuit breakers. Required when a
	// budget tracker or breaker is configured.
	TenantID string
	// Scope is the caller-chosen breaker scope (e.g. an agent type).
	Scope string
	// Request is the provider payload; Request.Model is the primary
	// model, tried before the policy's fallbacks.
	Request model.Request
}

// Result is the structured outcome surface of one logical call. On
// failure it still carries the full attempt trail for diagnostics.
type Result struct {
	CallID        string
	TenantID      string
	ChosenModel   string
	Response      *model.Response
	Usage         model.Usage
	Attempts      []Attempt
	AttemptsCount int
	// FallbackChain lists the models actually considered, in order.
	FallbackChain     []string
	FallbackTriggered bool
	// FallbackReason is the first classified error kind that caused
	// advancement past the primary model.
	FallbackReason string
	// CacheHit is always false from this engine; an external caching
	// layer may set it.
	CacheHit bool
	// Retryable and RateLimited summarize the terminal error, if any.
	Retryable   bool
	RateLimited bool
}

// EngineOptions carries the optional collaborators.
type EngineOptions struct {
	// Budget enables tenant budget enforcement when non-nil.
	Budget *budget.Tracker
	// Costs converts usage to dollars for budget recording. Zero cost
	// is recorded when nil.
	Costs CostCalculator
	// Logger receives structured engine events when non-nil.
	Logger *logging.Logger
	// Tracer wraps each call and attempt in a span when non-nil.
	Tracer trace.Tracer
}

// Engine executes logical calls under a reliability policy. It owns no
// goroutines and no cross-call mutable state; it is safe for
// concurrent use by callers sharing the same breaker and budget
// stores.
type Engine struct {
	policy     Policy
	classifier *Classifier
	invoker    model.Invoker
	breaker    *Breaker
	budget     *budget.Tracker
	costs      CostCalculator
	logger     *logging.Logger
	tracer     trace.Tracer

	now func() time.Time
}

// NewEngine validates the policy and builds an engine. breaker may be
// nil when the policy disables circuit breaking.
func NewEngine(policy Policy, invoker model.Invoker, breaker *Breaker, opts EngineOptions) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, errors.KindFatal, "invalid reliability policy")
	}
	if invoker == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, errors.KindFatal, "engine requires an invoker")
	}
	if policy.Breaker.Enabled && breaker == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, errors.KindFatal, "policy enables circuit breaking but no breaker was supplied")
	}

	classifier, err := NewClassifier(policy)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, errors.KindFatal, "invalid retryable patterns")
	}

	e := &Engine{
		policy:     policy,
		classifier: classifier,
		invoker:    invoker,
		budget:     opts.Budget,
		costs:      opts.Costs,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		now:        time.Now,
	}
	if policy.Breaker.Enabled {
		e.breaker = breaker
	}
	return e, nil
}

// Execute runs one logical call: budget pre-check, then the ordered
// model chain under the total-timeout guard, then budget post-record.
func (e *Engine) Execute(ctx context.Context, call Call) (*Result, error) {
	callStart := e.now()
	callID := uuid.NewString()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "modelrelay.execute",
			trace.WithAttributes(
				attribute.String("call.id", callID),
				attribute.String("tenant.id", call.TenantID),
				attribute.String("model.primary", call.Request.Model),
			))
		defer span.End()
	}

	// Budget pre-check: policy decisions surface immediately, no
	// retries around them and no counter movement for rejected calls.
	if e.budget != nil {
		if err := e.budget.CheckBudget(ctx, call.TenantID); err != nil {
			if exceeded, ok := budget.AsExceeded(err); ok {
				metricBudgetRejections.WithLabelValues(string(exceeded.Limit)).Inc()
				e.logEvent(logging.LevelWarn, logging.CategoryBudget, "call_rejected", map[string]any{
					"call_id": callID,
					"tenant":  call.TenantID,
					"limit":   string(exceeded.Limit),
					"current": exceeded.Current,
					"max":     exceeded.Threshold,
				})
			}
			metricCallDuration.WithLabelValues("budget_rejected").Observe(e.now().Sub(callStart).Seconds())
			return nil, err
		}
	}

	if e.policy.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.TotalTimeout)
		defer cancel()
	}

	models := make([]string, 0, 1+len(e.policy.FallbackModels))
	models = append(models, call.Request.Model)
	models = append(models, e.policy.FallbackModels...)

	tracker := NewAttemptTracker()
	fallbackReason := ""
	var failures []errors.ModelFailure

	for i, modelID := range models {
		isLast := i == len(models)-1

		if terr := deadlineExceeded(ctx); terr != nil {
			return e.finish(ctx, call, callID, callStart, tracker, nil, terr, fallbackReason)
		}

		bkey := BreakerKey{Scope: call.Scope, ModelID: modelID, Tenant: call.TenantID}

		if skipped, serr := e.gateOpen(ctx, bkey); serr != nil {
			// Breaker state unavailable: fail open and keep serving,
			// the store error is logged where it occurred.
			e.logEvent(logging.LevelError, logging.CategoryBreaker, "state_unavailable", map[string]any{
				"key":   bkey.String(),
				"error": serr.Error(),
			})
		} else if skipped {
			now := e.now()
			tracker.Append(Attempt{
				ModelID:        modelID,
				AttemptIndex:   1,
				StartedAt:      now,
				FinishedAt:     now,
				Outcome:        OutcomeError,
				ErrorCode:      errors.ErrCodeCircuitOpen,
				ErrorKind:      errors.KindFallbackEligible.String(),
				ErrorMessage:   "circuit breaker open, call short-circuited",
				ShortCircuited: true,
			})
			metricShortCircuits.WithLabelValues(modelID).Inc()
			// Reasons speak the kind vocabulary; the attempt record
			// keeps the CIRCUIT_OPEN code for the specific cause.
			if fallbackReason == "" {
				fallbackReason = errors.KindFallbackEligible.String()
			}
			failures = append(failures, errors.ModelFailure{
				ModelID:      modelID,
				ErrorCode:    errors.ErrCodeCircuitOpen,
				ErrorKind:    errors.KindFallbackEligible,
				ErrorMessage: "circuit breaker open, call short-circuited",
				Attempts:     1,
			})
			e.logEvent(logging.LevelWarn, logging.CategoryBreaker, "short_circuited", map[string]any{
				"call_id": callID,
				"model":   modelID,
				"tenant":  call.TenantID,
			})
			continue
		}

		resp, cerr := e.runModel(ctx, call.Request, modelID, tracker, bkey, isLast)
		if cerr == nil {
			if e.breaker != nil {
				if berr := e.breaker.RecordSuccess(ctx, bkey); berr != nil {
					e.logEvent(logging.LevelError, logging.CategoryBreaker, "success_write_failed", map[string]any{
						"key":   bkey.String(),
						"error": berr.Error(),
					})
				}
			}
			result, _ := e.finish(ctx, call, callID, callStart, tracker, resp, nil, fallbackReason)
			result.ChosenModel = modelID
			result.FallbackTriggered = modelID != models[0]
			return result, nil
		}

		failures = append(failures, errors.ModelFailure{
			ModelID:      modelID,
			ErrorCode:    cerr.Code,
			ErrorKind:    cerr.Kind,
			ErrorMessage: cerr.Error(),
			Attempts:     tracker.AttemptsOn(modelID),
			Backtrace:    cerr.TopFrames(5),
		})

		if cerr.Kind == errors.KindFatal {
			// Programmer errors and the total-timeout guard abort the
			// whole orchestration, bypassing remaining fallbacks.
			return e.finish(ctx, call, callID, callStart, tracker, nil, cerr, fallbackReason)
		}

		if fallbackReason == "" {
			fallbackReason = cerr.Kind.String()
		}
		if !isLast {
			metricFallbacks.WithLabelValues(cerr.Kind.String()).Inc()
			e.logEvent(logging.LevelInfo, logging.CategoryModel, "model_advanced", map[string]any{
				"call_id": callID,
				"from":    modelID,
				"to":      models[i+1],
				"reason":  cerr.Kind.String(),
			})
		}
	}

	exhausted := &errors.ExhaustionError{
		TenantID: call.TenantID,
		Failures: failures,
	}
	return e.finish(ctx, call, callID, callStart, tracker, nil, exhausted, fallbackReason)
}

// gateOpen consults the breaker; (false, nil) when breaking is disabled.
func (e *Engine) gateOpen(ctx context.Context, key BreakerKey) (bool, error) {
	if e.breaker == nil {
		return false, nil
	}
	return e.breaker.Open(ctx, key)
}

func (e *Engine) recordBreakerFailure(ctx context.Context, key BreakerKey) {
	if e.breaker == nil {
		return
	}
	if err := e.breaker.RecordFailure(ctx, key); err != nil {
		e.logEvent(logging.LevelError, logging.CategoryBreaker, "failure_write_failed", map[string]any{
			"key":   key.String(),
			"error": err.Error(),
		})
	}
}

// finish assembles the result surface, records budget spend, and
// returns (result, terminal error). The result is populated on both
// success and failure so callers always get the audit trail.
func (e *Engine) finish(ctx context.Context, call Call, callID string, callStart time.Time, tracker *AttemptTracker, resp *model.Response, terminal error, fallbackReason string) (*Result, error) {
	result := &Result{
		CallID:         callID,
		TenantID:       call.TenantID,
		Response:       resp,
		Attempts:       tracker.List(),
		AttemptsCount:  tracker.Count(),
		FallbackChain:  tracker.FallbackChain(),
		FallbackReason: fallbackReason,
	}

	outcome := string(OutcomeSuccess)
	var usage model.Usage
	if resp != nil {
		usage = resp.Usage
		result.Usage = usage
	}
	if terminal != nil {
		outcome = string(OutcomeError)
		if engineErr, ok := terminal.(*errors.Error); ok {
			result.Retryable = engineErr.IsRetryable()
			result.RateLimited = engineErr.IsRateLimited()
		}
		if ex, ok := errors.AsExhaustion(terminal); ok {
			for _, f := range ex.Failures {
				switch f.ErrorKind {
				case errors.KindRateLimited:
					result.RateLimited = true
				case errors.KindRetryable:
					result.Retryable = true
				}
			}
		}
	}

	if e.budget != nil {
		cost := e.costFor(resp)
		rec := budget.ExecutionRecord{
			CostUSD:      cost,
			InputTokens:  int64(usage.PromptTokens),
			OutputTokens: int64(usage.CompletionTokens),
			Success:      terminal == nil,
		}
		if err := e.budget.RecordExecution(ctx, call.TenantID, rec); err != nil {
			e.logEvent(logging.LevelError, logging.CategoryBudget, "record_failed", map[string]any{
				"call_id": callID,
				"tenant":  call.TenantID,
				"error":   err.Error(),
			})
		}
	}

	metricCallDuration.WithLabelValues(outcome).Observe(e.now().Sub(callStart).Seconds())
	e.logEvent(logging.LevelInfo, logging.CategoryModel, "call_finished", map[string]any{
		"call_id":  callID,
		"tenant":   call.TenantID,
		"outcome":  outcome,
		"attempts": result.AttemptsCount,
		"chain":    result.FallbackChain,
	})

	return result, terminal
}

func (e *Engine) costFor(resp *model.Response) float64 {
	if resp == nil || e.costs == nil {
		return 0
	}
	cost, err := e.costs.CalculateCostFromTokens(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if err != nil {
		e.logEvent(logging.LevelError, logging.CategoryBudget, "cost_calculation_failed", map[string]any{
			"model": resp.Model,
			"error": err.Error(),
		})
		return 0
	}
	return cost
}

func (e *Engine) logEvent(level logging.Level, category logging.Category, eventType string, details map[string]any) {
	if e.logger == nil {
		return
	}
	e.logger.LogEvent(level, category, eventType, details)
}
