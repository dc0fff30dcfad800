package reliability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/logging"
	"github.com/odvcencio/modelrelay/pkg/model"
)

// runModel drives bounded retry of a single model: attempts
// 1..MaxRetries+1, backoff between attempts, classification deciding
// whether the next attempt happens. The returned error is always
// classified; the orchestrator decides advancement.
//
// isLast reports whether this is the final model in the chain; it
// gates same-model retry of rate-limited errors, which otherwise
// advance immediately (retrying a rate-limited model while fallbacks
// remain is wasted latency).
func (e *Engine) runModel(ctx context.Context, req model.Request, modelID string, tracker *AttemptTracker, bkey BreakerKey, isLast bool) (*model.Response, *errors.Error) {
	maxAttempts := e.policy.MaxRetries + 1
	var classified *errors.Error
	var backoffMs int64

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := delayFor(e.policy.Backoff, attempt-1, classified)
			backoffMs = delay.Milliseconds()
			if serr := e.sleepBackoff(ctx, delay); serr != nil {
				return nil, serr
			}
		} else {
			backoffMs = 0
		}

		// Wall-clock guard before each attempt beyond the first.
		if attempt > 1 {
			if terr := deadlineExceeded(ctx); terr != nil {
				return nil, terr
			}
		}

		started := e.now()
		attemptCtx := ctx
		var span trace.Span
		if e.tracer != nil {
			attemptCtx, span = e.tracer.Start(ctx, "modelrelay.attempt",
				trace.WithAttributes(
					attribute.String("model.id", modelID),
					attribute.Int("attempt.index", attempt),
				))
		}

		resp, err := e.invoker.Invoke(attemptCtx, req.WithModel(modelID))
		finished := e.now()

		if err == nil {
			rec := tracker.Append(Attempt{
				ModelID:      modelID,
				AttemptIndex: attempt,
				StartedAt:    started,
				FinishedAt:   finished,
				Outcome:      OutcomeSuccess,
				BackoffMs:    backoffMs,
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			})
			metricAttempts.WithLabelValues(modelID, string(OutcomeSuccess)).Inc()
			if span != nil {
				span.SetAttributes(attribute.String("attempt.outcome", string(OutcomeSuccess)))
				span.End()
			}
			e.logEvent(logging.LevelInfo, logging.CategoryModel, "attempt_succeeded", map[string]any{
				"model":   modelID,
				"attempt": attempt,
				"id":      rec.ID,
			})
			return resp, nil
		}

		classified = e.classifier.Classify(err)

		retryReason := RetryNone
		willRetry := false
		if attempt < maxAttempts {
			switch classified.Kind {
			case errors.KindRetryable:
				retryReason = RetryTransient
				willRetry = true
			case errors.KindRateLimited:
				if isLast {
					retryReason = RetryRateLimited
					willRetry = true
				}
			}
		}

		tracker.Append(Attempt{
			ModelID:      modelID,
			AttemptIndex: attempt,
			StartedAt:    started,
			FinishedAt:   finished,
			Outcome:      OutcomeError,
			ErrorCode:    classified.Code,
			ErrorKind:    classified.Kind.String(),
			ErrorMessage: classified.Error(),
			RetryReason:  retryReason,
			BackoffMs:    backoffMs,
		})
		metricAttempts.WithLabelValues(modelID, string(OutcomeError)).Inc()
		if span != nil {
			span.SetAttributes(
				attribute.String("attempt.outcome", string(OutcomeError)),
				attribute.String("error.kind", classified.Kind.String()),
			)
			span.RecordError(classified)
			span.End()
		}

		// Fatal errors are caller bugs, not provider health signals;
		// they stay out of the breaker's failure window.
		if classified.Kind != errors.KindFatal {
			e.recordBreakerFailure(ctx, bkey)
		}

		e.logEvent(logging.LevelWarn, logging.CategoryRetry, "attempt_failed", map[string]any{
			"model":      modelID,
			"attempt":    attempt,
			"kind":       classified.Kind.String(),
			"code":       string(classified.Code),
			"will_retry": willRetry,
		})

		if !willRetry {
			return nil, classified
		}
		metricRetries.WithLabelValues(modelID, string(retryReason)).Inc()
	}

	// Unreachable: the loop always returns from its final iteration.
	return nil, classified
}

// sleepBackoff suspends between attempts. It is the engine's only
// intentional suspension point and is bounded by both the caller's
// context and the total-timeout deadline: the select wakes on whichever
// fires first, so a delay longer than the remaining budget sleeps only
// the remainder and then fails with the timeout.
func (e *Engine) sleepBackoff(ctx context.Context, delay time.Duration) *errors.Error {
	if delay <= 0 {
		return deadlineExceeded(ctx)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return totalTimeoutError()
		}
		return errors.Wrap(ctx.Err(), errors.ErrCodeInternal, errors.KindFatal, "call canceled during backoff")
	case <-timer.C:
		return nil
	}
}

// deadlineExceeded converts an expired context into the engine's
// synthetic timeout error.
func deadlineExceeded(ctx context.Context) *errors.Error {
	if ctx.Err() == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return totalTimeoutError()
	}
	return errors.Wrap(ctx.Err(), errors.ErrCodeInternal, errors.KindFatal, "call canceled")
}

func totalTimeoutError() *errors.Error {
	return errors.New(errors.ErrCodeTotalTimeout, errors.KindFatal, "total timeout exceeded across all attempts")
}
