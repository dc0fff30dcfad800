package reliability

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/model"
)

// Built-in transient-error vocabulary. Message matching is the lowest
// classification tier: structured status codes are consulted first, so
// these only catch providers that report failures as bare text.
var builtinRetryablePatterns = compilePatterns([]string{
	`(?i)timeout`,
	`(?i)timed out`,
	`(?i)connection reset`,
	`(?i)connection refused`,
	`(?i)broken pipe`,
	`(?i)temporarily unavailable`,
	`(?i)service unavailable`,
	`(?i)bad gateway`,
	`(?i)internal server error`,
	`(?i)\b50[023]\b`,
	`(?i)unexpected EOF`,
})

var builtinRateLimitPatterns = compilePatterns([]string{
	`(?i)rate.?limit`,
	`(?i)quota`,
	`(?i)too many requests`,
	`(?i)resource exhausted`,
	`(?i)overloaded`,
	`(?i)\b429\b`,
})

func compilePatterns(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

// Classifier maps a raised error to a reaction kind. Configured
// patterns are compiled once at construction, never per error.
type Classifier struct {
	fatalCodes map[errors.ErrorCode]struct{}
	retryable  []*regexp.Regexp
}

// NewClassifier builds a classifier from the policy's fatal codes and
// retryable patterns.
func NewClassifier(policy Policy) (*Classifier, error) {
	fatal := make(map[errors.ErrorCode]struct{}, len(policy.NonFallbackCodes))
	for _, code := range policy.NonFallbackCodes {
		fatal[code] = struct{}{}
	}

	retryable := make([]*regexp.Regexp, 0, len(policy.RetryablePatterns))
	for _, expr := range policy.RetryablePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling retryable pattern %q: %w", expr, err)
		}
		retryable = append(retryable, re)
	}

	return &Classifier{fatalCodes: fatal, retryable: retryable}, nil
}

// Classify wraps err in a classified engine error. Tiers, in order:
// pre-classified engine errors, context cancellation, policy fatal
// codes, structured APIError status codes, configured patterns,
// built-in transient patterns, built-in rate-limit vocabulary. Any
// error no tier claims is fallback-eligible.
func (c *Classifier) Classify(err error) *errors.Error {
	if err == nil {
		return nil
	}

	// Already classified (synthetic engine errors, or coded errors
	// from a collaborator).
	if engineErr, ok := err.(*errors.Error); ok {
		if _, fatal := c.fatalCodes[engineErr.Code]; fatal {
			engineErr.Kind = errors.KindFatal
		}
		return engineErr
	}

	switch err {
	case context.DeadlineExceeded:
		return errors.Wrap(err, errors.ErrCodeTotalTimeout, errors.KindFatal, "total timeout exceeded")
	case context.Canceled:
		return errors.Wrap(err, errors.ErrCodeInternal, errors.KindFatal, "call canceled")
	}

	// Structured status-code tier.
	if apiErr, ok := err.(*model.APIError); ok {
		return c.classifyAPIError(apiErr)
	}

	msg := err.Error()

	for _, re := range c.retryable {
		if re.MatchString(msg) {
			return errors.Wrap(err, errors.ErrCodeProviderError, errors.KindRetryable, "transient provider error")
		}
	}

	for _, re := range builtinRetryablePatterns {
		if re.MatchString(msg) {
			return errors.Wrap(err, errors.ErrCodeProviderError, errors.KindRetryable, "transient provider error")
		}
	}

	for _, re := range builtinRateLimitPatterns {
		if re.MatchString(msg) {
			return errors.Wrap(err, errors.ErrCodeRateLimited, errors.KindRateLimited, "provider rate limited")
		}
	}

	return errors.Wrap(err, errors.ErrCodeProviderError, errors.KindFallbackEligible, "provider error")
}

func (c *Classifier) classifyAPIError(apiErr *model.APIError) *errors.Error {
	switch {
	case apiErr.IsRateLimitError():
		return errors.Wrap(apiErr, errors.ErrCodeRateLimited, errors.KindRateLimited, "provider rate limited").
			WithRetryAfter(apiErr.RetryAfter).
			WithContext("status", apiErr.StatusCode)
	case apiErr.IsServerError(), apiErr.StatusCode == http.StatusRequestTimeout:
		return errors.Wrap(apiErr, errors.ErrCodeProviderError, errors.KindRetryable, "transient provider error").
			WithContext("status", apiErr.StatusCode)
	default:
		return errors.Wrap(apiErr, errors.ErrCodeProviderError, errors.KindFallbackEligible, "provider error").
			WithContext("status", apiErr.StatusCode)
	}
}
