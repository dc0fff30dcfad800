package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind classifies how the engine may react to a failed model call.
type Kind int

const (
	// KindFallbackEligible advances to the next model without retrying
	// the current one. Default for unclassified errors.
	KindFallbackEligible Kind = iota
	// KindRetryable permits same-model retries up to the policy limit.
	KindRetryable
	// KindRateLimited is fallback-eligible; same-model retries are
	// allowed only when no fallback models remain.
	KindRateLimited
	// KindFatal propagates immediately: no retry, no fallback.
	KindFatal
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindFallbackEligible:
		return "fallback_eligible"
	case KindRetryable:
		return "retryable"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Classification errors
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeProviderError   ErrorCode = "PROVIDER_ERROR"
	ErrCodeProviderTimeout ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"

	// Synthetic engine errors
	ErrCodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrCodeTotalTimeout        ErrorCode = "TOTAL_TIMEOUT"
	ErrCodeBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	ErrCodeAllModelsExhausted  ErrorCode = "ALL_MODELS_EXHAUSTED"
	ErrCodeRetryBudgetExceeded ErrorCode = "RETRY_BUDGET_EXCEEDED"

	// Collaborator errors
	ErrCodeStoreRead     ErrorCode = "STORE_READ"
	ErrCodeStoreWrite    ErrorCode = "STORE_WRITE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Generic errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error represents a structured engine error
type Error struct {
	Code       ErrorCode
	Kind       Kind
	Message    string
	Underlying error
	Context    map[string]any
	Stack      []Frame
	// RetryAfter carries a provider-requested delay for rate-limited
	// errors; zero when the provider did not specify one.
	RetryAfter time.Duration
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, kind Kind, message string) *Error {
	return &Error{
		Code:    code,
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
		Stack:   captureStack(2), // Skip New and caller
	}
}

// Wrap wraps an existing error with engine error context
func Wrap(err error, code ErrorCode, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Kind:       kind,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryAfter records a provider-requested retry delay
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable reports whether same-model retries are permitted
func (e *Error) IsRetryable() bool {
	return e.Kind == KindRetryable
}

// IsRateLimited reports whether the error is rate-limit classified
func (e *Error) IsRateLimited() bool {
	return e.Kind == KindRateLimited
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, frame.Function))
		sb.WriteString(fmt.Sprintf("     %s:%d\n", frame.File, frame.Line))
	}

	return sb.String()
}

// TopFrames returns up to n formatted "func file:line" entries for
// attaching to per-model diagnostics.
func (e *Error) TopFrames(n int) []string {
	if n > len(e.Stack) {
		n = len(e.Stack)
	}
	out := make([]string, 0, n)
	for _, frame := range e.Stack[:n] {
		out = append(out, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
	}
	return out
}

// captureStack captures the current call stack. CallersFrames expands
// inlined calls, so the first frame stays the constructor's caller even
// when New or Wrap is inlined into it.
func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	iter := runtime.CallersFrames(pcs[:n])

	frames := make([]Frame, 0, n)
	for {
		fr, more := iter.Next()
		if fr.Function != "" {
			frames = append(frames, Frame{
				Function: fr.Function,
				File:     fr.File,
				Line:     fr.Line,
			})
		}
		if !more {
			break
		}
	}

	return frames
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	engineErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return engineErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	engineErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return engineErr.Code
}

// GetKind extracts the classification kind from an error. Non-engine
// errors report KindFallbackEligible, the default reaction.
func GetKind(err error) Kind {
	if err == nil {
		return KindFallbackEligible
	}

	engineErr, ok := err.(*Error)
	if !ok {
		return KindFallbackEligible
	}

	return engineErr.Kind
}
