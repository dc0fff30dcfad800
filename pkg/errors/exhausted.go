package errors

import (
	"fmt"
	"strings"
)

// ModelFailure is the per-model diagnostic attached to an exhaustion
// error: the terminal failure for one model in the fallback chain.
type ModelFailure struct {
	ModelID      string
	ErrorCode    ErrorCode
	ErrorKind    Kind
	ErrorMessage string
	Attempts     int
	// Backtrace holds the first frames of the terminal error's stack,
	// for operator debugging only.
	Backtrace []string
}

// ExhaustionError is the terminal aggregate raised when every model in
// the chain has been tried and failed. One ModelFailure per model.
type ExhaustionError struct {
	TenantID string
	Failures []ModelFailure
}

// Error implements the error interface
func (e *ExhaustionError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] all %d models exhausted", ErrCodeAllModelsExhausted, len(e.Failures)))
	for _, f := range e.Failures {
		sb.WriteString(fmt.Sprintf("; %s: [%s] %s", f.ModelID, f.ErrorCode, f.ErrorMessage))
	}
	return sb.String()
}

// Models returns the model ids in the order they were tried.
func (e *ExhaustionError) Models() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.ModelID)
	}
	return out
}

// FailureFor returns the diagnostic for a model, if the model was tried.
func (e *ExhaustionError) FailureFor(modelID string) (ModelFailure, bool) {
	for _, f := range e.Failures {
		if f.ModelID == modelID {
			return f, true
		}
	}
	return ModelFailure{}, false
}

// AsExhaustion extracts an ExhaustionError from an error chain.
func AsExhaustion(err error) (*ExhaustionError, bool) {
	if err == nil {
		return nil, false
	}
	ex, ok := err.(*ExhaustionError)
	return ex, ok
}
