package reliability

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/modelrelay/pkg/errors"
)

// Outcome of one call attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// RetryReason explains why another same-model attempt followed this one.
type RetryReason string

const (
	RetryNone        RetryReason = ""
	RetryTransient   RetryReason = "transient"
	RetryRateLimited RetryReason = "rate_limited"
)

// Attempt is the audit record for one model invocation attempt.
// Created when the attempt begins, sealed when it completes, and
// immutable once appended to the tracker.
type Attempt struct {
	ID           string
	ModelID      string
	AttemptIndex int // 1-based within the model
	StartedAt    time.Time
	FinishedAt   time.Time
	Outcome      Outcome
	ErrorCode    errors.ErrorCode
	ErrorKind    string
	ErrorMessage string
	RetryReason  RetryReason
	BackoffMs    int64
	// ShortCircuited marks attempts where the breaker was open and no
	// call was made.
	ShortCircuited bool
	InputTokens    int
	OutputTokens   int
}

// AttemptTracker accumulates the ordered attempt records for one
// logical call. Append-only, in-memory, not safe for concurrent use:
// one tracker belongs to exactly one call.
type AttemptTracker struct {
	attempts []Attempt
	entropy  *rand.Rand
}

// NewAttemptTracker creates an empty tracker.
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Append seals and records an attempt, assigning its id.
func (t *AttemptTracker) Append(a Attempt) Attempt {
	ts := a.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	a.ID = ulid.MustNew(ulid.Timestamp(ts), t.entropy).String()
	t.attempts = append(t.attempts, a)
	return a
}

// Count returns the number of recorded attempts.
func (t *AttemptTracker) Count() int {
	return len(t.attempts)
}

// List returns a copy of the recorded attempts in order.
func (t *AttemptTracker) List() []Attempt {
	out := make([]Attempt, len(t.attempts))
	copy(out, t.attempts)
	return out
}

// FallbackChain returns the distinct models touched, in first-touch
// order. Short-circuited attempts count: the model was considered.
func (t *AttemptTracker) FallbackChain() []string {
	seen := make(map[string]struct{}, len(t.attempts))
	var chain []string
	for _, a := range t.attempts {
		if _, ok := seen[a.ModelID]; ok {
			continue
		}
		seen[a.ModelID] = struct{}{}
		chain = append(chain, a.ModelID)
	}
	return chain
}

// AttemptsOn returns how many attempts were recorded for a model.
func (t *AttemptTracker) AttemptsOn(modelID string) int {
	n := 0
	for _, a := range t.attempts {
		if a.ModelID == modelID {
			n++
		}
	}
	return n
}
