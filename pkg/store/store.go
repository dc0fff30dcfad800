// Package store defines the shared counter-store contract backing the
// circuit breaker and budget tracker, plus in-memory and SQLite
// implementations. All cross-call mutable state in the engine lives
// behind this contract so correctness holds across processes.
package store

import "context"

// Record maps field names to numeric values for one key.
type Record map[string]float64

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is a comparison operator for conditional resets.
type Op string

const (
	OpLess     Op = "<"
	OpLessOrEq Op = "<="
)

// Condition guards a conditional reset: the reset applies only while
// the stored value of Field still satisfies `stored Op Value`. Missing
// fields evaluate as zero.
type Condition struct {
	Field string
	Op    Op
	Value float64
}

func (c Condition) holds(stored float64) bool {
	switch c.Op {
	case OpLess:
		return stored < c.Value
	case OpLessOrEq:
		return stored <= c.Value
	default:
		return false
	}
}

// CounterStore is the persistence contract for breaker state and
// tenant budget counters.
//
// Implementations must provide per-key atomicity: increments are
// store-applied arithmetic (never read-modify-write in the caller),
// and a conditional reset is a single guarded write so only the first
// of several racing callers that observe a stale guard performs it.
type CounterStore interface {
	// Read returns the current record for key. A key never written
	// returns an empty record, not an error.
	Read(ctx context.Context, key string) (Record, error)

	// AtomicIncrement applies all field deltas in one atomic operation
	// and returns the post-increment record.
	AtomicIncrement(ctx context.Context, key string, deltas Record) (Record, error)

	// ConditionalReset sets the given fields iff guard still holds.
	// A nil guard applies unconditionally. Reports whether the write
	// was applied.
	ConditionalReset(ctx context.Context, key string, guard *Condition, sets Record) (bool, error)
}
