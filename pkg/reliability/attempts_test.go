package reliability

import (
	"testing"
	"time"

	"github.com/odvcencio/modelrelay/pkg/errors"
)

func TestTrackerAppendAssignsIDs(t *testing.T) {
	tracker := NewAttemptTracker()

	first := tracker.Append(Attempt{ModelID: "m1", AttemptIndex: 1, StartedAt: time.Now()})
	second := tracker.Append(Attempt{ModelID: "m1", AttemptIndex: 2, StartedAt: time.Now()})

	if first.ID == "" || second.ID == "" {
		t.Fatal("expected non-empty attempt ids")
	}
	if first.ID == second.ID {
		t.Error("attempt ids must be unique")
	}
}

func TestTrackerAppendZeroStart(t *testing.T) {
	tracker := NewAttemptTracker()
	rec := tracker.Append(Attempt{ModelID: "m1", AttemptIndex: 1})
	if rec.ID == "" {
		t.Error("expected id even without a start time")
	}
}

func TestTrackerListIsCopy(t *testing.T) {
	tracker := NewAttemptTracker()
	tracker.Append(Attempt{ModelID: "m1", AttemptIndex: 1})

	list := tracker.List()
	list[0].ModelID = "mutated"

	if tracker.List()[0].ModelID != "m1" {
		t.Error("mutating the returned slice changed tracker state")
	}
}

func TestTrackerFallbackChain(t *testing.T) {
	tracker := NewAttemptTracker()
	tracker.Append(Attempt{ModelID: "m1", AttemptIndex: 1, Outcome: OutcomeError})
	tracker.Append(Attempt{ModelID: "m1", AttemptIndex: 2, Outcome: OutcomeError})
	tracker.Append(Attempt{ModelID: "m2", AttemptIndex: 1, Outcome: OutcomeError, ShortCircuited: true})
	tracker.Append(Attempt{ModelID: "m3", AttemptIndex: 1, Outcome: OutcomeSuccess})

	chain := tracker.FallbackChain()
	want := []string{"m1", "m2", "m3"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i], want[i])
		}
	}

	if got := tracker.AttemptsOn("m1"); got != 2 {
		t.Errorf("AttemptsOn(m1) = %d, want 2", got)
	}
	if got := tracker.AttemptsOn("m2"); got != 1 {
		t.Errorf("AttemptsOn(m2) = %d, want 1", got)
	}
	if got := tracker.Count(); got != 4 {
		t.Errorf("Count = %d, want 4", got)
	}
}

func TestTrackerRecordsErrorDetail(t *testing.T) {
	tracker := NewAttemptTracker()
	rec := tracker.Append(Attempt{
		ModelID:      "m1",
		AttemptIndex: 1,
		Outcome:      OutcomeError,
		ErrorCode:    errors.ErrCodeRateLimited,
		ErrorKind:    errors.KindRateLimited.String(),
		ErrorMessage: "provider rate limited",
		RetryReason:  RetryRateLimited,
		BackoffMs:    1500,
	})

	if rec.ErrorCode != errors.ErrCodeRateLimited {
		t.Errorf("code = %s", rec.ErrorCode)
	}
	if rec.RetryReason != RetryRateLimited {
		t.Errorf("reason = %s", rec.RetryReason)
	}
	if rec.BackoffMs != 1500 {
		t.Errorf("backoff = %d", rec.BackoffMs)
	}
}
