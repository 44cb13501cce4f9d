package pipeline

import (
	"testing"
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
)

func TestNewStateStartsInLookup(t *testing.T) {
	started := time.UnixMilli(1_700_000_000_000)
	state := NewState("https://example.org/", carbon.ModeAPI, "corr-123", started)

	if state.Phase != PhaseLookup {
		t.Fatalf("expected lookup phase, got %q", state.Phase)
	}
	if state.CorrelationID != "corr-123" {
		t.Fatalf("expected correlation id to be captured, got %q", state.CorrelationID)
	}
	if !state.StartedAt.Equal(started) {
		t.Fatalf("expected start time to be captured")
	}
	if state.Done() {
		t.Fatalf("fresh state must not be done")
	}
}

func TestTransitionCollapsesRepeats(t *testing.T) {
	state := NewState("s", carbon.ModeAPI, "", time.Time{})
	state.Transition(PhaseQuerying)
	state.Transition(PhaseQuerying)
	state.Transition(PhaseWaiting)
	state.Transition(PhaseQuerying)

	want := []Phase{PhaseLookup, PhaseQuerying, PhaseWaiting, PhaseQuerying}
	if len(state.Phases) != len(want) {
		t.Fatalf("expected %v, got %v", want, state.Phases)
	}
	for i := range want {
		if state.Phases[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, state.Phases)
		}
	}
}

func TestFinishAndAttempts(t *testing.T) {
	state := NewState("s", carbon.ModeAPI, "", time.Time{})
	state.Record(AttemptEntry{Attempt: 1, Outcome: OutcomeRateLimited, Delay: time.Second, Duration: 2 * time.Millisecond})
	state.Record(AttemptEntry{Attempt: 2, Outcome: OutcomeOK, Duration: time.Millisecond})

	result := carbon.Result{Subject: "s", Score: carbon.ScoreA}
	state.Finish(result)

	if !state.Done() {
		t.Fatalf("expected done after finish")
	}
	if state.OracleCalls() != 2 {
		t.Fatalf("expected two oracle calls, got %d", state.OracleCalls())
	}
	if state.Result != result {
		t.Fatalf("expected result to be stored")
	}

	summary := state.SummarizeAttempts()
	if len(summary) != 2 {
		t.Fatalf("expected two summary rows, got %d", len(summary))
	}
	if summary[0]["delay_ms"] != 1000.0 {
		t.Fatalf("expected delay in milliseconds, got %#v", summary[0]["delay_ms"])
	}
	if _, ok := summary[1]["delay_ms"]; ok {
		t.Fatalf("expected no delay for final attempt")
	}
}

func TestNilStateIsSafe(t *testing.T) {
	var state *State
	state.Transition(PhaseDone)
	state.Record(AttemptEntry{})
	state.Finish(carbon.Result{})
	if state.OracleCalls() != 0 || state.Done() || state.SummarizeAttempts() != nil {
		t.Fatalf("nil state should be inert")
	}
}
