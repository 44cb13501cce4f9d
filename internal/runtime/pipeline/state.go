package pipeline

import (
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
)

// Phase is a step of the acquisition state machine.
type Phase string

const (
	PhaseLookup            Phase = "lookup"
	PhaseQuerying          Phase = "querying"
	PhaseWaiting           Phase = "waiting"
	PhaseFallbackThenRetry Phase = "fallback_then_retry"
	PhaseFallback          Phase = "fallback"
	PhaseEstimating        Phase = "estimating"
	PhaseDone              Phase = "done"
)

// Attempt outcomes recorded in the history.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

// AttemptEntry records a single oracle call.
type AttemptEntry struct {
	Attempt  int           `json:"attempt"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Duration time.Duration `json:"duration"`
}

// MeasurementState captures how the estimator's byte count was obtained.
type MeasurementState struct {
	Bytes     int64  `json:"bytes"`
	Method    string `json:"method"`
	Resources int    `json:"resources,omitempty"`
	GreenHost bool   `json:"greenHost"`
}

// State is the private trace of one resolve. Nothing in it is visible to
// callers until Phase reaches PhaseDone.
type State struct {
	Subject       string           `json:"subject"`
	Mode          carbon.Mode      `json:"mode"`
	CorrelationID string           `json:"correlationId,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	Phase         Phase            `json:"phase"`
	Phases        []Phase          `json:"phases"`
	FromCache     bool             `json:"fromCache"`
	Attempts      []AttemptEntry   `json:"attempts,omitempty"`
	Measurement   MeasurementState `json:"measurement"`
	Result        carbon.Result    `json:"result"`
}

// NewState begins a trace in PhaseLookup.
func NewState(subject string, mode carbon.Mode, correlationID string, startedAt time.Time) *State {
	return &State{
		Subject:       subject,
		Mode:          mode,
		CorrelationID: correlationID,
		StartedAt:     startedAt,
		Phase:         PhaseLookup,
		Phases:        []Phase{PhaseLookup},
	}
}

// Transition moves the trace to phase. Repeated transitions to the current
// phase are collapsed.
func (s *State) Transition(phase Phase) {
	if s == nil || s.Phase == phase {
		return
	}
	s.Phase = phase
	s.Phases = append(s.Phases, phase)
}

// Record appends an oracle attempt.
func (s *State) Record(entry AttemptEntry) {
	if s == nil {
		return
	}
	s.Attempts = append(s.Attempts, entry)
}

// Finish stores the terminal result and enters PhaseDone.
func (s *State) Finish(result carbon.Result) {
	if s == nil {
		return
	}
	s.Result = result
	s.Transition(PhaseDone)
}

// OracleCalls reports how many oracle requests the acquisition issued.
func (s *State) OracleCalls() int {
	if s == nil {
		return 0
	}
	return len(s.Attempts)
}

// Done reports whether the trace reached its terminal phase.
func (s *State) Done() bool { return s != nil && s.Phase == PhaseDone }

// SummarizeAttempts flattens the history for structured logging.
func (s *State) SummarizeAttempts() []map[string]any {
	if s == nil || len(s.Attempts) == 0 {
		return nil
	}
	summary := make([]map[string]any, 0, len(s.Attempts))
	for _, entry := range s.Attempts {
		item := map[string]any{
			"attempt":     entry.Attempt,
			"outcome":     entry.Outcome,
			"duration_ms": float64(entry.Duration) / float64(time.Millisecond),
		}
		if entry.Error != "" {
			item["error"] = entry.Error
		}
		if entry.Delay > 0 {
			item["delay_ms"] = float64(entry.Delay) / float64(time.Millisecond)
		}
		summary = append(summary, item)
	}
	return summary
}
