package carbon

import (
	"errors"
	"fmt"
	"strings"
)

// Score is the letter grade attached to a Result. Letters are ordered best to worst.
type Score string

const (
	ScoreAPlus Score = "A+"
	ScoreA     Score = "A"
	ScoreB     Score = "B"
	ScoreC     Score = "C"
	ScoreD     Score = "D"
	ScoreF     Score = "F"
)

// Scores lists every letter from best to worst.
func Scores() []Score {
	return []Score{ScoreAPlus, ScoreA, ScoreB, ScoreC, ScoreD, ScoreF}
}

// Valid reports whether s is one of the known letters.
func (s Score) Valid() bool {
	for _, known := range Scores() {
		if s == known {
			return true
		}
	}
	return false
}

// Mode selects how a missing Result is acquired.
type Mode string

const (
	ModeAPI      Mode = "api"
	ModeEstimate Mode = "estimate"
)

// ParseMode normalizes a mode selector. Empty input yields ModeAPI.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAPI:
		return ModeAPI, nil
	case ModeEstimate:
		return ModeEstimate, nil
	default:
		return "", fmt.Errorf("carbon: unsupported mode %q", raw)
	}
}

// Source records which collaborator produced a Result.
type Source string

const (
	SourceOracle      Source = "oracle"
	SourceEstimate    Source = "estimate"
	SourcePlaceholder Source = "placeholder"
)

// Result is an immutable footprint snapshot for one subject.
type Result struct {
	Subject      string  `json:"url"`
	CO2Grams     float64 `json:"co2Grams"`
	Score        Score   `json:"score"`
	CleanerThan  float64 `json:"cleanerThan"`
	PageWeightKB int64   `json:"pageWeightKb"`
	GreenHost    bool    `json:"greenHost"`
	Timestamp    int64   `json:"timestamp"`
	Source       Source  `json:"source,omitempty"`
}

// Consistent reports whether the score matches the CO₂e value under ScoreFor.
func (r Result) Consistent() bool {
	return r.Score == ScoreFor(r.CO2Grams)
}

var (
	// ErrInvalidSubject marks an empty or unresolvable subject. It is the only
	// condition surfaced to callers as a hard failure.
	ErrInvalidSubject = errors.New("carbon: invalid subject")
	// ErrAcquisitionExhausted marks an acquisition abandoned before any result,
	// remote or estimated, could be produced.
	ErrAcquisitionExhausted = errors.New("carbon: acquisition exhausted")
)
