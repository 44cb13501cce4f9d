package carbon

import (
	"math"
	"time"
)

// Energy intensity factors (kWh/GB) and grid intensity (gCO₂e/kWh) of the
// simplified four-segment sustainable web design model.
const (
	EnergyDataCenter   = 0.055
	EnergyNetwork      = 0.071
	EnergyUserDevice   = 0.080
	EnergyEmbodied     = 0.106
	GridIntensity      = 494.0
	AverageCO2PerVisit = 0.5

	// GreenHostFactor scales the data-center segment for green-hosted subjects.
	GreenHostFactor = 0.3

	bytesPerKB = 1024
	bytesPerGB = 1024 * 1024 * 1024
)

var scoreThresholds = []struct {
	below float64
	score Score
}{
	{0.10, ScoreAPlus},
	{0.20, ScoreA},
	{0.40, ScoreB},
	{0.70, ScoreC},
	{1.00, ScoreD},
}

// ScoreFor buckets CO₂e grams into a letter. Each bucket includes its lower
// bound: 0.10 is A, 0.099 is A+.
func ScoreFor(co2Grams float64) Score {
	for _, t := range scoreThresholds {
		if co2Grams < t.below {
			return t.score
		}
	}
	return ScoreF
}

// CleanerThan converts CO₂e grams into the clamped percentile reported next to the score.
func CleanerThan(co2Grams float64) float64 {
	return clamp(100-(co2Grams/AverageCO2PerVisit)*50, 1, 99)
}

// Estimate maps a transfer byte count onto a Result. It is pure and total over
// non-negative byte counts; negative input is treated as zero.
func Estimate(subject string, transferBytes int64, greenHost bool, at time.Time) Result {
	if transferBytes < 0 {
		transferBytes = 0
	}
	gigabytes := float64(transferBytes) / bytesPerGB

	greenFactor := 1.0
	if greenHost {
		greenFactor = GreenHostFactor
	}

	dataCenter := gigabytes * EnergyDataCenter * GridIntensity * greenFactor
	network := gigabytes * EnergyNetwork * GridIntensity
	device := gigabytes * EnergyUserDevice * GridIntensity
	embodied := gigabytes * EnergyEmbodied * GridIntensity
	total := dataCenter + network + device + embodied
	// Score the rounded value so the stored record never straddles a threshold.
	co2 := round(total, 4)

	return Result{
		Subject:      subject,
		CO2Grams:     co2,
		Score:        ScoreFor(co2),
		CleanerThan:  round(CleanerThan(total), 1),
		PageWeightKB: int64(math.Round(float64(transferBytes) / bytesPerKB)),
		GreenHost:    greenHost,
		Timestamp:    at.UnixMilli(),
		Source:       SourceEstimate,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
