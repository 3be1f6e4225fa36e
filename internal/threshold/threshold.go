package threshold

import (
	"math"

	"fraudshield/internal/model"
)

const (
	baseThreshold   = 0.25
	maxThreshold    = 0.75
	ageMidpointDays = 180
	ageSteepness    = 0.02
	trustWeight     = 0.40
)

// Decision is the outcome of comparing a risk score with a threshold.
type Decision struct {
	Threshold float64 `json:"threshold"`
	Flagged   bool    `json:"flagged"`
	Margin    float64 `json:"margin"`
}

// Compute returns the personalised flagging threshold in [0.25, 0.75].
// Young, low-trust accounts get the strictest value.
func Compute(accountAgeDays int, trustScore float64) float64 {
	trust := math.Max(0, math.Min(1, trustScore))
	ageFactor := 1 / (1 + math.Exp(-ageSteepness*float64(accountAgeDays-ageMidpointDays)))
	combined := (1-trustWeight)*ageFactor + trustWeight*trust
	return model.Round(baseThreshold+combined*(maxThreshold-baseThreshold), 4)
}

// Decide flags when riskScorePct/100 reaches threshold.
func Decide(riskScorePct, threshold float64) Decision {
	norm := riskScorePct / 100
	return Decision{
		Threshold: threshold,
		Flagged:   norm >= threshold,
		Margin:    model.Round(norm-threshold, 4),
	}
}
