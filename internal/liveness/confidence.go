package liveness

import "math"

const (
	// Distance from the threshold at which confidence saturates.
	confidenceSpan = 0.3
	// Applied when base and adjusted thresholds reach the same decision.
	agreementBonus = 1.2
)

// DecisionConfidence scores how far score sits from the adjusted threshold,
// in [0, 1]. It is boosted when the base threshold would have decided the
// same way.
func DecisionConfidence(score, baseThreshold, adjustedThreshold float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	conf := math.Min(1, math.Abs(score-adjustedThreshold)/confidenceSpan)
	if (score > baseThreshold) == (score > adjustedThreshold) {
		conf = math.Min(1, conf*agreementBonus)
	}
	return conf
}
