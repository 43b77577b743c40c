package liveness

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	temporalRealMean  = 0.70
	temporalSpoofMean = 0.40
	temporalSplit     = 0.5
)

// TemporalVerdict summarises a track's recent fused scores, oldest first.
// It returns nil until at least minSamples scores are available.
func TemporalVerdict(history []float64, minSamples int) *TemporalSignal {
	minSamples = max(minSamples, 2)
	scores := cleanScores(history)
	if len(scores) < minSamples {
		return nil
	}

	mean, std := stat.MeanStdDev(scores, nil)

	var verdict Verdict
	var agree int
	switch {
	case mean >= temporalRealMean:
		verdict = VerdictReal
		for _, s := range scores {
			if s >= temporalSplit {
				agree++
			}
		}
	case mean < temporalSpoofMean:
		verdict = VerdictSpoof
		for _, s := range scores {
			if s < temporalSplit {
				agree++
			}
		}
	default:
		verdict = VerdictUncertain
		for _, s := range scores {
			if s >= temporalSpoofMean && s < temporalRealMean {
				agree++
			}
		}
	}

	share := float64(agree) / float64(len(scores))
	// Scores live in [0, 1] so the std-dev never exceeds 0.5.
	conf := share * (1 - math.Min(1, 2*std))
	return &TemporalSignal{Verdict: verdict, Confidence: clamp01(conf)}
}
