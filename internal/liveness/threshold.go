// Package liveness fuses anti-spoofing scores with quality, track stability
// and temporal signals into a context-adjusted accept/reject decision.
package liveness

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

const (
	spoofSafeguardAvg = 0.60 // below this mean score only penalties apply

	strongAgreeDiff  = 0.10
	partialAgreeDiff = 0.15
	disagreeDiff     = 0.25
	partialAgreeRate = 0.6

	highQuality = 0.85
	goodQuality = 0.70
	poorQuality = 0.50

	stableTrack       = 0.90
	fairlyStableTrack = 0.70
	unstableTrack     = 0.30

	temporalRealConf  = 0.75
	temporalSpoofConf = 0.80

	// TotalBoost at which the adjustment confidence saturates.
	boostSaturation = 0.5
)

// Verdict is a liveness conclusion drawn from several frames of a track.
type Verdict string

const (
	VerdictReal      Verdict = "REAL"
	VerdictSpoof     Verdict = "SPOOF"
	VerdictUncertain Verdict = "UNCERTAIN"
)

// TemporalSignal is a multi-frame verdict with its own confidence.
type TemporalSignal struct {
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// Input carries the signals for one evaluation. Optional signals are nil
// when unavailable, which disables the factors that depend on them.
type Input struct {
	Scores    []float64 // one realness score per classifier
	Quality   *float64
	Stability *float64
	Temporal  *TemporalSignal
}

// Factor is one applied boost (positive) or penalty (negative).
type Factor struct {
	Name      string  `json:"name"`
	Magnitude float64 `json:"magnitude"`
	Reason    string  `json:"reason"`
}

// Adjustment is the outcome of adapting the base threshold to context.
type Adjustment struct {
	BaseThreshold      float64  `json:"base_threshold"`
	AdjustedThreshold  float64  `json:"adjusted_threshold"`
	TotalBoost         float64  `json:"total_boost"`
	Factors            []Factor `json:"factors"`
	DecisionConfidence float64  `json:"decision_confidence"`
	Explanation        string   `json:"explanation"`
}

// Decision is an Adjustment applied to the fused score.
type Decision struct {
	Adjustment
	Score      float64 `json:"score"`
	Accept     bool    `json:"accept"`
	Confidence float64 `json:"confidence"`
}

// Engine computes adaptive thresholds. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("liveness config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate adjusts the threshold for in and decides on the mean score.
func (e *Engine) Evaluate(in Input) Decision {
	adj := e.Adjust(in)
	score, _ := meanSpread(in.Scores)
	return Decision{
		Adjustment: adj,
		Score:      score,
		Accept:     score > adj.AdjustedThreshold,
		Confidence: DecisionConfidence(score, adj.BaseThreshold, adj.AdjustedThreshold),
	}
}

// Adjust computes the context-adjusted threshold. Same input, same output.
func (e *Engine) Adjust(in Input) Adjustment {
	b := e.cfg.Boosts
	var factors []Factor
	add := func(name string, magnitude float64, reason string) {
		factors = append(factors, Factor{Name: name, Magnitude: magnitude, Reason: reason})
	}

	avg, diff := meanSpread(in.Scores)
	leansReal := avg >= spoofSafeguardAvg
	multiModel := len(cleanScores(in.Scores)) >= 2

	if multiModel {
		switch {
		case diff > disagreeDiff:
			add("models_disagree", -b.ModelsDisagree, fmt.Sprintf("models disagree (diff %.2f)", diff))
		case !leansReal:
		case diff < strongAgreeDiff:
			add("models_agree", b.ModelsAgree, "models agree strongly")
		case diff < partialAgreeDiff:
			add("models_partially_agree", b.ModelsAgree*partialAgreeRate, "models mostly agree")
		}
	}

	if q, ok := signal(in.Quality); ok {
		switch {
		case q < poorQuality:
			add("poor_quality", -b.PoorQuality, fmt.Sprintf("poor crop quality (%.2f)", q))
		case !leansReal:
		case q >= highQuality:
			add("high_quality", b.HighQuality, "high crop quality")
		case q >= goodQuality:
			add("good_quality", b.HighQuality/2, "good crop quality")
		}
	}

	if t, ok := signal(in.Stability); ok {
		switch {
		case t >= stableTrack:
			add("stable_track", b.StableTrack, "stable track")
		case t >= fairlyStableTrack:
			add("fairly_stable_track", b.StableTrack/2, "fairly stable track")
		case t < unstableTrack:
			add("unstable_track", -b.UnstableTrack, fmt.Sprintf("unstable track (%.2f)", t))
		}
	}

	if ts := in.Temporal; ts != nil {
		if c, ok := signal(&ts.Confidence); ok {
			switch {
			case ts.Verdict == VerdictSpoof && c >= temporalSpoofConf:
				add("temporal_spoof", -b.TemporalSpoof, fmt.Sprintf("recent frames look spoofed (%.2f)", c))
			case ts.Verdict == VerdictReal && c >= temporalRealConf && leansReal:
				add("temporal_real", b.TemporalReal, "recent frames look live")
			}
		}
	}

	total := 0.0
	for _, f := range factors {
		total += f.Magnitude
	}

	base := e.cfg.BaseThreshold
	adjusted := math.Min(e.cfg.MaxThreshold, math.Max(e.cfg.MinThreshold, base-total))

	return Adjustment{
		BaseThreshold:      base,
		AdjustedThreshold:  adjusted,
		TotalBoost:         total,
		Factors:            factors,
		DecisionConfidence: math.Min(1, math.Abs(total)/boostSaturation),
		Explanation:        explain(base, adjusted, total, factors),
	}
}

// explain names the two strongest factors pulling in the dominant direction.
func explain(base, adjusted, total float64, factors []Factor) string {
	if len(factors) == 0 {
		return fmt.Sprintf("base threshold %.3f applied: no adjustment factors", base)
	}
	if total == 0 {
		return fmt.Sprintf("adjustments cancel out: threshold stays at %.3f", base)
	}

	var dominant []Factor
	for _, f := range factors {
		if (total > 0) == (f.Magnitude > 0) && f.Magnitude != 0 {
			dominant = append(dominant, f)
		}
	}
	slices.SortStableFunc(dominant, func(a, b Factor) int {
		switch {
		case math.Abs(a.Magnitude) > math.Abs(b.Magnitude):
			return -1
		case math.Abs(a.Magnitude) < math.Abs(b.Magnitude):
			return 1
		}
		return 0
	})
	if len(dominant) > 2 {
		dominant = dominant[:2]
	}

	parts := make([]string, len(dominant))
	for i, f := range dominant {
		parts[i] = fmt.Sprintf("%s (%+.3f)", f.Reason, f.Magnitude)
	}

	verb := "lowered"
	if total < 0 {
		verb = "raised"
	}
	msg := fmt.Sprintf("threshold %s %.3f→%.3f: %s", verb, base, adjusted, strings.Join(parts, ", "))
	if math.Abs((base-total)-adjusted) > 1e-12 {
		msg += " (clamped)"
	}
	return msg
}

// cleanScores drops NaN scores and clamps the rest to [0, 1].
func cleanScores(scores []float64) []float64 {
	out := make([]float64, 0, len(scores))
	for _, s := range scores {
		if math.IsNaN(s) {
			continue
		}
		out = append(out, clamp01(s))
	}
	return out
}

// meanSpread returns the mean score and max-min spread. With no usable
// scores the mean is 0, which keeps the spoof safeguard engaged.
func meanSpread(scores []float64) (mean, spread float64) {
	s := cleanScores(scores)
	if len(s) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s)), slices.Max(s) - slices.Min(s)
}

func signal(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	return clamp01(*v), true
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
