package dto

// TemporalInput is a precomputed multi-frame verdict.
type TemporalInput struct {
	Verdict    string  `json:"verdict" binding:"required,oneof=REAL SPOOF UNCERTAIN"`
	Confidence float64 `json:"confidence"`
}

// EvaluateRequest is the body of POST /v1/liveness/evaluate. Either History
// or Temporal may supply the temporal signal; History wins when both are set.
type EvaluateRequest struct {
	Scores    []float64      `json:"scores" binding:"required,min=1"`
	Quality   *float64       `json:"quality,omitempty"`
	Stability *float64       `json:"stability,omitempty"`
	Temporal  *TemporalInput `json:"temporal,omitempty"`
	History   []float64      `json:"history,omitempty"`
	Score     *float64       `json:"score,omitempty"` // decide on this instead of the mean score
}

type FactorResponse struct {
	Name      string  `json:"name"`
	Magnitude float64 `json:"magnitude"`
	Reason    string  `json:"reason"`
}

// LivenessResponse is a threshold adjustment and the decision taken with it.
type LivenessResponse struct {
	Score              float64          `json:"score"`
	Accept             bool             `json:"accept"`
	Confidence         float64          `json:"confidence"`
	BaseThreshold      float64          `json:"base_threshold"`
	AdjustedThreshold  float64          `json:"adjusted_threshold"`
	TotalBoost         float64          `json:"total_boost"`
	DecisionConfidence float64          `json:"decision_confidence"`
	Factors            []FactorResponse `json:"factors"`
	Explanation        string           `json:"explanation"`
	Temporal           *TemporalInput   `json:"temporal,omitempty"`
}
