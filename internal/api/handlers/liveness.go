package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/pkg/dto"
)

// LivenessHandler exposes the threshold engine without any tracking state.
type LivenessHandler struct {
	engine *liveness.Engine
}

func NewLivenessHandler(engine *liveness.Engine) *LivenessHandler {
	return &LivenessHandler{engine: engine}
}

func (h *LivenessHandler) Evaluate(c *gin.Context) {
	var req dto.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := liveness.Input{
		Scores:    req.Scores,
		Quality:   req.Quality,
		Stability: req.Stability,
	}
	switch {
	case len(req.History) > 0:
		in.Temporal = liveness.TemporalVerdict(req.History, h.engine.Config().TemporalMinSamples)
	case req.Temporal != nil:
		in.Temporal = &liveness.TemporalSignal{
			Verdict:    liveness.Verdict(req.Temporal.Verdict),
			Confidence: req.Temporal.Confidence,
		}
	}

	dec := h.engine.Evaluate(in)
	if req.Score != nil {
		dec.Score = *req.Score
		dec.Accept = dec.Score > dec.AdjustedThreshold
		dec.Confidence = liveness.DecisionConfidence(dec.Score, dec.BaseThreshold, dec.AdjustedThreshold)
	}

	resp := LivenessResponse(dec)
	if in.Temporal != nil {
		resp.Temporal = &dto.TemporalInput{Verdict: string(in.Temporal.Verdict), Confidence: in.Temporal.Confidence}
	}
	c.JSON(http.StatusOK, resp)
}

// LivenessResponse converts an engine decision to its wire form.
func LivenessResponse(dec liveness.Decision) dto.LivenessResponse {
	factors := make([]dto.FactorResponse, len(dec.Factors))
	for i, f := range dec.Factors {
		factors[i] = dto.FactorResponse{Name: f.Name, Magnitude: f.Magnitude, Reason: f.Reason}
	}
	return dto.LivenessResponse{
		Score:              dec.Score,
		Accept:             dec.Accept,
		Confidence:         dec.Confidence,
		BaseThreshold:      dec.BaseThreshold,
		AdjustedThreshold:  dec.AdjustedThreshold,
		TotalBoost:         dec.TotalBoost,
		DecisionConfidence: dec.DecisionConfidence,
		Factors:            factors,
		Explanation:        dec.Explanation,
	}
}
