package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/pkg/dto"
)

type DecisionStore interface {
	QueryDecisions(ctx context.Context, f storage.DecisionFilter) ([]models.DecisionRecord, int, error)
	GetDecision(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error)
}

type ObjectReader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type DecisionHandler struct {
	db      DecisionStore
	objects ObjectReader
}

func NewDecisionHandler(db DecisionStore, objects ObjectReader) *DecisionHandler {
	return &DecisionHandler{db: db, objects: objects}
}

// List returns a page of the stream's decisions. Query parameters: from, to
// (RFC 3339), live (bool), limit, offset.
func (h *DecisionHandler) List(c *gin.Context) {
	f := storage.DecisionFilter{StreamID: c.Param("id")}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + p.name + " time"})
			return
		}
		*p.dst = &t
	}

	if v := c.Query("live"); v != "" {
		live, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid live flag"})
			return
		}
		f.Live = &live
	}

	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, total, err := h.db.QueryDecisions(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.DecisionResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, decisionToResponse(r))
	}
	c.JSON(http.StatusOK, dto.DecisionListResponse{Decisions: resp, Total: total})
}

// Snapshot proxies the face snapshot of a recognised decision from MinIO.
func (h *DecisionHandler) Snapshot(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision id"})
		return
	}

	rec, err := h.db.GetDecision(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil || rec.SnapshotKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	data, err := h.objects.GetObject(c.Request.Context(), rec.SnapshotKey)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "snapshot not found"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func decisionToResponse(r models.DecisionRecord) dto.DecisionResponse {
	resp := dto.DecisionResponse{
		ID:          r.ID,
		StreamID:    r.StreamID,
		TrackID:     r.TrackID,
		Timestamp:   r.Timestamp.Format(time.RFC3339),
		Live:        r.Live,
		Score:       r.Score,
		Threshold:   r.Threshold,
		Confidence:  r.Confidence,
		Explanation: r.Explanation,
		MemberID:    r.MemberID,
		MatchScore:  r.MatchScore,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.SnapshotKey != "" {
		resp.SnapshotURL = "/v1/decisions/" + r.ID.String() + "/snapshot"
	}
	return resp
}
