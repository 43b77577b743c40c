package dto

import "github.com/google/uuid"

type DecisionResponse struct {
	ID          uuid.UUID  `json:"id"`
	StreamID    string     `json:"stream_id"`
	TrackID     int64      `json:"track_id"`
	Timestamp   string     `json:"timestamp"`
	Live        bool       `json:"live"`
	Score       float64    `json:"score"`
	Threshold   float64    `json:"threshold"`
	Confidence  float64    `json:"confidence"`
	Explanation string     `json:"explanation"`
	MemberID    *uuid.UUID `json:"member_id,omitempty"`
	MatchScore  float32    `json:"match_score,omitempty"`
	SnapshotURL string     `json:"snapshot_url,omitempty"`
	CreatedAt   string     `json:"created_at"`
}

type DecisionListResponse struct {
	Decisions []DecisionResponse `json:"decisions"`
	Total     int                `json:"total"`
}

// FrameAccepted is returned when an uploaded frame has been queued.
type FrameAccepted struct {
	FrameID  uuid.UUID `json:"frame_id"`
	StreamID string    `json:"stream_id"`
	FrameRef string    `json:"frame_ref"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
}
