package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/liveness"
)

// FrameTask is the message published to NATS for worker processing.
type FrameTask struct {
	StreamID  string    `json:"stream_id"`
	FrameID   uuid.UUID `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
	FrameRef  string    `json:"frame_ref"` // MinIO object key
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
}

// Decision is the worker's verdict for one face in one frame.
type Decision struct {
	ID          uuid.UUID          `json:"id"`
	StreamID    string             `json:"stream_id"`
	FrameID     uuid.UUID          `json:"frame_id"`
	TrackID     int64              `json:"track_id"` // -1 when the face could not be tracked
	TrackState  string             `json:"track_state,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	BBox        [4]float64         `json:"bbox"` // x1, y1, x2, y2
	Confidence  float64            `json:"confidence"`
	Quality     float64            `json:"quality"`
	Stability   float64            `json:"stability"`
	Scores      map[string]float64 `json:"scores"` // per classifier
	Liveness    liveness.Decision  `json:"liveness"`
	MemberID    *uuid.UUID         `json:"member_id,omitempty"`
	MemberName  string             `json:"member_name,omitempty"`
	MatchScore  float32            `json:"match_score,omitempty"`
	SnapshotKey string             `json:"snapshot_key,omitempty"`
}

// DecisionRecord is a persisted decision as read back from Postgres.
type DecisionRecord struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	StreamID    string     `json:"stream_id" db:"stream_id"`
	TrackID     int64      `json:"track_id" db:"track_id"`
	Timestamp   time.Time  `json:"timestamp" db:"timestamp"`
	Live        bool       `json:"live" db:"live"`
	Score       float64    `json:"score" db:"score"`
	Threshold   float64    `json:"threshold" db:"threshold"`
	Confidence  float64    `json:"confidence" db:"confidence"`
	Explanation string     `json:"explanation" db:"explanation"`
	MemberID    *uuid.UUID `json:"member_id,omitempty" db:"member_id"`
	MatchScore  float32    `json:"match_score,omitempty" db:"match_score"`
	SnapshotKey string     `json:"snapshot_key,omitempty" db:"snapshot_key"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// ControlAction is a tracking control command sent to workers.
type ControlAction string

const (
	ControlReset ControlAction = "reset"
	ControlDrop  ControlAction = "drop"
)

type ControlMessage struct {
	Action   ControlAction `json:"action"`
	StreamID string        `json:"stream_id"`
}
