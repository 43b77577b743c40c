package dto

// WebSocket message types on /v1/ws/track.
const (
	TrackMsgFrame  = "frame"
	TrackMsgReset  = "reset"
	TrackMsgTracks = "tracks"
	TrackMsgError  = "error"
)

// TrackRequest is a client message on a tracking session.
type TrackRequest struct {
	Type       string           `json:"type"`
	Detections []TrackDetection `json:"detections,omitempty"`
}

// TrackDetection is one face found by the client. Scores and Quality are
// optional; without scores no liveness decision is made for the face.
type TrackDetection struct {
	Box        [4]float64     `json:"box"` // x, y, width, height
	Confidence float64        `json:"confidence"`
	Landmarks  *[5][2]float64 `json:"landmarks,omitempty"`
	Scores     []float64      `json:"scores,omitempty"`
	Quality    *float64       `json:"quality,omitempty"`
}

// TrackedFace echoes a detection with its track assignment. Index refers to
// the position in the request; malformed detections are not echoed.
type TrackedFace struct {
	Index     int               `json:"index"`
	TrackID   int64             `json:"track_id"` // -1 when untracked
	State     string            `json:"state,omitempty"`
	Stability float64           `json:"stability"`
	New       bool              `json:"new"`
	Liveness  *LivenessResponse `json:"liveness,omitempty"`
}

// TrackResponse is a server message on a tracking session.
type TrackResponse struct {
	Type   string        `json:"type"`
	Frame  uint64        `json:"frame,omitempty"`
	Faces  []TrackedFace `json:"faces,omitempty"`
	Tracks int           `json:"tracks"`
	Error  string        `json:"error,omitempty"`
}
