package ws

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/tracking"
	"github.com/your-org/attend/pkg/dto"
)

const (
	trackReadLimit = 1 << 20
	trackIdleLimit = 2 * time.Minute
)

// TrackHandler serves tracking sessions: every connection owns a private
// tracker that lives exactly as long as the connection.
type TrackHandler struct {
	trackers *tracking.Registry
	engine   *liveness.Engine
}

func NewTrackHandler(trackers *tracking.Registry, engine *liveness.Engine) *TrackHandler {
	return &TrackHandler{trackers: trackers, engine: engine}
}

func (h *TrackHandler) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}
	go h.serve(conn)
}

func (h *TrackHandler) serve(conn *websocket.Conn) {
	key := "ws:" + uuid.NewString()
	s := &session{tracker: h.trackers.Get(key), engine: h.engine}

	observability.WSConnections.Inc()
	defer func() {
		h.trackers.Remove(key)
		observability.WSConnections.Dec()
		conn.Close()
	}()

	conn.SetReadLimit(trackReadLimit)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(trackIdleLimit))

		var req dto.TrackRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("tracking session closed", "session", key, "error", err)
			}
			return
		}

		if err := conn.WriteJSON(s.handle(req)); err != nil {
			return
		}
	}
}

// session processes the messages of one connection. It is used from a
// single goroutine.
type session struct {
	tracker *tracking.Tracker
	engine  *liveness.Engine
	frames  uint64
}

func (s *session) handle(req dto.TrackRequest) dto.TrackResponse {
	switch req.Type {
	case dto.TrackMsgFrame:
		return s.frame(req.Detections)
	case dto.TrackMsgReset:
		s.tracker.Reset()
		return dto.TrackResponse{Type: dto.TrackMsgReset, Frame: s.frames}
	default:
		return dto.TrackResponse{Type: dto.TrackMsgError, Error: "unknown message type " + strconv.Quote(req.Type), Tracks: s.tracker.Len()}
	}
}

func (s *session) frame(in []dto.TrackDetection) dto.TrackResponse {
	s.frames++

	// The tracker drops malformed boxes and keeps the rest in order, so
	// the k-th result belongs to the k-th valid input.
	dets := make([]tracking.Detection, len(in))
	var valid []int
	for i, d := range in {
		dets[i] = tracking.Detection{
			BBox:       tracking.BoxFromXYWH(d.Box[0], d.Box[1], d.Box[2], d.Box[3]),
			Confidence: d.Confidence,
			Landmarks:  d.Landmarks,
		}
		if dets[i].BBox.Valid() {
			valid = append(valid, i)
		}
	}

	tracked := s.tracker.Update(dets)
	faces := make([]dto.TrackedFace, len(tracked))
	for k, td := range tracked {
		src := in[valid[k]]
		face := dto.TrackedFace{
			Index:     valid[k],
			TrackID:   td.TrackID,
			Stability: td.Stability,
			New:       td.New,
		}
		if td.Tracked() {
			face.State = td.State.String()
		}
		if len(src.Scores) > 0 {
			face.Liveness = s.evaluate(td, src)
		}
		faces[k] = face
	}

	return dto.TrackResponse{Type: dto.TrackMsgTracks, Frame: s.frames, Faces: faces, Tracks: s.tracker.Len()}
}

func (s *session) evaluate(td tracking.TrackedDetection, src dto.TrackDetection) *dto.LivenessResponse {
	in := liveness.Input{Scores: src.Scores, Quality: src.Quality}
	if td.Tracked() {
		stab := td.Stability
		in.Stability = &stab
		in.Temporal = liveness.TemporalVerdict(s.tracker.History(td.TrackID), s.engine.Config().TemporalMinSamples)
	}

	dec := s.engine.Evaluate(in)
	if td.Tracked() {
		s.tracker.RecordLiveness(td.TrackID, dec.Score, dec.Accept)
	}

	resp := handlers.LivenessResponse(dec)
	if in.Temporal != nil {
		resp.Temporal = &dto.TemporalInput{Verdict: string(in.Temporal.Verdict), Confidence: in.Temporal.Confidence}
	}
	return &resp
}
