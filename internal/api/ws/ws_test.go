package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promdto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/tracking"
	"github.com/your-org/attend/pkg/dto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func connections() float64 {
	var m promdto.Metric
	_ = observability.WSConnections.Write(&m)
	return m.GetGauge().GetValue()
}

func newEngine(t *testing.T) *liveness.Engine {
	t.Helper()
	engine, err := liveness.NewEngine(liveness.DefaultConfig())
	require.NoError(t, err)
	return engine
}

func newSession(t *testing.T) *session {
	t.Helper()
	return &session{
		tracker: tracking.New("test", tracking.DefaultConfig()),
		engine:  newEngine(t),
	}
}

func frameRequest() dto.TrackRequest {
	return dto.TrackRequest{
		Type: dto.TrackMsgFrame,
		Detections: []dto.TrackDetection{
			{Box: [4]float64{0, 0, 100, 100}, Confidence: 0.9, Scores: []float64{0.9, 0.88}},
			{Box: [4]float64{10, 10, -5, 5}, Confidence: 0.9}, // negative width
			{Box: [4]float64{200, 200, 100, 100}, Confidence: 0.8},
		},
	}
}

// Runs first: the connection gauge is shared with the session tests.
func TestHubFiltersByStream(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	before := connections()
	cam1 := dial(t, srv, "/ws?stream_id=cam-1")
	defer cam1.Close()
	cam2 := dial(t, srv, "/ws?stream_id=cam-2")
	defer cam2.Close()
	require.Eventually(t, func() bool {
		return connections() == before+2
	}, 5*time.Second, 10*time.Millisecond)

	hub.BroadcastDecision(models.Decision{StreamID: "cam-1", TrackID: 3})
	hub.BroadcastDecision(models.Decision{StreamID: "cam-2", TrackID: 7})

	read := func(conn *websocket.Conn) envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	env := read(cam1)
	assert.Equal(t, "decision", env.Type)
	assert.Equal(t, "cam-1", env.Data.StreamID)
	assert.Equal(t, int64(3), env.Data.TrackID)

	// cam-2 never sees the cam-1 decision.
	env = read(cam2)
	assert.Equal(t, "cam-2", env.Data.StreamID)

	require.NoError(t, cam1.Close())
	require.Eventually(t, func() bool {
		return connections() == before+1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionFrameMapsValidDetections(t *testing.T) {
	s := newSession(t)

	resp := s.handle(frameRequest())
	assert.Equal(t, dto.TrackMsgTracks, resp.Type)
	assert.Equal(t, uint64(1), resp.Frame)
	assert.Equal(t, 2, resp.Tracks)
	require.Len(t, resp.Faces, 2)

	first, second := resp.Faces[0], resp.Faces[1]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, int64(0), first.TrackID)
	assert.Equal(t, int64(1), second.TrackID)
	assert.Equal(t, "tentative", first.State)
	assert.True(t, first.New)

	require.NotNil(t, first.Liveness)
	assert.InDelta(t, 0.89, first.Liveness.Score, 1e-9)
	assert.Nil(t, second.Liveness)

	resp = s.handle(frameRequest())
	require.Len(t, resp.Faces, 2)
	assert.Equal(t, int64(0), resp.Faces[0].TrackID)
	assert.Equal(t, "confirmed", resp.Faces[0].State)
	assert.False(t, resp.Faces[0].New)
	assert.Greater(t, resp.Faces[0].Stability, first.Stability)

	// Both frames recorded a fused score for the scored track.
	assert.Equal(t, []float64{0.89, 0.89}, roundAll(s.tracker.History(0)))
	assert.Empty(t, s.tracker.History(1))
}

func TestSessionTemporalAfterEnoughFrames(t *testing.T) {
	s := newSession(t)
	req := dto.TrackRequest{Type: dto.TrackMsgFrame, Detections: []dto.TrackDetection{
		{Box: [4]float64{0, 0, 100, 100}, Confidence: 0.9, Scores: []float64{0.9, 0.88}},
	}}

	var resp dto.TrackResponse
	for range 5 {
		resp = s.handle(req)
		require.Len(t, resp.Faces, 1)
		require.NotNil(t, resp.Faces[0].Liveness)
		assert.Nil(t, resp.Faces[0].Liveness.Temporal)
	}

	resp = s.handle(req)
	lv := resp.Faces[0].Liveness
	require.NotNil(t, lv.Temporal)
	assert.Equal(t, "REAL", lv.Temporal.Verdict)
	assert.True(t, lv.Accept)
}

func TestSessionResetAndUnknown(t *testing.T) {
	s := newSession(t)
	s.handle(frameRequest())

	resp := s.handle(dto.TrackRequest{Type: dto.TrackMsgReset})
	assert.Equal(t, dto.TrackMsgReset, resp.Type)
	assert.Equal(t, 0, s.tracker.Len())

	resp = s.handle(frameRequest())
	require.Len(t, resp.Faces, 2)
	assert.Equal(t, int64(2), resp.Faces[0].TrackID)
	assert.True(t, resp.Faces[0].New)

	resp = s.handle(dto.TrackRequest{Type: "subscribe"})
	assert.Equal(t, dto.TrackMsgError, resp.Type)
	assert.Equal(t, `unknown message type "subscribe"`, resp.Error)
	assert.Equal(t, 2, resp.Tracks)
}

func TestSessionEmptyFrame(t *testing.T) {
	s := newSession(t)
	resp := s.handle(dto.TrackRequest{Type: dto.TrackMsgFrame})
	assert.Equal(t, dto.TrackMsgTracks, resp.Type)
	assert.Empty(t, resp.Faces)
	assert.Zero(t, resp.Tracks)
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestTrackHandlerRoundTrip(t *testing.T) {
	registry := tracking.NewRegistry(tracking.DefaultConfig())
	r := gin.New()
	r.GET("/track", NewTrackHandler(registry, newEngine(t)).HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "/track")
	require.NoError(t, conn.WriteJSON(frameRequest()))

	var resp dto.TrackResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, dto.TrackMsgTracks, resp.Type)
	assert.Len(t, resp.Faces, 2)
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return registry.Len() == 0 },
		5*time.Second, 10*time.Millisecond, "session tracker must be removed on disconnect")
}

func TestTrackSessionsAreIsolated(t *testing.T) {
	registry := tracking.NewRegistry(tracking.DefaultConfig())
	r := gin.New()
	r.GET("/track", NewTrackHandler(registry, newEngine(t)).HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	a := dial(t, srv, "/track")
	defer a.Close()
	b := dial(t, srv, "/track")
	defer b.Close()

	var resp dto.TrackResponse
	require.NoError(t, a.WriteJSON(frameRequest()))
	require.NoError(t, a.ReadJSON(&resp))
	require.Equal(t, 2, resp.Tracks)

	require.NoError(t, b.WriteJSON(dto.TrackRequest{Type: dto.TrackMsgFrame}))
	resp = dto.TrackResponse{}
	require.NoError(t, b.ReadJSON(&resp))
	assert.Zero(t, resp.Tracks)
	assert.Equal(t, uint64(1), resp.Frame)
}

func roundAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(int(x*1e6+0.5)) / 1e6
	}
	return out
}
