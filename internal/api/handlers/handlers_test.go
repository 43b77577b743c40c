package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/pkg/dto"
)

type fakeObjects struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeObjects) PutObject(_ context.Context, key string, data []byte, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, storage.ErrNotFound)
	}
	return data, nil
}

type fakeFrames struct {
	tasks []models.FrameTask
	err   error
}

func (f *fakeFrames) PublishFrame(_ context.Context, task models.FrameTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeControl struct {
	msgs []models.ControlMessage
	err  error
}

func (f *fakeControl) PublishControl(msg models.ControlMessage) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type fakeDecisions struct {
	filter  storage.DecisionFilter
	records []models.DecisionRecord
	byID    map[uuid.UUID]models.DecisionRecord
	err     error
}

func (f *fakeDecisions) QueryDecisions(_ context.Context, filter storage.DecisionFilter) ([]models.DecisionRecord, int, error) {
	f.filter = filter
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.records, len(f.records), nil
}

func (f *fakeDecisions) GetDecision(_ context.Context, id uuid.UUID) (*models.DecisionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func pngFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// --- liveness ---

func livenessRouter(t *testing.T) *gin.Engine {
	t.Helper()
	engine, err := liveness.NewEngine(liveness.DefaultConfig())
	require.NoError(t, err)

	r := gin.New()
	r.POST("/evaluate", NewLivenessHandler(engine).Evaluate)
	return r
}

func evaluate(t *testing.T, r *gin.Engine, body string) (*httptest.ResponseRecorder, dto.LivenessResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)

	var resp dto.LivenessResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestEvaluateLowersThresholdForGoodContext(t *testing.T) {
	r := livenessRouter(t)

	w, resp := evaluate(t, r, `{"scores":[0.90,0.88],"quality":0.9,"stability":0.95}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.InDelta(t, 0.89, resp.Score, 1e-9)
	assert.InDelta(t, 0.18, resp.TotalBoost, 1e-9)
	assert.InDelta(t, 0.47, resp.AdjustedThreshold, 1e-9)
	assert.True(t, resp.Accept)
	assert.Len(t, resp.Factors, 3)
	assert.Contains(t, resp.Explanation, "threshold lowered")
	assert.Nil(t, resp.Temporal)
}

func TestEvaluateScoreOverride(t *testing.T) {
	r := livenessRouter(t)

	w, resp := evaluate(t, r, `{"scores":[0.90,0.88],"score":0.3}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.3, resp.Score, 1e-9)
	assert.False(t, resp.Accept)
}

func TestEvaluateTemporalFromHistory(t *testing.T) {
	r := livenessRouter(t)

	w, resp := evaluate(t, r, `{"scores":[0.90,0.88],"history":[0.9,0.9,0.9,0.9,0.9,0.9]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.Temporal)
	assert.Equal(t, "REAL", resp.Temporal.Verdict)

	var names []string
	for _, f := range resp.Factors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "temporal_real")
}

func TestEvaluateExplicitTemporalSpoof(t *testing.T) {
	r := livenessRouter(t)

	w, resp := evaluate(t, r, `{"scores":[0.90,0.88],"temporal":{"verdict":"SPOOF","confidence":0.9}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, -0.12, resp.TotalBoost, 1e-9)
	assert.InDelta(t, 0.77, resp.AdjustedThreshold, 1e-9)
	assert.Contains(t, resp.Explanation, "threshold raised")
	require.NotNil(t, resp.Temporal)
	assert.Equal(t, "SPOOF", resp.Temporal.Verdict)
}

func TestEvaluateRejectsBadRequests(t *testing.T) {
	r := livenessRouter(t)

	for _, body := range []string{
		`{}`,
		`{"scores":[]}`,
		`{"scores":[0.9],"temporal":{"verdict":"MAYBE","confidence":1}}`,
		`not json`,
	} {
		w, _ := evaluate(t, r, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

// --- streams ---

type streamFixture struct {
	r       *gin.Engine
	objects *fakeObjects
	frames  *fakeFrames
	control *fakeControl
}

func newStreamFixture() *streamFixture {
	f := &streamFixture{
		objects: &fakeObjects{objects: map[string][]byte{}},
		frames:  &fakeFrames{},
		control: &fakeControl{},
	}
	h := NewStreamHandler(f.objects, f.frames, f.control)
	h.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	f.r = gin.New()
	f.r.POST("/streams/:id/frames", h.UploadFrame)
	f.r.POST("/streams/:id/reset", h.Reset)
	f.r.DELETE("/streams/:id/tracker", h.Drop)
	return f
}

func TestUploadFrameRawBody(t *testing.T) {
	f := newStreamFixture()
	frame := pngFrame(t, 64, 48)

	req := httptest.NewRequest(http.MethodPost, "/streams/cam-1/frames", bytes.NewReader(frame))
	req.Header.Set("Content-Type", "image/png")
	w := serve(f.r, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp dto.FrameAccepted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cam-1", resp.StreamID)
	assert.Equal(t, 64, resp.Width)
	assert.Equal(t, 48, resp.Height)

	require.Len(t, f.frames.tasks, 1)
	task := f.frames.tasks[0]
	assert.Equal(t, resp.FrameID, task.FrameID)
	assert.Equal(t, storage.FrameKey("cam-1", task.FrameID), task.FrameRef)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), task.Timestamp)
	assert.Equal(t, frame, f.objects.objects[task.FrameRef])
}

func TestUploadFrameMultipart(t *testing.T) {
	f := newStreamFixture()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("frame", "f.png")
	require.NoError(t, err)
	_, err = part.Write(pngFrame(t, 8, 8))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/streams/cam-2/frames", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := serve(f.r, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, f.frames.tasks, 1)
	assert.Equal(t, "cam-2", f.frames.tasks[0].StreamID)
}

func TestUploadFrameFailures(t *testing.T) {
	f := newStreamFixture()

	post := func(body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/streams/cam-1/frames", bytes.NewReader(body))
		req.Header.Set("Content-Type", "image/jpeg")
		return serve(f.r, req)
	}

	assert.Equal(t, http.StatusBadRequest, post(nil).Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, post([]byte("definitely not an image")).Code)

	f.objects.putErr = errors.New("minio down")
	assert.Equal(t, http.StatusInternalServerError, post(pngFrame(t, 4, 4)).Code)

	f.objects.putErr = nil
	f.frames.err = errors.New("nats down")
	assert.Equal(t, http.StatusServiceUnavailable, post(pngFrame(t, 4, 4)).Code)
	assert.Empty(t, f.frames.tasks)
}

func TestResetAndDropPublishControl(t *testing.T) {
	f := newStreamFixture()

	w := serve(f.r, httptest.NewRequest(http.MethodPost, "/streams/cam-1/reset", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = serve(f.r, httptest.NewRequest(http.MethodDelete, "/streams/cam-1/tracker", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, []models.ControlMessage{
		{Action: models.ControlReset, StreamID: "cam-1"},
		{Action: models.ControlDrop, StreamID: "cam-1"},
	}, f.control.msgs)

	f.control.err = errors.New("nats down")
	w = serve(f.r, httptest.NewRequest(http.MethodPost, "/streams/cam-1/reset", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// --- decisions ---

func decisionRouter(db *fakeDecisions, objects *fakeObjects) *gin.Engine {
	h := NewDecisionHandler(db, objects)
	r := gin.New()
	r.GET("/streams/:id/events", h.List)
	r.GET("/decisions/:id/snapshot", h.Snapshot)
	return r
}

func TestListDecisions(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	db := &fakeDecisions{records: []models.DecisionRecord{{
		ID: id, StreamID: "cam-1", TrackID: 4, Timestamp: ts, Live: true,
		Score: 0.91, Threshold: 0.57, SnapshotKey: "snapshots/cam-1/4.jpg", CreatedAt: ts,
	}}}
	r := decisionRouter(db, &fakeObjects{})

	w := serve(r, httptest.NewRequest(http.MethodGet,
		"/streams/cam-1/events?from=2026-03-02T08:00:00Z&to=2026-03-02T10:00:00Z&live=true&limit=10&offset=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "cam-1", db.filter.StreamID)
	require.NotNil(t, db.filter.From)
	require.NotNil(t, db.filter.To)
	assert.True(t, ts.Add(-time.Hour).Equal(*db.filter.From))
	require.NotNil(t, db.filter.Live)
	assert.True(t, *db.filter.Live)
	assert.Equal(t, 10, db.filter.Limit)
	assert.Equal(t, 5, db.filter.Offset)

	var resp dto.DecisionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Decisions, 1)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "/v1/decisions/"+id.String()+"/snapshot", resp.Decisions[0].SnapshotURL)
	assert.Equal(t, "2026-03-02T09:00:00Z", resp.Decisions[0].Timestamp)
}

func TestListDecisionsBadQuery(t *testing.T) {
	r := decisionRouter(&fakeDecisions{}, &fakeObjects{})

	for _, q := range []string{"?from=yesterday", "?to=1", "?live=perhaps"} {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/streams/cam-1/events"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	r = decisionRouter(&fakeDecisions{err: errors.New("db down")}, &fakeObjects{})
	w := serve(r, httptest.NewRequest(http.MethodGet, "/streams/cam-1/events", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSnapshot(t *testing.T) {
	withSnap, withoutSnap, dangling := uuid.New(), uuid.New(), uuid.New()
	db := &fakeDecisions{byID: map[uuid.UUID]models.DecisionRecord{
		withSnap:    {ID: withSnap, SnapshotKey: "snapshots/a.jpg"},
		withoutSnap: {ID: withoutSnap},
		dangling:    {ID: dangling, SnapshotKey: "snapshots/gone.jpg"},
	}}
	objects := &fakeObjects{objects: map[string][]byte{"snapshots/a.jpg": []byte("jpeg")}}
	r := decisionRouter(db, objects)

	get := func(id string) *httptest.ResponseRecorder {
		return serve(r, httptest.NewRequest(http.MethodGet, "/decisions/"+id+"/snapshot", nil))
	}

	w := get(withSnap.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusBadRequest, get("nope").Code)
	assert.Equal(t, http.StatusNotFound, get(uuid.NewString()).Code)
	assert.Equal(t, http.StatusNotFound, get(withoutSnap.String()).Code)
	assert.Equal(t, http.StatusNotFound, get(dangling.String()).Code)
}

// --- system ---

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	r := gin.New()
	r.GET("/readyz", NewSystemHandler(map[string]Check{"postgres": ok, "nats": ok}).Readyz)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"nats":"ok","postgres":"ok"}}`, w.Body.String())

	r = gin.New()
	r.GET("/readyz", NewSystemHandler(map[string]Check{"postgres": ok, "minio": down}).Readyz)
	w = serve(r, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"not ready","checks":{"minio":"connection refused","postgres":"ok"}}`, w.Body.String())
}
