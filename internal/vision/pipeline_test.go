package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/tracking"
)

type fakeDetector struct {
	dets []tracking.Detection
	err  error
}

func (f *fakeDetector) Detect(image.Image) ([]tracking.Detection, error) {
	return append([]tracking.Detection(nil), f.dets...), f.err
}

type fakeClassifier struct {
	name  string
	score float64
	err   error
}

func (f fakeClassifier) Name() string { return f.name }

func (f fakeClassifier) Score(image.Image, tracking.BBox) (float64, error) {
	return f.score, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (s *fakeStore) PutObject(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

type fakePublisher struct {
	published []models.Decision
}

func (f *fakePublisher) PublishDecision(_ context.Context, d models.Decision) error {
	f.published = append(f.published, d)
	return nil
}

type fakeRecognizer struct{ calls int }

func (f *fakeRecognizer) Embed(image.Image) ([]float32, error) {
	f.calls++
	return []float32{1, 0, 0}, nil
}

type fakeMembers struct {
	match models.MemberMatch
}

func (f fakeMembers) SearchMembers(context.Context, []float32, float32, int) ([]models.MemberMatch, error) {
	return []models.MemberMatch{f.match}, nil
}

type fixture struct {
	p          *Pipeline
	det        *fakeDetector
	store      *fakeStore
	pub        *fakePublisher
	recognizer *fakeRecognizer
	clock      time.Time
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFixture(t *testing.T, classifiers ...Classifier) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, "{}", classifiers...)
}

func newFixtureWithConfig(t *testing.T, yml string, classifiers ...Classifier) *fixture {
	t.Helper()

	cfg, err := config.Parse([]byte(yml))
	require.NoError(t, err)

	f := &fixture{
		det: &fakeDetector{dets: []tracking.Detection{
			{BBox: tracking.BBox{100, 100, 300, 300}, Confidence: 0.99},
		}},
		store:      &fakeStore{objects: map[string][]byte{"frames/cam-1/0.png": testFrame(t)}},
		pub:        &fakePublisher{},
		recognizer: &fakeRecognizer{},
		clock:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	p, err := NewPipeline(Deps{
		Detector:    f.det,
		Classifiers: classifiers,
		Recognizer:  f.recognizer,
		Members: fakeMembers{match: models.MemberMatch{
			MemberID: uuid.MustParse("8f0c6b9e-1d2a-4c3b-9e8f-7a6b5c4d3e2f"),
			Name:     "Ada",
			Score:    0.82,
		}},
		Frames:    f.store,
		Publisher: f.pub,
	}, cfg)
	require.NoError(t, err)
	p.now = func() time.Time { return f.clock }
	f.p = p
	return f
}

func frameTask() models.FrameTask {
	return models.FrameTask{
		StreamID:  "cam-1",
		FrameID:   uuid.New(),
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		FrameRef:  "frames/cam-1/0.png",
	}
}

func liveClassifiers() []Classifier {
	return []Classifier{
		fakeClassifier{name: "minifasnet_v2_2.7", score: 0.95},
		fakeClassifier{name: "minifasnet_v1se_4.0", score: 0.93},
	}
}

func TestProcessFrameTracksAndPublishes(t *testing.T) {
	f := newFixture(t, liveClassifiers()...)
	ctx := context.Background()

	first, err := f.p.ProcessFrame(ctx, frameTask())
	require.NoError(t, err)
	require.Len(t, first, 1)

	d := first[0]
	assert.Equal(t, "cam-1", d.StreamID)
	assert.Equal(t, int64(0), d.TrackID)
	assert.Equal(t, "tentative", d.TrackState)
	assert.Equal(t, map[string]float64{"minifasnet_v2_2.7": 0.95, "minifasnet_v1se_4.0": 0.93}, d.Scores)
	assert.InDelta(t, 0.94, d.Liveness.Score, 1e-9)
	assert.True(t, d.Liveness.Accept)
	assert.NotEmpty(t, d.Liveness.Factors)
	assert.Nil(t, d.MemberID, "tentative tracks are not recognised")

	second, err := f.p.ProcessFrame(ctx, frameTask())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(0), second[0].TrackID)
	assert.Equal(t, "confirmed", second[0].TrackState)
	assert.Greater(t, second[0].Stability, d.Stability)

	assert.Len(t, f.pub.published, 2)
}

func TestProcessFrameRecognizesConfirmedLiveTracks(t *testing.T) {
	f := newFixture(t, liveClassifiers()...)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.p.ProcessFrame(ctx, frameTask())
		require.NoError(t, err)
	}

	// Confirmed on the second frame; the third is inside the re-recognition gap.
	assert.Equal(t, 1, f.recognizer.calls)
	recognized := f.pub.published[1]
	require.NotNil(t, recognized.MemberID)
	assert.Equal(t, "Ada", recognized.MemberName)
	assert.True(t, strings.HasPrefix(recognized.SnapshotKey, "snapshots/cam-1/0_"))
	assert.Contains(t, f.store.objects, recognized.SnapshotKey)
	assert.Nil(t, f.pub.published[2].MemberID)

	f.clock = f.clock.Add(time.Minute)
	_, err := f.p.ProcessFrame(ctx, frameTask())
	require.NoError(t, err)
	assert.Equal(t, 2, f.recognizer.calls)
}

func TestRecognitionTimesFollowTrackLifetimes(t *testing.T) {
	f := newFixtureWithConfig(t, "tracking:\n  max_age: 1\n", liveClassifiers()...)
	ctx := context.Background()
	face := f.det.dets

	const lifetimes = 20
	for i := 0; i < lifetimes; i++ {
		f.det.dets = face
		for range 2 {
			_, err := f.p.ProcessFrame(ctx, frameTask())
			require.NoError(t, err)
		}
		require.Len(t, f.p.lastRecognized, 1)

		// Two empty frames: Lost, then removed.
		f.det.dets = nil
		for range 2 {
			_, err := f.p.ProcessFrame(ctx, frameTask())
			require.NoError(t, err)
		}
		require.Zero(t, f.p.trackers.Get("cam-1").Len())
		require.Empty(t, f.p.lastRecognized)
	}
	assert.Equal(t, lifetimes, f.recognizer.calls)
}

func TestProcessFrameRejectsSpoofAndMarksTrack(t *testing.T) {
	f := newFixture(t,
		fakeClassifier{name: "a", score: 0.12},
		fakeClassifier{name: "b", score: 0.08},
	)

	out, err := f.p.ProcessFrame(context.Background(), frameTask())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Liveness.Accept)
	for _, fc := range out[0].Liveness.Factors {
		assert.Negative(t, fc.Magnitude, "only penalties apply to spoof-leaning scores: %s", fc.Name)
	}

	tr, ok := f.p.trackers.Get("cam-1").Track(out[0].TrackID)
	require.True(t, ok)
	assert.True(t, tr.Spoofed)
	assert.Equal(t, []float64{0.1}, roundAll(f.p.trackers.Get("cam-1").History(out[0].TrackID)))
	assert.Zero(t, f.recognizer.calls)
}

func TestProcessFrameSkipsFaceOnClassifierError(t *testing.T) {
	f := newFixture(t,
		fakeClassifier{name: "ok", score: 0.9},
		fakeClassifier{name: "broken", err: errors.New("session crashed")},
	)

	out, err := f.p.ProcessFrame(context.Background(), frameTask())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, f.pub.published)
}

func TestProcessFrameErrors(t *testing.T) {
	f := newFixture(t, liveClassifiers()...)

	task := frameTask()
	task.FrameRef = "missing"
	_, err := f.p.ProcessFrame(context.Background(), task)
	require.ErrorContains(t, err, "load frame")

	f.store.objects["garbage"] = []byte("not an image")
	task.FrameRef = "garbage"
	_, err = f.p.ProcessFrame(context.Background(), task)
	require.ErrorContains(t, err, "decode frame")

	f.det.err = errors.New("boom")
	_, err = f.p.ProcessFrame(context.Background(), frameTask())
	require.ErrorContains(t, err, "detect")
}

func TestProcessFrameNoFaces(t *testing.T) {
	f := newFixture(t, liveClassifiers()...)
	f.det.dets = nil

	out, err := f.p.ProcessFrame(context.Background(), frameTask())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, f.p.Streams())
}

func TestResetAndDropStream(t *testing.T) {
	f := newFixture(t, liveClassifiers()...)
	ctx := context.Background()

	_, err := f.p.ProcessFrame(ctx, frameTask())
	require.NoError(t, err)

	assert.False(t, f.p.ResetStream("unknown"))
	assert.True(t, f.p.ResetStream("cam-1"))
	assert.Zero(t, f.p.trackers.Get("cam-1").Len())

	out, err := f.p.ProcessFrame(ctx, frameTask())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].TrackID, "ids keep increasing across resets")

	f.p.DropStream("cam-1")
	assert.Zero(t, f.p.Streams())
}

func TestNewPipelineValidatesDeps(t *testing.T) {
	cfg, err := config.Parse([]byte("{}"))
	require.NoError(t, err)

	_, err = NewPipeline(Deps{
		Detector:  &fakeDetector{},
		Frames:    &fakeStore{},
		Publisher: &fakePublisher{},
	}, cfg)
	require.ErrorContains(t, err, "at least one liveness classifier")

	_, err = NewPipeline(Deps{Classifiers: liveClassifiers()}, cfg)
	require.Error(t, err)

	cfg.Liveness.BaseThreshold = 2
	_, err = NewPipeline(Deps{
		Detector:    &fakeDetector{},
		Classifiers: liveClassifiers(),
		Frames:      &fakeStore{},
		Publisher:   &fakePublisher{},
	}, cfg)
	require.ErrorContains(t, err, "base_threshold")
}

func roundAll(vs []float64) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(int(v*1000+0.5)) / 1000
	}
	return out
}
