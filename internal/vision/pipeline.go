package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/tracking"
)

// FrameStore loads frames and stores face snapshots.
type FrameStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// MemberSearcher finds enrolled members close to an embedding.
type MemberSearcher interface {
	SearchMembers(ctx context.Context, embedding []float32, threshold float32, limit int) ([]models.MemberMatch, error)
}

// DecisionPublisher hands decisions to downstream consumers.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, d models.Decision) error
}

// Deps are the pipeline's collaborators. Recognizer and Members may be nil,
// which disables recognition.
type Deps struct {
	Detector    FaceDetector
	Classifiers []Classifier
	Recognizer  Recognizer
	Members     MemberSearcher
	Frames      FrameStore
	Publisher   DecisionPublisher
}

type trackKey struct {
	stream string
	id     int64
}

// Pipeline orchestrates per-frame processing:
// detect → track → anti-spoof → fuse → recognize → publish.
type Pipeline struct {
	deps     Deps
	trackers *tracking.Registry
	engine   *liveness.Engine
	cfg      config.VisionConfig
	recogGap time.Duration
	now      func() time.Time

	mu             sync.Mutex
	lastRecognized map[trackKey]time.Time

	closers []func()
}

// NewPipeline wires deps to a fresh tracker registry and threshold engine.
func NewPipeline(deps Deps, cfg *config.Config) (*Pipeline, error) {
	if deps.Detector == nil || deps.Frames == nil || deps.Publisher == nil {
		return nil, errors.New("pipeline needs a detector, a frame store and a publisher")
	}
	if len(deps.Classifiers) == 0 {
		return nil, errors.New("pipeline needs at least one liveness classifier")
	}

	engine, err := liveness.NewEngine(cfg.Liveness)
	if err != nil {
		return nil, err
	}
	trackCfg := cfg.Tracking.Tracker()
	if err := trackCfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracking config: %w", err)
	}

	return &Pipeline{
		deps:           deps,
		trackers:       tracking.NewRegistry(trackCfg),
		engine:         engine,
		cfg:            cfg.Vision,
		recogGap:       cfg.Tracking.ReRecognizeInterval,
		now:            time.Now,
		lastRecognized: make(map[trackKey]time.Time),
	}, nil
}

// LoadPipeline loads the ONNX models named in cfg and returns a ready
// pipeline. The ONNX Runtime environment must already be initialised.
func LoadPipeline(cfg *config.Config, members MemberSearcher, frames FrameStore, publisher DecisionPublisher) (*Pipeline, error) {
	var closers []func()
	fail := func(err error) (*Pipeline, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}

	detPath := filepath.Join(cfg.Vision.ModelsDir, cfg.Vision.DetectorModel)
	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.Vision.DetectionThreshold), opts)
	if err != nil {
		return fail(fmt.Errorf("load detector: %w", err))
	}
	closers = append(closers, det.Close)

	classifiers := make([]Classifier, 0, len(cfg.Vision.AntiSpoofModels))
	for _, name := range cfg.Vision.AntiSpoofModels {
		path := filepath.Join(cfg.Vision.ModelsDir, name)
		slog.Info("loading anti-spoof model", "path", path)
		as, err := NewAntiSpoofer(path, opts)
		if err != nil {
			return fail(fmt.Errorf("load anti-spoof model %s: %w", name, err))
		}
		closers = append(closers, as.Close)
		classifiers = append(classifiers, as)
	}

	embPath := filepath.Join(cfg.Vision.ModelsDir, cfg.Vision.EmbedderModel)
	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath, opts)
	if err != nil {
		return fail(fmt.Errorf("load embedder: %w", err))
	}
	closers = append(closers, emb.Close)

	p, err := NewPipeline(Deps{
		Detector:    det,
		Classifiers: classifiers,
		Recognizer:  emb,
		Members:     members,
		Frames:      frames,
		Publisher:   publisher,
	}, cfg)
	if err != nil {
		return fail(err)
	}
	p.closers = closers

	slog.Info("vision pipeline ready", "classifiers", len(classifiers))
	return p, nil
}

// ProcessFrame runs one frame task end to end and returns the decisions it
// published. A face whose classifiers fail is logged and skipped.
func (p *Pipeline) ProcessFrame(ctx context.Context, task models.FrameTask) ([]models.Decision, error) {
	data, err := p.deps.Frames.GetObject(ctx, task.FrameRef)
	if err != nil {
		return nil, fmt.Errorf("load frame: %w", err)
	}
	img, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	dets, err := p.deps.Detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	observability.FramesProcessed.WithLabelValues(task.StreamID).Inc()

	tracker := p.trackers.Get(task.StreamID)
	tracked := tracker.Update(dets)
	p.expire(task.StreamID, tracker)
	if len(tracked) == 0 {
		return nil, nil
	}
	observability.FacesDetected.WithLabelValues(task.StreamID).Add(float64(len(tracked)))

	var out []models.Decision
	for _, td := range tracked {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		d, ok := p.evaluate(ctx, img, tracker, task, td)
		if !ok {
			continue
		}
		if err := p.deps.Publisher.PublishDecision(ctx, d); err != nil {
			slog.Error("publish decision", "error", err, "stream", task.StreamID, "track", td.TrackID)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Pipeline) evaluate(ctx context.Context, img image.Image, tracker *tracking.Tracker, task models.FrameTask, td tracking.TrackedDetection) (models.Decision, bool) {
	start := time.Now()
	vals, err := p.score(img, td.BBox)
	if err != nil {
		slog.Warn("liveness classifier failed, skipping face",
			"stream", task.StreamID, "track", td.TrackID, "error", err)
		return models.Decision{}, false
	}
	observability.InferenceDuration.WithLabelValues("antispoof").Observe(time.Since(start).Seconds())

	b := img.Bounds()
	quality := CropQuality(td.Detection, b.Dx(), b.Dy())

	in := liveness.Input{Scores: vals, Quality: &quality}
	if td.Tracked() {
		stab := td.Stability
		in.Stability = &stab
		in.Temporal = liveness.TemporalVerdict(tracker.History(td.TrackID), p.engine.Config().TemporalMinSamples)
	}

	dec := p.engine.Evaluate(in)
	result := "spoof"
	if dec.Accept {
		result = "live"
	}
	observability.LivenessDecisions.WithLabelValues(result).Inc()
	observability.ThresholdShift.Observe(dec.AdjustedThreshold - dec.BaseThreshold)

	d := models.Decision{
		ID:         uuid.New(),
		StreamID:   task.StreamID,
		FrameID:    task.FrameID,
		TrackID:    td.TrackID,
		Timestamp:  task.Timestamp,
		BBox:       td.BBox,
		Confidence: td.Confidence,
		Quality:    quality,
		Scores:     make(map[string]float64, len(vals)),
		Liveness:   dec,
	}
	for i, c := range p.deps.Classifiers {
		d.Scores[c.Name()] = vals[i]
	}
	if !td.Tracked() {
		return d, true
	}

	d.TrackState = td.State.String()
	d.Stability = td.Stability
	tracker.RecordLiveness(td.TrackID, dec.Score, dec.Accept)

	if td.State == tracking.StateConfirmed && dec.Accept && p.recognitionDue(task.StreamID, td.TrackID) {
		p.recognize(ctx, img, td, &d)
	}
	return d, true
}

// score runs every classifier concurrently; the sessions are independent.
func (p *Pipeline) score(img image.Image, box tracking.BBox) ([]float64, error) {
	vals := make([]float64, len(p.deps.Classifiers))
	var g errgroup.Group
	for i, c := range p.deps.Classifiers {
		g.Go(func() error {
			s, err := c.Score(img, box)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			vals[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vals, nil
}

// recognitionDue reports whether the track has not been recognised within
// the re-recognition interval, and marks it as recognised now if so.
func (p *Pipeline) recognitionDue(stream string, id int64) bool {
	if p.deps.Recognizer == nil || p.deps.Members == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := trackKey{stream: stream, id: id}
	now := p.now()
	if last, ok := p.lastRecognized[key]; ok && now.Sub(last) < p.recogGap {
		return false
	}
	p.lastRecognized[key] = now
	return true
}

// expire drops recognition times of tracks the stream's tracker no longer
// holds, so the map is bounded by the live track count.
func (p *Pipeline) expire(stream string, tracker *tracking.Tracker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.lastRecognized {
		if k.stream == stream && !tracker.Has(k.id) {
			delete(p.lastRecognized, k)
		}
	}
}

func (p *Pipeline) recognize(ctx context.Context, img image.Image, td tracking.TrackedDetection, d *models.Decision) {
	crop := cropFace(img, td.BBox)
	if crop == nil {
		return
	}

	start := time.Now()
	embedding, err := p.deps.Recognizer.Embed(crop)
	if err != nil {
		slog.Warn("embed error", "error", err, "stream", d.StreamID, "track", td.TrackID)
		return
	}
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	start = time.Now()
	matches, err := p.deps.Members.SearchMembers(ctx, embedding, float32(p.cfg.RecognitionThreshold), 1)
	if err != nil {
		slog.Warn("member search error", "error", err, "stream", d.StreamID)
		return
	}
	observability.InferenceDuration.WithLabelValues("match").Observe(time.Since(start).Seconds())
	if len(matches) == 0 {
		return
	}

	m := matches[0]
	d.MemberID = &m.MemberID
	d.MemberName = m.Name
	d.MatchScore = m.Score
	observability.FacesRecognized.WithLabelValues(d.StreamID).Inc()

	snapshot, err := encodeJPEG(crop, 85)
	if err != nil {
		slog.Warn("encode snapshot", "error", err)
		return
	}
	key := fmt.Sprintf("snapshots/%s/%d_%s.jpg", d.StreamID, td.TrackID, d.ID)
	if err := p.deps.Frames.PutObject(ctx, key, snapshot, "image/jpeg"); err != nil {
		slog.Warn("save snapshot", "error", err)
		return
	}
	d.SnapshotKey = key
}

// ResetStream clears the stream's tracks. It reports whether the stream had
// a tracker.
func (p *Pipeline) ResetStream(stream string) bool {
	p.forget(stream)
	return p.trackers.Reset(stream)
}

// DropStream destroys the stream's tracker.
func (p *Pipeline) DropStream(stream string) {
	p.forget(stream)
	p.trackers.Remove(stream)
}

func (p *Pipeline) forget(stream string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.lastRecognized {
		if k.stream == stream {
			delete(p.lastRecognized, k)
		}
	}
}

// Streams returns the number of streams with a live tracker.
func (p *Pipeline) Streams() int {
	return p.trackers.Len()
}

// Close releases all ONNX sessions.
func (p *Pipeline) Close() {
	for _, c := range p.closers {
		c()
	}
}
