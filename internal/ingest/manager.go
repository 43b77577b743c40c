// Package ingest pulls frames from network cameras and queues them for the
// vision workers exactly like HTTP-uploaded frames.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/storage"
)

const (
	maxRetries = 3
	pruneEvery = 100 // frames between retention sweeps
)

type ObjectWriter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

type FramePublisher interface {
	PublishFrame(ctx context.Context, task models.FrameTask) error
}

type ControlPublisher interface {
	PublishControl(msg models.ControlMessage) error
}

type FramePruner interface {
	PruneFrames(ctx context.Context, streamID string, keep int) (int, error)
}

// Deps are the manager's collaborators. Pruner may be nil when frame
// retention is disabled.
type Deps struct {
	Source  Source
	Objects ObjectWriter
	Frames  FramePublisher
	Control ControlPublisher
	Pruner  FramePruner
}

type camera struct {
	cancel context.CancelFunc
}

// Manager runs one extraction loop per camera.
type Manager struct {
	deps       Deps
	width      int
	retention  int
	pruneEvery int
	backoff    func(attempt int) time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cameras map[string]*camera
	wg      sync.WaitGroup
}

func NewManager(deps Deps, cfg config.IngestConfig) *Manager {
	return &Manager{
		deps:       deps,
		width:      cfg.FrameWidth,
		retention:  cfg.FrameRetention,
		pruneEvery: pruneEvery,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second // 2s, 4s, 8s
		},
		now:     time.Now,
		cameras: make(map[string]*camera),
	}
}

// Start begins pulling frames from cam in the background.
func (m *Manager) Start(ctx context.Context, cam config.CameraConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cameras[cam.ID]; ok {
		return fmt.Errorf("camera %s already running", cam.ID)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cameras[cam.ID] = &camera{cancel: cancel}
	observability.ActiveCameras.Inc()

	m.wg.Add(1)
	go m.run(ctx, cam)

	slog.Info("camera ingestion started", "stream", cam.ID, "url", redact(cam.URL), "fps", cam.FPS)
	return nil
}

func (m *Manager) run(ctx context.Context, cam config.CameraConfig) {
	defer m.wg.Done()
	defer m.finish(cam.ID)

	onFrame := m.frameHandler(cam.ID)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt)
			slog.Warn("retrying camera", "stream", cam.ID, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		err := m.deps.Source.Run(ctx, cam.URL, cam.FPS, m.width, onFrame)
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Error("camera extraction failed", "stream", cam.ID, "attempt", attempt, "error", err)
	}
	slog.Error("camera given up after retries", "stream", cam.ID)
}

// finish forgets the camera and tells the workers to drop its tracker, so
// a restarted camera does not inherit stale tracks.
func (m *Manager) finish(id string) {
	m.mu.Lock()
	if c, ok := m.cameras[id]; ok {
		c.cancel()
		delete(m.cameras, id)
	}
	m.mu.Unlock()
	observability.ActiveCameras.Dec()

	if err := m.deps.Control.PublishControl(models.ControlMessage{Action: models.ControlDrop, StreamID: id}); err != nil {
		slog.Warn("publish tracker drop", "stream", id, "error", err)
	}
	slog.Info("camera ingestion stopped", "stream", id)
}

func (m *Manager) frameHandler(streamID string) FrameFunc {
	var count int
	return func(ctx context.Context, data []byte) error {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decode frame header: %w", err)
		}

		task := models.FrameTask{
			StreamID:  streamID,
			FrameID:   uuid.Must(uuid.NewV7()),
			Timestamp: m.now().UTC(),
			Width:     cfg.Width,
			Height:    cfg.Height,
		}
		task.FrameRef = storage.FrameKey(streamID, task.FrameID)

		if err := m.deps.Objects.PutObject(ctx, task.FrameRef, data, "image/jpeg"); err != nil {
			return fmt.Errorf("upload frame: %w", err)
		}
		if err := m.deps.Frames.PublishFrame(ctx, task); err != nil {
			return fmt.Errorf("publish frame task: %w", err)
		}
		observability.FramesIngested.WithLabelValues(streamID).Inc()

		count++
		if m.retention > 0 && m.deps.Pruner != nil && count%m.pruneEvery == 0 {
			n, err := m.deps.Pruner.PruneFrames(ctx, streamID, m.retention)
			if err != nil {
				slog.Warn("prune frames", "stream", streamID, "error", err)
			} else if n > 0 {
				slog.Debug("pruned frames", "stream", streamID, "deleted", n)
			}
		}
		return nil
	}
}

// Stop cancels the camera's loop. It reports whether the camera was running.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cameras[id]
	if ok {
		c.cancel()
	}
	return ok
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cameras {
		c.cancel()
	}
}

// Wait blocks until every camera loop has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Active returns the number of running cameras.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cameras)
}
