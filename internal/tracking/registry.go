package tracking

import (
	"sync"

	"github.com/your-org/attend/internal/observability"
)

// Registry maps a stream (camera, WebSocket connection) to its own Tracker.
// Trackers are created on first use and never shared between streams.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	trackers map[string]*Tracker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		trackers: make(map[string]*Tracker),
	}
}

// Get returns the stream's tracker, creating it if needed.
func (r *Registry) Get(streamID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[streamID]; ok {
		return t
	}
	t := New(streamID, r.cfg)
	r.trackers[streamID] = t
	observability.ActiveTrackers.Inc()
	return t
}

// Reset clears the stream's track table if it exists.
func (r *Registry) Reset(streamID string) bool {
	r.mu.Lock()
	t, ok := r.trackers[streamID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	t.Reset()
	return true
}

// Remove destroys the stream's tracker.
func (r *Registry) Remove(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[streamID]; ok {
		delete(r.trackers, streamID)
		t.Reset()
		observability.ActiveTrackers.Dec()
	}
}

// Len returns the number of live trackers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}
