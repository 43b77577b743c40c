package tracking

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/your-org/attend/internal/observability"
)

// Tracker owns the track table of a single stream. All methods are safe for
// concurrent use; Update and Reset are serialized against each other.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	streamID string
	tracks   map[int64]*Track
	nextID   int64
	frame    uint64
}

// New creates an empty tracker for the given stream.
func New(streamID string, cfg Config) *Tracker {
	return &Tracker{
		cfg:      cfg,
		streamID: streamID,
		tracks:   make(map[int64]*Track),
	}
}

// Update associates this frame's detections with the track table and
// returns the valid detections, in input order, annotated with track ids.
// Malformed detections are dropped. If matching faults, every valid
// detection is returned with TrackID NoTrack and the table is left as it
// was before the frame.
func (t *Tracker) Update(dets []Detection) []TrackedDetection {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frame++
	valid := sanitize(dets)

	ids := t.sortedIDs()
	asg, err := t.match(ids, valid)
	if err == nil {
		var out []TrackedDetection
		if out, err = t.commit(ids, valid, asg); err == nil {
			return out
		}
	}

	slog.Warn("tracker matching failed, returning untracked detections",
		"stream", t.streamID, "frame", t.frame, "error", err)
	observability.TrackingFallbacks.Inc()
	return untracked(valid)
}

// match builds the cost matrix and solves the assignment without touching
// the table.
func (t *Tracker) match(ids []int64, dets []Detection) (asg Assignment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("match panicked: %v", r)
		}
	}()

	trackBoxes := make([]BBox, len(ids))
	for i, id := range ids {
		trackBoxes[i] = t.tracks[id].BBox
	}
	detBoxes := make([]BBox, len(dets))
	confs := make([]float64, len(dets))
	for i, d := range dets {
		detBoxes[i] = d.BBox
		confs[i] = d.Confidence
	}

	var cost *mat.Dense
	if len(ids) > 0 && len(dets) > 0 {
		cost = IoUCost(trackBoxes, detBoxes)
		if t.cfg.FuseScore {
			cost = FuseScore(cost, confs)
		}
	}

	asg, err = Assign(cost, len(ids), len(dets), t.cfg.CostLimit())
	if err != nil {
		return Assignment{}, fmt.Errorf("assign %d tracks to %d detections: %w", len(ids), len(dets), err)
	}
	return asg, nil
}

// commit applies asg to the table. A panic part way through restores the
// table and the id counter to their state before the frame.
func (t *Tracker) commit(ids []int64, dets []Detection, asg Assignment) (out []TrackedDetection, err error) {
	saved := make(map[int64]*Track, len(t.tracks))
	for id, tr := range t.tracks {
		cp := tr.snapshot()
		saved[id] = &cp
	}
	nextID := t.nextID

	defer func() {
		if r := recover(); r != nil {
			t.tracks, t.nextID = saved, nextID
			out, err = nil, fmt.Errorf("apply assignment panicked: %v", r)
		}
	}()
	return t.apply(ids, dets, asg), nil
}

func (t *Tracker) apply(ids []int64, dets []Detection, asg Assignment) []TrackedDetection {
	for _, tr := range t.tracks {
		tr.Age++
	}

	out := make([]TrackedDetection, len(dets))
	for i, d := range dets {
		out[i] = TrackedDetection{Detection: d, TrackID: NoTrack}
	}

	for _, m := range asg.Matches {
		tr := t.tracks[ids[m[0]]]
		t.hit(tr, dets[m[1]])
		out[m[1]].TrackID = tr.ID
		out[m[1]].Stability = tr.Stability
		out[m[1]].State = tr.State
	}

	for _, row := range asg.UnmatchedRows {
		t.miss(t.tracks[ids[row]])
	}

	for _, col := range asg.UnmatchedCols {
		tr := t.spawn(dets[col])
		if tr == nil {
			continue
		}
		out[col].TrackID = tr.ID
		out[col].Stability = tr.Stability
		out[col].State = tr.State
		out[col].New = true
	}

	return out
}

func (t *Tracker) hit(tr *Track, d Detection) {
	tr.BBox = d.BBox
	tr.Hits++
	tr.Streak++
	tr.Misses = 0

	switch tr.State {
	case StateLost:
		if tr.confirmed {
			tr.State = StateConfirmed
		} else {
			tr.State = StateTentative
		}
	}
	if tr.State == StateTentative && tr.Streak >= t.cfg.MinHits {
		tr.State = StateConfirmed
		tr.confirmed = true
	}
	tr.Stability = stability(tr.Streak, tr.Hits, tr.Age, t.cfg.StabilityScale)
}

func (t *Tracker) miss(tr *Track) {
	tr.Misses++
	tr.Streak = 0
	tr.Stability = stability(tr.Streak, tr.Hits, tr.Age, t.cfg.StabilityScale)

	if tr.State != StateLost && tr.Misses > t.cfg.LostAfter {
		tr.State = StateLost
	}

	maxAge := t.cfg.MaxAge
	if tr.Spoofed {
		maxAge = t.cfg.SpoofMaxAge
	}
	if tr.State == StateLost && tr.Misses > maxAge {
		t.remove(tr)
	}
}

func (t *Tracker) spawn(d Detection) *Track {
	if len(t.tracks) >= t.cfg.MaxTracks && !t.evictOldestLost() {
		return nil
	}

	tr := &Track{
		ID:     t.nextID,
		BBox:   d.BBox,
		State:  StateTentative,
		Hits:   1,
		Streak: 1,
		Age:    1,
	}
	t.nextID++
	if tr.Streak >= t.cfg.MinHits {
		tr.State = StateConfirmed
		tr.confirmed = true
	}
	tr.Stability = stability(tr.Streak, tr.Hits, tr.Age, t.cfg.StabilityScale)

	t.tracks[tr.ID] = tr
	observability.TracksCreated.Inc()
	return tr
}

func (t *Tracker) remove(tr *Track) {
	tr.State = StateRemoved
	delete(t.tracks, tr.ID)
	observability.TracksRemoved.Inc()
}

// evictOldestLost frees a slot by dropping the Lost track missed longest.
func (t *Tracker) evictOldestLost() bool {
	var victim *Track
	for _, id := range t.sortedIDs() {
		tr := t.tracks[id]
		if tr.State != StateLost {
			continue
		}
		if victim == nil || tr.Misses > victim.Misses {
			victim = tr
		}
	}
	if victim == nil {
		return false
	}
	t.remove(victim)
	return true
}

func (t *Tracker) sortedIDs() []int64 {
	ids := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reset empties the table. Ids keep increasing across resets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	observability.TracksRemoved.Add(float64(len(t.tracks)))
	clear(t.tracks)
}

// Has reports whether id is still in the table.
func (t *Tracker) Has(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracks[id]
	return ok
}

// RecordLiveness stores a fused liveness score on the track and remembers
// whether it was accepted. Rejected tracks are evicted after SpoofMaxAge
// misses instead of MaxAge.
func (t *Tracker) RecordLiveness(id int64, score float64, live bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[id]
	if !ok {
		return false
	}
	if !math.IsNaN(score) {
		tr.pushHistory(clamp01(score), t.cfg.HistorySize)
	}
	tr.Spoofed = !live
	return true
}

// History returns a copy of the track's recent liveness scores, oldest first.
func (t *Tracker) History(id int64) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[id]
	if !ok {
		return nil
	}
	return append([]float64(nil), tr.history...)
}

// Track returns a copy of a live track.
func (t *Tracker) Track(id int64) (Track, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[id]
	if !ok {
		return Track{}, false
	}
	return tr.snapshot(), true
}

// Tracks returns copies of all live tracks ordered by id.
func (t *Tracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Track, 0, len(t.tracks))
	for _, id := range t.sortedIDs() {
		out = append(out, t.tracks[id].snapshot())
	}
	return out
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Counts returns the number of live tracks per state.
func (t *Tracker) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[State]int, 3)
	for _, tr := range t.tracks {
		counts[tr.State]++
	}
	return counts
}

func sanitize(dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if !d.BBox.Valid() {
			continue
		}
		d.Confidence = clamp01(d.Confidence)
		out = append(out, d)
	}
	return out
}

func untracked(dets []Detection) []TrackedDetection {
	out := make([]TrackedDetection, len(dets))
	for i, d := range dets {
		out[i] = TrackedDetection{Detection: d, TrackID: NoTrack}
	}
	return out
}
