package tracking

// NoTrack marks a detection that could not be associated with a track.
const NoTrack int64 = -1

// Detection is one face found in a frame. It carries no identity.
type Detection struct {
	BBox       BBox
	Confidence float64
	Landmarks  *[5][2]float64 // eyes, nose, mouth corners; nil if the detector has none
}

// State is the lifecycle state of a track.
type State uint8

const (
	StateTentative State = iota // created, not yet confirmed by repeated matches
	StateConfirmed
	StateLost    // missed recently, still within the grace period
	StateRemoved // terminal; the track is no longer in the table
)

func (s State) String() string {
	switch s {
	case StateTentative:
		return "tentative"
	case StateConfirmed:
		return "confirmed"
	case StateLost:
		return "lost"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Track is a persistent identity hypothesis linking boxes across frames.
type Track struct {
	ID        int64
	BBox      BBox
	State     State
	Hits      int // total matched frames
	Streak    int // consecutive matched frames
	Age       int // frames since creation, including the creation frame
	Misses    int // frames since the last match
	Stability float64
	Spoofed   bool // last liveness decision for this track was a reject

	confirmed bool
	history   []float64
}

// TrackedDetection is a detection annotated by the tracker.
type TrackedDetection struct {
	Detection
	TrackID   int64
	Stability float64
	State     State
	New       bool // the track was created this frame
}

// Tracked reports whether the detection carries a real track id.
func (d TrackedDetection) Tracked() bool {
	return d.TrackID != NoTrack
}

// stability saturates towards 1 with long unbroken streaks and is pulled
// down by the share of frames the track went unmatched.
func stability(streak, hits, age int, scale float64) float64 {
	if streak <= 0 || age <= 0 {
		return 0
	}
	s := float64(streak)
	streakTerm := s / (s + scale)
	hitRatio := float64(hits) / float64(age)
	return clamp01(streakTerm * hitRatio)
}

func (t *Track) pushHistory(score float64, size int) {
	if size <= 0 {
		return
	}
	if len(t.history) >= size {
		copy(t.history, t.history[1:])
		t.history = t.history[:size-1]
	}
	t.history = append(t.history, score)
}

// snapshot returns a copy that shares no memory with the table entry.
func (t *Track) snapshot() Track {
	cp := *t
	cp.history = append([]float64(nil), t.history...)
	return cp
}
