package tracking

import (
	"errors"
	"fmt"
)

// Config controls association gating and the track lifecycle.
type Config struct {
	MinHits        int     // consecutive matches needed to confirm a track
	LostAfter      int     // misses tolerated before a track becomes Lost
	MaxAge         int     // misses after which a Lost track is removed
	SpoofMaxAge    int     // MaxAge for tracks whose last liveness decision was a reject
	MinIoU         float64 // minimum overlap for a match; the solver cost limit is 1 - MinIoU
	FuseScore      bool    // weight overlap by detection confidence
	StabilityScale float64 // streak length at which the streak term reaches 0.5
	HistorySize    int     // liveness scores kept per track
	MaxTracks      int     // hard cap on live tracks per stream
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinHits:        2,
		LostAfter:      0,
		MaxAge:         30,
		SpoofMaxAge:    5,
		MinIoU:         0.3,
		FuseScore:      true,
		StabilityScale: 3,
		HistorySize:    15,
		MaxTracks:      64,
	}
}

// CostLimit is the largest 1-IoU cost the solver may accept.
func (c Config) CostLimit() float64 {
	return 1 - c.MinIoU
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.MinHits < 1 {
		errs = append(errs, fmt.Errorf("min_hits must be >= 1, got %d", c.MinHits))
	}
	if c.LostAfter < 0 {
		errs = append(errs, fmt.Errorf("lost_after must be >= 0, got %d", c.LostAfter))
	}
	if c.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("max_age must be >= 0, got %d", c.MaxAge))
	}
	if c.SpoofMaxAge < 0 {
		errs = append(errs, fmt.Errorf("spoof_max_age must be >= 0, got %d", c.SpoofMaxAge))
	}
	if !(c.MinIoU > 0 && c.MinIoU <= 1) {
		errs = append(errs, fmt.Errorf("min_iou must be in (0, 1], got %v", c.MinIoU))
	}
	if !(c.StabilityScale > 0) {
		errs = append(errs, fmt.Errorf("stability_scale must be > 0, got %v", c.StabilityScale))
	}
	if c.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("history_size must be >= 0, got %d", c.HistorySize))
	}
	if c.MaxTracks < 1 {
		errs = append(errs, fmt.Errorf("max_tracks must be >= 1, got %d", c.MaxTracks))
	}
	return errors.Join(errs...)
}
