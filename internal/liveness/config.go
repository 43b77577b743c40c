package liveness

import (
	"errors"
	"fmt"
	"math"
)

// Boosts holds the magnitude of every adjustment factor. Boosts lower the
// acceptance threshold, penalties raise it; all values are non-negative.
type Boosts struct {
	ModelsAgree    float64 `yaml:"models_agree"`
	ModelsDisagree float64 `yaml:"models_disagree"`
	HighQuality    float64 `yaml:"high_quality"`
	PoorQuality    float64 `yaml:"poor_quality"`
	StableTrack    float64 `yaml:"stable_track"`
	UnstableTrack  float64 `yaml:"unstable_track"`
	TemporalReal   float64 `yaml:"temporal_real"`
	TemporalSpoof  float64 `yaml:"temporal_spoof"`
}

// Config is the threshold engine configuration.
type Config struct {
	BaseThreshold      float64 `yaml:"base_threshold"`
	MinThreshold       float64 `yaml:"min_threshold"`
	MaxThreshold       float64 `yaml:"max_threshold"`
	Boosts             Boosts  `yaml:"boosts"`
	TemporalMinSamples int     `yaml:"temporal_min_samples"`
}

func DefaultConfig() Config {
	return Config{
		BaseThreshold: 0.65,
		MinThreshold:  0.45,
		MaxThreshold:  0.85,
		Boosts: Boosts{
			ModelsAgree:    0.08,
			ModelsDisagree: 0.10,
			HighQuality:    0.05,
			PoorQuality:    0.08,
			StableTrack:    0.05,
			UnstableTrack:  0.05,
			TemporalReal:   0.07,
			TemporalSpoof:  0.20,
		},
		TemporalMinSamples: 5,
	}
}

// Validate rejects configurations the engine cannot honour. It is meant to
// run once at startup; a failing config must stop the process.
func (c Config) Validate() error {
	var errs []error

	for name, v := range map[string]float64{
		"base_threshold": c.BaseThreshold,
		"min_threshold":  c.MinThreshold,
		"max_threshold":  c.MaxThreshold,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1], got %v", name, v))
		}
	}
	if c.MinThreshold > c.MaxThreshold {
		errs = append(errs, fmt.Errorf("min_threshold %v exceeds max_threshold %v", c.MinThreshold, c.MaxThreshold))
	} else if c.BaseThreshold < c.MinThreshold || c.BaseThreshold > c.MaxThreshold {
		errs = append(errs, fmt.Errorf("base_threshold %v outside [%v, %v]", c.BaseThreshold, c.MinThreshold, c.MaxThreshold))
	}

	b := c.Boosts
	for name, v := range map[string]float64{
		"models_agree":    b.ModelsAgree,
		"models_disagree": b.ModelsDisagree,
		"high_quality":    b.HighQuality,
		"poor_quality":    b.PoorQuality,
		"stable_track":    b.StableTrack,
		"unstable_track":  b.UnstableTrack,
		"temporal_real":   b.TemporalReal,
		"temporal_spoof":  b.TemporalSpoof,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			errs = append(errs, fmt.Errorf("boost %s must be a non-negative number, got %v", name, v))
		}
	}

	if c.TemporalMinSamples < 2 {
		errs = append(errs, fmt.Errorf("temporal_min_samples must be >= 2, got %d", c.TemporalMinSamples))
	}

	return errors.Join(errs...)
}
