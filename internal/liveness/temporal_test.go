package liveness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemporalVerdict(t *testing.T) {
	require.Nil(t, TemporalVerdict([]float64{0.9, 0.9}, 5))
	require.Nil(t, TemporalVerdict(nil, 0))

	live := TemporalVerdict([]float64{0.9, 0.92, 0.88, 0.9, 0.91}, 5)
	require.NotNil(t, live)
	require.Equal(t, VerdictReal, live.Verdict)
	require.Greater(t, live.Confidence, 0.9)

	spoof := TemporalVerdict([]float64{0.1, 0.05, 0.12, 0.08, 0.1}, 5)
	require.Equal(t, VerdictSpoof, spoof.Verdict)
	require.Greater(t, spoof.Confidence, 0.9)

	mixed := TemporalVerdict([]float64{0.2, 0.9, 0.3, 0.95, 0.5}, 5)
	require.Equal(t, VerdictUncertain, mixed.Verdict)
	require.Less(t, mixed.Confidence, 0.5)
}

func TestTemporalVerdictNoisyRealHasLowConfidence(t *testing.T) {
	noisy := TemporalVerdict([]float64{0.99, 0.45, 0.99, 0.5, 0.99, 0.99}, 5)
	require.Equal(t, VerdictReal, noisy.Verdict)
	require.Less(t, noisy.Confidence, temporalRealConf)
}
