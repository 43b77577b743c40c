package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/models"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		stream string
		want   string
	}{
		{"cam-1", "frames.cam-1"},
		{"lobby.north", "frames.lobby_north"},
		{"gate *>", "frames.gate___"},
		{"", "frames._"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(FramesSubjectBase, tt.stream), tt.stream)
	}
}

func TestDecodeControl(t *testing.T) {
	msg, err := DecodeControl([]byte(`{"action":"reset","stream_id":"cam-1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ControlMessage{Action: models.ControlReset, StreamID: "cam-1"}, msg)

	_, err = DecodeControl([]byte(`{"action":"reset"}`))
	require.ErrorContains(t, err, "without stream id")

	_, err = DecodeControl([]byte(`{"action":"explode","stream_id":"cam-1"}`))
	require.ErrorContains(t, err, "unknown control action")

	_, err = DecodeControl([]byte(`not json`))
	require.Error(t, err)
}

func TestStreamConfigsCoverSubjects(t *testing.T) {
	cfgs := streamConfigs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, FramesStreamName, cfgs[0].Name)
	assert.Equal(t, []string{"frames.>"}, cfgs[0].Subjects)
	assert.Equal(t, DecisionsStreamName, cfgs[1].Name)
	assert.Equal(t, []string{"decisions.>"}, cfgs[1].Subjects)
}

func TestShardIsStablePerStream(t *testing.T) {
	for _, n := range []int{1, 3, 8} {
		seen := map[int]bool{}
		for i := range 256 {
			subject := Subject(FramesSubjectBase, fmt.Sprintf("cam-%d", i))
			shard := Shard(subject, n)
			require.GreaterOrEqual(t, shard, 0)
			require.Less(t, shard, n)
			assert.Equal(t, shard, Shard(subject, n))
			seen[shard] = true
		}
		assert.Len(t, seen, n, "256 streams should reach all %d workers", n)
	}
	assert.Zero(t, Shard("frames.cam-1", 0))
}
