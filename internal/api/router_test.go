package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/api/ws"
	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/internal/tracking"
)

type nopBackend struct{}

func (nopBackend) QueryDecisions(context.Context, storage.DecisionFilter) ([]models.DecisionRecord, int, error) {
	return nil, 0, nil
}

func (nopBackend) GetDecision(context.Context, uuid.UUID) (*models.DecisionRecord, error) {
	return nil, nil
}

func (nopBackend) GetObject(context.Context, string) ([]byte, error) { return nil, storage.ErrNotFound }

func (nopBackend) PutObject(context.Context, string, []byte, string) error { return nil }

func (nopBackend) PublishFrame(context.Context, models.FrameTask) error { return nil }

func (nopBackend) PublishControl(models.ControlMessage) error { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	engine, err := liveness.NewEngine(liveness.DefaultConfig())
	require.NoError(t, err)

	var b nopBackend
	return NewRouter(RouterConfig{
		APIKey:    "secret",
		Checks:    map[string]handlers.Check{"nats": func(context.Context) error { return nil }},
		Decisions: b,
		Objects:   b,
		Frames:    b,
		Control:   b,
		Engine:    engine,
		Trackers:  tracking.NewRegistry(tracking.DefaultConfig()),
		Hub:       ws.NewHub(),
	})
}

func TestRouterAuth(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   string
		want   int
	}{
		{"healthz is public", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"readyz is public", http.MethodGet, "/readyz", "", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"v1 needs a key", http.MethodPost, "/v1/liveness/evaluate", "", `{"scores":[0.9]}`, http.StatusUnauthorized},
		{"wrong key", http.MethodPost, "/v1/liveness/evaluate", "nope", `{"scores":[0.9]}`, http.StatusForbidden},
		{"evaluate", http.MethodPost, "/v1/liveness/evaluate", "secret", `{"scores":[0.9]}`, http.StatusOK},
		{"reset", http.MethodPost, "/v1/streams/cam-1/reset", "secret", "", http.StatusAccepted},
		{"drop", http.MethodDelete, "/v1/streams/cam-1/tracker", "secret", "", http.StatusAccepted},
		{"events", http.MethodGet, "/v1/streams/cam-1/events", "secret", "", http.StatusOK},
		{"missing snapshot", http.MethodGet, "/v1/decisions/" + uuid.NewString() + "/snapshot", "secret", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
