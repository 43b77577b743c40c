package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/api/ws"
	"github.com/your-org/attend/internal/auth"
	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/tracking"
)

// ObjectStore is the subset of the MinIO store the API needs.
type ObjectStore interface {
	handlers.ObjectReader
	handlers.ObjectWriter
}

type RouterConfig struct {
	APIKey    string
	Checks    map[string]handlers.Check
	Decisions handlers.DecisionStore
	Objects   ObjectStore
	Frames    handlers.FramePublisher
	Control   handlers.ControlPublisher
	Engine    *liveness.Engine
	Trackers  *tracking.Registry // backs /v1/ws/track sessions
	Hub       *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)
	v1.GET("/ws/track", ws.NewTrackHandler(cfg.Trackers, cfg.Engine).HandleWS)

	// Liveness
	livenessH := handlers.NewLivenessHandler(cfg.Engine)
	v1.POST("/liveness/evaluate", livenessH.Evaluate)

	// Streams
	streamH := handlers.NewStreamHandler(cfg.Objects, cfg.Frames, cfg.Control)
	v1.POST("/streams/:id/frames", streamH.UploadFrame)
	v1.POST("/streams/:id/reset", streamH.Reset)
	v1.DELETE("/streams/:id/tracker", streamH.Drop)

	// Decisions
	decisionH := handlers.NewDecisionHandler(cfg.Decisions, cfg.Objects)
	v1.GET("/streams/:id/events", decisionH.List)
	v1.GET("/decisions/:id/snapshot", decisionH.Snapshot)

	return r
}
