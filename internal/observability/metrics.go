package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed",
	}, []string{"stream_id"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected",
	}, []string{"stream_id"})

	FacesRecognized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "faces_recognized_total",
		Help:      "Total number of live faces matched to a member",
	}, []string{"stream_id"})

	TracksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "tracks_created_total",
		Help:      "Total number of face tracks created",
	})

	TracksRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "tracks_removed_total",
		Help:      "Total number of face tracks evicted",
	})

	TrackingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "tracking_fallbacks_total",
		Help:      "Frames whose detections were returned untracked after a matching fault",
	})

	ActiveTrackers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "active_trackers",
		Help:      "Number of per-stream track tables alive",
	})

	LivenessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "liveness_decisions_total",
		Help:      "Liveness decisions by result",
	}, []string{"result"})

	ThresholdShift = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "liveness_threshold_shift",
		Help:      "Adjusted minus base liveness threshold",
		Buckets:   prometheus.LinearBuckets(-0.4, 0.05, 17),
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "queue_depth",
		Help:      "Number of pending frame tasks in queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	ActiveCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "active_cameras",
		Help:      "Number of cameras the ingestor is pulling frames from",
	})

	FramesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "frames_ingested_total",
		Help:      "Frames extracted from cameras and queued",
	}, []string{"stream_id"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
