package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/your-org/attend/internal/liveness"
	"github.com/your-org/attend/internal/tracking"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	NATS     NATSConfig      `yaml:"nats"`
	MinIO    MinIOConfig     `yaml:"minio"`
	Vision   VisionConfig    `yaml:"vision"`
	Tracking TrackingConfig  `yaml:"tracking"`
	Liveness liveness.Config `yaml:"liveness"`
	Ingest   IngestConfig    `yaml:"ingest"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir            string   `yaml:"models_dir"`
	DetectorModel        string   `yaml:"detector_model"`
	EmbedderModel        string   `yaml:"embedder_model"`
	AntiSpoofModels      []string `yaml:"antispoof_models"`
	DetectionThreshold   float64  `yaml:"detection_threshold"`
	RecognitionThreshold float64  `yaml:"recognition_threshold"`
	WorkerCount          int      `yaml:"worker_count"`
}

type TrackingConfig struct {
	MinHits             int           `yaml:"min_hits"`
	LostAfter           int           `yaml:"lost_after"`
	MaxAge              int           `yaml:"max_age"`
	SpoofMaxAge         int           `yaml:"spoof_max_age"`
	MinIoU              float64       `yaml:"min_iou"`
	FuseScore           bool          `yaml:"fuse_score"`
	StabilityScale      float64       `yaml:"stability_scale"`
	HistorySize         int           `yaml:"history_size"`
	MaxTracks           int           `yaml:"max_tracks"`
	ReRecognizeInterval time.Duration `yaml:"re_recognize_interval"`
}

// Tracker converts the YAML section into tracker settings.
func (t TrackingConfig) Tracker() tracking.Config {
	return tracking.Config{
		MinHits:        t.MinHits,
		LostAfter:      t.LostAfter,
		MaxAge:         t.MaxAge,
		SpoofMaxAge:    t.SpoofMaxAge,
		MinIoU:         t.MinIoU,
		FuseScore:      t.FuseScore,
		StabilityScale: t.StabilityScale,
		HistorySize:    t.HistorySize,
		MaxTracks:      t.MaxTracks,
	}
}

// IngestConfig lists the cameras the ingestor pulls frames from.
type IngestConfig struct {
	FrameWidth     int            `yaml:"frame_width"`
	FrameRetention int            `yaml:"frame_retention"` // frames kept per camera, 0 keeps all
	MetricsPort    int            `yaml:"metrics_port"`
	Cameras        []CameraConfig `yaml:"cameras"`
}

type CameraConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
	FPS int    `yaml:"fps"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies .env and environment
// variable overrides. The returned config has been validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults, applies overrides, and
// validates. Tracking and liveness keys left out of the file keep their
// defaults, so an explicit zero is honoured.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the tracking and liveness sections. Bad values are fatal
// at startup rather than tolerated at runtime.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Tracking.Tracker().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracking: %w", err))
	}
	if err := c.Liveness.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("liveness: %w", err))
	}
	if c.Vision.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("vision: worker_count must be >= 1, got %d", c.Vision.WorkerCount))
	}
	seen := make(map[string]bool, len(c.Ingest.Cameras))
	for i, cam := range c.Ingest.Cameras {
		switch {
		case cam.ID == "":
			errs = append(errs, fmt.Errorf("ingest: camera %d has no id", i))
		case seen[cam.ID]:
			errs = append(errs, fmt.Errorf("ingest: duplicate camera id %q", cam.ID))
		}
		seen[cam.ID] = true
		if cam.URL == "" {
			errs = append(errs, fmt.Errorf("ingest: camera %q has no url", cam.ID))
		}
	}
	return errors.Join(errs...)
}

func defaults() *Config {
	t := tracking.DefaultConfig()
	return &Config{
		Tracking: TrackingConfig{
			MinHits:             t.MinHits,
			LostAfter:           t.LostAfter,
			MaxAge:              t.MaxAge,
			SpoofMaxAge:         t.SpoofMaxAge,
			MinIoU:              t.MinIoU,
			FuseScore:           t.FuseScore,
			StabilityScale:      t.StabilityScale,
			HistorySize:         t.HistorySize,
			MaxTracks:           t.MaxTracks,
			ReRecognizeInterval: 3 * time.Second,
		},
		Liveness: liveness.DefaultConfig(),
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "attend"
	}
	if cfg.Vision.DetectorModel == "" {
		cfg.Vision.DetectorModel = "det_10g.onnx"
	}
	if cfg.Vision.EmbedderModel == "" {
		cfg.Vision.EmbedderModel = "w600k_r50.onnx"
	}
	if len(cfg.Vision.AntiSpoofModels) == 0 {
		cfg.Vision.AntiSpoofModels = []string{"minifasnet_v2_2.7.onnx", "minifasnet_v1se_4.0.onnx"}
	}
	if cfg.Vision.WorkerCount == 0 {
		cfg.Vision.WorkerCount = 4
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.RecognitionThreshold == 0 {
		cfg.Vision.RecognitionThreshold = 0.4
	}

	if cfg.Ingest.FrameWidth == 0 {
		cfg.Ingest.FrameWidth = 1280
	}
	if cfg.Ingest.MetricsPort == 0 {
		cfg.Ingest.MetricsPort = 8081
	}
	for i := range cfg.Ingest.Cameras {
		if cfg.Ingest.Cameras[i].FPS <= 0 {
			cfg.Ingest.Cameras[i].FPS = 5
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ATT_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("ATT_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ATT_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("ATT_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("ATT_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("ATT_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ATT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ATT_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("ATT_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("ATT_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("ATT_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("ATT_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("ATT_VISION_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vision.WorkerCount = n
		}
	}
	if v := os.Getenv("ATT_LIVENESS_BASE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Liveness.BaseThreshold = f
		}
	}
}
