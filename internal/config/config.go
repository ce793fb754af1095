package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Duration accepts either a Go duration string ("90s", "1h") or a plain
// number of seconds ("3600"), which is how the deployment templates set it.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type S3Config struct {
	Bucket          string   `env:"S3_BUCKET"`
	AccessKey       string   `env:"S3_ACCESS_KEY"`
	SecretKey       string   `env:"S3_SECRET_KEY"`
	EndpointURL     string   `env:"S3_ENDPOINT_URL"`
	Region          string   `env:"S3_REGION" envDefault:"auto"`
	PublicURL       string   `env:"S3_PUBLIC_URL"`
	SignedURLExpiry Duration `env:"S3_SIGNED_URL_EXPIRY" envDefault:"3600"`
	CacheControl    string   `env:"S3_CACHE_CONTROL" envDefault:"public, max-age=31536000"`
	AddressingStyle string   `env:"S3_ADDRESSING_STYLE" envDefault:"path"`
}

// Configured reports whether object storage can be used at all. Bucket and
// both halves of the static credentials are required.
func (c S3Config) Configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3 S3Config

	ComfyUIBaseURL string `env:"COMFYUI_BASE_URL" envDefault:"http://127.0.0.1:8188"`
	OutputDir      string `env:"COMFYUI_OUTPUT_DIR" envDefault:"/workspace/ComfyUI/output"`
	RefreshModels  bool   `env:"COMFYUI_REFRESH_MODELS" envDefault:"true"`

	VolumeBasePath       string   `env:"VOLUME_BASE_PATH"`
	NetworkVolumePath    string   `env:"NETWORK_VOLUME_PATH" envDefault:"/runpod-volume"`
	WorkspacePath        string   `env:"WORKSPACE_PATH" envDefault:"/workspace"`
	NetworkVolumeTimeout Duration `env:"NETWORK_VOLUME_TIMEOUT" envDefault:"15"`
	VolumeOutputSubdir   string   `env:"VOLUME_OUTPUT_SUBDIR" envDefault:"comfyui/output"`
	CleanupTempFiles     bool     `env:"CLEANUP_TEMP_FILES" envDefault:"true"`

	PollInterval        Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollDeadline        Duration `env:"POLL_DEADLINE" envDefault:"3600s"`
	SubmitTimeout       Duration `env:"SUBMIT_TIMEOUT" envDefault:"30s"`
	PollRequestTimeout  Duration `env:"POLL_REQUEST_TIMEOUT" envDefault:"10s"`
	UploadTimeout       Duration `env:"UPLOAD_TIMEOUT" envDefault:"300s"`
	DeliveryConcurrency int      `env:"DELIVERY_CONCURRENCY" envDefault:"4"`
	MaxInflightJobs     int      `env:"MAX_INFLIGHT_JOBS" envDefault:"64"`

	APIPort   string `env:"API_PORT" envDefault:"8000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.S3.Bucket != "" && !cfg.S3.Configured() {
		slog.Warn("S3_BUCKET is set, but S3_ACCESS_KEY or S3_SECRET_KEY are missing; object storage disabled", "bucket", cfg.S3.Bucket)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.PollInterval.Std())
	}
	if c.PollDeadline <= 0 {
		return fmt.Errorf("POLL_DEADLINE must be positive, got %v", c.PollDeadline.Std())
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("SUBMIT_TIMEOUT must be positive, got %v", c.SubmitTimeout.Std())
	}
	if c.PollRequestTimeout <= 0 {
		return fmt.Errorf("POLL_REQUEST_TIMEOUT must be positive, got %v", c.PollRequestTimeout.Std())
	}
	if c.UploadTimeout <= 0 {
		return fmt.Errorf("UPLOAD_TIMEOUT must be positive, got %v", c.UploadTimeout.Std())
	}
	if c.MaxInflightJobs <= 0 {
		return fmt.Errorf("MAX_INFLIGHT_JOBS must be positive, got %d", c.MaxInflightJobs)
	}
	switch c.S3.AddressingStyle {
	case "path", "virtual", "auto":
	default:
		return fmt.Errorf("invalid S3_ADDRESSING_STYLE %q, expected path or virtual", c.S3.AddressingStyle)
	}
	if c.DeliveryConcurrency <= 0 {
		c.DeliveryConcurrency = 1
	}
	return nil
}
