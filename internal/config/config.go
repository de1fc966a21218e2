package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"` // probes, metrics, websocket feeds

	// JSON API
	APIListenAddr     string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode       string `envconfig:"API_AUTH_MODE" default:"none"` // "none" or "anonymous"
	APIRateLimitRPS   int    `envconfig:"API_RATE_LIMIT_RPS" default:"50"`
	APIRateLimitBurst int    `envconfig:"API_RATE_LIMIT_BURST" default:"100"`
	APICORSOrigins    string `envconfig:"API_CORS_ORIGINS"`

	// Persistence
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"` // "sqlite" or "postgres"
	DBDSN    string `envconfig:"DB_DSN" default:"analyst.db"`
	RedisURL string `envconfig:"REDIS_URL"` // optional; enables cross-instance change feed

	// Blob storage (S3 compatible)
	BlobEndpoint  string        `envconfig:"BLOB_ENDPOINT"`
	BlobAccessKey string        `envconfig:"BLOB_ACCESS_KEY"`
	BlobSecretKey string        `envconfig:"BLOB_SECRET_KEY"`
	BlobBucket    string        `envconfig:"BLOB_BUCKET" default:"analyst"`
	BlobUseSSL    bool          `envconfig:"BLOB_USE_SSL" default:"true"`
	BlobURLExpiry time.Duration `envconfig:"BLOB_URL_EXPIRY" default:"168h"`
	UploadTimeout time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"5s"`

	// Anonymous identity
	IdentitySecret string        `envconfig:"IDENTITY_SECRET"`
	IdentityWait   time.Duration `envconfig:"IDENTITY_WAIT" default:"1s"`
	IdentityTTL    time.Duration `envconfig:"IDENTITY_TTL" default:"720h"`

	// AI provider. GEMINI_API_KEY is the environment default credential;
	// per-call overrides and the stored user setting take precedence.
	GeminiAPIKey      string        `envconfig:"GEMINI_API_KEY"`
	DefaultModel      string        `envconfig:"DEFAULT_MODEL" default:"gemini-2.5-flash"`
	ExtractionModel   string        `envconfig:"EXTRACTION_MODEL" default:"gemini-2.5-flash"`
	VideoModel        string        `envconfig:"VIDEO_MODEL" default:"veo-3.1-fast-generate-preview"`
	VideoPollInterval time.Duration `envconfig:"VIDEO_POLL_INTERVAL" default:"5s"`

	// Turn pipeline
	MaxAttachmentBytes int64 `envconfig:"MAX_ATTACHMENT_BYTES" default:"10485760"`
	HistoryWindow      int   `envconfig:"HISTORY_WINDOW" default:"10"`
	BackgroundWorkers  int   `envconfig:"BACKGROUND_WORKERS" default:"4"`
	BackgroundQueue    int   `envconfig:"BACKGROUND_QUEUE" default:"256"`

	SettingsPath string `envconfig:"SETTINGS_PATH" default:"settings.yaml"`
}

// BlobEnabled returns true if an object store endpoint is configured.
func (c *Config) BlobEnabled() bool {
	return c.BlobEndpoint != ""
}

// RedisEnabled returns true if a Redis URL is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// CORSOriginList returns the parsed list of allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	if c.APICORSOrigins == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.APICORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.APIAuthMode {
	case "none":
	case "anonymous":
		if c.IdentitySecret == "" {
			return fmt.Errorf("API_AUTH_MODE=anonymous requires IDENTITY_SECRET")
		}
	default:
		return fmt.Errorf("unsupported API_AUTH_MODE %q", c.APIAuthMode)
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive")
	}
	if c.UploadTimeout <= 0 {
		return fmt.Errorf("UPLOAD_TIMEOUT must be positive")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
