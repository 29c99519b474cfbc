package config

import (
	"fmt"
	"regexp"
	"time"

	"supporthub/internal/storage"
	"supporthub/pkg/api"

	"github.com/caarlos0/env/v11"
)

const (
	ArchiveLocal = "local"
	ArchiveS3    = "s3"

	PositionBottomRight = "bottom-right"
	PositionBottomLeft  = "bottom-left"
)

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Config holds the settings shared by the api and local servers.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://./supporthub-data/supporthub.db"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`

	JWTSecret     string        `env:"JWT_SECRET"`
	AgentTokenTTL time.Duration `env:"AGENT_TOKEN_TTL" envDefault:"12h"`

	RabbitMQURL string `env:"RABBITMQ_URL"`

	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	PublicRateLimit int    `env:"PUBLIC_RATE_LIMIT" envDefault:"60"` // requests per minute per client, 0 disables

	ArchiveBackend    string `env:"ARCHIVE_BACKEND" envDefault:"local"`
	ArchiveDir        string `env:"ARCHIVE_DIR" envDefault:"./supporthub-data/archive"`
	ArchiveBucket     string `env:"ARCHIVE_BUCKET" envDefault:"chat-transcripts"`
	ArchiveWorkers    int    `env:"ARCHIVE_WORKERS" envDefault:"4"`
	ArchiveInProcess  bool   `env:"ARCHIVE_IN_PROCESS" envDefault:"true"` // false when cmd/worker does the archiving
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Only enable behind a proxy that overwrites X-Forwarded-For and X-Real-IP,
	// otherwise clients pick their own rate limit key.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	WelcomeMessage     string `env:"WELCOME_MESSAGE"`
	WidgetCompanyName  string `env:"WIDGET_COMPANY_NAME" envDefault:"SupportHub"`
	WidgetPrimaryColor string `env:"WIDGET_PRIMARY_COLOR" envDefault:"#2563eb"`
	WidgetPosition     string `env:"WIDGET_POSITION" envDefault:"bottom-right"`
}

// Load parses the environment. Callers that need a JWT secret check it
// themselves since local mode supplies a development default.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.ArchiveBackend {
	case ArchiveLocal, ArchiveS3:
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be '%s' or '%s', got '%s'", ArchiveLocal, ArchiveS3, c.ArchiveBackend)
	}

	if c.ArchiveBackend == ArchiveS3 && c.ArchiveBucket == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required when ARCHIVE_BACKEND is '%s'", ArchiveS3)
	}

	if c.PublicRateLimit < 0 {
		return fmt.Errorf("PUBLIC_RATE_LIMIT must not be negative")
	}

	if !colorPattern.MatchString(c.WidgetPrimaryColor) {
		return fmt.Errorf("WIDGET_PRIMARY_COLOR must be a #rgb or #rrggbb color, got '%s'", c.WidgetPrimaryColor)
	}

	switch c.WidgetPosition {
	case PositionBottomRight, PositionBottomLeft:
	default:
		return fmt.Errorf("WIDGET_POSITION must be '%s' or '%s', got '%s'", PositionBottomRight, PositionBottomLeft, c.WidgetPosition)
	}

	return nil
}

func (c Config) Widget() api.WidgetConfig {
	return api.WidgetConfig{
		CompanyName:  c.WidgetCompanyName,
		PrimaryColor: c.WidgetPrimaryColor,
		Position:     c.WidgetPosition,
	}
}

func (c Config) S3() storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        c.S3EndpointURL,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
	}
}
