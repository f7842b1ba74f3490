package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Storage     string `mapstructure:"STORAGE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	// AuthSigningKey enables HS256 tokens; for local setups only.
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	SystemsFile      string `mapstructure:"SYSTEMS_FILE"`
	MappingRulesFile string `mapstructure:"MAPPING_RULES_FILE"`

	IntakeRateLimit       float64       `mapstructure:"INTAKE_RATE_LIMIT"`
	IntakeBurst           int           `mapstructure:"INTAKE_BURST"`
	IntakeMaxBody         string        `mapstructure:"INTAKE_MAX_BODY"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxAttemptsPerMessage int           `mapstructure:"MAX_ATTEMPTS_PER_MESSAGE"`

	OutboundMaxAttempts    int           `mapstructure:"OUTBOUND_MAX_ATTEMPTS"`
	OutboundBaseDelay      time.Duration `mapstructure:"OUTBOUND_BASE_DELAY"`
	OutboundMaxDelay       time.Duration `mapstructure:"OUTBOUND_MAX_DELAY"`
	OutboundAttemptTimeout time.Duration `mapstructure:"OUTBOUND_ATTEMPT_TIMEOUT"`
	OutboundSlotWait       time.Duration `mapstructure:"OUTBOUND_SLOT_WAIT"`
	OutboundMaxConcurrency int           `mapstructure:"OUTBOUND_MAX_CONCURRENCY"`

	ArchiveEndpoint  string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveBucket    string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveAccessKey string `mapstructure:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `mapstructure:"ARCHIVE_SECRET_KEY"`
	ArchiveUseSSL    bool   `mapstructure:"ARCHIVE_USE_SSL"`

	EventsURL      string `mapstructure:"EVENTS_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
}

var defaults = map[string]any{
	"PORT":                     "8000",
	"ENV":                      "development",
	"LOG_LEVEL":                "info",
	"STORAGE":                  "postgres",
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             2,
	"SYSTEMS_FILE":             "systems.yaml",
	"INTAKE_RATE_LIMIT":        50,
	"INTAKE_BURST":             100,
	"INTAKE_MAX_BODY":          "2M",
	"REQUEST_TIMEOUT":          "30s",
	"MAX_ATTEMPTS_PER_MESSAGE": 5,
	"OUTBOUND_MAX_ATTEMPTS":    4,
	"OUTBOUND_BASE_DELAY":      "200ms",
	"OUTBOUND_MAX_DELAY":       "5s",
	"OUTBOUND_ATTEMPT_TIMEOUT": "10s",
	"OUTBOUND_SLOT_WAIT":       "5s",
	"OUTBOUND_MAX_CONCURRENCY": 8,
	"ARCHIVE_BUCKET":           "interop-payloads",
	"EVENTS_EXCHANGE":          "interop.events",
}

// Load reads .env and the environment. It does not validate; callers that
// need a runnable server call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Unmarshal only sees keys viper knows about.
	for _, k := range []string{
		"DATABASE_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"MAPPING_RULES_FILE", "ARCHIVE_ENDPOINT", "ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY",
		"ARCHIVE_USE_SSL", "EVENTS_URL",
	} {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage = strings.ToLower(cfg.Storage)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) InMemory() bool {
	return c.Storage == "memory"
}

// Level returns the zerolog level named by LOG_LEVEL, info when unknown.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch c.Storage {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required unless STORAGE=memory")
		}
	default:
		return fmt.Errorf("STORAGE must be \"postgres\" or \"memory\", got %q", c.Storage)
	}
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required outside development (ENV=%q)", c.Env)
	}
	if c.IntakeRateLimit <= 0 || c.IntakeBurst < 1 {
		return fmt.Errorf("INTAKE_RATE_LIMIT and INTAKE_BURST must be positive")
	}
	if c.MaxAttemptsPerMessage < 1 {
		return fmt.Errorf("MAX_ATTEMPTS_PER_MESSAGE must be at least 1")
	}
	if c.OutboundMaxAttempts < 1 {
		return fmt.Errorf("OUTBOUND_MAX_ATTEMPTS must be at least 1")
	}
	if c.OutboundBaseDelay <= 0 || c.OutboundMaxDelay < c.OutboundBaseDelay {
		return fmt.Errorf("OUTBOUND_BASE_DELAY must be positive and not above OUTBOUND_MAX_DELAY")
	}
	if c.ArchiveEndpoint != "" && (c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "") {
		return fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required with ARCHIVE_ENDPOINT")
	}
	return nil
}
