// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate     bool
	RedisURL        string // history cache (optional)
	HistoryCacheTTL time.Duration
	HistoryTimeout  time.Duration

	// Decision events
	KafkaBrokers string // comma-separated (optional, events are dropped if not set)
	KafkaTopic   string

	// Risk alerts (optional)
	AlertWebhookURL    string
	AlertWebhookSecret string
	AlertMinLevel      string

	// Anomaly model
	ModelURL            string // optional, feature rules only if not set
	ModelTimeout        time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Pipeline
	SerializePerUser bool
	FeatureTimezone  string
	Features         features.Config
	Thresholds       risk.Thresholds

	// HTTP
	RateLimitRPS        float64
	RateLimitBurst      int
	CORSOrigins         string
	MaxWebSocketClients int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultKafkaTopic          = "risk_decisions"
	DefaultAlertMinLevel       = "ALTO"
	DefaultModelTimeout        = 500 * time.Millisecond
	DefaultHistoryTimeout      = 300 * time.Millisecond
	DefaultHistoryCacheTTL     = 10 * time.Minute
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultFeatureTimezone     = "UTC"
	DefaultRateLimitRPS        = 100
	DefaultRateLimitBurst      = 200
	DefaultMaxWebSocketClients = 1000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                p.str("PORT", DefaultPort),
		Env:                 p.str("ENV", DefaultEnv),
		LogLevel:            p.str("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           p.str("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         p.boolean("AUTO_MIGRATE", false),
		RedisURL:            os.Getenv("REDIS_URL"),
		HistoryCacheTTL:     p.duration("HISTORY_CACHE_TTL", DefaultHistoryCacheTTL),
		HistoryTimeout:      p.duration("HISTORY_TIMEOUT", DefaultHistoryTimeout),
		KafkaBrokers:        os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:          p.str("KAFKA_TOPIC", DefaultKafkaTopic),
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:  os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertMinLevel:       p.str("ALERT_MIN_LEVEL", DefaultAlertMinLevel),
		ModelURL:            os.Getenv("MODEL_URL"),
		ModelTimeout:        p.duration("MODEL_TIMEOUT", DefaultModelTimeout),
		BreakerThreshold:    p.integer("BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerOpenDuration: p.duration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
		SerializePerUser:    p.boolean("SERIALIZE_PER_USER", false),
		FeatureTimezone:     p.str("FEATURE_TIMEZONE", DefaultFeatureTimezone),
		RateLimitRPS:        p.float("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:      p.integer("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		CORSOrigins:         os.Getenv("CORS_ORIGINS"),
		MaxWebSocketClients: p.integer("MAX_WS_CLIENTS", DefaultMaxWebSocketClients),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	th := risk.DefaultThresholds()
	th.VelocityKmh = p.float("VELOCITY_THRESHOLD_KMH", th.VelocityKmh)
	th.DistanceFromHomeKm = p.float("DISTANCE_THRESHOLD_KM", th.DistanceFromHomeKm)
	th.CardTestingTxCount = p.integer("CARD_TESTING_TX_COUNT", th.CardTestingTxCount)
	th.CardTestingMerchants = p.integer("CARD_TESTING_MERCHANTS", th.CardTestingMerchants)
	th.MinCriticalSignals = p.integer("MIN_CRITICAL_SIGNALS", th.MinCriticalSignals)
	th.HighScore = p.float("HIGH_RISK_SCORE", th.HighScore)
	th.MediumScore = p.float("MEDIUM_RISK_SCORE", th.MediumScore)
	cfg.Thresholds = th

	fc := features.DefaultConfig()
	w := &fc.Weights
	w.UnusualHour = p.integer("WEIGHT_UNUSUAL_HOUR", w.UnusualHour)
	w.RapidSequence = p.integer("WEIGHT_RAPID_SEQUENCE", w.RapidSequence)
	w.ValueAnomaly = p.integer("WEIGHT_VALUE_ANOMALY", w.ValueAnomaly)
	w.NewMerchantCategory = p.integer("WEIGHT_NEW_MERCHANT_CATEGORY", w.NewMerchantCategory)
	w.ImpossibleTravel = p.integer("WEIGHT_IMPOSSIBLE_TRAVEL", w.ImpossibleTravel)
	w.Burst = p.integer("WEIGHT_BURST", w.Burst)
	w.ExtremeZScore = p.integer("WEIGHT_EXTREME_ZSCORE", w.ExtremeZScore)
	w.Weekend = p.integer("WEIGHT_WEEKEND", w.Weekend)
	// One velocity threshold drives both the CRÍTICO rule and the
	// impossible-travel weight.
	fc.ImpossibleTravelKmh = th.VelocityKmh
	cfg.Features = fc

	if err := p.err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable and resolves the
// feature timezone.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a TCP port, got %q", c.Port))
	}
	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.AutoMigrate && c.DatabaseURL == "" {
		errs = append(errs, errors.New("AUTO_MIGRATE requires DATABASE_URL"))
	}
	if c.ModelTimeout <= 0 {
		errs = append(errs, errors.New("MODEL_TIMEOUT must be positive"))
	}
	if c.HistoryTimeout <= 0 {
		errs = append(errs, errors.New("HISTORY_TIMEOUT must be positive"))
	}
	if _, ok := risk.ParseLevel(c.AlertMinLevel); c.AlertWebhookURL != "" && !ok {
		errs = append(errs, fmt.Errorf("ALERT_MIN_LEVEL must be BAIXO, MÉDIO, ALTO or CRÍTICO, got %q", c.AlertMinLevel))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}

	loc, err := time.LoadLocation(c.FeatureTimezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("FEATURE_TIMEZONE %q: %w", c.FeatureTimezone, err))
	} else {
		c.Features.Location = loc
	}

	th := c.Thresholds
	if th.VelocityKmh <= 0 || th.DistanceFromHomeKm <= 0 {
		errs = append(errs, errors.New("VELOCITY_THRESHOLD_KMH and DISTANCE_THRESHOLD_KM must be positive"))
	}
	if th.MinCriticalSignals < 1 || th.MinCriticalSignals > 3 {
		errs = append(errs, errors.New("MIN_CRITICAL_SIGNALS must be between 1 and 3"))
	}
	if th.HighScore > th.MediumScore {
		errs = append(errs, errors.New("HIGH_RISK_SCORE must not exceed MEDIUM_RISK_SCORE"))
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaBrokerList splits KafkaBrokers.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// parser reads typed environment variables and collects malformed values.
type parser struct {
	errs []error
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return i
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a duration such as 500ms, got %q", key, v))
		return def
	}
	return d
}
