package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Rate limiter backends
const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	Admission AdmissionConfig

	Billing BillingConfig

	Notify NotifyConfig

	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// UpstreamURL is the protected API admitted requests are proxied to
	UpstreamURL string
	// AdminToken guards account and admin routes; empty disables the check
	AdminToken string
}

// AdmissionConfig holds rate limit, quota and plan settings
type AdmissionConfig struct {
	KeyHeader string

	LimiterBackend  string
	LimiterFailOpen bool
	LimiterPrefix   string
	CleanupInterval time.Duration

	// PlansFile is a YAML plan catalog, reloaded on change. Empty uses the
	// database catalog, or the built-in defaults for memory storage.
	PlansFile    string
	PlanCache    plans.CacheConfig
	UsageResetTZ string
}

// BillingConfig holds payment provider settings
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	ProviderTimeout     time.Duration
	SuccessURL          string
	CancelURL           string
}

// Enabled reports whether a payment provider is configured
func (b BillingConfig) Enabled() bool {
	return b.StripeSecretKey != ""
}

// NotifyConfig holds the key lifecycle notification endpoint
type NotifyConfig struct {
	URL         string
	Secret      string
	Timeout     time.Duration
	QueueSize   int
	MaxAttempts int
}

// Enabled reports whether notifications are sent
func (n NotifyConfig) Enabled() bool {
	return n.URL != ""
}

// AuditConfig holds the audit log location; an empty Dir disables it
type AuditConfig struct {
	Dir       string
	MaxSizeMB int
	MaxFiles  int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// OTel returns the tracing settings in the form InitOTel takes
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Admission:     loadAdmissionConfig(),
		Billing:       loadBillingConfig(),
		Notify:        loadNotifyConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("TOLLGATE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("TOLLGATE_HEALTH_PORT", "9090"),
		UpstreamURL:     getEnv("TOLLGATE_UPSTREAM_URL", ""),
		AdminToken:      getEnv("TOLLGATE_ADMIN_TOKEN", ""),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("TOLLGATE_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("TOLLGATE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lifetime := getEnvDuration("TOLLGATE_POSTGRES_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.PostgresMaxLifetime = lifetime
	}

	if sqlitePath := getEnv("TOLLGATE_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	// Redis config
	if redisURL := getEnv("TOLLGATE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TOLLGATE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TOLLGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TOLLGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadAdmissionConfig() AdmissionConfig {
	cache := plans.DefaultCacheConfig()
	return AdmissionConfig{
		KeyHeader:       getEnv("TOLLGATE_KEY_HEADER", middleware.DefaultKeyHeader),
		LimiterBackend:  strings.ToLower(getEnv("TOLLGATE_RATE_LIMITER", LimiterMemory)),
		LimiterFailOpen: getEnvBool("TOLLGATE_RATE_LIMITER_FAIL_OPEN", false),
		LimiterPrefix:   getEnv("TOLLGATE_RATE_LIMITER_PREFIX", "tollgate:ratelimit"),
		CleanupInterval: getEnvDuration("TOLLGATE_RATE_LIMITER_CLEANUP", time.Minute),
		PlansFile:       getEnv("TOLLGATE_PLANS_FILE", ""),
		PlanCache: plans.CacheConfig{
			Size: getEnvInt("TOLLGATE_PLAN_CACHE_SIZE", cache.Size),
			TTL:  getEnvDuration("TOLLGATE_PLAN_CACHE_TTL", cache.TTL),
		},
		UsageResetTZ: getEnv("TOLLGATE_USAGE_RESET_TZ", "UTC"),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		StripeSecretKey:     getEnv("TOLLGATE_STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("TOLLGATE_STRIPE_WEBHOOK_SECRET", ""),
		ProviderTimeout:     getEnvDuration("TOLLGATE_PROVIDER_TIMEOUT", billing.DefaultProviderTimeout),
		SuccessURL:          getEnv("TOLLGATE_CHECKOUT_SUCCESS_URL", ""),
		CancelURL:           getEnv("TOLLGATE_CHECKOUT_CANCEL_URL", ""),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		URL:         getEnv("TOLLGATE_NOTIFY_URL", ""),
		Secret:      getEnv("TOLLGATE_NOTIFY_SECRET", ""),
		Timeout:     getEnvDuration("TOLLGATE_NOTIFY_TIMEOUT", 10*time.Second),
		QueueSize:   getEnvInt("TOLLGATE_NOTIFY_QUEUE_SIZE", 256),
		MaxAttempts: getEnvInt("TOLLGATE_NOTIFY_MAX_ATTEMPTS", 5),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Dir:       getEnv("TOLLGATE_AUDIT_DIR", ""),
		MaxSizeMB: getEnvInt("TOLLGATE_AUDIT_MAX_SIZE_MB", 100),
		MaxFiles:  getEnvInt("TOLLGATE_AUDIT_MAX_FILES", 10),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TOLLGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.UpstreamURL != "" {
		u, err := url.Parse(c.Server.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream URL must be absolute: %q", c.Server.UpstreamURL)
		}
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case storage.TypeSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or sqlite)", c.Storage.Type)
	}

	switch c.Admission.LimiterBackend {
	case LimiterMemory:
	case LimiterRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis rate limiter")
		}
	default:
		return fmt.Errorf("invalid rate limiter: %s (must be memory or redis)", c.Admission.LimiterBackend)
	}
	if c.Admission.KeyHeader == "" {
		return fmt.Errorf("key header is required")
	}
	if _, err := time.LoadLocation(c.Admission.UsageResetTZ); err != nil {
		return fmt.Errorf("invalid usage reset timezone %q: %w", c.Admission.UsageResetTZ, err)
	}

	if c.Billing.Enabled() && c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when stripe is configured")
	}
	if c.Billing.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}

	if c.Notify.Enabled() {
		u, err := url.Parse(c.Notify.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("notify URL must be absolute: %q", c.Notify.URL)
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
