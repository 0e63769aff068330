package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Catalog
	CatalogFile string

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	DefaultTimeout        time.Duration // per attempt, default: 60s
	LocalInferenceWorkers int           // default: 2

	// Circuit breaker
	BreakerFailureThreshold uint32        // 0 disables, default: 5
	BreakerTimeout          time.Duration // default: 30s

	// Monitoring
	MonitorBackend       string // "sqlite", "postgres" or "none"
	MonitorSQLitePath    string // default: llm_datas.db
	MonitorBufferSize    int    // default: 1000
	MonitorFlushInterval time.Duration
	MetricsEnabled       bool

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// Access control
	RequireAuth     bool
	DefaultQuotaRPM int64 // requests per minute per API key, 0 disables
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		CatalogFile:          os.Getenv("CATALOG_FILE"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		MonitorBackend:       getEnv("MONITOR_BACKEND", "sqlite"),
		MonitorSQLitePath:    getEnv("MONITOR_SQLITE_PATH", "llm_datas.db"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.DefaultTimeout, err = getSeconds("DEFAULT_TIMEOUT", 60); err != nil {
		return nil, err
	}
	if cfg.LocalInferenceWorkers, err = getInt("LOCAL_INFERENCE_WORKERS", 2); err != nil {
		return nil, err
	}
	threshold, err := getInt("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	if threshold < 0 {
		return nil, fmt.Errorf("invalid BREAKER_FAILURE_THRESHOLD: must not be negative")
	}
	cfg.BreakerFailureThreshold = uint32(threshold)
	if cfg.BreakerTimeout, err = getDuration("BREAKER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MonitorBufferSize, err = getInt("MONITOR_BUFFER_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.MonitorFlushInterval, err = getDuration("MONITOR_FLUSH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsEnabled, err = getBool("METRICS_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RequireAuth, err = getBool("REQUIRE_AUTH", cfg.PostgresDSN != "" && cfg.RedisAddr != ""); err != nil {
		return nil, err
	}

	rpmStr := getEnv("DEFAULT_QUOTA_RPM", "0")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_QUOTA_RPM: %w", err)
	}
	cfg.DefaultQuotaRPM = rpm

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CatalogFile == "" && c.PostgresDSN == "" {
		return fmt.Errorf("CATALOG_FILE or POSTGRES_DSN is required")
	}
	switch c.MonitorBackend {
	case "sqlite", "none":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("MONITOR_BACKEND=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("invalid MONITOR_BACKEND %q", c.MonitorBackend)
	}
	switch c.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q", c.OTELExporterType)
	}
	if c.RequireAuth && c.PostgresDSN == "" {
		return fmt.Errorf("REQUIRE_AUTH needs POSTGRES_DSN for the API key store")
	}
	if c.DefaultQuotaRPM > 0 && c.RedisAddr == "" {
		return fmt.Errorf("DEFAULT_QUOTA_RPM needs REDIS_ADDR")
	}
	if c.LocalInferenceWorkers < 1 {
		return fmt.Errorf("LOCAL_INFERENCE_WORKERS must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getDuration accepts Go durations ("5s") or plain seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getSeconds(key string, fallback int) (time.Duration, error) {
	return getDuration(key, time.Duration(fallback)*time.Second)
}
