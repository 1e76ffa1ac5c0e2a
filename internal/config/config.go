package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds process-level configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisURL string

	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	Export    ExportConfig

	IngestTokenHash      string
	BootstrapAdminUserID string
	AccountingConfigPath string
}

type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	EnabledJobs []string
	LockTTL     time.Duration
}

type RateLimitConfig struct {
	Enabled          bool
	IngestTenantRate float64
	IngestBurst      int
}

type ExportConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Instance  string
	Interval  time.Duration
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewAccountingConfigHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "tunnelgate"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tunnelgate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "tunnelgate.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		RedisURL: strings.TrimSpace(getenv("REDIS_URL", "")),

		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			Interval:    time.Duration(getenvInt64("SCHEDULER_INTERVAL_SECONDS", 60)) * time.Second,
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
			LockTTL:     time.Duration(getenvInt64("SCHEDULER_LOCK_TTL_SECONDS", 300)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", false),
			IngestTenantRate: getenvFloat("RATE_LIMIT_INGEST_TENANT_RATE", 50),
			IngestBurst:      int(getenvInt64("RATE_LIMIT_INGEST_BURST", 100)),
		},
		Export: ExportConfig{
			Enabled:   getenvBool("TRAFFIC_EXPORT_ENABLED", false),
			Exporter:  strings.ToLower(getenv("TRAFFIC_EXPORT_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("TRAFFIC_EXPORT_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("TRAFFIC_EXPORT_AUTH_TOKEN", "")),
			Instance:  strings.TrimSpace(getenv("TRAFFIC_EXPORT_INSTANCE", "")),
			Interval:  time.Duration(getenvInt64("TRAFFIC_EXPORT_INTERVAL_SECONDS", 300)) * time.Second,
		},

		IngestTokenHash:      strings.TrimSpace(getenv("INGEST_TOKEN_BCRYPT", "")),
		BootstrapAdminUserID: strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_USER_ID", "")),
		AccountingConfigPath: strings.TrimSpace(getenv("ACCOUNTING_CONFIG_PATH", "")),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
