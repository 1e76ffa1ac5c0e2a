package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/tunnelgate/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds observability settings. Process identity comes from
// config.Config; the rest is read from the standard OTEL_* and LOG_* env.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: firstNonEmpty(cfg.AppName, "tunnelgate"),
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),

		LogLevel: normalizeLevel(os.Getenv("LOG_LEVEL")),

		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(firstNonEmpty(
			os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"),
			os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
			"grpc",
		)),
		OtelSamplingRatio: clampRatio(envFloat("OTEL_SAMPLING_RATIO", 0.1)),
	}

	defaultFormat := "json"
	if isDevEnv(out.Environment) {
		defaultFormat = "console"
	}
	out.LogFormat = strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), defaultFormat))
	return out
}

func (c Config) Debug() bool {
	return c.LogLevel == zapcore.DebugLevel.String() || isDevEnv(c.Environment)
}

// normalizeLevel maps anything zap cannot parse to info.
func normalizeLevel(raw string) string {
	level, err := zapcore.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return zapcore.InfoLevel.String()
	}
	return level.String()
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return parsed
}

func envFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
