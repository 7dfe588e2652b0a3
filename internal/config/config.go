// Package config loads process configuration from the environment,
// following the env-var-plus-godotenv idiom used throughout the teacher
// corpus.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized option from the external interfaces section
// plus the connection strings needed by the concrete store/broker/archive
// backends this repository wires in.
type Config struct {
	// Pool behavior.
	TransformLocalhostToDockerInternal bool
	IdleCountPerServer                 int
	FilterCacheTTL                     time.Duration
	MaxLogEntries                      int
	ConnectRetries                     int
	ConnectRetryDelay                  time.Duration

	// Ambient stack.
	LogLevel string
	LogPath  string

	// Postgres persistence. Empty DSN means the in-memory store is used.
	PostgresDSN string

	// Redis cross-instance invalidation broadcast. Empty address disables it.
	RedisAddr    string
	RedisChannel string

	// Optional log-store archive/export sinks.
	KafkaBrokers       []string
	KafkaTopic         string
	ClickHouseDSN      string
	ClickHouseTable    string

	// OpenTelemetry.
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	Environment    string

	// HTTP bridge.
	ListenAddr string

	// Seed-file bootstrap (optional YAML file with top-level servers and namespaces keys).
	SeedFilePath string
}

// ObsConfig is the subset of Config that observability.InitOTel needs.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Obs projects Config down to ObsConfig.
func (c Config) Obs() ObsConfig {
	return ObsConfig{
		OTLP:           c.OTLPEndpoint,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvMillis(key string, defMS int) time.Duration {
	return time.Duration(getenvInt(key, defMS)) * time.Millisecond
}

// Load reads Config from the environment, first overlaying a .env file if
// present (non-fatal if absent).
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		TransformLocalhostToDockerInternal: getenvBool("TRANSFORM_LOCALHOST_TO_DOCKER_INTERNAL", false),
		IdleCountPerServer:                 getenvInt("IDLE_COUNT_PER_SERVER", 1),
		FilterCacheTTL:                     getenvMillis("FILTER_CACHE_TTL_MS", 1000),
		MaxLogEntries:                      getenvInt("MAX_LOG_ENTRIES", 1000),
		ConnectRetries:                     getenvInt("CONNECT_RETRIES", 3),
		ConnectRetryDelay:                  getenvMillis("CONNECT_RETRY_DELAY_MS", 5000),

		LogLevel: firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
		LogPath:  os.Getenv("LOG_PATH"),

		PostgresDSN: os.Getenv("DATABASE_URL"),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisChannel: firstNonEmpty(os.Getenv("REDIS_INVALIDATION_CHANNEL"), "metamcp:invalidation"),

		KafkaTopic:      os.Getenv("KAFKA_LOG_TOPIC"),
		ClickHouseDSN:   os.Getenv("CLICKHOUSE_DSN"),
		ClickHouseTable: firstNonEmpty(os.Getenv("CLICKHOUSE_LOG_TABLE"), "metamcp_logs"),

		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "metamcpd"),
		ServiceVersion: firstNonEmpty(os.Getenv("SERVICE_VERSION"), "dev"),
		Environment:    firstNonEmpty(os.Getenv("ENVIRONMENT"), "development"),

		ListenAddr: firstNonEmpty(os.Getenv("LISTEN_ADDR"), ":8080"),

		SeedFilePath: os.Getenv("MCP_SEED_FILE"),
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	return cfg, nil
}
