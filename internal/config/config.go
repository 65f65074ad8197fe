package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the worker configuration
type Config struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Anomaly     AnomalyConfig
	Processing  ProcessingConfig
}

// HTTPConfig holds API server settings
type HTTPConfig struct {
	Port            int
	APITokens       []string
	ShutdownTimeout time.Duration
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", h.Port)
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	ApplySchema bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL                string
	IngestExchange     string
	IngestQueue        string
	IngestRoutingKey   string
	EventsExchange     string
	AcceptedRoutingKey string
	DLQQueue           string
	PrefetchCount      int
	PublishAttempts    int
}

// AnomalyConfig holds rules engine and normalcy check settings
type AnomalyConfig struct {
	NormalcyBandWidth float64
	MinDataPoints     int
	NormalcyWindow    int
	RuleCacheTTL      time.Duration
	HistoryLimit      int
}

// ProcessingConfig holds consumption thresholds and batch parallelism
type ProcessingConfig struct {
	Concurrency         int
	TamperingDrop       float64
	ZeroConsumptionDays int
	HighDailyUsage      float64
	LeakDailyUsage      float64
	LeakMinDays         int
	LargeIncreasePct    float64
}

// Load loads the worker configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meter-reconciliation-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Port:            getEnvAsInt("SERVICE_PORT", 8081),
			APITokens:       getEnvAsList("API_TOKENS"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabase(),
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			IngestExchange:     getEnv("RABBITMQ_INGEST_EXCHANGE", "meter-readings.ingest.exchange"),
			IngestQueue:        getEnv("RABBITMQ_INGEST_QUEUE", "meter-readings.import.queue"),
			IngestRoutingKey:   getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.import"),
			EventsExchange:     getEnv("RABBITMQ_EVENTS_EXCHANGE", "meter-readings.events.exchange"),
			AcceptedRoutingKey: getEnv("RABBITMQ_ACCEPTED_ROUTING_KEY", "meter.reading.accepted"),
			DLQQueue:           getEnv("RABBITMQ_DLQ_QUEUE", "meter-readings.import.dlq"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 10),
			PublishAttempts:    getEnvAsInt("RABBITMQ_PUBLISH_ATTEMPTS", 3),
		},
		Anomaly: AnomalyConfig{
			NormalcyBandWidth: getEnvAsFloat("ANOMALY_NORMALCY_BAND", 2.0),
			MinDataPoints:     getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			NormalcyWindow:    getEnvAsInt("ANOMALY_NORMALCY_WINDOW", 12),
			RuleCacheTTL:      getEnvAsDuration("ANOMALY_RULE_CACHE_TTL", 5*time.Minute),
			HistoryLimit:      getEnvAsInt("ANOMALY_HISTORY_LIMIT", 36),
		},
		Processing: ProcessingConfig{
			Concurrency:         getEnvAsInt("PROCESSING_CONCURRENCY", 4),
			TamperingDrop:       getEnvAsFloat("CONSUMPTION_TAMPERING_DROP", 100),
			ZeroConsumptionDays: getEnvAsInt("CONSUMPTION_ZERO_DAYS", 30),
			HighDailyUsage:      getEnvAsFloat("CONSUMPTION_HIGH_DAILY", 1000),
			LeakDailyUsage:      getEnvAsFloat("CONSUMPTION_LEAK_DAILY", 500),
			LeakMinDays:         getEnvAsInt("CONSUMPTION_LEAK_MIN_DAYS", 7),
			LargeIncreasePct:    getEnvAsFloat("CONSUMPTION_LARGE_INCREASE_PCT", 200),
		},
	}

	if cfg.Database.URL == "" {
		return nil, errMissingDatabaseURL
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

var errMissingDatabaseURL = fmt.Errorf("DATABASE_URL is required but not set in environment variables")

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("DATABASE_URL", ""),
		MaxConns:    getEnvAsInt("DATABASE_MAX_CONNS", 10),
		ApplySchema: getEnvAsBool("DATABASE_APPLY_SCHEMA", true),
	}
}

// LoadDatabase loads only the database settings, for tools that do not
// consume from RabbitMQ
func LoadDatabase() (DatabaseConfig, error) {
	cfg := loadDatabase()
	if cfg.URL == "" {
		return cfg, errMissingDatabaseURL
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "5m")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
