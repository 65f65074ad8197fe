package config

import (
	"fmt"
	"time"
)

// AgentConfig holds the sync agent configuration
type AgentConfig struct {
	ServiceName string
	LogLevel    string
	Sync        SyncConfig
	Queue       QueueConfig
}

// SyncConfig holds upload, retry and scheduling settings
type SyncConfig struct {
	BaseURL         string
	TenantID        string
	AccessToken     string
	RefreshURL      string
	RefreshToken    string
	BatchSize       int
	MaxRetries      int
	NetworkAttempts int
	BackoffInitial  time.Duration
	BackoffFactor   float64
	BackoffMax      time.Duration
	BackoffJitter   float64
	Interval        time.Duration
	RequestTimeout  time.Duration
}

// QueueConfig holds offline queue storage settings
type QueueConfig struct {
	Path          string
	Retention     time.Duration
	MaxItems      int64
	MaxPhotoBytes int64
}

// LoadAgent loads the sync agent configuration from environment variables
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServiceName: getEnv("SERVICE_NAME", "meter-sync-agent"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Sync: SyncConfig{
			BaseURL:         getEnv("SYNC_BASE_URL", ""),
			TenantID:        getEnv("SYNC_TENANT_ID", ""),
			AccessToken:     getEnv("SYNC_ACCESS_TOKEN", ""),
			RefreshURL:      getEnv("SYNC_REFRESH_URL", ""),
			RefreshToken:    getEnv("SYNC_REFRESH_TOKEN", ""),
			BatchSize:       getEnvAsInt("SYNC_BATCH_SIZE", 10),
			MaxRetries:      getEnvAsInt("SYNC_MAX_RETRIES", 3),
			NetworkAttempts: getEnvAsInt("SYNC_NETWORK_ATTEMPTS", 3),
			BackoffInitial:  getEnvAsDuration("SYNC_BACKOFF_INITIAL", time.Second),
			BackoffFactor:   getEnvAsFloat("SYNC_BACKOFF_MULTIPLIER", 2.0),
			BackoffMax:      getEnvAsDuration("SYNC_BACKOFF_MAX", 30*time.Second),
			BackoffJitter:   getEnvAsFloat("SYNC_BACKOFF_JITTER", 0.2),
			Interval:        getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
			RequestTimeout:  getEnvAsDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Path:          getEnv("QUEUE_PATH", "offline-queue.db"),
			Retention:     getEnvAsDuration("QUEUE_RETENTION", 7*24*time.Hour),
			MaxItems:      int64(getEnvAsInt("QUEUE_MAX_ITEMS", 10000)),
			MaxPhotoBytes: int64(getEnvAsInt("QUEUE_MAX_PHOTO_BYTES", 5<<20)),
		},
	}

	if cfg.Sync.BaseURL == "" {
		return nil, fmt.Errorf("SYNC_BASE_URL is required but not set in environment variables")
	}
	if cfg.Sync.TenantID == "" {
		return nil, fmt.Errorf("SYNC_TENANT_ID is required but not set in environment variables")
	}
	if cfg.Sync.RefreshURL != "" && cfg.Sync.RefreshToken == "" {
		return nil, fmt.Errorf("SYNC_REFRESH_TOKEN is required when SYNC_REFRESH_URL is set")
	}

	return cfg, nil
}
