// Package config holds the delivery service configuration and its two-stage
// loading: YAML first, then environment overrides and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	RunModeLocal = "local"

	QueueTypeRedis     = "redis"
	QueueTypeFirestore = "firestore"
)

type RedisConfig struct {
	Addrs    []string
	Cluster  bool
	DB       int
	Password string
}

type PresenceConfig struct {
	SweepInterval time.Duration
	Workers       int
	QueueSize     int
}

type QueueConfig struct {
	Type                string
	FirestoreCollection string
	SlotTTL             time.Duration
}

type PushConfig struct {
	FCMTopicID string
	APNTopicID string
}

type FallbackConfig struct {
	Delay        time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID           string
	RunMode             string
	APIPort             string
	WebSocketPort       string
	Redis               RedisConfig
	Presence            PresenceConfig
	Queue               QueueConfig
	Push                PushConfig
	Fallback            FallbackConfig
	DirectoryCollection string
}

// IsLocal reports whether the service runs on in-memory fakes.
func (c *AppConfig) IsLocal() bool {
	return c.RunMode == RunModeLocal
}

// UpdateConfigWithEnvOverrides applies environment variables to the base
// configuration and validates the result. This is "Stage 2".
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, target *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*target = val
		}
	}
	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("RUN_MODE", &cfg.RunMode)
	override("API_PORT", &cfg.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("REDIS_PASSWORD", &cfg.Redis.Password)
	override("QUEUE_TYPE", &cfg.Queue.Type)
	override("FCM_TOPIC_ID", &cfg.Push.FCMTopicID)
	override("APN_TOPIC_ID", &cfg.Push.APNTopicID)

	if addrs := os.Getenv("REDIS_ADDRS"); addrs != "" {
		logger.Debug("Overriding config value", "key", "REDIS_ADDRS", "source", "env")
		var clean []string
		for _, a := range strings.Split(addrs, ",") {
			if trimmed := strings.TrimSpace(a); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		cfg.Redis.Addrs = clean
	}
	if cluster := os.Getenv("REDIS_CLUSTER"); cluster != "" {
		val, err := strconv.ParseBool(cluster)
		if err != nil {
			return nil, fmt.Errorf("REDIS_CLUSTER must be a boolean: %w", err)
		}
		logger.Debug("Overriding config value", "key", "REDIS_CLUSTER", "source", "env")
		cfg.Redis.Cluster = val
	}

	// 2. Final Validation
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.Queue.Type != QueueTypeRedis && cfg.Queue.Type != QueueTypeFirestore {
		return nil, fmt.Errorf("queue type must be %q or %q, got %q", QueueTypeRedis, QueueTypeFirestore, cfg.Queue.Type)
	}

	if !cfg.IsLocal() {
		if cfg.ProjectID == "" {
			logger.Error("Final config validation failed", "error", "GCP_PROJECT_ID is not set")
			return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if len(cfg.Redis.Addrs) == 0 {
			return nil, fmt.Errorf("REDIS_ADDRS is not set in config or env var")
		}
		if cfg.Push.FCMTopicID == "" || cfg.Push.APNTopicID == "" {
			return nil, fmt.Errorf("FCM_TOPIC_ID and APN_TOPIC_ID must both be set")
		}
		if cfg.Queue.Type == QueueTypeFirestore && cfg.Queue.FirestoreCollection == "" {
			return nil, fmt.Errorf("queue.firestore_collection is required for the firestore queue")
		}
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
