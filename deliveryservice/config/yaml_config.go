package config

import (
	"fmt"
	"log/slog"
	"time"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Cluster  bool     `yaml:"cluster"`
	DB       int      `yaml:"db"`
	Password string   `yaml:"password"`
}

type YamlPresenceConfig struct {
	SweepInterval string `yaml:"sweep_interval"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
}

type YamlQueueConfig struct {
	Type                string `yaml:"type"` // "redis" or "firestore"
	FirestoreCollection string `yaml:"firestore_collection"`
	SlotTTL             string `yaml:"slot_ttl"`
}

type YamlPushConfig struct {
	FCMTopicID string `yaml:"fcm_topic_id"`
	APNTopicID string `yaml:"apn_topic_id"`
}

type YamlFallbackConfig struct {
	Delay        string `yaml:"delay"`
	PollInterval string `yaml:"poll_interval"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

type YamlDirectoryConfig struct {
	Collection string `yaml:"collection"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID     string              `yaml:"project_id"`
	RunMode       string              `yaml:"run_mode"`
	APIPort       string              `yaml:"api_port"`
	WebSocketPort string              `yaml:"websocket_port"`
	Redis         YamlRedisConfig     `yaml:"redis"`
	Presence      YamlPresenceConfig  `yaml:"presence"`
	Queue         YamlQueueConfig     `yaml:"queue"`
	Push          YamlPushConfig      `yaml:"push"`
	Fallback      YamlFallbackConfig  `yaml:"fallback"`
	Directory     YamlDirectoryConfig `yaml:"directory"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the unmarshaled YAML into a base AppConfig,
// parsing durations and filling defaults. Environment overrides are applied
// later by UpdateConfigWithEnvOverrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Mapping YAML config to base config struct")

	sweep, err := parseDuration("presence.sweep_interval", yamlCfg.Presence.SweepInterval, 3*time.Minute)
	if err != nil {
		return nil, err
	}
	slotTTL, err := parseDuration("queue.slot_ttl", yamlCfg.Queue.SlotTTL, time.Minute)
	if err != nil {
		return nil, err
	}
	fallbackDelay, err := parseDuration("fallback.delay", yamlCfg.Fallback.Delay, time.Minute)
	if err != nil {
		return nil, err
	}
	fallbackPoll, err := parseDuration("fallback.poll_interval", yamlCfg.Fallback.PollInterval, 5*time.Second)
	if err != nil {
		return nil, err
	}

	appCfg := &AppConfig{
		ProjectID:     yamlCfg.ProjectID,
		RunMode:       yamlCfg.RunMode,
		APIPort:       yamlCfg.APIPort,
		WebSocketPort: yamlCfg.WebSocketPort,
		Redis: RedisConfig{
			Addrs:    yamlCfg.Redis.Addrs,
			Cluster:  yamlCfg.Redis.Cluster,
			DB:       yamlCfg.Redis.DB,
			Password: yamlCfg.Redis.Password,
		},
		Presence: PresenceConfig{
			SweepInterval: sweep,
			Workers:       yamlCfg.Presence.Workers,
			QueueSize:     yamlCfg.Presence.QueueSize,
		},
		Queue: QueueConfig{
			Type:                yamlCfg.Queue.Type,
			FirestoreCollection: yamlCfg.Queue.FirestoreCollection,
			SlotTTL:             slotTTL,
		},
		Push: PushConfig{
			FCMTopicID: yamlCfg.Push.FCMTopicID,
			APNTopicID: yamlCfg.Push.APNTopicID,
		},
		Fallback: FallbackConfig{
			Delay:        fallbackDelay,
			PollInterval: fallbackPoll,
			MaxAttempts:  yamlCfg.Fallback.MaxAttempts,
		},
		DirectoryCollection: yamlCfg.Directory.Collection,
	}
	if appCfg.Queue.Type == "" {
		appCfg.Queue.Type = QueueTypeRedis
	}

	logger.Debug("YAML config mapping complete",
		"project_id", appCfg.ProjectID,
		"run_mode", appCfg.RunMode,
		"api_port", appCfg.APIPort,
		"websocket_port", appCfg.WebSocketPort,
		"queue_type", appCfg.Queue.Type,
		"redis_cluster", appCfg.Redis.Cluster,
	)
	return appCfg, nil
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return d, nil
}
