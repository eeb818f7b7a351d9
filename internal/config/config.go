package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete presence service configuration
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	SiteID           string       `yaml:"site_id"`
	Name             string       `yaml:"name"`               // Deployment name carried into session records
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Track            TrackConfig  `yaml:"track"`
	Source           SourceConfig `yaml:"source"`
	MQTT             MQTTConfig   `yaml:"mqtt"`
	Sink             SinkConfig   `yaml:"sink"`
	Health           HealthConfig `yaml:"health"`
}

// TrackConfig selects which session attributes are tracked at all.
// Attributes whose flag is off are never read from incoming samples.
type TrackConfig struct {
	Height          bool `yaml:"height" json:"height"`
	Engaged         bool `yaml:"engaged" json:"engaged"`
	Happy           bool `yaml:"happy" json:"happy"`
	Position        bool `yaml:"position" json:"position"`
	LeftHandRaised  bool `yaml:"left_hand_raised" json:"left_hand_raised"`
	RightHandRaised bool `yaml:"right_hand_raised" json:"right_hand_raised"`
}

// TrackAll enables every attribute
func TrackAll() TrackConfig {
	return TrackConfig{
		Height:          true,
		Engaged:         true,
		Happy:           true,
		Position:        true,
		LeftHandRaised:  true,
		RightHandRaised: true,
	}
}

// SourceConfig selects where sensor events come from
type SourceConfig struct {
	Type  string     `yaml:"type"`  // mqtt, mock
	Codec string     `yaml:"codec"` // json, msgpack (mqtt only)
	Mock  MockConfig `yaml:"mock"`
}

// MockConfig drives the synthetic sensor used without hardware
type MockConfig struct {
	PoseFPS       int     `yaml:"pose_fps"`        // body frames per second
	FaceFPS       int     `yaml:"face_fps"`        // face results per second
	MaxBodies     int     `yaml:"max_bodies"`      // concurrent bodies in the scene
	MeanDwellS    float64 `yaml:"mean_dwell_s"`    // average time a body stays
	ArrivalEveryS float64 `yaml:"arrival_every_s"` // average time between arrivals
	Seed          int64   `yaml:"seed"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Presence     string `yaml:"presence"`
	Pose         string `yaml:"pose"`
	Face         string `yaml:"face"`
	Availability string `yaml:"availability"`
	FaceSlot     string `yaml:"face_slot"`
	Sessions     string `yaml:"sessions"`
	Control      string `yaml:"control"`
}

// SinkConfig selects where finalized sessions go
type SinkConfig struct {
	Dir         string `yaml:"dir"`          // hourly JSON analytics files, empty disables
	MQTT        bool   `yaml:"mqtt"`         // publish records to mqtt.topics.sessions
	PostgresDSN string `yaml:"postgres_dsn"` // empty disables
	QueueSize   int    `yaml:"queue_size"`   // async sink buffer (default: 64)
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Port string `yaml:"port"` // empty disables
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies environment overrides and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides deployment secrets and endpoints from the environment
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("PRESENCE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("PRESENCE_POSTGRES_DSN"); v != "" {
		cfg.Sink.PostgresDSN = v
	}
	if v := os.Getenv("PRESENCE_SINK_DIR"); v != "" {
		cfg.Sink.Dir = v
	}
}
