package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	SourceMQTT = "mqtt"
	SourceMock = "mock"

	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}

	if cfg.Name == "" {
		cfg.Name = cfg.SiteID
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	needsBroker := cfg.Source.Type == SourceMQTT || cfg.Sink.MQTT
	if needsBroker && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.InstanceID
	}

	// Set default topics if not provided
	base := fmt.Sprintf("care/presence/%s", cfg.InstanceID)
	if cfg.MQTT.Topics.Presence == "" {
		cfg.MQTT.Topics.Presence = base + "/sensor/presence"
	}
	if cfg.MQTT.Topics.Pose == "" {
		cfg.MQTT.Topics.Pose = base + "/sensor/pose"
	}
	if cfg.MQTT.Topics.Face == "" {
		cfg.MQTT.Topics.Face = base + "/sensor/face"
	}
	if cfg.MQTT.Topics.Availability == "" {
		cfg.MQTT.Topics.Availability = base + "/sensor/availability"
	}
	if cfg.MQTT.Topics.FaceSlot == "" {
		cfg.MQTT.Topics.FaceSlot = base + "/sensor/face_slot"
	}
	if cfg.MQTT.Topics.Sessions == "" {
		cfg.MQTT.Topics.Sessions = base + "/sessions"
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = base + "/control"
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"presence":     1,
			"pose":         0,
			"face":         0,
			"availability": 1,
			"face_slot":    0,
			"sessions":     1,
			"control":      1,
		}
	}

	if cfg.Sink.QueueSize <= 0 {
		cfg.Sink.QueueSize = 64 // default
	}

	return nil
}

func validateSource(src *SourceConfig) error {
	switch src.Type {
	case "":
		src.Type = SourceMock
	case SourceMQTT, SourceMock:
	default:
		return fmt.Errorf("unknown type '%s' (must be 'mqtt' or 'mock')", src.Type)
	}

	switch src.Codec {
	case "":
		src.Codec = CodecJSON
	case CodecJSON, CodecMsgpack:
	default:
		return fmt.Errorf("unknown codec '%s' (must be 'json' or 'msgpack')", src.Codec)
	}

	if src.Type != SourceMock {
		return nil
	}

	m := &src.Mock
	if m.PoseFPS <= 0 {
		m.PoseFPS = 30
	}
	if m.FaceFPS <= 0 {
		m.FaceFPS = 5
	}
	if m.FaceFPS > m.PoseFPS {
		return fmt.Errorf("mock.face_fps (%d) must not exceed mock.pose_fps (%d)", m.FaceFPS, m.PoseFPS)
	}
	if m.MaxBodies <= 0 {
		m.MaxBodies = 3
	}
	if m.MeanDwellS <= 0 {
		m.MeanDwellS = 20
	}
	if m.ArrivalEveryS <= 0 {
		m.ArrivalEveryS = 8
	}

	return nil
}
