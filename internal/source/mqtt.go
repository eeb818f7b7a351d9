package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/presence/internal/broker"
	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/types"
)

// FaceSlotCommand is published to the face-slot topic to point the sensor's
// face analysis at one body
type FaceSlotCommand struct {
	TrackingID types.TrackingID `json:"tracking_id"`
	Timestamp  time.Time        `json:"timestamp"`
}

// MQTTSource decodes sensor events published by the sensor bridge
type MQTTSource struct {
	client *broker.Client
	codec  Codec
	topics config.MQTTTopics
	logger *slog.Logger

	presenceCh     chan types.PresenceEvent
	posesCh        chan types.PoseSample
	facesCh        chan types.FaceResult
	availabilityCh chan types.AvailabilityEvent
	stopCh         chan struct{}

	stopOnce  sync.Once
	mu        sync.RWMutex
	isRunning bool
	closed    bool
	startedAt time.Time

	// The sensor counts as available only while both the broker link and the
	// sensor's own availability report are up.
	availMu      sync.Mutex
	brokerUp     bool
	sensorUp     bool
	availability bool

	presenceEvents atomic.Uint64
	poseSamples    atomic.Uint64
	faceResults    atomic.Uint64
	decodeErrors   atomic.Uint64
	dropped        atomic.Uint64
	faceSlot       atomic.Uint64
}

// NewMQTTSource creates a source reading from client. It must be created
// before the client connects so connection changes are reported as availability.
func NewMQTTSource(client *broker.Client, codec Codec, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MQTTSource{
		client:         client,
		codec:          codec,
		topics:         client.Topics(),
		logger:         logger.With("component", "mqtt_source"),
		presenceCh:     make(chan types.PresenceEvent, presenceBuffer),
		posesCh:        make(chan types.PoseSample, poseBuffer),
		facesCh:        make(chan types.FaceResult, faceBuffer),
		availabilityCh: make(chan types.AvailabilityEvent, availabilityBuffer),
		stopCh:         make(chan struct{}),
		sensorUp:       true,
		availability:   true,
	}

	client.OnStateChange(s.onConnectionChange)

	return s
}

// Start subscribes to the sensor topics
func (s *MQTTSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("source stopped")
	}
	s.isRunning = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	subs := []struct {
		topic   string
		qos     string
		handler broker.Handler
	}{
		{s.topics.Presence, "presence", s.onPresence},
		{s.topics.Pose, "pose", s.onPose},
		{s.topics.Face, "face", s.onFace},
		{s.topics.Availability, "availability", s.onAvailability},
	}

	for _, sub := range subs {
		if err := s.client.Subscribe(sub.topic, s.client.QoS(sub.qos), sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe sensor topic: %w", err)
		}
	}

	s.logger.Info("mqtt source started",
		"codec", s.codec.Name(),
		"presence", s.topics.Presence,
		"pose", s.topics.Pose,
		"face", s.topics.Face,
	)
	return nil
}

// Presence returns the presence channel
func (s *MQTTSource) Presence() <-chan types.PresenceEvent { return s.presenceCh }

// Poses returns the pose channel
func (s *MQTTSource) Poses() <-chan types.PoseSample { return s.posesCh }

// Faces returns the face channel
func (s *MQTTSource) Faces() <-chan types.FaceResult { return s.facesCh }

// Availability returns the availability channel
func (s *MQTTSource) Availability() <-chan types.AvailabilityEvent { return s.availabilityCh }

// Stop unsubscribes and closes the event channels. Safe to call more than once.
func (s *MQTTSource) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		for _, topic := range []string{s.topics.Presence, s.topics.Pose, s.topics.Face, s.topics.Availability} {
			s.client.Unsubscribe(topic)
		}

		s.mu.Lock()
		s.closed = true
		s.isRunning = false
		close(s.presenceCh)
		close(s.posesCh)
		close(s.facesCh)
		close(s.availabilityCh)
		s.mu.Unlock()

		s.logger.Info("mqtt source stopped",
			"presence_events", s.presenceEvents.Load(),
			"pose_samples", s.poseSamples.Load(),
			"dropped", s.dropped.Load(),
		)
	})
	return nil
}

// SetFaceTrackingID publishes a retained face-slot command
func (s *MQTTSource) SetFaceTrackingID(id types.TrackingID) error {
	payload, err := s.codec.Marshal(FaceSlotCommand{TrackingID: id, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode face slot command: %w", err)
	}
	if err := s.client.Publish(s.topics.FaceSlot, s.client.QoS("face_slot"), true, payload); err != nil {
		return err
	}
	s.faceSlot.Add(1)
	return nil
}

// Stats returns source statistics
func (s *MQTTSource) Stats() Stats {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	return Stats{
		Type:           config.SourceMQTT,
		Connected:      s.client.IsConnected(),
		PresenceEvents: s.presenceEvents.Load(),
		PoseSamples:    s.poseSamples.Load(),
		FaceResults:    s.faceResults.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		Dropped:        s.dropped.Load(),
		FaceSlot:       s.faceSlot.Load(),
		StartedAt:      startedAt,
	}
}

func (s *MQTTSource) onPresence(topic string, payload []byte) {
	var ev types.PresenceEvent
	if !s.decode(topic, payload, &ev) {
		return
	}
	if deliver(s, s.presenceCh, ev, true) {
		s.presenceEvents.Add(1)
	}
}

func (s *MQTTSource) onPose(topic string, payload []byte) {
	var sample types.PoseSample
	if !s.decode(topic, payload, &sample) {
		return
	}
	if deliver(s, s.posesCh, sample, false) {
		s.poseSamples.Add(1)
	}
}

func (s *MQTTSource) onFace(topic string, payload []byte) {
	var result types.FaceResult
	if !s.decode(topic, payload, &result) {
		return
	}
	if deliver(s, s.facesCh, result, false) {
		s.faceResults.Add(1)
	}
}

func (s *MQTTSource) onAvailability(topic string, payload []byte) {
	var ev types.AvailabilityEvent
	if !s.decode(topic, payload, &ev) {
		return
	}
	s.updateAvailability(func() { s.sensorUp = ev.Available }, ev.Timestamp)
}

func (s *MQTTSource) onConnectionChange(connected bool) {
	s.updateAvailability(func() { s.brokerUp = connected }, time.Now())
}

// updateAvailability applies one signal and reports the combined state when it changes
func (s *MQTTSource) updateAvailability(apply func(), at time.Time) {
	s.availMu.Lock()
	defer s.availMu.Unlock()

	apply()
	available := s.brokerUp && s.sensorUp
	if available == s.availability {
		return
	}
	s.availability = available

	s.logger.Debug("availability changed",
		"available", available,
		"broker_connected", s.brokerUp,
		"sensor_available", s.sensorUp,
	)
	deliver(s, s.availabilityCh, types.AvailabilityEvent{Available: available, Timestamp: at}, true)
}

func (s *MQTTSource) decode(topic string, payload []byte, v any) bool {
	if err := s.codec.Unmarshal(payload, v); err != nil {
		s.decodeErrors.Add(1)
		s.logger.Warn("failed to decode sensor event",
			"topic", topic,
			"size", len(payload),
			"error", err,
		)
		return false
	}
	return true
}

// deliver pushes v to ch. Lifecycle events block until consumed or the source
// stops. Samples are dropped when the consumer falls behind.
func deliver[T any](s *MQTTSource, ch chan T, v T, block bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	if block {
		select {
		case ch <- v:
			return true
		case <-s.stopCh:
			return false
		}
	}

	select {
	case ch <- v:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
