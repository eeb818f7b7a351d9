package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/care/presence/internal/broker"
	"github.com/care/presence/internal/session"
)

// MQTTSink publishes each record as JSON to the sessions topic
type MQTTSink struct {
	client *broker.Client
	topic  string
	qos    byte
}

// NewMQTTSink creates a sink publishing through client
func NewMQTTSink(client *broker.Client) *MQTTSink {
	return &MQTTSink{
		client: client,
		topic:  client.Topics().Sessions,
		qos:    client.QoS("sessions"),
	}
}

// Write publishes rec
func (s *MQTTSink) Write(ctx context.Context, rec session.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.client.Publish(s.topic, s.qos, false, payload)
}

// Close implements Sink. The connection is owned by the caller.
func (s *MQTTSink) Close() error { return nil }
