package broker

import (
	"errors"
	"testing"

	"github.com/care/presence/internal/config"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:1883", "tcp://localhost:1883"},
		{"ssl://broker.local:8883", "ssl://broker.local:8883"},
		{"ws://broker.local:9001/mqtt", "ws://broker.local:9001/mqtt"},
	}

	for _, tt := range tests {
		if got := brokerURL(tt.in); got != tt.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	c := New(config.MQTTConfig{Broker: "localhost:1883"}, nil)

	err := c.Publish("a/b", 0, false, []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if c.Stats().Errors != 1 {
		t.Errorf("Expected 1 error, got %d", c.Stats().Errors)
	}
}

// TestSubscribeBeforeConnect verifies subscriptions are remembered for the first connect.
func TestSubscribeBeforeConnect(t *testing.T) {
	c := New(config.MQTTConfig{}, nil)

	if err := c.Subscribe("a/b", 1, func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if len(c.subs) != 1 || c.subs["a/b"].qos != 1 {
		t.Errorf("Expected pending subscription, got %v", c.subs)
	}

	c.Unsubscribe("a/b")
	if len(c.subs) != 0 {
		t.Errorf("Expected subscription removed, got %v", c.subs)
	}
}

func TestStateListeners(t *testing.T) {
	c := New(config.MQTTConfig{}, nil)

	var transitions []bool
	c.OnStateChange(func(up bool) { transitions = append(transitions, up) })

	c.setConnected(true)
	c.setConnected(true)
	c.setConnected(false)

	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("Expected [true false], got %v", transitions)
	}
	if c.IsConnected() {
		t.Error("Expected disconnected")
	}
}

func TestQoSLookup(t *testing.T) {
	c := New(config.MQTTConfig{QoS: map[string]byte{"sessions": 1}}, nil)
	if c.QoS("sessions") != 1 || c.QoS("pose") != 0 {
		t.Errorf("Unexpected QoS lookup")
	}
}
