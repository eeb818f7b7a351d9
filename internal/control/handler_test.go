package control

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/care/presence/internal/broker"
	"github.com/care/presence/internal/config"
)

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]broker.Handler
	published []published
}

type published struct {
	topic   string
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]broker.Handler)}
}

func (f *fakeTransport) Subscribe(topic string, qos byte, handler broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) send(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeTransport) responses(t *testing.T) []Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Response, 0, len(f.published))
	for _, p := range f.published {
		var r Response
		if err := json.Unmarshal(p.payload, &r); err != nil {
			t.Fatalf("Invalid response payload %s: %v", p.payload, err)
		}
		out = append(out, r)
	}
	return out
}

func TestApplyTrackingParams(t *testing.T) {
	base := config.TrackConfig{Height: true}

	tests := []struct {
		name    string
		params  map[string]interface{}
		want    config.TrackConfig
		wantErr string
	}{
		{
			name:   "enable and disable",
			params: map[string]interface{}{"happy": true, "height": false},
			want:   config.TrackConfig{Happy: true},
		},
		{
			name:   "hands",
			params: map[string]interface{}{"left_hand_raised": true, "right_hand_raised": true},
			want:   config.TrackConfig{Height: true, LeftHandRaised: true, RightHandRaised: true},
		},
		{
			name:    "unknown attribute",
			params:  map[string]interface{}{"glasses": true},
			wantErr: "unknown tracking attribute",
		},
		{
			name:    "not a boolean",
			params:  map[string]interface{}{"engaged": "yes"},
			wantErr: "must be a boolean",
		},
		{
			name:    "empty",
			params:  nil,
			wantErr: "no tracking flags",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyTrackingParams(base, tt.params)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	track := config.TrackConfig{Height: true}
	h := NewHandler(newFakeTransport(), "ctl", 1, CommandCallbacks{
		OnGetStatus:   func() interface{} { return map[string]interface{}{"open_sessions": 2} },
		OnGetTracking: func() config.TrackConfig { return track },
		OnSetTracking: func(c config.TrackConfig) error { track = c; return nil },
	}, nil)

	resp := h.handleCommand(Command{Command: "get_status"})
	if resp.Status != "success" || resp.CommandAck != "get_status" {
		t.Errorf("Unexpected get_status response %+v", resp)
	}

	resp = h.handleCommand(Command{Command: "set_tracking", Params: map[string]interface{}{"happy": true}})
	if resp.Status != "success" {
		t.Fatalf("Expected set_tracking success, got %+v", resp)
	}
	if !track.Happy || !track.Height {
		t.Errorf("Expected happy enabled on top of height, got %+v", track)
	}

	resp = h.handleCommand(Command{Command: "set_tracking", Params: map[string]interface{}{"smiled": true}})
	if resp.Status != "error" {
		t.Errorf("Expected error for unknown attribute, got %+v", resp)
	}

	resp = h.handleCommand(Command{Command: "get_sessions"})
	if resp.Status != "error" || !strings.Contains(resp.Error, "not implemented") {
		t.Errorf("Expected not implemented, got %+v", resp)
	}

	resp = h.handleCommand(Command{Command: "reboot"})
	if resp.Status != "error" || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("Expected unknown command error, got %+v", resp)
	}
}

func TestSetTrackingCallbackError(t *testing.T) {
	h := NewHandler(newFakeTransport(), "ctl", 1, CommandCallbacks{
		OnGetTracking: func() config.TrackConfig { return config.TrackConfig{} },
		OnSetTracking: func(config.TrackConfig) error { return errors.New("tracker busy") },
	}, nil)

	resp := h.handleCommand(Command{Command: "set_tracking", Params: map[string]interface{}{"happy": true}})
	if resp.Status != "error" || resp.Error != "tracker busy" {
		t.Errorf("Expected callback error surfaced, got %+v", resp)
	}
}

// TestControlRoundTrip drives commands through the transport and checks responses.
func TestControlRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	shutdown := make(chan struct{})

	h := NewHandler(tr, "ctl", 1, CommandCallbacks{
		OnGetSessions: func() interface{} { return []string{"a"} },
		OnShutdown: func() error {
			close(shutdown)
			return nil
		},
	}, nil)
	h.shutdownDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tr.send("ctl", `{not json`)
	tr.send("ctl", `{"command":"get_sessions"}`)
	tr.send("ctl", `{"command":"shutdown"}`)

	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown callback not called")
	}

	resps := tr.responses(t)
	if len(resps) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(resps))
	}
	if resps[0].Status != "error" || resps[0].Error != "invalid JSON" {
		t.Errorf("Unexpected parse error response %+v", resps[0])
	}
	if resps[1].CommandAck != "get_sessions" || resps[1].Status != "success" {
		t.Errorf("Unexpected get_sessions response %+v", resps[1])
	}
	if resps[2].CommandAck != "shutdown" || resps[2].Timestamp == "" {
		t.Errorf("Unexpected shutdown response %+v", resps[2])
	}

	tr.mu.Lock()
	topic := tr.published[1].topic
	tr.mu.Unlock()
	if topic != "ctl/responses" {
		t.Errorf("Expected responses on ctl/responses, got %s", topic)
	}

	h.Stop()
	h.Stop()
	if _, ok := tr.handlers["ctl"]; ok {
		t.Error("Expected control topic unsubscribed")
	}
}
