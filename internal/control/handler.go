// Package control implements the MQTT control plane: operators query status
// and open sessions, toggle tracked attributes at runtime and request shutdown.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/care/presence/internal/broker"
	"github.com/care/presence/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// Transport is the subset of the broker connection the handler needs
type Transport interface {
	Subscribe(topic string, qos byte, handler broker.Handler) error
	Unsubscribe(topic string)
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus   func() interface{}
	OnGetSessions func() interface{}
	OnGetTracking func() config.TrackConfig
	OnSetTracking func(config.TrackConfig) error
	OnShutdown    func() error
}

// Handler handles control plane commands
type Handler struct {
	transport     Transport
	topic         string
	responseTopic string
	qos           byte
	callbacks     CommandCallbacks
	logger        *slog.Logger

	mu       sync.Mutex
	commands chan Command
	stopped  bool

	// shutdownDelay lets the shutdown response leave before the process stops
	shutdownDelay time.Duration
}

// NewHandler creates a handler listening on topic. Responses go to topic + "/responses".
func NewHandler(transport Transport, topic string, qos byte, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		transport:     transport,
		topic:         topic,
		responseTopic: topic + "/responses",
		qos:           qos,
		callbacks:     callbacks,
		logger:        logger.With("component", "control"),
		commands:      make(chan Command, 10),
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and processes commands until ctx ends or Stop is called
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("subscribing to control plane", "topic", h.topic, "qos", h.qos)

	if err := h.transport.Subscribe(h.topic, h.qos, h.messageHandler); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	h.logger.Info("control plane handler started")
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	h.transport.Unsubscribe(h.topic)
	h.logger.Info("control plane handler stopped")
	return nil
}

// messageHandler is called on the broker goroutine for each control message
func (h *Handler) messageHandler(topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.dispatch(cmd)
		}
	}
}

func (h *Handler) dispatch(cmd Command) {
	resp := h.handleCommand(cmd)
	h.sendResponse(resp)

	if cmd.Command == "shutdown" && resp.Status == "success" {
		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				h.logger.Error("shutdown callback failed", "error", err)
			}
		}()
	}
}

// handleCommand executes a command and builds its response.
// Shutdown is only acknowledged here; dispatch triggers it after the response is sent.
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "get_sessions":
		if h.callbacks.OnGetSessions == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetSessions()

	case "get_tracking":
		if h.callbacks.OnGetTracking == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetTracking()

	case "set_tracking":
		if h.callbacks.OnSetTracking == nil || h.callbacks.OnGetTracking == nil {
			return notImplemented(resp)
		}
		track, err := ApplyTrackingParams(h.callbacks.OnGetTracking(), cmd.Params)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp
		}
		if err := h.callbacks.OnSetTracking(track); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp
		}
		resp.Status = "success"
		resp.Data = track

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return notImplemented(resp)
		}
		h.logger.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.transport.Publish(h.responseTopic, h.qos, false, payload); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

// ApplyTrackingParams merges boolean attribute flags from params into current.
// Unknown keys and non-boolean values are rejected; nothing is applied on error.
func ApplyTrackingParams(current config.TrackConfig, params map[string]interface{}) (config.TrackConfig, error) {
	if len(params) == 0 {
		return current, fmt.Errorf("no tracking flags given")
	}

	fields := map[string]*bool{
		"height":            &current.Height,
		"engaged":           &current.Engaged,
		"happy":             &current.Happy,
		"position":          &current.Position,
		"left_hand_raised":  &current.LeftHandRaised,
		"right_hand_raised": &current.RightHandRaised,
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		field, ok := fields[k]
		if !ok {
			return config.TrackConfig{}, fmt.Errorf("unknown tracking attribute '%s'", k)
		}
		v, ok := params[k].(bool)
		if !ok {
			return config.TrackConfig{}, fmt.Errorf("tracking attribute '%s' must be a boolean", k)
		}
		*field = v
	}

	return current, nil
}
