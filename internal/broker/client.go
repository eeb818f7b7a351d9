// Package broker holds the process-wide MQTT connection shared by the
// sensor source, the session sink and the control plane.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/presence/internal/config"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout   = 5 * time.Second
	publishTimeout   = 2 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Handler receives the payload of a subscribed topic
type Handler func(topic string, payload []byte)

// Client wraps a paho client with auto-reconnect, per-topic counters and
// connection state listeners
type Client struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	received  map[string]uint64
	errors    uint64
	subs      map[string]subscription
	listeners []func(connected bool)
}

type subscription struct {
	qos     byte
	handler Handler
}

// Stats contains connection statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Received  map[string]uint64 `json:"received"`
	Errors    uint64            `json:"errors"`
}

// New creates an unconnected client
func New(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]uint64),
		received:  make(map[string]uint64),
		subs:      make(map[string]subscription),
	}
}

// OnStateChange registers a listener for connection up/down transitions.
// Must be called before Connect.
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Connect establishes the broker connection. Subscriptions are restored on every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(c.cfg.Broker))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	opts.OnConnect = func(client mqtt.Client) {
		c.setConnected(true)
		c.logger.Info("mqtt connection established",
			"broker", c.cfg.Broker,
			"client_id", c.cfg.ClientID,
			"auto_reconnect", "enabled")
		c.resubscribe(client)
	}

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", c.cfg.Broker,
			"max_retry_interval", "30s")
	}

	c.client = mqtt.NewClient(opts)

	c.logger.Info("connecting to mqtt broker", "broker", c.cfg.Broker)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	return nil
}

// Subscribe registers handler for topic. The subscription survives reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if c.client == nil || !c.client.IsConnectionOpen() {
		return nil
	}

	token := c.client.Subscribe(topic, qos, c.wrap(topic, handler))
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s failed: %w", topic, err)
	}

	c.logger.Info("subscribed", "topic", topic, "qos", qos)
	return nil
}

// Unsubscribe removes the subscription for topic
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(topic).WaitTimeout(subscribeTimeout)
	}
}

// Publish sends payload to topic and waits for the broker acknowledgement
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		c.countError()
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()

	c.logger.Debug("published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// QoS returns the configured QoS for a topic key, 0 when unset
func (c *Client) QoS(key string) byte {
	return c.cfg.QoS[key]
}

// Topics returns the configured topic names
func (c *Client) Topics() config.MQTTTopics {
	return c.cfg.Topics
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Disconnect closes the connection
func (c *Client) Disconnect() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	c.setConnected(false)
	return nil
}

// Stats returns connection statistics
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	received := make(map[string]uint64, len(c.received))
	for k, v := range c.received {
		received[k] = v
	}

	return Stats{
		Connected: c.connected,
		Published: published,
		Received:  received,
		Errors:    c.errors,
	}
}

func (c *Client) wrap(topic string, handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.Lock()
		c.received[topic]++
		c.mu.Unlock()
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *Client) resubscribe(client mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.RUnlock()

	for topic, sub := range subs {
		token := client.Subscribe(topic, sub.qos, c.wrap(topic, sub.handler))
		if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
			c.logger.Error("failed to restore subscription",
				"topic", topic,
				"error", token.Error(),
			)
			continue
		}
		c.logger.Info("subscribed", "topic", topic, "qos", sub.qos)
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	listeners := c.listeners
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(connected)
	}
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// brokerURL accepts "host:port" or a full URL
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
