// Package core wires the presence service together and manages its lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/care/presence/internal/broker"
	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/control"
	"github.com/care/presence/internal/health"
	"github.com/care/presence/internal/sink"
	"github.com/care/presence/internal/source"
	"github.com/care/presence/internal/tracker"
)

const defaultShutdownTimeout = 5 * time.Second

// Presence is the main service orchestrator
type Presence struct {
	cfg    *config.Config
	logger *slog.Logger

	// Core components
	client         *broker.Client // nil when no broker is configured
	source         source.Source
	sink           *sink.Async
	tracker        *tracker.Tracker
	controlHandler *control.Handler
	health         *health.Server

	// Lifecycle management
	mu        sync.Mutex
	isRunning bool
	done      chan struct{}
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// New builds the service from cfg. Sinks that need a connection (Postgres) are
// opened here so a bad DSN fails fast.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Presence, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Presence{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if cfg.MQTT.Broker != "" {
		p.client = broker.New(cfg.MQTT, logger)
	}

	src, err := p.newSource()
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	p.source = src

	next, err := p.newSink(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	p.sink = sink.NewAsync(next, cfg.Sink.QueueSize, logger)

	p.tracker = tracker.New(
		tracker.Config{Site: cfg.Name, Track: cfg.Track},
		p.source,
		p.sink,
		tracker.WithLogger(logger),
	)

	if p.client != nil {
		p.controlHandler = control.NewHandler(p.client, cfg.MQTT.Topics.Control, p.client.QoS("control"), control.CommandCallbacks{
			OnGetStatus:   p.getStatus,
			OnGetSessions: p.getSessions,
			OnGetTracking: p.tracker.Tracking,
			OnSetTracking: p.setTracking,
			OnShutdown:    p.shutdownViaControl,
		}, logger)
	}

	opts := []health.Option{
		health.WithLogger(logger),
		health.WithSource(p.source.Stats),
		health.WithSink(p.sink.Stats),
	}
	if p.client != nil {
		opts = append(opts, health.WithMQTT(p.client.IsConnected))
	}
	p.health = health.NewServer(cfg.InstanceID, p.tracker, opts...)

	logger.Info("presence service configured",
		"instance_id", cfg.InstanceID,
		"site", cfg.Name,
		"source", cfg.Source.Type,
		"tracking", cfg.Track,
	)

	return p, nil
}

func (p *Presence) newSource() (source.Source, error) {
	switch p.cfg.Source.Type {
	case config.SourceMQTT:
		codec, err := source.NewCodec(p.cfg.Source.Codec)
		if err != nil {
			return nil, err
		}
		return source.NewMQTTSource(p.client, codec, p.logger), nil
	case config.SourceMock:
		return source.NewMockSource(p.cfg.Source.Mock, p.logger), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", p.cfg.Source.Type)
	}
}

func (p *Presence) newSink(ctx context.Context) (sink.Sink, error) {
	var sinks sink.Multi

	if p.cfg.Sink.Dir != "" {
		sinks = append(sinks, sink.NewFileSink(p.cfg.Sink.Dir))
	}
	if p.cfg.Sink.MQTT && p.client != nil {
		sinks = append(sinks, sink.NewMQTTSink(p.client))
	}
	if p.cfg.Sink.PostgresDSN != "" {
		pg, err := sink.NewPostgresSink(ctx, p.cfg.Sink.PostgresDSN)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
	}

	if len(sinks) == 0 {
		p.logger.Warn("no session sink configured, records will only be logged")
		sinks = append(sinks, sink.Func(p.logRecord))
	}
	return sinks, nil
}

// StartHealthServer starts the HTTP health endpoints (non-blocking)
func (p *Presence) StartHealthServer(port string) error {
	return p.health.Start(port)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (p *Presence) ShutdownTimeout() time.Duration {
	if p.cfg.ShutdownTimeoutS <= 0 {
		return defaultShutdownTimeout
	}
	return time.Duration(p.cfg.ShutdownTimeoutS) * time.Second
}

// Tracker returns the session lifecycle controller
func (p *Presence) Tracker() *tracker.Tracker {
	return p.tracker
}

// Run connects the broker, starts the control plane and runs the tracker
// until ctx is cancelled or a shutdown command arrives.
func (p *Presence) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	p.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancelCtx = cancel
	p.mu.Unlock()

	defer close(p.done)

	p.logger.Info("presence service starting", "instance_id", p.cfg.InstanceID)

	if p.client != nil {
		if err := p.client.Connect(ctx); err != nil {
			p.source.Stop()
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		if err := p.controlHandler.Start(ctx); err != nil {
			p.source.Stop()
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	err := p.tracker.Run(ctx)

	if stopErr := p.source.Stop(); stopErr != nil {
		p.logger.Error("failed to stop source", "error", stopErr)
	}

	p.logger.Info("presence service run loop exiting")
	return err
}

// Shutdown performs graceful shutdown of all components
func (p *Presence) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancelCtx
	p.mu.Unlock()

	p.logger.Info("shutting down presence service")

	// Shutdown sequence (order is important!):
	// 1. Stop control plane, no more commands
	if p.controlHandler != nil {
		if err := p.controlHandler.Stop(); err != nil {
			p.logger.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Stop the tracker and wait for open sessions to be flushed
	cancel()
	var errs []error
	select {
	case <-p.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("tracker did not stop: %w", ctx.Err()))
	}

	// 3. Drain the sink queue (may still publish over MQTT)
	if err := p.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
	}

	// 4. Disconnect MQTT
	if p.client != nil {
		if err := p.client.Disconnect(); err != nil {
			p.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 5. Health server last so readiness reflects the shutdown
	if err := p.health.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
	}

	p.mu.Lock()
	p.isRunning = false
	p.mu.Unlock()

	counters := p.tracker.Counters()
	p.logger.Info("presence service shutdown complete",
		"uptime", p.tracker.Uptime(),
		"entered", counters.Entered,
		"emitted", counters.Emitted,
		"sink", p.sink.Stats(),
	)

	return errors.Join(errs...)
}
