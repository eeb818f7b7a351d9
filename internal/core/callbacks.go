package core

import (
	"context"
	"time"

	"github.com/care/presence/internal/broker"
	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/sink"
	"github.com/care/presence/internal/source"
	"github.com/care/presence/internal/tracker"
)

// Status aggregates the tracker snapshot with the I/O edges
type Status struct {
	InstanceID string          `json:"instance_id"`
	Tracker    tracker.Status  `json:"tracker"`
	Source     source.Stats    `json:"source"`
	Sink       sink.AsyncStats `json:"sink"`
	MQTT       *broker.Stats   `json:"mqtt,omitempty"`
}

// Status returns the full service status
func (p *Presence) Status() Status {
	st := Status{
		InstanceID: p.cfg.InstanceID,
		Tracker:    p.tracker.Status(),
		Source:     p.source.Stats(),
		Sink:       p.sink.Stats(),
	}
	if p.client != nil {
		stats := p.client.Stats()
		st.MQTT = &stats
	}
	return st
}

func (p *Presence) getStatus() interface{} {
	return p.Status()
}

func (p *Presence) getSessions() interface{} {
	return map[string]interface{}{
		"sessions": p.tracker.OpenSessions(),
	}
}

func (p *Presence) setTracking(track config.TrackConfig) error {
	p.tracker.SetTracking(track)
	return nil
}

// shutdownViaControl stops the run loop; main performs the graceful shutdown
func (p *Presence) shutdownViaControl() error {
	p.logger.Info("shutdown requested via control plane")

	p.mu.Lock()
	cancel := p.cancelCtx
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// logRecord is the fallback sink when nothing else is configured
func (p *Presence) logRecord(_ context.Context, rec session.Record) error {
	p.logger.Info("session closed",
		"session_id", rec.SessionID,
		"tracking_id", rec.TrackingID,
		"total_in_scene", time.Duration(rec.TotalInSceneS*float64(time.Second)),
		"height", rec.Height,
		"engaged", rec.Engaged,
		"happy", rec.Happy,
	)
	return nil
}
