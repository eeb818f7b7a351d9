// Package tracker owns the lifecycle of per-body sessions.
//
// A single event loop consumes the source's presence, pose, face and
// availability streams. Entries open a session and subscribe it to the
// router, samples are folded in by the aggregator, departures finalize the
// session, dispose its subscriptions and hand the record to the sink.
// The face-analysis slot is rotated among present bodies as face results
// come in.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/faceslot"
	"github.com/care/presence/internal/router"
	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/sink"
	"github.com/care/presence/internal/source"
	"github.com/care/presence/internal/types"
)

// Config parameterizes a tracker
type Config struct {
	// Site is stamped on every emitted record
	Site  string
	Track config.TrackConfig
}

// Option configures optional tracker collaborators
type Option func(*Tracker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithCommander overrides the face-slot commander.
// By default the source is used when it implements faceslot.Commander.
func WithCommander(cmd faceslot.Commander) Option {
	return func(t *Tracker) { t.commander = cmd }
}

// WithClock sets the time source used when an event carries no timestamp
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is the session lifecycle controller
type Tracker struct {
	site   string
	source source.Source
	sink   sink.Sink

	store     *session.Store
	router    *router.Router
	scheduler *faceslot.Scheduler
	commander faceslot.Commander

	logger *slog.Logger
	now    func() time.Time

	trackMu sync.RWMutex
	track   config.TrackConfig

	// untracked holds open bodies whose last pose had no confidently tracked joint.
	// Touched only by the event loop.
	untracked map[types.TrackingID]struct{}

	available atomic.Bool
	running   atomic.Bool
	started   time.Time
	counters  counters
}

type counters struct {
	entered           atomic.Uint64
	left              atomic.Uint64
	emitted           atomic.Uint64
	duplicateEntries  atomic.Uint64
	unknownDepartures atomic.Uint64
	ignoredEntries    atomic.Uint64
	unroutedPoses     atomic.Uint64
	unroutedFaces     atomic.Uint64
	sinkErrors        atomic.Uint64
}

// New creates a tracker reading from src and writing finalized sessions to snk.
// The sensor is assumed available until told otherwise.
func New(cfg Config, src source.Source, snk sink.Sink, opts ...Option) *Tracker {
	t := &Tracker{
		site:      cfg.Site,
		source:    src,
		sink:      snk,
		track:     cfg.Track,
		store:     session.NewStore(),
		router:    router.New(),
		untracked: make(map[types.TrackingID]struct{}),
		logger:    slog.Default(),
		now:       time.Now,
	}
	t.available.Store(true)

	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tracker")
	t.started = t.now()

	if t.commander == nil {
		if cmd, ok := src.(faceslot.Commander); ok {
			t.commander = cmd
		}
	}
	t.scheduler = faceslot.New(t.commander, t.logger)

	return t
}

// Run starts the source and processes its events until ctx is cancelled or
// every source channel is closed. Sessions still open when the loop exits
// are flushed to the sink.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("tracker is already running")
	}
	defer t.running.Store(false)

	if err := t.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	t.logger.Info("tracker started", "site", t.site)

	t.consume(ctx)

	flushed := t.Flush(context.Background(), t.now())
	t.logger.Info("tracker stopped",
		"flushed_sessions", flushed,
		"entered", t.counters.entered.Load(),
		"left", t.counters.left.Load(),
	)
	return nil
}

// consume is the event loop. Every core mutation happens on this goroutine.
func (t *Tracker) consume(ctx context.Context) {
	presence := t.source.Presence()
	poses := t.source.Poses()
	faces := t.source.Faces()
	availability := t.source.Availability()

	for presence != nil || poses != nil || faces != nil || availability != nil {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			t.HandlePresence(ev)

		case sample, ok := <-poses:
			if !ok {
				poses = nil
				continue
			}
			t.HandlePose(sample)

		case result, ok := <-faces:
			if !ok {
				faces = nil
				continue
			}
			t.HandleFace(result)

		case ev, ok := <-availability:
			if !ok {
				availability = nil
				continue
			}
			t.HandleAvailability(ev)
		}
	}

	t.logger.Info("source channels closed")
}

// SetTracking swaps the set of tracked attributes. Applies from the next sample.
func (t *Tracker) SetTracking(track config.TrackConfig) {
	t.trackMu.Lock()
	old := t.track
	t.track = track
	t.trackMu.Unlock()

	t.logger.Info("tracking configuration updated",
		"old", old,
		"new", track,
	)
}

// Tracking returns the active tracking configuration
func (t *Tracker) Tracking() config.TrackConfig {
	t.trackMu.RLock()
	defer t.trackMu.RUnlock()
	return t.track
}

// Running reports whether the event loop is active
func (t *Tracker) Running() bool {
	return t.running.Load()
}

// Available reports the last known sensor availability
func (t *Tracker) Available() bool {
	return t.available.Load()
}
