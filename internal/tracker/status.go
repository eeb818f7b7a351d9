package tracker

import (
	"time"

	"github.com/care/presence/internal/aggregator"
	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/faceslot"
	"github.com/care/presence/internal/router"
	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/types"
)

// Counters tracks lifecycle outcomes and protocol violations
type Counters struct {
	Entered           uint64 `json:"entered"`
	Left              uint64 `json:"left"`
	Emitted           uint64 `json:"emitted"`
	DuplicateEntries  uint64 `json:"duplicate_entries"`
	UnknownDepartures uint64 `json:"unknown_departures"`
	IgnoredEntries    uint64 `json:"ignored_entries"`
	UnroutedPoses     uint64 `json:"unrouted_poses"`
	UnroutedFaces     uint64 `json:"unrouted_faces"`
	SinkErrors        uint64 `json:"sink_errors"`
}

// Status is a point-in-time view of the tracker, safe to take from any goroutine
type Status struct {
	Site          string                `json:"site"`
	Running       bool                  `json:"running"`
	Available     bool                  `json:"available"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	OpenSessions  int                   `json:"open_sessions"`
	ActiveFace    types.TrackingID      `json:"active_face"`
	Counters      Counters              `json:"counters"`
	Router        router.Stats          `json:"router"`
	FaceSlot      faceslot.Stats        `json:"face_slot"`
	Tracking      config.TrackConfig    `json:"tracking"`
	Rules         []aggregator.RuleInfo `json:"rules"`
}

// Status returns a snapshot of the tracker state
func (t *Tracker) Status() Status {
	track := t.Tracking()

	return Status{
		Site:          t.site,
		Running:       t.Running(),
		Available:     t.Available(),
		UptimeSeconds: int64(t.now().Sub(t.started).Seconds()),
		OpenSessions:  t.store.Len(),
		ActiveFace:    t.scheduler.Active(),
		Counters:      t.Counters(),
		Router:        t.router.Stats(),
		FaceSlot:      t.scheduler.Stats(),
		Tracking:      track,
		Rules:         aggregator.Rules(track),
	}
}

// Counters returns the lifecycle counters
func (t *Tracker) Counters() Counters {
	return Counters{
		Entered:           t.counters.entered.Load(),
		Left:              t.counters.left.Load(),
		Emitted:           t.counters.emitted.Load(),
		DuplicateEntries:  t.counters.duplicateEntries.Load(),
		UnknownDepartures: t.counters.unknownDepartures.Load(),
		IgnoredEntries:    t.counters.ignoredEntries.Load(),
		UnroutedPoses:     t.counters.unroutedPoses.Load(),
		UnroutedFaces:     t.counters.unroutedFaces.Load(),
		SinkErrors:        t.counters.sinkErrors.Load(),
	}
}

// OpenSessions renders the open sessions as provisional records with the dwell so far
func (t *Tracker) OpenSessions() []session.Record {
	now := t.now()
	open := t.store.Snapshot()

	out := make([]session.Record, 0, len(open))
	for _, sess := range open {
		sess.Duration = now.Sub(sess.EnteredAt)
		out = append(out, sess.Record(t.site))
	}
	return out
}

// Session returns the open session for id
func (t *Tracker) Session(id types.TrackingID) (session.Session, error) {
	return t.store.Get(id)
}

// ActiveFace returns the body currently owning the face-analysis slot
func (t *Tracker) ActiveFace() types.TrackingID {
	return t.scheduler.Active()
}

// Subscriptions returns how many live subscriptions the body's session holds
func (t *Tracker) Subscriptions(id types.TrackingID) int {
	return t.store.Subscriptions(id)
}

// Uptime returns how long the tracker has existed
func (t *Tracker) Uptime() time.Duration {
	return t.now().Sub(t.started)
}
