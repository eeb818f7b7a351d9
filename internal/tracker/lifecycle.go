package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/care/presence/internal/aggregator"
	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/types"
)

// HandlePresence processes an entry or departure notification
func (t *Tracker) HandlePresence(ev types.PresenceEvent) {
	at := t.stamp(ev.Timestamp)

	switch ev.Kind {
	case types.Entered:
		t.enter(ev.TrackingID, at)
	case types.Left:
		t.leave(context.Background(), ev.TrackingID, at)
	default:
		t.logger.Warn("unknown presence event kind, ignoring",
			"kind", ev.Kind,
			"tracking_id", uint64(ev.TrackingID),
		)
	}
}

// HandlePose routes a skeleton sample to its body's session
func (t *Tracker) HandlePose(sample types.PoseSample) {
	if !t.router.PublishPose(sample) {
		t.counters.unroutedPoses.Add(1)
		t.logger.Debug("pose sample for unknown body, ignoring",
			"tracking_id", uint64(sample.TrackingID),
		)
		return
	}

	if confident(sample.Joints) {
		delete(t.untracked, sample.TrackingID)
		// An idle slot is picked up by the first body seen tracked again
		t.scheduler.Enter(sample.TrackingID)
	} else {
		t.untracked[sample.TrackingID] = struct{}{}
	}
}

// HandleFace routes a face result to its body's session. A result for the body
// holding the face slot moves the slot to the next present body.
func (t *Tracker) HandleFace(result types.FaceResult) {
	if !t.router.PublishFace(result) {
		t.counters.unroutedFaces.Add(1)
		t.logger.Warn("face result for unknown body, ignoring",
			"tracking_id", uint64(result.TrackingID),
		)
		return
	}

	if result.TrackingID == t.scheduler.Active() {
		t.scheduler.Advance(t.present())
	}
}

// HandleAvailability records a sensor connectivity change.
// Open sessions are left open while the sensor is away.
func (t *Tracker) HandleAvailability(ev types.AvailabilityEvent) {
	if t.available.Swap(ev.Available) == ev.Available {
		return
	}

	if ev.Available {
		t.logger.Info("sensor available")
	} else {
		t.logger.Warn("sensor unavailable",
			"open_sessions", t.store.Len(),
		)
	}
}

// Flush finalizes every open session at the given time and emits it.
// Returns the number of sessions flushed. Must not run concurrently with the event loop.
func (t *Tracker) Flush(ctx context.Context, at time.Time) int {
	ids := t.store.IDs()
	for _, id := range ids {
		t.leave(ctx, id, at)
	}
	return len(ids)
}

func (t *Tracker) enter(id types.TrackingID, at time.Time) {
	if id == types.NoTrackingID {
		t.logger.Warn("entry without tracking id, ignoring")
		return
	}

	if !t.available.Load() {
		t.counters.ignoredEntries.Add(1)
		t.logger.Warn("entry while sensor unavailable, ignoring",
			"tracking_id", uint64(id),
		)
		return
	}

	sess, err := t.store.Create(id, at)
	if errors.Is(err, session.ErrSessionExists) {
		t.counters.duplicateEntries.Add(1)
		t.logger.Warn("duplicate entry for open session, ignoring",
			"tracking_id", uint64(id),
		)
		return
	}
	if err != nil {
		t.logger.Error("failed to open session", "tracking_id", uint64(id), "error", err)
		return
	}

	poseSub, err := t.router.PoseFor(id, func(s types.PoseSample) {
		t.observe(id, aggregator.PoseObservation(s))
	})
	if err != nil {
		t.abort(id, err)
		return
	}

	faceSub, err := t.router.FaceFor(id, func(r types.FaceResult) {
		t.observe(id, aggregator.FaceObservation(r))
	})
	if err != nil {
		poseSub.Close()
		t.abort(id, err)
		return
	}

	if err := t.store.Attach(id, poseSub, faceSub); err != nil {
		poseSub.Close()
		faceSub.Close()
		t.abort(id, err)
		return
	}

	t.counters.entered.Add(1)
	t.scheduler.Enter(id)

	t.logger.Info("body entered",
		"tracking_id", uint64(id),
		"session_id", sess.ID,
		"open_sessions", t.store.Len(),
	)
}

// abort drops a session that could not be fully wired
func (t *Tracker) abort(id types.TrackingID, err error) {
	t.store.Detach(id)
	t.store.Remove(id)
	t.logger.Error("failed to subscribe session, dropping",
		"tracking_id", uint64(id),
		"error", err,
	)
}

func (t *Tracker) leave(ctx context.Context, id types.TrackingID, at time.Time) {
	sess, err := t.store.Get(id)
	if err != nil {
		t.counters.unknownDepartures.Add(1)
		t.logger.Warn("departure for unknown body, ignoring",
			"tracking_id", uint64(id),
		)
		return
	}

	if at.Before(sess.EnteredAt) {
		t.logger.Warn("departure precedes entry, clamping",
			"tracking_id", uint64(id),
			"entered_at", sess.EnteredAt,
			"left_at", at,
		)
		at = sess.EnteredAt
	}

	// Subscriptions go first so no sample can touch the session after finalization.
	t.store.Detach(id)
	sess, err = t.store.Remove(id)
	if err != nil {
		return
	}
	sess.Finalize(at)
	delete(t.untracked, id)

	t.counters.left.Add(1)
	t.emit(ctx, sess)

	t.scheduler.Leave(id, t.successor())

	t.logger.Info("body left",
		"tracking_id", uint64(id),
		"session_id", sess.ID,
		"duration", sess.Duration,
		"open_sessions", t.store.Len(),
	)
}

func (t *Tracker) observe(id types.TrackingID, obs aggregator.Observation) {
	sess, err := t.store.Get(id)
	if err != nil {
		return
	}
	sess = aggregator.Apply(sess, t.Tracking(), obs)
	if err := t.store.Update(sess); err != nil {
		t.logger.Error("failed to update session", "tracking_id", uint64(id), "error", err)
	}
}

func (t *Tracker) emit(ctx context.Context, sess session.Session) {
	if t.sink == nil {
		return
	}

	if err := t.sink.Write(ctx, sess.Record(t.site)); err != nil {
		t.counters.sinkErrors.Add(1)
		t.logger.Error("failed to write session record",
			"tracking_id", uint64(sess.TrackingID),
			"session_id", sess.ID,
			"error", err,
		)
		return
	}
	t.counters.emitted.Add(1)
}

// present returns the open bodies eligible for the face slot, ascending
func (t *Tracker) present() []types.TrackingID {
	ids := t.store.IDs()
	out := ids[:0]
	for _, id := range ids {
		if _, lost := t.untracked[id]; !lost {
			out = append(out, id)
		}
	}
	return out
}

// successor picks the body taking over the face slot from a departing holder:
// the lowest tracked body, else the lowest open one, else none
func (t *Tracker) successor() types.TrackingID {
	if next := lowest(t.present()); next != types.NoTrackingID {
		return next
	}
	return lowest(t.store.IDs())
}

func (t *Tracker) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now()
	}
	return ts
}

func lowest(ids []types.TrackingID) types.TrackingID {
	if len(ids) == 0 {
		return types.NoTrackingID
	}
	return ids[0]
}

// confident reports whether any joint of the sample is fully tracked
func confident(joints types.Joints) bool {
	for _, j := range joints {
		if j.State == types.Tracked {
			return true
		}
	}
	return false
}
