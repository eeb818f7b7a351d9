// Package faceslot shares the sensor's single face-analysis slot among present bodies.
//
// The scheduler holds one piece of state, the active tracking id. It advances
// round-robin over the present ids in ascending order, one step per face result
// of the active body. Every change is pushed to the sensor through a Commander.
package faceslot

import (
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/care/presence/internal/types"
)

// Commander points the sensor's face analysis at a body. Last write wins.
type Commander interface {
	SetFaceTrackingID(id types.TrackingID) error
}

// CommanderFunc adapts a function to Commander
type CommanderFunc func(types.TrackingID) error

// SetFaceTrackingID implements Commander
func (f CommanderFunc) SetFaceTrackingID(id types.TrackingID) error { return f(id) }

// Stats counts scheduler activity
type Stats struct {
	Active        types.TrackingID `json:"active"`
	Switches      uint64           `json:"switches"`
	CommandErrors uint64           `json:"command_errors"`
}

// Scheduler is mutated from a single goroutine. Active and Stats may be read from any goroutine.
type Scheduler struct {
	cmd    Commander
	logger *slog.Logger

	active        atomic.Uint64
	switches      atomic.Uint64
	commandErrors atomic.Uint64
}

// New creates a scheduler with no active body
func New(cmd Commander, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cmd:    cmd,
		logger: logger.With("component", "faceslot"),
	}
}

// Active returns the body currently owning the face slot, or NoTrackingID
func (s *Scheduler) Active() types.TrackingID {
	return types.TrackingID(s.active.Load())
}

// Stats returns a snapshot of scheduler counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Active:        s.Active(),
		Switches:      s.switches.Load(),
		CommandErrors: s.commandErrors.Load(),
	}
}

// Enter gives the slot to id if nobody holds it
func (s *Scheduler) Enter(id types.TrackingID) {
	if s.Active() == types.NoTrackingID {
		s.activate(id)
	}
}

// Advance moves the slot to the body after the active one among present.
// It is called once per face result of the active body. If no candidate
// exists the active id is kept.
func (s *Scheduler) Advance(present []types.TrackingID) types.TrackingID {
	current := s.Active()
	next := Next(present, current)
	if next == types.NoTrackingID {
		return current
	}
	if next != current {
		s.activate(next)
	}
	return next
}

// Leave hands the slot to next when id was the active body.
// next may be NoTrackingID when the scene is empty.
func (s *Scheduler) Leave(id, next types.TrackingID) {
	if s.Active() != id {
		return
	}
	s.activate(next)
}

func (s *Scheduler) activate(id types.TrackingID) {
	prev := types.TrackingID(s.active.Swap(uint64(id)))
	if prev == id {
		return
	}
	s.switches.Add(1)

	s.logger.Debug("face slot reassigned",
		"from", uint64(prev),
		"to", uint64(id),
	)

	if id == types.NoTrackingID || s.cmd == nil {
		return
	}

	if err := s.cmd.SetFaceTrackingID(id); err != nil {
		s.commandErrors.Add(1)
		s.logger.Warn("failed to redirect face analysis",
			"tracking_id", uint64(id),
			"error", err,
		)
	}
}

// Next returns the id following after in the ascending ordering of present,
// wrapping to the first. If after is not present the first id is returned.
// Returns NoTrackingID when present is empty.
func Next(present []types.TrackingID, after types.TrackingID) types.TrackingID {
	if len(present) == 0 {
		return types.NoTrackingID
	}

	ids := make([]types.TrackingID, len(present))
	copy(ids, present)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		if id == after {
			return ids[(i+1)%len(ids)]
		}
	}
	return ids[0]
}
