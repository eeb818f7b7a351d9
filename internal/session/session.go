// Package session holds per-body session state and the store of open sessions.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/care/presence/internal/geometry"
	"github.com/care/presence/internal/types"
)

// StatureRange is the running min/max of valid stature samples.
// Valid is false until the first valid sample and after every invalid one.
type StatureRange struct {
	Min   float64
	Max   float64
	Valid bool
}

// Observe folds one valid stature sample into the range
func (r StatureRange) Observe(v float64) StatureRange {
	if !r.Valid {
		return StatureRange{Min: v, Max: v, Valid: true}
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
	return r
}

// Midpoint returns the published stature, 0 when the range is unset
func (r StatureRange) Midpoint() float64 {
	if !r.Valid {
		return 0
	}
	return (r.Min + r.Max) / 2
}

// Session is the live record of one body's visit.
// Boolean attributes are latches: once true they stay true while the session is open.
type Session struct {
	ID         string
	TrackingID types.TrackingID
	EnteredAt  time.Time
	LeftAt     time.Time
	Duration   time.Duration

	LeftHandRaised  bool
	RightHandRaised bool
	Engaged         bool
	Happy           bool

	Stature StatureRange

	FirstLocation *types.Point
	LastLocation  *types.Point

	PoseSamples uint64
	FaceSamples uint64
}

// New creates an open session for a body that entered at enteredAt
func New(id types.TrackingID, enteredAt time.Time) Session {
	return Session{
		ID:         uuid.New().String(),
		TrackingID: id,
		EnteredAt:  enteredAt,
	}
}

// Finalize stamps the departure time and computes the dwell duration
func (s *Session) Finalize(leftAt time.Time) {
	s.LeftAt = leftAt
	s.Duration = leftAt.Sub(s.EnteredAt)
}

// Open reports whether the session has not been finalized
func (s Session) Open() bool {
	return s.LeftAt.IsZero()
}

// Record is the serializable view of a finalized session handed to sinks
type Record struct {
	SessionID       string    `json:"session_id"`
	Site            string    `json:"site"`
	TrackingID      uint64    `json:"tracking_id"`
	EnteredScene    time.Time `json:"entered_scene"`
	LeftScene       time.Time `json:"left_scene"`
	TotalInSceneS   float64   `json:"total_in_scene_s"`
	RightHandRaised bool      `json:"right_hand_raised"`
	LeftHandRaised  bool      `json:"left_hand_raised"`
	Engaged         bool      `json:"engaged"`
	Happy           bool      `json:"happy"`
	Height          float64   `json:"height"`
	MaxHeight       float64   `json:"max_height"`
	MinHeight       float64   `json:"min_height"`
	FirstLocation   string    `json:"first_location,omitempty"`
	LastLocation    string    `json:"last_location,omitempty"`
	PoseSamples     uint64    `json:"pose_samples"`
	FaceSamples     uint64    `json:"face_samples"`
}

// Record renders the session for sinks
func (s Session) Record(site string) Record {
	rec := Record{
		SessionID:       s.ID,
		Site:            site,
		TrackingID:      uint64(s.TrackingID),
		EnteredScene:    s.EnteredAt,
		LeftScene:       s.LeftAt,
		TotalInSceneS:   s.Duration.Seconds(),
		RightHandRaised: s.RightHandRaised,
		LeftHandRaised:  s.LeftHandRaised,
		Engaged:         s.Engaged,
		Happy:           s.Happy,
		Height:          s.Stature.Midpoint(),
		PoseSamples:     s.PoseSamples,
		FaceSamples:     s.FaceSamples,
	}
	if s.Stature.Valid {
		rec.MinHeight = s.Stature.Min
		rec.MaxHeight = s.Stature.Max
	}
	if s.FirstLocation != nil {
		rec.FirstLocation = geometry.FormatXYZ(*s.FirstLocation)
	}
	if s.LastLocation != nil {
		rec.LastLocation = geometry.FormatXYZ(*s.LastLocation)
	}
	return rec
}
