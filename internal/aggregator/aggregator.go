// Package aggregator folds per-body observations into session state.
//
// Apply is a pure transition driven by a rule table. Each rule carries a
// behavior tag:
//
//	Latch     boolean, once true stays true for the session
//	Range     running min/max published as the midpoint; an invalid sample resets it
//	FirstLast first valid value kept, last valid value overwritten
//
// A rule whose tracking flag is off is skipped before any evaluation.
package aggregator

import (
	"math"

	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/geometry"
	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/types"
)

// Behavior is how an attribute reacts to new observations
type Behavior int

const (
	Latch Behavior = iota
	Range
	FirstLast
)

func (b Behavior) String() string {
	switch b {
	case Latch:
		return "latch"
	case Range:
		return "range"
	case FirstLast:
		return "first_last"
	default:
		return "unknown"
	}
}

// Source is the stream an observation came from
type Source int

const (
	SourcePose Source = iota
	SourceFace
)

// Observation is one element of a body's composed stream: a pose sample or a face result
type Observation struct {
	Source Source
	Pose   types.PoseSample
	Face   types.FaceResult
}

// PoseObservation wraps a pose sample
func PoseObservation(s types.PoseSample) Observation {
	return Observation{Source: SourcePose, Pose: s}
}

// FaceObservation wraps a face result
func FaceObservation(f types.FaceResult) Observation {
	return Observation{Source: SourceFace, Face: f}
}

type rule struct {
	attribute string
	behavior  Behavior
	source    Source
	enabled   func(config.TrackConfig) bool

	// Latch
	latch func(Observation) bool
	flag  func(*session.Session) *bool

	// Range
	measure func(Observation) (float64, bool)
	rng     func(*session.Session) *session.StatureRange

	// FirstLast
	locate func(Observation) (types.Point, bool)
}

var rules = []rule{
	{
		attribute: "left_hand_raised",
		behavior:  Latch,
		source:    SourcePose,
		enabled:   func(c config.TrackConfig) bool { return c.LeftHandRaised },
		latch:     handRaised(types.JointWristLeft, types.JointElbowLeft),
		flag:      func(s *session.Session) *bool { return &s.LeftHandRaised },
	},
	{
		attribute: "right_hand_raised",
		behavior:  Latch,
		source:    SourcePose,
		enabled:   func(c config.TrackConfig) bool { return c.RightHandRaised },
		latch:     handRaised(types.JointWristRight, types.JointElbowRight),
		flag:      func(s *session.Session) *bool { return &s.RightHandRaised },
	},
	{
		attribute: "height",
		behavior:  Range,
		source:    SourcePose,
		enabled:   func(c config.TrackConfig) bool { return c.Height },
		measure:   stature,
		rng:       func(s *session.Session) *session.StatureRange { return &s.Stature },
	},
	{
		attribute: "position",
		behavior:  FirstLast,
		source:    SourcePose,
		enabled:   func(c config.TrackConfig) bool { return c.Position },
		locate:    spineBase,
	},
	{
		attribute: "engaged",
		behavior:  Latch,
		source:    SourceFace,
		enabled:   func(c config.TrackConfig) bool { return c.Engaged },
		latch:     faceIs(types.FaceEngaged),
		flag:      func(s *session.Session) *bool { return &s.Engaged },
	},
	{
		attribute: "happy",
		behavior:  Latch,
		source:    SourceFace,
		enabled:   func(c config.TrackConfig) bool { return c.Happy },
		latch:     faceIs(types.FaceHappy),
		flag:      func(s *session.Session) *bool { return &s.Happy },
	},
}

// Apply folds one observation into s according to cfg and returns the new state
func Apply(s session.Session, cfg config.TrackConfig, obs Observation) session.Session {
	switch obs.Source {
	case SourcePose:
		s.PoseSamples++
	case SourceFace:
		s.FaceSamples++
	}

	for i := range rules {
		r := &rules[i]
		if r.source != obs.Source || !r.enabled(cfg) {
			continue
		}

		switch r.behavior {
		case Latch:
			if f := r.flag(&s); !*f && r.latch(obs) {
				*f = true
			}

		case Range:
			current := r.rng(&s)
			if v, ok := r.measure(obs); ok {
				*current = current.Observe(v)
			} else {
				*current = session.StatureRange{}
			}

		case FirstLast:
			p, ok := r.locate(obs)
			if !ok {
				continue
			}
			if s.FirstLocation == nil {
				first := p
				s.FirstLocation = &first
			}
			last := p
			s.LastLocation = &last
		}
	}

	return s
}

// RuleInfo describes one tracked attribute
type RuleInfo struct {
	Attribute string `json:"attribute"`
	Behavior  string `json:"behavior"`
	Enabled   bool   `json:"enabled"`
}

// Rules lists the attribute table with the enabled state under cfg
func Rules(cfg config.TrackConfig) []RuleInfo {
	out := make([]RuleInfo, len(rules))
	for i, r := range rules {
		out[i] = RuleInfo{
			Attribute: r.attribute,
			Behavior:  r.behavior.String(),
			Enabled:   r.enabled(cfg),
		}
	}
	return out
}

func handRaised(wrist, elbow types.JointName) func(Observation) bool {
	return func(obs Observation) bool {
		j := obs.Pose.Joints
		if !j.Located(wrist) || !j.Located(elbow) {
			return false
		}
		return geometry.HandRaised(j[wrist], j[elbow])
	}
}

func stature(obs Observation) (float64, bool) {
	if !geometry.StatureTracked(obs.Pose.Joints) {
		return 0, false
	}
	v := geometry.Stature(obs.Pose.Joints)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func spineBase(obs Observation) (types.Point, bool) {
	j := obs.Pose.Joints
	if !j.Located(types.JointSpineBase) {
		return types.Point{}, false
	}
	return j[types.JointSpineBase].Position, true
}

func faceIs(attr types.FaceAttribute) func(Observation) bool {
	return func(obs Observation) bool {
		return obs.Face.Is(attr)
	}
}
