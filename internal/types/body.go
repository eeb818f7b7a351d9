package types

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
)

// TrackingID is the opaque body identifier assigned by the sensor.
// It is unique among concurrently present bodies.
type TrackingID uint64

// NoTrackingID is the "none" sentinel. The sensor never assigns 0 to a tracked body.
const NoTrackingID TrackingID = 0

// JointName identifies a skeleton joint
type JointName string

const (
	JointHead       JointName = "head"
	JointNeck       JointName = "neck"
	JointSpineMid   JointName = "spine_mid"
	JointSpineBase  JointName = "spine_base"
	JointHipLeft    JointName = "hip_left"
	JointKneeLeft   JointName = "knee_left"
	JointAnkleLeft  JointName = "ankle_left"
	JointFootLeft   JointName = "foot_left"
	JointHipRight   JointName = "hip_right"
	JointKneeRight  JointName = "knee_right"
	JointAnkleRight JointName = "ankle_right"
	JointFootRight  JointName = "foot_right"
	JointElbowLeft  JointName = "elbow_left"
	JointWristLeft  JointName = "wrist_left"
	JointElbowRight JointName = "elbow_right"
	JointWristRight JointName = "wrist_right"
)

// TrackingState is the sensor's confidence in a joint position
type TrackingState int

const (
	NotTracked TrackingState = iota
	Inferred
	Tracked
)

var trackingStateNames = map[TrackingState]string{
	NotTracked: "not_tracked",
	Inferred:   "inferred",
	Tracked:    "tracked",
}

func (s TrackingState) String() string {
	if name, ok := trackingStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("tracking_state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s TrackingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *TrackingState) UnmarshalText(text []byte) error {
	for state, name := range trackingStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown tracking state %q", text)
}

// Point is a camera-space position in meters
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vector converts the point to an r3 vector for geometry
func (p Point) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// Joint is a single skeleton joint as reported by the sensor
type Joint struct {
	Position Point         `json:"position"`
	State    TrackingState `json:"state"`
}

// Joints maps joint names to their last reported position
type Joints map[JointName]Joint

// Tracked reports whether the joint is present and confidently tracked
func (j Joints) Tracked(name JointName) bool {
	joint, ok := j[name]
	return ok && joint.State == Tracked
}

// Located reports whether the joint is present and at least inferred
func (j Joints) Located(name JointName) bool {
	joint, ok := j[name]
	return ok && joint.State != NotTracked
}

// PoseSample is one body frame for a single tracked body
type PoseSample struct {
	TrackingID TrackingID `json:"tracking_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Joints     Joints     `json:"joints"`
}
