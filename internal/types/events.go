package types

import (
	"fmt"
	"time"
)

// PresenceKind distinguishes scene entry from scene departure
type PresenceKind int

const (
	Entered PresenceKind = iota
	Left
)

func (k PresenceKind) String() string {
	switch k {
	case Entered:
		return "entered"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("presence_kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k PresenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *PresenceKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "entered":
		*k = Entered
	case "left":
		*k = Left
	default:
		return fmt.Errorf("unknown presence kind %q", text)
	}
	return nil
}

// PresenceEvent reports a body entering or leaving the scene
type PresenceEvent struct {
	Kind       PresenceKind `json:"kind"`
	TrackingID TrackingID   `json:"tracking_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// FaceAttribute names a face property computed by the sensor
type FaceAttribute string

const (
	FaceHappy          FaceAttribute = "happy"
	FaceEngaged        FaceAttribute = "engaged"
	FaceLookingAway    FaceAttribute = "looking_away"
	FaceGlasses        FaceAttribute = "glasses"
	FaceLeftEyeClosed  FaceAttribute = "left_eye_closed"
	FaceRightEyeClosed FaceAttribute = "right_eye_closed"
	FaceMouthOpen      FaceAttribute = "mouth_open"
	FaceMouthMoved     FaceAttribute = "mouth_moved"
)

// DetectionResult is the tri-state outcome of a face property
type DetectionResult int

const (
	Unknown DetectionResult = iota
	No
	Yes
)

func (r DetectionResult) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case No:
		return "no"
	case Yes:
		return "yes"
	default:
		return fmt.Sprintf("detection_result(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler
func (r DetectionResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *DetectionResult) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unknown", "":
		*r = Unknown
	case "no":
		*r = No
	case "yes":
		*r = Yes
	default:
		return fmt.Errorf("unknown detection result %q", text)
	}
	return nil
}

// FaceResult is one face analysis result for the body the face slot points at
type FaceResult struct {
	TrackingID TrackingID                        `json:"tracking_id"`
	Timestamp  time.Time                         `json:"timestamp"`
	Attributes map[FaceAttribute]DetectionResult `json:"attributes"`
}

// Is reports whether the attribute was detected as Yes
func (f FaceResult) Is(attr FaceAttribute) bool {
	return f.Attributes[attr] == Yes
}

// AvailabilityEvent reports the sensor becoming available or unavailable
type AvailabilityEvent struct {
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}
