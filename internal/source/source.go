// Package source delivers sensor events to the tracker.
//
// Two implementations exist: MQTTSource decodes events the sensor bridge
// publishes, MockSource synthesizes bodies walking in and out of the scene.
// Both also implement faceslot.Commander.
package source

import (
	"context"
	"time"

	"github.com/care/presence/internal/types"
)

// Source provides the four sensor event streams
type Source interface {
	// Start begins delivering events
	Start(ctx context.Context) error
	// Presence returns entry and departure notifications
	Presence() <-chan types.PresenceEvent
	// Poses returns per-body skeleton samples
	Poses() <-chan types.PoseSample
	// Faces returns face-analysis results
	Faces() <-chan types.FaceResult
	// Availability returns sensor connectivity changes
	Availability() <-chan types.AvailabilityEvent
	// Stop stops delivering events and closes the channels
	Stop() error
	// Stats returns source statistics
	Stats() Stats
}

// Stats contains source counters
type Stats struct {
	Type           string    `json:"type"`
	Connected      bool      `json:"connected"`
	PresenceEvents uint64    `json:"presence_events"`
	PoseSamples    uint64    `json:"pose_samples"`
	FaceResults    uint64    `json:"face_results"`
	DecodeErrors   uint64    `json:"decode_errors"`
	Dropped        uint64    `json:"dropped"`
	FaceSlot       uint64    `json:"face_slot"`
	StartedAt      time.Time `json:"started_at"`
}

// Buffer sizes for the event channels. Pose samples arrive at frame rate so
// they get the largest buffer.
const (
	presenceBuffer     = 32
	poseBuffer         = 256
	faceBuffer         = 64
	availabilityBuffer = 4
)
