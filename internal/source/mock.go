package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/geometry"
	"github.com/care/presence/internal/types"
)

// MockSource synthesizes bodies walking in and out of the scene.
// Face results are produced only for the body the face slot points at,
// like the real sensor.
type MockSource struct {
	cfg    config.MockConfig
	rng    *rand.Rand
	logger *slog.Logger

	presenceCh     chan types.PresenceEvent
	posesCh        chan types.PoseSample
	facesCh        chan types.FaceResult
	availabilityCh chan types.AvailabilityEvent
	stopCh         chan struct{}
	wg             sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	stopped   bool
	startTime time.Time
	runID     string
	bodies    []*mockBody
	nextID    types.TrackingID

	faceSlot       atomic.Uint64
	slotCommands   atomic.Uint64
	presenceEvents atomic.Uint64
	poseSamples    atomic.Uint64
	faceResults    atomic.Uint64
}

type mockBody struct {
	id      types.TrackingID
	stature float64
	origin  types.Point
	leaveAt time.Time

	leftUp  bool
	rightUp bool
	happy   bool
	engaged bool
}

// NewMockSource creates a mock sensor
func NewMockSource(cfg config.MockConfig, logger *slog.Logger) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &MockSource{
		cfg:            cfg,
		rng:            rand.New(rand.NewSource(seed)),
		logger:         logger.With("component", "mock_source"),
		presenceCh:     make(chan types.PresenceEvent, presenceBuffer),
		posesCh:        make(chan types.PoseSample, poseBuffer),
		facesCh:        make(chan types.FaceResult, faceBuffer),
		availabilityCh: make(chan types.AvailabilityEvent, availabilityBuffer),
		stopCh:         make(chan struct{}),
		nextID:         1,
	}
}

// Start begins generating events
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("source stopped")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.runID = uuid.New().String()
	m.mu.Unlock()

	m.logger.Info("mock source starting",
		"run_id", m.runID,
		"pose_fps", m.cfg.PoseFPS,
		"face_fps", m.cfg.FaceFPS,
		"max_bodies", m.cfg.MaxBodies,
	)

	m.wg.Add(1)
	go m.generate(ctx)

	return nil
}

// Presence returns the presence channel
func (m *MockSource) Presence() <-chan types.PresenceEvent { return m.presenceCh }

// Poses returns the pose channel
func (m *MockSource) Poses() <-chan types.PoseSample { return m.posesCh }

// Faces returns the face channel
func (m *MockSource) Faces() <-chan types.FaceResult { return m.facesCh }

// Availability returns the availability channel
func (m *MockSource) Availability() <-chan types.AvailabilityEvent { return m.availabilityCh }

// Stop stops the generator and closes the channels
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("mock source stopping")

	close(m.stopCh)
	m.wg.Wait()

	close(m.presenceCh)
	close(m.posesCh)
	close(m.facesCh)
	close(m.availabilityCh)

	m.mu.Lock()
	m.isRunning = false
	m.mu.Unlock()

	m.logger.Info("mock source stopped",
		"run_id", m.runID,
		"presence_events", m.presenceEvents.Load(),
		"duration", time.Since(m.startTime),
	)
	return nil
}

// SetFaceTrackingID points the synthetic face analysis at id
func (m *MockSource) SetFaceTrackingID(id types.TrackingID) error {
	m.faceSlot.Store(uint64(id))
	m.slotCommands.Add(1)
	return nil
}

// Stats returns source statistics
func (m *MockSource) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Type:           config.SourceMock,
		Connected:      m.isRunning,
		PresenceEvents: m.presenceEvents.Load(),
		PoseSamples:    m.poseSamples.Load(),
		FaceResults:    m.faceResults.Load(),
		FaceSlot:       m.slotCommands.Load(),
		StartedAt:      m.startTime,
	}
}

// generate runs the scene at the pose frame rate
func (m *MockSource) generate(ctx context.Context) {
	defer m.wg.Done()

	frameDuration := time.Second / time.Duration(m.cfg.PoseFPS)
	faceEvery := m.cfg.PoseFPS / m.cfg.FaceFPS
	if faceEvery < 1 {
		faceEvery = 1
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	if !send(ctx, m, m.availabilityCh, types.AvailabilityEvent{Available: true, Timestamp: time.Now()}) {
		return
	}

	// The first body walks in right away
	nextArrival := time.Now()
	frame := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if !m.departures(ctx, now) {
				return
			}
			if !now.Before(nextArrival) {
				if !m.arrive(ctx, now) {
					return
				}
				nextArrival = now.Add(m.exp(m.cfg.ArrivalEveryS))
			}
			if !m.poses(ctx, now) {
				return
			}
			frame++
			if frame%faceEvery == 0 && !m.face(ctx, now) {
				return
			}
		}
	}
}

func (m *MockSource) arrive(ctx context.Context, now time.Time) bool {
	m.mu.Lock()
	if len(m.bodies) >= m.cfg.MaxBodies {
		m.mu.Unlock()
		return true
	}
	b := &mockBody{
		id:      m.nextID,
		stature: 1.5 + m.rng.Float64()*0.4,
		origin:  types.Point{X: m.rng.Float64()*2 - 1, Y: 0, Z: 1.5 + m.rng.Float64()*2},
		leaveAt: now.Add(m.exp(m.cfg.MeanDwellS)),
		leftUp:  m.rng.Float64() < 0.2,
		rightUp: m.rng.Float64() < 0.3,
		happy:   m.rng.Float64() < 0.5,
		engaged: m.rng.Float64() < 0.6,
	}
	m.nextID++
	m.bodies = append(m.bodies, b)
	m.mu.Unlock()

	m.logger.Debug("mock body entered", "tracking_id", uint64(b.id), "stature", b.stature)

	if !send(ctx, m, m.presenceCh, types.PresenceEvent{Kind: types.Entered, TrackingID: b.id, Timestamp: now}) {
		return false
	}
	m.presenceEvents.Add(1)
	return true
}

func (m *MockSource) departures(ctx context.Context, now time.Time) bool {
	m.mu.Lock()
	var gone []*mockBody
	kept := m.bodies[:0]
	for _, b := range m.bodies {
		if now.Before(b.leaveAt) {
			kept = append(kept, b)
		} else {
			gone = append(gone, b)
		}
	}
	m.bodies = kept
	m.mu.Unlock()

	for _, b := range gone {
		if !send(ctx, m, m.presenceCh, types.PresenceEvent{Kind: types.Left, TrackingID: b.id, Timestamp: now}) {
			return false
		}
		m.presenceEvents.Add(1)
	}
	return true
}

func (m *MockSource) poses(ctx context.Context, now time.Time) bool {
	m.mu.RLock()
	bodies := make([]mockBody, len(m.bodies))
	for i, b := range m.bodies {
		bodies[i] = *b
	}
	m.mu.RUnlock()

	for _, b := range bodies {
		elapsed := now.Sub(m.startTime).Seconds()
		pos := b.origin
		pos.X += 0.2 * math.Sin(elapsed/3+float64(b.id))

		sample := types.PoseSample{
			TrackingID: b.id,
			Timestamp:  now,
			Joints:     Skeleton(b.stature, pos, b.leftUp, b.rightUp),
		}
		if !send(ctx, m, m.posesCh, sample) {
			return false
		}
		m.poseSamples.Add(1)
	}
	return true
}

func (m *MockSource) face(ctx context.Context, now time.Time) bool {
	id := types.TrackingID(m.faceSlot.Load())
	if id == types.NoTrackingID {
		return true
	}

	m.mu.RLock()
	var body *mockBody
	for _, b := range m.bodies {
		if b.id == id {
			body = b
			break
		}
	}
	m.mu.RUnlock()
	if body == nil {
		return true
	}

	result := types.FaceResult{
		TrackingID: id,
		Timestamp:  now,
		Attributes: map[types.FaceAttribute]types.DetectionResult{
			types.FaceHappy:   detection(body.happy),
			types.FaceEngaged: detection(body.engaged),
		},
	}
	if !send(ctx, m, m.facesCh, result) {
		return false
	}
	m.faceResults.Add(1)
	return true
}

// exp draws an exponential duration with the given mean in seconds
func (m *MockSource) exp(meanS float64) time.Duration {
	return time.Duration(m.rng.ExpFloat64() * meanS * float64(time.Second))
}

// Skeleton builds an upright body standing at pos whose geometric stature
// equals stature. Raised hands put the wrist above the elbow.
func Skeleton(stature float64, pos types.Point, leftUp, rightUp bool) types.Joints {
	head := stature - geometry.HeadDivergence
	hip := head * 0.48

	at := func(dx, y float64) types.Joint {
		return types.Joint{
			Position: types.Point{X: pos.X + dx, Y: y, Z: pos.Z},
			State:    types.Tracked,
		}
	}
	wrist := func(up bool) float64 {
		if up {
			return head * 0.95
		}
		return hip * 0.9
	}

	return types.Joints{
		types.JointHead:       at(0, head),
		types.JointNeck:       at(0, head*0.9),
		types.JointSpineMid:   at(0, head*0.7),
		types.JointSpineBase:  at(0, hip),
		types.JointHipLeft:    at(-0.1, hip),
		types.JointKneeLeft:   at(-0.1, hip*0.5),
		types.JointAnkleLeft:  at(-0.1, hip*0.08),
		types.JointFootLeft:   at(-0.1, 0),
		types.JointHipRight:   at(0.1, hip),
		types.JointKneeRight:  at(0.1, hip*0.5),
		types.JointAnkleRight: at(0.1, hip*0.08),
		types.JointFootRight:  at(0.1, 0),
		types.JointElbowLeft:  at(-0.3, head*0.65),
		types.JointWristLeft:  at(-0.35, wrist(leftUp)),
		types.JointElbowRight: at(0.3, head*0.65),
		types.JointWristRight: at(0.35, wrist(rightUp)),
	}
}

func detection(v bool) types.DetectionResult {
	if v {
		return types.Yes
	}
	return types.No
}

// send blocks until v is consumed, the source stops or ctx ends
func send[T any](ctx context.Context, m *MockSource, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}
