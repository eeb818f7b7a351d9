package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/source"
	"github.com/care/presence/internal/types"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	presence     chan types.PresenceEvent
	poses        chan types.PoseSample
	faces        chan types.FaceResult
	availability chan types.AvailabilityEvent
	started      bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		presence:     make(chan types.PresenceEvent, 16),
		poses:        make(chan types.PoseSample, 16),
		faces:        make(chan types.FaceResult, 16),
		availability: make(chan types.AvailabilityEvent, 4),
	}
}

func (f *fakeSource) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeSource) Presence() <-chan types.PresenceEvent { return f.presence }
func (f *fakeSource) Poses() <-chan types.PoseSample { return f.poses }
func (f *fakeSource) Faces() <-chan types.FaceResult { return f.faces }
func (f *fakeSource) Availability() <-chan types.AvailabilityEvent { return f.availability }
func (f *fakeSource) Stop() error { return nil }
func (f *fakeSource) Stats() source.Stats { return source.Stats{Type: "fake"} }

func (f *fakeSource) closeAll() {
	close(f.presence)
	close(f.poses)
	close(f.faces)
	close(f.availability)
}

type recordingSink struct {
	mu      sync.Mutex
	records []session.Record
	err     error
}

func (s *recordingSink) Write(ctx context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) all() []session.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Record, len(s.records))
	copy(out, s.records)
	return out
}

type commandLog struct {
	ids []types.TrackingID
}

func (c *commandLog) SetFaceTrackingID(id types.TrackingID) error {
	c.ids = append(c.ids, id)
	return nil
}

func newTracker(track config.TrackConfig) (*Tracker, *recordingSink, *commandLog) {
	snk := &recordingSink{}
	cmd := &commandLog{}
	tr := New(Config{Site: "lobby", Track: track}, newFakeSource(), snk,
		WithCommander(cmd),
		WithClock(func() time.Time { return t0.Add(time.Hour) }),
	)
	return tr, snk, cmd
}

func entered(id types.TrackingID, at time.Time) types.PresenceEvent {
	return types.PresenceEvent{Kind: types.Entered, TrackingID: id, Timestamp: at}
}

func left(id types.TrackingID, at time.Time) types.PresenceEvent {
	return types.PresenceEvent{Kind: types.Left, TrackingID: id, Timestamp: at}
}

func faceFor(id types.TrackingID) types.FaceResult {
	return types.FaceResult{TrackingID: id, Timestamp: t0}
}

func tracked(x, y, z float64) types.Joint {
	return types.Joint{Position: types.Point{X: x, Y: y, Z: z}, State: types.Tracked}
}

func rightHandRaised(id types.TrackingID) types.PoseSample {
	return types.PoseSample{
		TrackingID: id,
		Timestamp:  t0,
		Joints: types.Joints{
			types.JointElbowRight: tracked(0.3, 1.1, 2),
			types.JointWristRight: tracked(0.3, 1.5, 2),
		},
	}
}

func TestDuplicateEntryIgnored(t *testing.T) {
	tr, _, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(7, t0))
	first, err := tr.Session(7)
	if err != nil {
		t.Fatalf("Expected open session for 7: %v", err)
	}

	tr.HandlePresence(entered(7, t0.Add(5*time.Second)))

	second, err := tr.Session(7)
	if err != nil {
		t.Fatalf("Expected session for 7 to survive duplicate entry: %v", err)
	}
	if second.ID != first.ID || !second.EnteredAt.Equal(t0) {
		t.Errorf("Expected original session kept, got %+v", second)
	}
	if n := tr.Subscriptions(7); n != 2 {
		t.Errorf("Expected 2 subscriptions, got %d", n)
	}
	if c := tr.Counters(); c.DuplicateEntries != 1 || c.Entered != 1 {
		t.Errorf("Expected 1 entered and 1 duplicate, got %+v", c)
	}
}

func TestUnknownDepartureDoesNotMutate(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(1, t0))
	tr.HandlePresence(left(99, t0.Add(time.Second)))

	if tr.Status().OpenSessions != 1 {
		t.Errorf("Expected 1 open session, got %d", tr.Status().OpenSessions)
	}
	if _, err := tr.Session(1); err != nil {
		t.Errorf("Expected session 1 untouched: %v", err)
	}
	if len(snk.all()) != 0 {
		t.Errorf("Expected no records, got %d", len(snk.all()))
	}
	if tr.Counters().UnknownDepartures != 1 {
		t.Errorf("Expected 1 unknown departure, got %d", tr.Counters().UnknownDepartures)
	}
}

// TestDepartureIdempotent verifies a repeated Left emits once and disposes subscriptions.
func TestDepartureIdempotent(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(5, t0))
	tr.HandlePresence(left(5, t0.Add(2*time.Second)))
	tr.HandlePresence(left(5, t0.Add(3*time.Second)))

	if got := len(snk.all()); got != 1 {
		t.Fatalf("Expected exactly 1 record, got %d", got)
	}
	if n := tr.Subscriptions(5); n != 0 {
		t.Errorf("Expected 0 subscriptions after departure, got %d", n)
	}

	tr.HandlePose(rightHandRaised(5))
	if c := tr.Counters(); c.UnroutedPoses != 1 {
		t.Errorf("Expected late sample to be unrouted, got %+v", c)
	}
	if tr.Status().Router.Pose.Subscribers != 0 || tr.Status().Router.Face.Subscribers != 0 {
		t.Errorf("Expected router empty, got %+v", tr.Status().Router)
	}
}

func TestExactDuration(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(11, t0))
	tr.HandlePresence(left(11, t0.Add(37250*time.Millisecond)))

	recs := snk.all()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.TotalInSceneS != 37.25 {
		t.Errorf("Expected 37.25s, got %v", rec.TotalInSceneS)
	}
	if !rec.EnteredScene.Equal(t0) || !rec.LeftScene.Equal(t0.Add(37250*time.Millisecond)) {
		t.Errorf("Unexpected timestamps %v..%v", rec.EnteredScene, rec.LeftScene)
	}
	if rec.Site != "lobby" || rec.TrackingID != 11 || rec.SessionID == "" {
		t.Errorf("Unexpected record identity %+v", rec)
	}
}

func TestDepartureBeforeEntryClamped(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(2, t0))
	tr.HandlePresence(left(2, t0.Add(-time.Second)))

	recs := snk.all()
	if len(recs) != 1 || recs[0].TotalInSceneS != 0 {
		t.Errorf("Expected one zero-length record, got %+v", recs)
	}
}

func TestSamplesAggregated(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(4, t0))
	tr.HandlePose(rightHandRaised(4))
	tr.HandleFace(types.FaceResult{
		TrackingID: 4,
		Timestamp:  t0,
		Attributes: map[types.FaceAttribute]types.DetectionResult{types.FaceHappy: types.Yes},
	})
	tr.HandlePresence(left(4, t0.Add(time.Second)))

	rec := snk.all()[0]
	if !rec.RightHandRaised || rec.LeftHandRaised {
		t.Errorf("Expected right hand raised only, got %+v", rec)
	}
	if !rec.Happy || rec.Engaged {
		t.Errorf("Expected happy only, got %+v", rec)
	}
	if rec.PoseSamples != 1 || rec.FaceSamples != 1 {
		t.Errorf("Expected 1 pose and 1 face sample, got %d and %d", rec.PoseSamples, rec.FaceSamples)
	}
}

func TestSetTrackingApplies(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.SetTracking(config.TrackConfig{Happy: true})
	tr.HandlePresence(entered(4, t0))
	tr.HandlePose(rightHandRaised(4))
	tr.HandlePresence(left(4, t0.Add(time.Second)))

	if snk.all()[0].RightHandRaised {
		t.Error("Expected disabled attribute not to latch")
	}
	if tr.Status().Tracking.RightHandRaised {
		t.Error("Expected status to report updated tracking")
	}
}

// TestFaceSlotRoundRobin verifies the slot cycles through present bodies in ascending order.
func TestFaceSlotRoundRobin(t *testing.T) {
	tr, _, cmd := newTracker(config.TrackAll())

	tr.HandlePresence(entered(3, t0))
	tr.HandlePresence(entered(1, t0))
	tr.HandlePresence(entered(2, t0))

	if tr.ActiveFace() != 3 {
		t.Fatalf("Expected first entrant 3 active, got %d", tr.ActiveFace())
	}

	// Results for inactive bodies are aggregated but do not rotate the slot
	tr.HandleFace(faceFor(2))
	if tr.ActiveFace() != 3 {
		t.Errorf("Expected slot unchanged, got %d", tr.ActiveFace())
	}

	var visited []types.TrackingID
	for i := 0; i < 6; i++ {
		tr.HandleFace(faceFor(tr.ActiveFace()))
		visited = append(visited, tr.ActiveFace())
	}

	want := []types.TrackingID{1, 2, 3, 1, 2, 3}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, visited)
		}
	}
	if len(cmd.ids) != 7 || cmd.ids[0] != 3 {
		t.Errorf("Expected 7 commands starting with 3, got %v", cmd.ids)
	}
}

func TestFaceSlotSkipsUntrackedBody(t *testing.T) {
	tr, _, _ := newTracker(config.TrackAll())

	for _, id := range []types.TrackingID{1, 2, 3} {
		tr.HandlePresence(entered(id, t0))
	}
	tr.HandlePose(types.PoseSample{TrackingID: 2, Timestamp: t0, Joints: types.Joints{
		types.JointHead: {Position: types.Point{Y: 1.7}, State: types.Inferred},
	}})

	tr.HandleFace(faceFor(1))
	if tr.ActiveFace() != 3 {
		t.Errorf("Expected untracked 2 skipped, got %d", tr.ActiveFace())
	}

	tr.HandlePose(rightHandRaised(2))
	tr.HandleFace(faceFor(3))
	tr.HandleFace(faceFor(1))
	if tr.ActiveFace() != 2 {
		t.Errorf("Expected 2 back in rotation, got %d", tr.ActiveFace())
	}
}

func TestActiveDepartureHandsSlotToLowest(t *testing.T) {
	tr, _, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(8, t0))
	tr.HandlePresence(entered(6, t0))
	tr.HandlePresence(entered(4, t0))

	tr.HandlePresence(left(6, t0.Add(time.Second)))
	if tr.ActiveFace() != 8 {
		t.Errorf("Expected inactive departure to keep slot on 8, got %d", tr.ActiveFace())
	}

	tr.HandlePresence(left(8, t0.Add(time.Second)))
	if tr.ActiveFace() != 4 {
		t.Errorf("Expected slot on lowest remaining 4, got %d", tr.ActiveFace())
	}

	tr.HandlePresence(left(4, t0.Add(time.Second)))
	if tr.ActiveFace() != types.NoTrackingID {
		t.Errorf("Expected empty slot, got %d", tr.ActiveFace())
	}

	tr.HandlePresence(entered(9, t0.Add(2*time.Second)))
	if tr.ActiveFace() != 9 {
		t.Errorf("Expected new entrant to take the idle slot, got %d", tr.ActiveFace())
	}
}

func untrackedPose(id types.TrackingID) types.PoseSample {
	return types.PoseSample{TrackingID: id, Timestamp: t0, Joints: types.Joints{
		types.JointHead: {Position: types.Point{Y: 1.7}, State: types.Inferred},
	}}
}

func TestActiveDepartureKeepsSlotWithUntrackedBody(t *testing.T) {
	tr, _, cmd := newTracker(config.TrackAll())

	tr.HandlePresence(entered(1, t0))
	tr.HandlePresence(entered(2, t0))
	tr.HandlePose(untrackedPose(2))

	tr.HandlePresence(left(1, t0.Add(time.Second)))
	if tr.ActiveFace() != 2 {
		t.Fatalf("Expected slot handed to open body 2, got %d", tr.ActiveFace())
	}

	tr.HandlePose(rightHandRaised(2))
	tr.HandleFace(types.FaceResult{
		TrackingID: 2,
		Timestamp:  t0,
		Attributes: map[types.FaceAttribute]types.DetectionResult{types.FaceHappy: types.Yes},
	})
	if tr.ActiveFace() != 2 {
		t.Errorf("Expected slot to stay on 2, got %d", tr.ActiveFace())
	}
	sess, err := tr.Session(2)
	if err != nil {
		t.Fatalf("Expected session for 2: %v", err)
	}
	if !sess.Happy {
		t.Error("Expected face result applied to 2")
	}
	if last := cmd.ids[len(cmd.ids)-1]; last != 2 {
		t.Errorf("Expected last command for 2, got %v", cmd.ids)
	}
}

func TestIdleSlotTakenByRetrackedBody(t *testing.T) {
	tr, _, cmd := newTracker(config.TrackAll())

	tr.HandlePresence(entered(1, t0))
	tr.HandlePresence(left(1, t0.Add(time.Second)))
	if tr.ActiveFace() != types.NoTrackingID {
		t.Fatalf("Expected idle slot, got %d", tr.ActiveFace())
	}

	// Idle slot with an open body: only reachable through a scheduler reset
	tr.HandlePresence(entered(5, t0.Add(2*time.Second)))
	tr.scheduler.Leave(5, types.NoTrackingID)
	if tr.ActiveFace() != types.NoTrackingID {
		t.Fatalf("Expected idle slot, got %d", tr.ActiveFace())
	}

	tr.HandlePose(untrackedPose(5))
	if tr.ActiveFace() != types.NoTrackingID {
		t.Errorf("Expected untracked pose to leave the slot idle, got %d", tr.ActiveFace())
	}

	tr.HandlePose(rightHandRaised(5))
	if tr.ActiveFace() != 5 {
		t.Errorf("Expected tracked body 5 to take the idle slot, got %d", tr.ActiveFace())
	}
	if last := cmd.ids[len(cmd.ids)-1]; last != 5 {
		t.Errorf("Expected last command for 5, got %v", cmd.ids)
	}
}

func TestUnavailableSensor(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())

	tr.HandlePresence(entered(1, t0))
	tr.HandleAvailability(types.AvailabilityEvent{Available: false, Timestamp: t0})
	tr.HandlePresence(entered(2, t0))

	if tr.Available() {
		t.Error("Expected sensor reported unavailable")
	}
	if _, err := tr.Session(2); err == nil {
		t.Error("Expected entry ignored while unavailable")
	}
	if _, err := tr.Session(1); err != nil {
		t.Errorf("Expected open session kept: %v", err)
	}
	if tr.Counters().IgnoredEntries != 1 {
		t.Errorf("Expected 1 ignored entry, got %d", tr.Counters().IgnoredEntries)
	}

	tr.HandleAvailability(types.AvailabilityEvent{Available: true, Timestamp: t0})
	tr.HandlePresence(entered(2, t0))
	if _, err := tr.Session(2); err != nil {
		t.Errorf("Expected entry accepted once available: %v", err)
	}
	if len(snk.all()) != 0 {
		t.Errorf("Expected no records, got %d", len(snk.all()))
	}
}

func TestSinkErrorCounted(t *testing.T) {
	tr, snk, _ := newTracker(config.TrackAll())
	snk.err = errors.New("disk full")

	tr.HandlePresence(entered(1, t0))
	tr.HandlePresence(left(1, t0.Add(time.Second)))

	c := tr.Counters()
	if c.SinkErrors != 1 || c.Emitted != 0 || c.Left != 1 {
		t.Errorf("Unexpected counters %+v", c)
	}
	if tr.Status().OpenSessions != 0 {
		t.Error("Expected session removed despite sink failure")
	}
}

func TestOpenSessionsDwell(t *testing.T) {
	tr, _, _ := newTracker(config.TrackAll())
	tr.HandlePresence(entered(1, t0.Add(59*time.Minute)))

	open := tr.OpenSessions()
	if len(open) != 1 {
		t.Fatalf("Expected 1 open session, got %d", len(open))
	}
	if open[0].TotalInSceneS != 60 {
		t.Errorf("Expected 60s dwell so far, got %v", open[0].TotalInSceneS)
	}
}

// TestRunFlushesOnClose drives the event loop through a source and checks shutdown flushing.
func TestRunFlushesOnClose(t *testing.T) {
	src := newFakeSource()
	snk := &recordingSink{}
	end := t0.Add(time.Hour)
	tr := New(Config{Site: "lobby", Track: config.TrackAll()}, src, snk,
		WithClock(func() time.Time { return end }),
	)

	src.presence <- entered(1, t0)
	src.presence <- entered(2, t0)
	src.presence <- left(1, t0.Add(10*time.Second))
	src.closeAll()

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after source closed")
	}

	if !src.started {
		t.Error("Expected source started")
	}

	recs := snk.all()
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].TrackingID != 1 || recs[0].TotalInSceneS != 10 {
		t.Errorf("Unexpected first record %+v", recs[0])
	}
	if recs[1].TrackingID != 2 || !recs[1].LeftScene.Equal(end) {
		t.Errorf("Expected 2 flushed at shutdown, got %+v", recs[1])
	}
	if tr.Running() {
		t.Error("Expected tracker stopped")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := newFakeSource()
	tr := New(Config{Site: "lobby"}, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
