// Package router composes the raw pose and face streams into per-body streams.
//
// Every raw sample is dispatched synchronously to the single handler subscribed
// for its tracking id. Samples with no subscriber are counted as unrouted and
// dropped; that is a protocol violation upstream, not an error here.
//
// Usage:
//
//	r := router.New()
//	defer r.Close()
//
//	sub, _ := r.PoseFor(7, func(s types.PoseSample) { ... })
//	defer sub.Close()
//
//	r.PublishPose(sample) // calls the handler if sample.TrackingID == 7
//
// Subscribe, Close and Publish are safe for concurrent use. A handler is never
// called after its subscription's Close has returned on the publishing goroutine.
package router

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/care/presence/internal/types"
)

var (
	// ErrRouterClosed is returned when subscribing to a closed router.
	ErrRouterClosed = errors.New("router: closed")

	// ErrSubscriberExists is returned when the id already has a handler on the stream.
	ErrSubscriberExists = errors.New("router: subscriber already exists for tracking id")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("router: nil handler")
)

// Stream identifies one of the raw input streams
type Stream int

const (
	StreamPose Stream = iota
	StreamFace
)

func (s Stream) String() string {
	if s == StreamFace {
		return "face"
	}
	return "pose"
}

// Subscription is a per-body handle on one stream
type Subscription struct {
	router *Router
	stream Stream
	id     types.TrackingID
	closed atomic.Bool

	pose func(types.PoseSample)
	face func(types.FaceResult)
}

// TrackingID returns the body this subscription filters on
func (s *Subscription) TrackingID() types.TrackingID { return s.id }

// Stream returns the stream this subscription listens to
func (s *Subscription) Stream() Stream { return s.stream }

// Close detaches the handler. Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.router.remove(s)
}

// Closed reports whether Close has been called
func (s *Subscription) Closed() bool { return s.closed.Load() }

// StreamStats counts dispatch outcomes for one stream
type StreamStats struct {
	Delivered   uint64 `json:"delivered"`
	Unrouted    uint64 `json:"unrouted"`
	Subscribers int    `json:"subscribers"`
}

// Stats is a snapshot of router counters
type Stats struct {
	Pose StreamStats `json:"pose"`
	Face StreamStats `json:"face"`
}

// Router fans raw samples out to per-tracking-id handlers
type Router struct {
	mu     sync.RWMutex
	subs   [2]map[types.TrackingID]*Subscription
	closed bool

	delivered [2]atomic.Uint64
	unrouted  [2]atomic.Uint64
}

// New creates an empty router
func New() *Router {
	return &Router{
		subs: [2]map[types.TrackingID]*Subscription{
			make(map[types.TrackingID]*Subscription),
			make(map[types.TrackingID]*Subscription),
		},
	}
}

// PoseFor subscribes handler to pose samples of body id
func (r *Router) PoseFor(id types.TrackingID, handler func(types.PoseSample)) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return r.add(&Subscription{router: r, stream: StreamPose, id: id, pose: handler})
}

// FaceFor subscribes handler to face results of body id
func (r *Router) FaceFor(id types.TrackingID, handler func(types.FaceResult)) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return r.add(&Subscription{router: r, stream: StreamFace, id: id, face: handler})
}

func (r *Router) add(sub *Subscription) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}

	subs := r.subs[sub.stream]
	if _, exists := subs[sub.id]; exists {
		return nil, ErrSubscriberExists
	}

	subs[sub.id] = sub
	return sub, nil
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	// Only delete if the slot still holds this subscription
	if current, ok := r.subs[sub.stream][sub.id]; ok && current == sub {
		delete(r.subs[sub.stream], sub.id)
	}
}

func (r *Router) lookup(stream Stream, id types.TrackingID) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil
	}
	return r.subs[stream][id]
}

// PublishPose dispatches a pose sample. Returns false if no handler matched.
func (r *Router) PublishPose(sample types.PoseSample) bool {
	sub := r.lookup(StreamPose, sample.TrackingID)
	if sub == nil || sub.Closed() {
		r.unrouted[StreamPose].Add(1)
		return false
	}

	// Handler runs without the lock held so it may subscribe or close
	sub.pose(sample)
	r.delivered[StreamPose].Add(1)
	return true
}

// PublishFace dispatches a face result. Returns false if no handler matched.
func (r *Router) PublishFace(result types.FaceResult) bool {
	sub := r.lookup(StreamFace, result.TrackingID)
	if sub == nil || sub.Closed() {
		r.unrouted[StreamFace].Add(1)
		return false
	}

	sub.face(result)
	r.delivered[StreamFace].Add(1)
	return true
}

// Stats returns a snapshot of dispatch counters
func (r *Router) Stats() Stats {
	r.mu.RLock()
	poseSubs, faceSubs := len(r.subs[StreamPose]), len(r.subs[StreamFace])
	r.mu.RUnlock()

	return Stats{
		Pose: StreamStats{
			Delivered:   r.delivered[StreamPose].Load(),
			Unrouted:    r.unrouted[StreamPose].Load(),
			Subscribers: poseSubs,
		},
		Face: StreamStats{
			Delivered:   r.delivered[StreamFace].Load(),
			Unrouted:    r.unrouted[StreamFace].Load(),
			Subscribers: faceSubs,
		},
	}
}

// Close drops every subscription. Subsequent publishes are unrouted.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	for stream := range r.subs {
		for _, sub := range r.subs[stream] {
			sub.closed.Store(true)
		}
		r.subs[stream] = map[types.TrackingID]*Subscription{}
	}
}
