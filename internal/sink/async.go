package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/presence/internal/session"
)

// ErrQueueFull is returned when the async queue has no room for a record.
var ErrQueueFull = errors.New("sink: queue full")

// writeTimeout bounds one downstream write
const writeTimeout = 10 * time.Second

// AsyncStats counts async sink outcomes
type AsyncStats struct {
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Async decouples the caller from a slow sink with a bounded queue and one worker.
// Write never blocks: when the queue is full the record is dropped and counted.
type Async struct {
	next   Sink
	queue  chan session.Record
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewAsync wraps next with a queue of the given size
func NewAsync(next Sink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Async{
		next:   next,
		queue:  make(chan session.Record, size),
		logger: logger.With("component", "sink"),
	}

	a.wg.Add(1)
	go a.run()

	return a
}

// Write enqueues rec
func (a *Async) Write(ctx context.Context, rec session.Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrSinkClosed
	}

	select {
	case a.queue <- rec:
		return nil
	default:
		a.dropped.Add(1)
		a.logger.Warn("sink queue full, dropping record",
			"session_id", rec.SessionID,
			"tracking_id", rec.TrackingID,
		)
		return ErrQueueFull
	}
}

// Close drains the queue, then closes the wrapped sink
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()

	a.logger.Info("sink drained",
		"written", a.written.Load(),
		"failed", a.failed.Load(),
		"dropped", a.dropped.Load(),
	)
	return a.next.Close()
}

// Stats returns the async counters
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Queued:  len(a.queue),
		Written: a.written.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
	}
}

func (a *Async) run() {
	defer a.wg.Done()

	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := a.next.Write(ctx, rec)
		cancel()

		if err != nil {
			a.failed.Add(1)
			a.logger.Error("failed to write session record",
				"session_id", rec.SessionID,
				"tracking_id", rec.TrackingID,
				"error", err,
			)
			continue
		}
		a.written.Add(1)

		a.logger.Debug("session record written",
			"session_id", rec.SessionID,
			"total_in_scene_s", rec.TotalInSceneS,
		)
	}
}
