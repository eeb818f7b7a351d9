// Package sink persists finalized session records.
package sink

import (
	"context"
	"errors"

	"github.com/care/presence/internal/session"
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("sink: closed")

// Sink receives one record per finalized session
type Sink interface {
	Write(ctx context.Context, rec session.Record) error
	Close() error
}

// Func adapts a function to Sink. Close is a no-op.
type Func func(ctx context.Context, rec session.Record) error

// Write implements Sink
func (f Func) Write(ctx context.Context, rec session.Record) error { return f(ctx, rec) }

// Close implements Sink
func (f Func) Close() error { return nil }
