package sink

import (
	"context"
	"errors"

	"github.com/care/presence/internal/session"
)

// Multi writes every record to each sink in order
type Multi []Sink

// Write fans rec out. All sinks are attempted; errors are joined.
func (m Multi) Write(ctx context.Context, rec session.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
