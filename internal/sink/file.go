package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/care/presence/internal/session"
)

// FilePrefix and FileLayout name the hourly analytics files: Analytics_2024030110.json
const (
	FilePrefix = "Analytics_"
	FileLayout = "2006010215"
)

// FileSink appends records to hourly JSON array files.
// The hour is taken from the record's departure time.
type FileSink struct {
	dir string
	loc *time.Location

	mu      sync.Mutex
	written uint64
}

// FileOption configures a FileSink
type FileOption func(*FileSink)

// WithLocation sets the time zone used to bucket records into hours (default: UTC)
func WithLocation(loc *time.Location) FileOption {
	return func(s *FileSink) { s.loc = loc }
}

// NewFileSink creates a sink writing under dir. The directory is created on first write.
func NewFileSink(dir string, opts ...FileOption) *FileSink {
	s := &FileSink{dir: dir, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the file a record departing at t belongs to
func (s *FileSink) Path(t time.Time) string {
	return filepath.Join(s.dir, FilePrefix+t.In(s.loc).Format(FileLayout)+".json")
}

// Write appends rec to its hourly file
func (s *FileSink) Write(ctx context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sink dir: %w", err)
	}

	path := s.Path(rec.LeftScene)

	records, err := ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	records = append(records, rec)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	s.written++
	return nil
}

// Written returns the number of records appended
func (s *FileSink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close implements Sink
func (s *FileSink) Close() error { return nil }

// ReadFile loads the records of one hourly file
func ReadFile(path string) ([]session.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []session.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, nil
}
