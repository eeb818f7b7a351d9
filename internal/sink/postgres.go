package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/care/presence/internal/session"
)

const createSessionsTable = `CREATE TABLE IF NOT EXISTS sessions (
	id SERIAL PRIMARY KEY,
	session_id UUID NOT NULL UNIQUE,
	site VARCHAR(255) NOT NULL,
	tracking_id NUMERIC(20, 0) NOT NULL,
	entered_scene TIMESTAMP WITH TIME ZONE NOT NULL,
	left_scene TIMESTAMP WITH TIME ZONE NOT NULL,
	total_in_scene_s DOUBLE PRECISION NOT NULL,
	right_hand_raised BOOLEAN NOT NULL,
	left_hand_raised BOOLEAN NOT NULL,
	engaged BOOLEAN NOT NULL,
	happy BOOLEAN NOT NULL,
	height DOUBLE PRECISION NOT NULL,
	max_height DOUBLE PRECISION NOT NULL,
	min_height DOUBLE PRECISION NOT NULL,
	first_location VARCHAR(64),
	last_location VARCHAR(64),
	pose_samples BIGINT NOT NULL,
	face_samples BIGINT NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
)`

const createSessionsIndex = `CREATE INDEX IF NOT EXISTS idx_sessions_site_left ON sessions (site, left_scene)`

const insertSession = `INSERT INTO sessions (
	session_id, site, tracking_id, entered_scene, left_scene, total_in_scene_s,
	right_hand_raised, left_hand_raised, engaged, happy,
	height, max_height, min_height, first_location, last_location,
	pose_samples, face_samples
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (session_id) DO NOTHING`

// PostgresSink inserts records into the sessions table
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects to dsn and creates the schema if missing
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	for _, q := range []string{createSessionsTable, createSessionsIndex} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf("error creating tables: %w", err)
		}
	}

	return &PostgresSink{db: db}, nil
}

// Write inserts rec. A record already stored under the same session id is skipped.
func (s *PostgresSink) Write(ctx context.Context, rec session.Record) error {
	if _, err := s.db.ExecContext(ctx, insertSession, recordArgs(rec)...); err != nil {
		return fmt.Errorf("error inserting session: %w", err)
	}
	return nil
}

// Close closes the database handle
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func recordArgs(rec session.Record) []any {
	return []any{
		rec.SessionID,
		rec.Site,
		strconv.FormatUint(rec.TrackingID, 10),
		rec.EnteredScene,
		rec.LeftScene,
		rec.TotalInSceneS,
		rec.RightHandRaised,
		rec.LeftHandRaised,
		rec.Engaged,
		rec.Happy,
		rec.Height,
		rec.MaxHeight,
		rec.MinHeight,
		nullString(rec.FirstLocation),
		nullString(rec.LastLocation),
		int64(rec.PoseSamples),
		int64(rec.FaceSamples),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
