// Package db keeps a SQLite ledger of acquisition sessions: one row per
// session plus one row per camera with its expected and written counts.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/mesofield/internal/coordinator"
)

// ErrNotFound is returned when a session id is not in the ledger.
var ErrNotFound = errors.New("session not found")

type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the ledger at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps PRAGMAs in force and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// CameraRecord is one camera's row of a session.
type CameraRecord struct {
	Position         int     `json:"position"`
	Camera           string  `json:"camera"`
	Path             string  `json:"path"`
	FrameCount       int     `json:"frame_count"`
	Channels         int     `json:"channels"`
	Expected         int     `json:"expected"`
	Drained          int     `json:"drained"`
	Written          int     `json:"written"`
	Failed           int     `json:"failed"`
	Stragglers       int     `json:"stragglers"`
	Extras           int     `json:"extras"`
	Overflowed       bool    `json:"overflowed"`
	MeasuredFPS      float64 `json:"measured_fps"`
	MeanIntervalMS   float64 `json:"mean_interval_ms"`
	StdDevIntervalMS float64 `json:"stddev_interval_ms"`
	Error            string  `json:"error,omitempty"`
}

// Session is one ledger entry.
type Session struct {
	ID                  string         `json:"session_id"`
	State               string         `json:"state"`
	Subject             string         `json:"subject,omitempty"`
	Task                string         `json:"task,omitempty"`
	Duration            time.Duration  `json:"duration_ns"`
	TriggerAt           time.Time      `json:"trigger_at"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
	StartSkewMS         float64        `json:"start_skew_ms"`
	SkewWithinTolerance bool           `json:"skew_within_tolerance"`
	Error               string         `json:"error,omitempty"`
	Cameras             []CameraRecord `json:"cameras"`
}

// SessionFromReport converts a coordinator report into a ledger entry.
func SessionFromReport(rep coordinator.Report, duration time.Duration, subject, task string) Session {
	s := Session{
		ID:                  rep.SessionID,
		State:               rep.State.String(),
		Subject:             subject,
		Task:                task,
		Duration:            duration,
		TriggerAt:           rep.TriggerAt,
		StartedAt:           rep.Started,
		FinishedAt:          rep.Finished,
		StartSkewMS:         millis(rep.StartSkew),
		SkewWithinTolerance: rep.SkewWithinTolerance,
	}
	if rep.Err != nil {
		s.Error = rep.Err.Error()
	}
	for i, cam := range rep.Cameras {
		rec := CameraRecord{
			Position:         i,
			Camera:           cam.Camera,
			Path:             cam.Path,
			FrameCount:       cam.Plan.FrameCount,
			Channels:         cam.Channels,
			Expected:         cam.Expected,
			Drained:          cam.Drained,
			Written:          cam.Written,
			Failed:           cam.Failed,
			Stragglers:       cam.Stragglers,
			Extras:           cam.Extras,
			Overflowed:       cam.Overflowed,
			MeasuredFPS:      cam.Timing.MeasuredFPS,
			MeanIntervalMS:   millis(cam.Timing.MeanInterval),
			StdDevIntervalMS: millis(cam.Timing.StdDevInterval),
		}
		if cam.Err != nil {
			rec.Error = cam.Err.Error()
		}
		s.Cameras = append(s.Cameras, rec)
	}
	return s
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatTime stores times as RFC 3339 text so they stay readable from the
// SQL console. The zero time is stored as NULL.
func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

// RecordSession stores s and its cameras in one transaction.
func (db *DB) RecordSession(s Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (
			session_id, state, subject, task, duration_ms, trigger_at,
			started_at, finished_at, start_skew_ms, skew_within_tolerance, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.State, s.Subject, s.Task, s.Duration.Milliseconds(), formatTime(s.TriggerAt),
		formatTime(s.StartedAt), formatTime(s.FinishedAt), s.StartSkewMS, s.SkewWithinTolerance, s.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}

	for _, c := range s.Cameras {
		_, err = tx.Exec(
			`INSERT INTO session_cameras (
				session_id, position, camera, path, frame_count, channels, expected,
				drained, written, failed, stragglers, extras, overflowed,
				measured_fps, mean_interval_ms, stddev_interval_ms, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, c.Position, c.Camera, c.Path, c.FrameCount, c.Channels, c.Expected,
			c.Drained, c.Written, c.Failed, c.Stragglers, c.Extras, c.Overflowed,
			c.MeasuredFPS, c.MeanIntervalMS, c.StdDevIntervalMS, c.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert camera %s for session %s: %w", c.Camera, s.ID, err)
		}
	}

	return tx.Commit()
}

const sessionColumns = `session_id, state, subject, task, duration_ms, trigger_at,
	started_at, finished_at, start_skew_ms, skew_within_tolerance, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                            Session
		durationMS                   int64
		triggerAt, started, finished sql.NullString
		skew                         sql.NullFloat64
	)
	if err := row.Scan(
		&s.ID, &s.State, &s.Subject, &s.Task, &durationMS, &triggerAt,
		&started, &finished, &skew, &s.SkewWithinTolerance, &s.Error,
	); err != nil {
		return Session{}, err
	}
	s.Duration = time.Duration(durationMS) * time.Millisecond
	s.StartSkewMS = skew.Float64

	var err error
	if s.TriggerAt, err = parseTime(triggerAt); err != nil {
		return Session{}, fmt.Errorf("failed to parse trigger_at: %w", err)
	}
	if s.StartedAt, err = parseTime(started); err != nil {
		return Session{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if s.FinishedAt, err = parseTime(finished); err != nil {
		return Session{}, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	return s, nil
}

// Session returns one ledger entry with its cameras.
func (db *DB) Session(id string) (Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, err
	}
	if s.Cameras, err = db.cameras(s.ID); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Sessions returns the most recent sessions, newest first. A limit of zero
// or less returns 100.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions
		ORDER BY started_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Cameras are loaded after the cursor closes; the pool has one connection.
	rows.Close()

	for i := range sessions {
		if sessions[i].Cameras, err = db.cameras(sessions[i].ID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (db *DB) cameras(sessionID string) ([]CameraRecord, error) {
	rows, err := db.Query(`SELECT position, camera, path, frame_count, channels, expected,
			drained, written, failed, stragglers, extras, overflowed,
			measured_fps, mean_interval_ms, stddev_interval_ms, error
		FROM session_cameras WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []CameraRecord
	for rows.Next() {
		var (
			c                 CameraRecord
			fps, mean, stddev sql.NullFloat64
		)
		if err := rows.Scan(
			&c.Position, &c.Camera, &c.Path, &c.FrameCount, &c.Channels, &c.Expected,
			&c.Drained, &c.Written, &c.Failed, &c.Stragglers, &c.Extras, &c.Overflowed,
			&fps, &mean, &stddev, &c.Error,
		); err != nil {
			return nil, err
		}
		c.MeasuredFPS = fps.Float64
		c.MeanIntervalMS = mean.Float64
		c.StdDevIntervalMS = stddev.Float64
		cams = append(cams, c)
	}
	return cams, rows.Err()
}
