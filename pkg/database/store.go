// Package database keeps a SQLite history of playback sessions and the bus
// events reported while they ran.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/latoulicious/audiograph/pkg/logging"
)

// Store is the playback history database.
type Store struct {
	config Config
	logger logging.Logger

	mu sync.RWMutex
	db *sql.DB
}

// Open connects to the database file named by cfg and brings its schema up to
// date.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	if cfg.File == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		config: cfg,
		logger: logger.With(logging.Component("database")),
		db:     db,
	}
	s.logger.Info("Database ready",
		logging.String("file", cfg.File),
		logging.Int("schema_version", latestVersion()))
	return s, nil
}

func dsn(cfg Config) string {
	q := fmt.Sprintf("_busy_timeout=%d&_foreign_keys=on", cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode && cfg.File != ":memory:" {
		q += "&_journal_mode=WAL"
	}
	return fmt.Sprintf("file:%s?%s", cfg.File, q)
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrDatabaseNotConnected
	}
	return s.db, nil
}

// Close closes the database. Later calls return ErrDatabaseNotConnected.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrDatabaseNotConnected
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// StartSession records that pipelineID started playing source from uri.
func (s *Store) StartSession(ctx context.Context, pipelineID, source, uri string) (*Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Source:     source,
		URI:        uri,
		StartedAt:  time.Now().UTC(),
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO playback_sessions (id, pipeline_id, source, uri, started_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.PipelineID, session.Source, session.URI, session.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Debug("Session started",
		logging.String("session_id", session.ID),
		logging.String("source", source))
	return session, nil
}

// EndSession closes an active session with its final state and byte position.
func (s *Store) EndSession(ctx context.Context, id, finalState string, bytePos int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE playback_sessions SET ended_at = ?, final_state = ?, byte_pos = ?
		 WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), finalState, bytePos, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s ended as %s", ErrSessionEnded, id, session.FinalState)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, err
}

// ActiveSessions returns the sessions that have not ended, oldest first.
func (s *Store) ActiveSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx, sessionColumns+` WHERE ended_at IS NULL ORDER BY started_at`)
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]*Session, error) {
	return s.querySessions(ctx, sessionColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
}

const sessionColumns = `
	SELECT id, pipeline_id, source, uri, started_at, ended_at, final_state, byte_pos, errors
	FROM playback_sessions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	session := &Session{}
	var endedAt sql.NullTime
	var finalState sql.NullString
	err := row.Scan(
		&session.ID,
		&session.PipelineID,
		&session.Source,
		&session.URI,
		&session.StartedAt,
		&endedAt,
		&finalState,
		&session.BytePos,
		&session.Errors,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	session.FinalState = finalState.String
	return session, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// RecordEvent stores ev. Events carrying an error also count against the
// session's error total.
func (s *Store) RecordEvent(ctx context.Context, ev *Event) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var data sql.NullString
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO playback_events (session_id, source, kind, status, data, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Source, ev.Kind, ev.Status, data, ev.Error, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	if ev.Error != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE playback_sessions SET errors = errors + 1 WHERE id = ?`, ev.SessionID); err != nil {
			return fmt.Errorf("failed to count session error: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// Events returns the events of a session in the order they happened.
func (s *Store) Events(ctx context.Context, sessionID string) ([]*Event, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, source, kind, status, data, error, timestamp
		 FROM playback_events WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var status, data, errText sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Source, &ev.Kind, &status, &data, &errText, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Status = status.String
		ev.Error = errText.String
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanExpired deletes sessions that ended before the retention window, and
// their events. It returns the number of sessions removed.
func (s *Store) CleanExpired(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.config.SessionRetention)
	res, err := db.ExecContext(ctx,
		`DELETE FROM playback_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Cleaned expired sessions", logging.Int64("sessions", n))
	}
	return n, nil
}

// GetStats summarizes the stored history.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	stats := &Stats{BySource: make(map[string]int64)}
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) - COUNT(ended_at), COALESCE(SUM(errors), 0) FROM playback_sessions`).
		Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.TotalErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM playback_events`).Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT source, COUNT(*) FROM playback_sessions GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to group sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		stats.BySource[source] = n
	}
	return stats, rows.Err()
}
