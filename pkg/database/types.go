package database

import (
	"fmt"
	"time"
)

// Config holds the playback history database settings.
type Config struct {
	Enabled bool `envconfig:"ENABLED" json:"enabled"`
	// File is the SQLite database file; ":memory:" keeps it in memory.
	File           string        `envconfig:"FILE" json:"file"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" json:"max_connections"`
	BusyTimeout    time.Duration `envconfig:"BUSY_TIMEOUT" json:"busy_timeout"`
	WALMode        bool          `envconfig:"WAL_MODE" json:"wal_mode"`
	// SessionRetention is how long ended sessions and their events are kept.
	SessionRetention time.Duration `envconfig:"SESSION_RETENTION" json:"session_retention"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		File:             "flexplay.db",
		MaxConnections:   4,
		BusyTimeout:      5 * time.Second,
		WALMode:          true,
		SessionRetention: 7 * 24 * time.Hour, // 7 days
	}
}

// Validate validates the database configuration
func (c Config) Validate() error {
	if c.File == "" {
		return ErrInvalidDatabasePath
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxConnections, c.MaxConnections)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidBusyTimeout, c.BusyTimeout)
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSessionRetention, c.SessionRetention)
	}
	return nil
}

// Session is one uninterrupted stretch of playing a single source.
type Session struct {
	ID         string     `json:"id"`
	PipelineID string     `json:"pipeline_id"`
	Source     string     `json:"source"`
	URI        string     `json:"uri,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	BytePos    int64      `json:"byte_pos"`
	Errors     int        `json:"errors"`
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Event is a bus message recorded against a session.
type Event struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"session_id"`
	Source    string                 `json:"source"`
	Kind      string                 `json:"kind"`
	Status    string                 `json:"status,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Stats summarizes the stored history.
type Stats struct {
	TotalSessions  int64            `json:"total_sessions"`
	ActiveSessions int64            `json:"active_sessions"`
	TotalEvents    int64            `json:"total_events"`
	TotalErrors    int64            `json:"total_errors"`
	BySource       map[string]int64 `json:"by_source"`
}
