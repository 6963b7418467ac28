package database

import "errors"

// Configuration errors
var (
	ErrInvalidDatabasePath     = errors.New("invalid database path")
	ErrInvalidMaxConnections   = errors.New("invalid max connections")
	ErrInvalidBusyTimeout      = errors.New("invalid busy timeout")
	ErrInvalidSessionRetention = errors.New("invalid session retention")
)

// Operation errors
var (
	ErrDatabaseNotConnected = errors.New("database not connected")
	ErrMigrationFailed      = errors.New("migration failed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionEnded         = errors.New("session already ended")
)
