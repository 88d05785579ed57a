package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free directory backend (bundle files + jsonl audit)
//
// If Driver is empty, sqlite is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one session lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	SessionID string
	Phone     string
	Event     string
	Detail    string
	Error     string
}
