package store

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by Add for a name that is already tracked.
	ErrAlreadyExists = errors.New("source already tracked")
	// ErrNotFound is returned for operations on a name that is not tracked.
	ErrNotFound = errors.New("source not tracked")
)

// Config configures the store.
//
// Driver values:
//   - "file": dependency-free file backend (journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Source is one tracked series.
//
// LastSeen holds chapter identifiers that have already been notified (or
// seeded on the first poll). It only grows; CommitSeen stores the union of
// the stored and proposed sets.
type Source struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	LastSeen  []string  `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`

	seq uint64 // insertion order, assigned by the store
}
