package store

import (
	"context"
	"errors"
	"strings"

	logx "mangabot/pkg/logx"
)

// Store is the tracked-source persistence API used by the command facade and
// the poll cycle.
//
// Contract:
//   - Every mutating call persists to stable storage before returning success.
//   - On a write error the in-memory state is left unchanged, so the same
//     mutation can be retried (new chapters are re-detected next cycle rather
//     than silently lost).
type Store interface {
	// Add tracks a new source. ErrAlreadyExists if name is taken.
	Add(ctx context.Context, name, url string) error
	// Remove untracks a source and discards its last-seen state.
	// ErrNotFound if name is not tracked.
	Remove(ctx context.Context, name string) error
	// List returns all tracked sources in insertion order.
	List(ctx context.Context) ([]Source, error)
	// Get returns one source by name.
	Get(ctx context.Context, name string) (Source, bool, error)
	// CommitSeen merges seen into the stored last-seen set for name.
	// The stored set never shrinks. ErrNotFound if name is not tracked
	// (benign during a remove/poll race).
	CommitSeen(ctx context.Context, name string, seen []string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
