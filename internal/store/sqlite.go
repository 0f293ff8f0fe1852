//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "mangabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Add(ctx context.Context, name, url string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources(name, url, last_seen, created_at, seq)
		 VALUES(?, ?, '[]', ?, COALESCE((SELECT MAX(seq) FROM sources), 0) + 1)`,
		name, url, now.Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, last_seen, created_at, seq FROM sources ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, name string) (Source, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, url, last_seen, created_at, seq FROM sources WHERE name = ?`, name)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, false, nil
	}
	if err != nil {
		return Source{}, false, err
	}
	return src, true, nil
}

func (s *sqliteStore) CommitSeen(ctx context.Context, name string, seen []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rawSeen string
	err = tx.QueryRowContext(ctx, `SELECT last_seen FROM sources WHERE name = ?`, name).Scan(&rawSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var stored []string
	if err := json.Unmarshal([]byte(rawSeen), &stored); err != nil {
		return fmt.Errorf("decode last_seen for %q: %w", name, err)
	}
	merged, err := json.Marshal(unionSeen(stored, seen))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sources SET last_seen = ? WHERE name = ?`, string(merged), name); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(r rowScanner) (Source, error) {
	var (
		src       Source
		rawSeen   string
		createdAt string
	)
	if err := r.Scan(&src.Name, &src.URL, &rawSeen, &createdAt, &src.seq); err != nil {
		return Source{}, err
	}
	if err := json.Unmarshal([]byte(rawSeen), &src.LastSeen); err != nil {
		return Source{}, fmt.Errorf("decode last_seen for %q: %w", src.Name, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		src.CreatedAt = t
	}
	return src, nil
}
