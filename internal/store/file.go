package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "mangabot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.sources.snapshot.json (whole-state snapshot)
//   - <prefix>.sources.journal.jsonl (append-only mutation journal)
//
// Open loads the snapshot and replays the journal over it. The journal is
// periodically compacted into the snapshot; the snapshot is written to a
// temporary file and atomically renamed, so a crash mid-compaction never
// leaves a partially-written state. A partially-appended journal line (crash
// mid-append) is skipped on replay, which loses at most the mutation whose
// success was never reported.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	sources map[string]*Source
	nextSeq uint64

	journalWrites int
}

const compactEvery = 256

type journalRecord struct {
	Op        string    `json:"op"` // "add" | "remove" | "seen"
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Seen      []string  `json:"seen,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
}

type snapshotRecord struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	LastSeen  []string  `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	Seq       uint64    `json:"seq"`
}

type snapshotFile struct {
	NextSeq uint64           `json:"next_seq"`
	Sources []snapshotRecord `json:"sources"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".sources.snapshot.json"
	journalPath := prefix + ".sources.journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		sources:      map[string]*Source{},
		nextSeq:      1,
	}
	if err := s.loadSnapshot(snapPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Final compaction so restarts load a single snapshot.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("final compact failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Add(ctx context.Context, name, url string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[name]; ok {
		return ErrAlreadyExists
	}
	src := &Source{
		Name:      name,
		URL:       url,
		CreatedAt: time.Now().UTC(),
		seq:       s.nextSeq,
	}
	rec := journalRecord{Op: "add", Name: name, URL: url, CreatedAt: src.CreatedAt, Seq: src.seq}
	if err := s.appendLocked(rec); err != nil {
		return err
	}
	s.sources[name] = src
	s.nextSeq++
	return nil
}

func (s *fileStore) Remove(ctx context.Context, name string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[name]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: "remove", Name: name}); err != nil {
		return err
	}
	delete(s.sources, name)
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]Source, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, copySource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, name string) (Source, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return Source{}, false, nil
	}
	return copySource(src), true, nil
}

func (s *fileStore) CommitSeen(ctx context.Context, name string, seen []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return ErrNotFound
	}
	merged := unionSeen(src.LastSeen, seen)
	if err := s.appendLocked(journalRecord{Op: "seen", Name: name, Seen: merged}); err != nil {
		return err
	}
	src.LastSeen = merged
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

// appendLocked durably appends one journal record. The in-memory map is only
// mutated by the caller after this returns nil.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("store closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journalFile.Write(b); err != nil {
		return err
	}
	return s.journalFile.Sync()
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{NextSeq: s.nextSeq}
	for _, src := range s.sources {
		snap.Sources = append(snap.Sources, snapshotRecord{
			Name:      src.Name,
			URL:       src.URL,
			LastSeen:  src.LastSeen,
			CreatedAt: src.CreatedAt,
			Seq:       src.seq,
		})
	}
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Seq < snap.Sources[j].Seq })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Sources {
		r := snap.Sources[i]
		s.sources[r.Name] = &Source{
			Name:      r.Name,
			URL:       r.URL,
			LastSeen:  r.LastSeen,
			CreatedAt: r.CreatedAt,
			seq:       r.Seq,
		}
		if r.Seq >= s.nextSeq {
			s.nextSeq = r.Seq + 1
		}
	}
	if snap.NextSeq > s.nextSeq {
		s.nextSeq = snap.NextSeq
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// Torn final line from a crash mid-append.
			continue
		}
		switch rec.Op {
		case "add":
			seq := rec.Seq
			if seq == 0 {
				seq = s.nextSeq
			}
			s.sources[rec.Name] = &Source{
				Name:      rec.Name,
				URL:       rec.URL,
				CreatedAt: rec.CreatedAt,
				seq:       seq,
			}
			if seq >= s.nextSeq {
				s.nextSeq = seq + 1
			}
		case "remove":
			delete(s.sources, rec.Name)
		case "seen":
			if src, ok := s.sources[rec.Name]; ok {
				src.LastSeen = unionSeen(src.LastSeen, rec.Seen)
			}
		}
	}
	return sc.Err()
}

func copySource(src *Source) Source {
	cp := *src
	cp.LastSeen = append([]string(nil), src.LastSeen...)
	return cp
}

// unionSeen merges the proposed set into the stored set. Stored identifiers
// keep their position; unseen proposals append in the given order. last_seen
// never shrinks.
func unionSeen(stored, proposed []string) []string {
	have := make(map[string]struct{}, len(stored))
	out := append([]string(nil), stored...)
	for _, id := range stored {
		have[id] = struct{}{}
	}
	for _, id := range proposed {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
