package poll

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mangabot/internal/feed"
	"mangabot/internal/notify"
	"mangabot/internal/store"
	logx "mangabot/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]feed.ChapterRef
	fail  map[string]bool
	block chan struct{} // if set, Fetch waits until closed
}

func (f *fakeFetcher) set(url string, refs ...feed.ChapterRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = map[string][]feed.ChapterRef{}
	}
	f.pages[url] = refs
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]feed.ChapterRef, error) {
	f.mu.Lock()
	block := f.block
	failing := f.fail[url]
	refs := append([]feed.ChapterRef(nil), f.pages[url]...)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, fmt.Errorf("fetch %s: %w", url, feed.ErrFetch)
	}
	return refs, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	sent   []notify.Event
	failAt int // fail the Nth dispatch (1-based); 0 means never
	calls  int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ev notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failAt != 0 && d.calls >= d.failAt {
		return notify.ErrDispatch
	}
	d.sent = append(d.sent, ev)
	return nil
}

func (d *fakeDispatcher) chapters() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, ev := range d.sent {
		out = append(out, ev.Chapter.ID)
	}
	return out
}

// flakyStore fails CommitSeen a fixed number of times, then delegates.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failLeft int
}

func (f *flakyStore) CommitSeen(ctx context.Context, name string, seen []string) error {
	f.mu.Lock()
	if f.failLeft > 0 {
		f.failLeft--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Store.CommitSeen(ctx, name, seen)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func refs(ids ...string) []feed.ChapterRef {
	out := make([]feed.ChapterRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, feed.ChapterRef{ID: id, Label: "Ch. " + id})
	}
	return out
}

func TestFirstPollSeedsWithoutNotifying(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Add(ctx, "one_piece", "https://example.test/one-piece"); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	f.set("https://example.test/one-piece", refs("3", "2", "1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	rep := svc.RunCycle(ctx)
	if rep.Seeded != 1 || rep.Notified != 0 {
		t.Fatalf("first cycle: %+v, want Seeded=1 Notified=0", rep)
	}
	if len(d.chapters()) != 0 {
		t.Fatalf("baseline cycle must not notify, got %v", d.chapters())
	}

	// Idempotent: a second cycle over the same page changes nothing.
	rep = svc.RunCycle(ctx)
	if rep.Seeded != 0 || rep.Notified != 0 || rep.Failed != 0 {
		t.Fatalf("second cycle: %+v, want all zero", rep)
	}
}

func TestNewChapterNotifiedExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Add(ctx, "one_piece", "u"); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	f.set("u", refs("3", "2", "1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	svc.RunCycle(ctx) // seed

	f.set("u", refs("4", "3", "2", "1")...)
	rep := svc.RunCycle(ctx)
	if rep.Notified != 1 {
		t.Fatalf("Notified = %d, want 1 (%+v)", rep.Notified, rep)
	}
	if got := d.chapters(); len(got) != 1 || got[0] != "4" {
		t.Fatalf("dispatched = %v, want [4]", got)
	}

	// No repeat on the next cycle.
	rep = svc.RunCycle(ctx)
	if rep.Notified != 0 {
		t.Fatalf("repeat cycle Notified = %d, want 0", rep.Notified)
	}
}

func TestMultipleNewChaptersAscending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Add(ctx, "s", "u"); err != nil {
		t.Fatal(err)
	}
	if err := st.CommitSeen(ctx, "s", []string{"1", "2", "3"}); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	// Page lists newest first; notifications must still go out ascending.
	f.set("u", refs("5", "4", "3", "2", "1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	rep := svc.RunCycle(ctx)
	if rep.Notified != 2 {
		t.Fatalf("Notified = %d, want 2", rep.Notified)
	}
	if got := d.chapters(); len(got) != 2 || got[0] != "4" || got[1] != "5" {
		t.Fatalf("dispatched = %v, want [4 5]", got)
	}
}

func TestFetchErrorIsolatedPerSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	for _, s := range []struct{ name, url string }{{"a", "ua"}, {"b", "ub"}} {
		if err := st.Add(ctx, s.name, s.url); err != nil {
			t.Fatal(err)
		}
		if err := st.CommitSeen(ctx, s.name, []string{"1"}); err != nil {
			t.Fatal(err)
		}
	}

	f := &fakeFetcher{fail: map[string]bool{"ua": true}}
	f.set("ub", refs("2", "1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	rep := svc.RunCycle(ctx)
	if rep.FetchErrors != 1 || rep.Notified != 1 {
		t.Fatalf("report %+v, want FetchErrors=1 Notified=1", rep)
	}
	if got := d.chapters(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("dispatched = %v, want [2]", got)
	}

	// The failing source keeps its state untouched.
	src, ok, err := st.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get a: %v %v", ok, err)
	}
	if len(src.LastSeen) != 1 || src.LastSeen[0] != "1" {
		t.Fatalf("source a state mutated: %v", src.LastSeen)
	}
}

func TestDispatchFailureDefersRemaining(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Add(ctx, "s", "u"); err != nil {
		t.Fatal(err)
	}
	if err := st.CommitSeen(ctx, "s", []string{"1"}); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	f.set("u", refs("3", "2", "1")...)
	d := &fakeDispatcher{failAt: 1}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	rep := svc.RunCycle(ctx)
	if rep.Notified != 0 || rep.Failed != 2 {
		t.Fatalf("report %+v, want Notified=0 Failed=2", rep)
	}

	// Nothing was committed, so a healthy next cycle delivers both in order.
	d.mu.Lock()
	d.failAt = 0
	d.mu.Unlock()
	rep = svc.RunCycle(ctx)
	if rep.Notified != 2 {
		t.Fatalf("retry cycle %+v, want Notified=2", rep)
	}
	if got := d.chapters(); len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("dispatched = %v, want [2 3]", got)
	}
}

func TestCommitFailureRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := newTestStore(t)
	st := &flakyStore{Store: inner}
	if err := st.Add(ctx, "s", "u"); err != nil {
		t.Fatal(err)
	}
	if err := st.CommitSeen(ctx, "s", []string{"1"}); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	f.set("u", refs("2", "1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	st.mu.Lock()
	st.failLeft = 1
	st.mu.Unlock()

	rep := svc.RunCycle(ctx)
	if rep.Notified != 1 {
		t.Fatalf("report %+v, want Notified=1 despite commit failure", rep)
	}

	// At-least-once: the uncommitted chapter is delivered again.
	rep = svc.RunCycle(ctx)
	if rep.Notified != 1 {
		t.Fatalf("redelivery cycle %+v, want Notified=1", rep)
	}
	if got := d.chapters(); len(got) != 2 || got[0] != "2" || got[1] != "2" {
		t.Fatalf("dispatched = %v, want [2 2]", got)
	}
}

// removeOnCommit untracks the source right before the chapter commit,
// simulating an /untrack landing between dispatch and commit.
type removeOnCommit struct {
	store.Store
	mu    sync.Mutex
	armed bool
}

func (r *removeOnCommit) CommitSeen(ctx context.Context, name string, seen []string) error {
	r.mu.Lock()
	armed := r.armed
	r.armed = false
	r.mu.Unlock()
	if armed {
		if err := r.Store.Remove(ctx, name); err != nil {
			return err
		}
	}
	return r.Store.CommitSeen(ctx, name, seen)
}

func TestRemoveDuringCycleWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &removeOnCommit{Store: newTestStore(t)}
	if err := st.Add(ctx, "s", "u"); err != nil {
		t.Fatal(err)
	}
	if err := st.CommitSeen(ctx, "s", []string{"1"}); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	f.set("u", refs("2", "1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	st.mu.Lock()
	st.armed = true
	st.mu.Unlock()

	// Remove wins: the orphaned commit is a benign no-op, not a failure.
	rep := svc.RunCycle(ctx)
	if rep.Notified != 1 || rep.Failed != 0 {
		t.Fatalf("report %+v, want Notified=1 Failed=0", rep)
	}
	if _, ok, err := st.Get(ctx, "s"); err != nil || ok {
		t.Fatalf("source must stay removed (ok=%v err=%v)", ok, err)
	}

	rep = svc.RunCycle(ctx)
	if rep.Sources != 0 || rep.Notified != 0 {
		t.Fatalf("follow-up cycle %+v, want no activity", rep)
	}
}

// gatedDispatcher parks every Dispatch until the gate opens.
type gatedDispatcher struct {
	inner   *fakeDispatcher
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, ev notify.Event) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.inner.Dispatch(ctx, ev)
}

func TestStopDrainsInFlightCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Add(ctx, "s", "u"); err != nil {
		t.Fatal(err)
	}
	if err := st.CommitSeen(ctx, "s", []string{"1"}); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	f.set("u", refs("2", "1")...)
	d := &gatedDispatcher{
		inner:   &fakeDispatcher{},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	svc := New(Config{Schedule: "@every 1h"}, st, f, d, logx.Nop(), nil)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go svc.RunCycle(ctx)
	<-d.entered // cycle is mid-dispatch

	stopped := make(chan struct{})
	go func() {
		svc.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a dispatch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(d.gate)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop never returned after the cycle finished")
	}

	// The drained cycle committed its chapter.
	src, ok, err := st.Get(ctx, "s")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got := len(src.LastSeen); got != 2 {
		t.Fatalf("last seen = %v, want chapter 2 committed", src.LastSeen)
	}
}

func TestOverlappingCycleSkipsBusySource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Add(ctx, "s", "u"); err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	f := &fakeFetcher{block: block}
	f.set("u", refs("1")...)
	d := &fakeDispatcher{}
	svc := New(Config{}, st, f, d, logx.Nop(), nil)

	started := make(chan struct{})
	done := make(chan CycleReport, 1)
	go func() {
		close(started)
		done <- svc.RunCycle(ctx)
	}()
	<-started

	// Wait until the first cycle holds the source, then trigger a second one.
	for {
		svc.inflightMu.Lock()
		_, busy := svc.inflight["s"]
		svc.inflightMu.Unlock()
		if busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	f.mu.Lock()
	f.block = nil
	f.mu.Unlock()

	rep := svc.RunCycle(ctx)
	if rep.Skipped != 1 {
		t.Fatalf("second cycle %+v, want Skipped=1", rep)
	}

	close(block)
	first := <-done
	if first.Seeded != 1 {
		t.Fatalf("first cycle %+v, want Seeded=1", first)
	}
}
