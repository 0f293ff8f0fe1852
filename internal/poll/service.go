// Package poll drives the periodic chapter poll across all tracked sources.
//
// One cron/interval trigger fires a cycle; within a cycle every source is
// polled on its own goroutine (bounded by a semaphore) so one slow or broken
// source never delays the others. Per source a cycle is
// fetch -> diff -> dispatch -> commit; any fetch failure skips the source
// until the next trigger without touching stored state.
//
// RunCycle is exported so tests (and operators) can run a cycle without a
// live timer.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mangabot/internal/diff"
	"mangabot/internal/eventbus"
	"mangabot/internal/feed"
	"mangabot/internal/notify"
	"mangabot/internal/store"
	logx "mangabot/pkg/logx"
)

type Config struct {
	Schedule      string
	FetchTimeout  time.Duration
	CycleTimeout  time.Duration
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "30m"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// Dispatcher is what the cycle needs from the notification side.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) error
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Sources     int
	Skipped     int // in-flight from a previous trigger
	FetchErrors int
	Seeded      int // first-poll baselines committed
	Notified    int // chapters delivered and committed
	Failed      int // chapters left for the next cycle
	Took        time.Duration
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	entry   cron.EntryID
	runCtx  context.Context
	running bool

	st      store.Store
	fetcher feed.Fetcher
	disp    Dispatcher
	log     logx.Logger
	bus     eventbus.Bus

	// inflight guards against overlapping cycles touching the same source:
	// a source still mid-cycle when the next trigger fires is skipped.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	cycleWG sync.WaitGroup
}

func New(cfg Config, st store.Store, fetcher feed.Fetcher, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		st:       st,
		fetcher:  fetcher,
		disp:     disp,
		log:      log,
		bus:      bus,
		inflight: map[string]struct{}{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}

	c := cron.New()
	id, err := c.AddFunc(spec.CronSpec(), func() { s.triggered(ctx) })
	if err != nil {
		return err
	}
	s.cron = c
	s.entry = id
	s.runCtx = ctx
	s.running = true
	c.Start()

	s.log.Info("poll scheduler started", logx.String("schedule", spec.CronSpec()))
	return nil
}

// Stop halts the trigger and drains in-flight source work so no source is
// interrupted between dispatch and commit.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.cycleWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("poll scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("poll scheduler stop deadline reached; cycle still draining")
	}
}

// Apply updates config at runtime. A schedule change reschedules the trigger.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()

	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rescheduled := cfg.Schedule != s.cfg.Schedule
	s.cfg = cfg

	if rescheduled && s.cron != nil {
		s.cron.Remove(s.entry)
		ctx := s.runCtx
		id, err := s.cron.AddFunc(spec.CronSpec(), func() { s.triggered(ctx) })
		if err != nil {
			return err
		}
		s.entry = id
		s.log.Info("poll schedule updated", logx.String("schedule", spec.CronSpec()))
	}
	return nil
}

func (s *Service) triggered(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report := s.RunCycle(ctx)
	s.log.Debug("poll cycle finished",
		logx.Int("sources", report.Sources),
		logx.Int("skipped", report.Skipped),
		logx.Int("fetch_errors", report.FetchErrors),
		logx.Int("seeded", report.Seeded),
		logx.Int("notified", report.Notified),
		logx.Int("failed", report.Failed),
		logx.Duration("took", report.Took))
}

// RunCycle polls every tracked source once and returns a summary. Sources run
// concurrently (bounded); the call returns after fan-in.
func (s *Service) RunCycle(ctx context.Context) CycleReport {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventCycleStarted})
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	sources, err := s.st.List(cctx)
	if err != nil {
		// Read failure is fatal to this cycle only; next trigger retries.
		s.log.Warn("poll cycle aborted: store list failed", logx.Err(err))
		return CycleReport{Took: time.Since(start)}
	}

	report := CycleReport{Sources: len(sources)}
	var (
		reportMu sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, cfg.MaxConcurrent)
	)

	for _, src := range sources {
		if !s.acquire(src.Name) {
			reportMu.Lock()
			report.Skipped++
			reportMu.Unlock()
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.EventSourceSkipped, Data: src.Name})
			}
			continue
		}

		wg.Add(1)
		s.cycleWG.Add(1)
		go func(src store.Source) {
			defer wg.Done()
			defer s.cycleWG.Done()
			defer s.release(src.Name)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cctx.Done():
				return
			}

			res := s.pollSource(cctx, cfg, src)
			reportMu.Lock()
			report.FetchErrors += res.FetchErrors
			report.Seeded += res.Seeded
			report.Notified += res.Notified
			report.Failed += res.Failed
			reportMu.Unlock()
		}(src)
	}

	wg.Wait()
	report.Took = time.Since(start)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventCycleFinished, Data: report})
	}
	return report
}

// pollSource runs one source through fetch -> diff -> dispatch -> commit.
func (s *Service) pollSource(ctx context.Context, cfg Config, src store.Source) CycleReport {
	log := s.log.With(logx.String("source", src.Name))

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	fetched, err := s.fetcher.Fetch(fctx, src.URL)
	cancel()
	if err != nil {
		// Transient by contract: skip this cycle, never mutate the source.
		log.Warn("fetch failed; skipping source this cycle", logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventSourceFetchErr, Data: src.Name})
		}
		return CycleReport{FetchErrors: 1}
	}
	if len(fetched) == 0 {
		// An empty fetch is not evidence of removal.
		log.Warn("fetch returned no chapters; skipping source this cycle")
		return CycleReport{FetchErrors: 1}
	}

	// First poll of a newly tracked source: seed the baseline, notify nothing.
	if len(src.LastSeen) == 0 {
		ids := make([]string, 0, len(fetched))
		for _, ref := range fetched {
			ids = append(ids, ref.ID)
		}
		if err := s.st.CommitSeen(ctx, src.Name, ids); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Debug("source removed mid-cycle; baseline dropped")
				return CycleReport{}
			}
			log.Error("baseline commit failed; will retry next cycle", logx.Err(err))
			return CycleReport{Failed: 1}
		}
		log.Info("baseline seeded", logx.Int("chapters", len(ids)))
		return CycleReport{Seeded: 1}
	}

	newChapters := diff.NewChapters(src.LastSeen, fetched)
	if len(newChapters) == 0 {
		return CycleReport{}
	}

	var res CycleReport
	for i, ref := range newChapters {
		ev := notify.Event{SourceName: src.Name, SourceURL: src.URL, Chapter: ref}
		if err := s.disp.Dispatch(ctx, ev); err != nil {
			// Leave this and the remaining chapters for the next cycle so
			// notifications stay in ascending order.
			log.Warn("dispatch failed; remaining chapters deferred",
				logx.Err(err),
				logx.String("chapter", ref.ID),
				logx.Int("deferred", len(newChapters)-i))
			res.Failed += len(newChapters) - i
			return res
		}

		// Commit per chapter: a crash or failure later in the cycle never
		// re-sends what was already delivered.
		if err := s.st.CommitSeen(ctx, src.Name, []string{ref.ID}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Untracked while we were dispatching; remove wins.
				log.Debug("source removed mid-cycle; commit skipped")
				res.Notified++
				return res
			}
			// Delivered but not recorded: at-least-once means it may be
			// re-sent next cycle. Stop here so ordering holds.
			log.Error("commit failed after dispatch; chapter may repeat next cycle",
				logx.Err(err), logx.String("chapter", ref.ID))
			res.Notified++
			res.Failed += len(newChapters) - i - 1
			return res
		}
		res.Notified++
		log.Info("chapter notified", logx.String("chapter", ref.ID))
	}
	return res
}

func (s *Service) acquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[name]; busy {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Service) release(name string) {
	s.inflightMu.Lock()
	delete(s.inflight, name)
	s.inflightMu.Unlock()
}
