// Package notify delivers new-chapter notifications to the announce chat.
//
// Dispatch is synchronous on purpose: the poll cycle commits a chapter as
// seen only after its notification was delivered, so delivery and commit
// stay in lockstep (at-least-once, never at-most-once).
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mangabot/internal/eventbus"
	"mangabot/internal/feed"
	kit "mangabot/internal/transport"
	logx "mangabot/pkg/logx"
)

// ErrDispatch marks delivery failures after retries were exhausted.
var ErrDispatch = errors.New("dispatch failed")

// Event is one outbound alert: a tracked source plus the chapter that
// triggered it. Created by the poll cycle, consumed exactly once here,
// never persisted.
type Event struct {
	SourceName string
	SourceURL  string
	Chapter    feed.ChapterRef
}

type Config struct {
	Target        kit.ChatTarget
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Bus
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{adapter: adapter, log: log, bus: bus}
	d.Apply(cfg)
	return d
}

// Apply swaps delivery knobs at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Dispatch posts one new-chapter notification, honoring the rate limit and
// retrying transient send failures with exponential backoff. A non-nil return
// wraps ErrDispatch; the caller must not commit the chapter as seen.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	if d.adapter == nil {
		return fmt.Errorf("%w: no adapter", ErrDispatch)
	}

	text := FormatMessage(ev)

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrDispatch, err)
			}
		}

		// Bound per-send call. Keep tight to avoid hanging the cycle.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := d.adapter.SendText(callCtx, cfg.Target, text, &kit.SendOptions{DisablePreview: false})
		cancel()
		if err == nil {
			if d.bus != nil {
				d.bus.Publish(eventbus.Event{Type: eventbus.EventChapterNew, Data: ev})
			}
			return nil
		}
		lastErr = err
		d.log.Debug("dispatch send failed",
			logx.Err(err),
			logx.String("source", ev.SourceName),
			logx.String("chapter", ev.Chapter.ID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return fmt.Errorf("%w: %v", ErrDispatch, ctx.Err())
		}
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.EventChapterFailed, Data: ev})
	}
	return fmt.Errorf("%w: %v", ErrDispatch, lastErr)
}

// FormatMessage renders the notification text:
//
//	📣 One Piece — new chapter: Ch. 1171 (January 18, 2026)
//	https://www.viz.com/shonenjump/chapters/one-piece
func FormatMessage(ev Event) string {
	var b strings.Builder
	b.WriteString("📣 ")
	b.WriteString(DisplayTitle(ev.SourceName))
	b.WriteString(" — new chapter: ")
	b.WriteString(ev.Chapter.Label)
	if ev.SourceURL != "" {
		b.WriteString("\n")
		b.WriteString(ev.SourceURL)
	}
	return b.String()
}

// DisplayTitle turns a normalized source name back into a title
// ("one_piece" -> "One Piece").
func DisplayTitle(name string) string {
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 5 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3. The global source keeps near-simultaneous retries from
	// picking correlated delays.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
