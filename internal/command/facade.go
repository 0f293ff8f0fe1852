// Package command is the thin boundary between the chat interface and the
// tracked-source store. Handlers parse, delegate and render; policy lives in
// the store and the poll cycle.
package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mangabot/internal/eventbus"
	"mangabot/internal/feed"
	"mangabot/internal/notify"
	"mangabot/internal/store"
	logx "mangabot/pkg/logx"
)

type Status int

const (
	StatusOK Status = iota
	StatusAlreadyExists
	StatusNotFound
	StatusInvalid
	StatusFailed
)

// Result is a structured command outcome plus the user-facing text the
// caller renders.
type Result struct {
	Status Status
	Text   string
}

type Facade struct {
	st  store.Store
	log logx.Logger
	bus eventbus.Bus
}

func NewFacade(st store.Store, log logx.Logger, bus eventbus.Bus) *Facade {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Facade{st: st, log: log, bus: bus}
}

// NormalizeName canonicalizes an operator-chosen source name
// ("One Piece" -> "one_piece").
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func (f *Facade) Track(ctx context.Context, name, url string) Result {
	name = NormalizeName(name)
	if name == "" {
		return Result{Status: StatusInvalid, Text: "Usage: /track <name> <url>"}
	}
	if !feed.IsChaptersURL(url) {
		return Result{
			Status: StatusInvalid,
			Text: "That URL doesn't look like a VIZ Shonen Jump chapters page.\n" +
				"Example: https://www.viz.com/shonenjump/chapters/one-piece",
		}
	}

	err := f.st.Add(ctx, name, url)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return Result{Status: StatusAlreadyExists, Text: fmt.Sprintf("Already tracking %s. Untrack it first to change the URL.", name)}
	case err != nil:
		f.log.Error("track failed", logx.String("name", name), logx.Err(err))
		return Result{Status: StatusFailed, Text: "Couldn't save that source. Try again."}
	}

	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: eventbus.EventSourceTracked, Data: name})
	}
	return Result{
		Status: StatusOK,
		Text:   fmt.Sprintf("Tracking %s. The first poll sets the baseline; updates are announced after that.", notify.DisplayTitle(name)),
	}
}

func (f *Facade) Untrack(ctx context.Context, name string) Result {
	name = NormalizeName(name)
	if name == "" {
		return Result{Status: StatusInvalid, Text: "Usage: /untrack <name>"}
	}

	err := f.st.Remove(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{Status: StatusNotFound, Text: fmt.Sprintf("Not tracking %s. Use /list to see tracked series.", name)}
	case err != nil:
		f.log.Error("untrack failed", logx.String("name", name), logx.Err(err))
		return Result{Status: StatusFailed, Text: "Couldn't remove that source. Try again."}
	}

	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: eventbus.EventSourceRemoved, Data: name})
	}
	return Result{Status: StatusOK, Text: fmt.Sprintf("Untracked %s.", name)}
}

func (f *Facade) List(ctx context.Context) Result {
	sources, err := f.st.List(ctx)
	if err != nil {
		f.log.Error("list failed", logx.Err(err))
		return Result{Status: StatusFailed, Text: "Couldn't read tracked sources. Try again."}
	}
	if len(sources) == 0 {
		return Result{Status: StatusOK, Text: "No tracked series yet. Use /track <name> <url>."}
	}

	var b strings.Builder
	for i, src := range sources {
		if i > 0 {
			b.WriteString("\n")
		}
		latest := "—"
		if id := highestChapter(src.LastSeen); id != "" {
			latest = "Ch. " + id
		}
		fmt.Fprintf(&b, "• %s — %s\n  %s", src.Name, latest, src.URL)
	}
	return Result{Status: StatusOK, Text: b.String()}
}

// highestChapter picks the numerically largest identifier for display
// (last_seen holds a set, not a sorted sequence).
func highestChapter(seen []string) string {
	best := ""
	bestVal := math.Inf(-1)
	for _, id := range seen {
		if v, err := strconv.ParseFloat(id, 64); err == nil {
			if v > bestVal {
				best, bestVal = id, v
			}
		} else if best == "" {
			best = id
		}
	}
	return best
}
