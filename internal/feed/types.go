package feed

import (
	"context"
	"errors"
	"fmt"
)

// ChapterRef is one chapter as reported by a source page.
//
// ID must be stable and comparable across polls; it is what the diff engine
// keys on. Label is the human-readable form used in notification text.
type ChapterRef struct {
	ID    string
	Label string
}

// Fetcher returns the chapters currently listed on a source page, in page
// order. Any failure (network, timeout, unparsable page, empty listing) is a
// fetch error: the caller logs it and skips the source for the cycle, never
// mutating stored state.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]ChapterRef, error)
}

// ErrFetch marks transient fetch failures. Check with errors.Is.
var ErrFetch = errors.New("fetch failed")

func fetchErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFetch, fmt.Sprintf(format, args...))
}
