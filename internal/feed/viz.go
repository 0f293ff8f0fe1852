package feed

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	logx "mangabot/pkg/logx"
)

// VizFetcher scrapes a VIZ Shonen Jump chapters listing page.
//
// The page lists entries like "January 18, 2026 Ch. 1171 FREE"; one regex over
// the visible text is enough, no DOM walking needed.
type VizFetcher struct {
	client    *http.Client
	userAgent string
	log       logx.Logger
}

const (
	defaultUserAgent = "mangabot/1.0 (chapter notifier)"
	maxBodyBytes     = 4 << 20
)

// chapterRe matches entries like: "January 18, 2026 Ch. 1171".
var chapterRe = regexp.MustCompile(`([A-Z][a-z]+ \d{1,2}, \d{4})\s+Ch\.\s*([0-9]+(?:\.[0-9]+)?)`)

// tagRe strips HTML tags so chapterRe sees the page text the way a reader does
// (date and chapter number are split across elements in the markup).
var tagRe = regexp.MustCompile(`<[^>]*>`)

func NewVizFetcher(timeout time.Duration, userAgent string, log logx.Logger) *VizFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &VizFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		log:       log,
	}
}

// IsChaptersURL reports whether url looks like a VIZ Shonen Jump chapters
// listing page (the only page shape this fetcher can parse).
func IsChaptersURL(url string) bool {
	return strings.HasPrefix(url, "https://www.viz.com/shonenjump/chapters/")
}

func (f *VizFetcher) Fetch(ctx context.Context, url string) ([]ChapterRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetchErr("build request: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fetchErr("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fetchErr("get %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fetchErr("read %s: %v", url, err)
	}

	refs := ParseChapters(string(body))
	if len(refs) == 0 {
		// An empty listing is indistinguishable from a markup change; never
		// diff it against stored state.
		return nil, fetchErr("no chapter entries parsed from %s", url)
	}
	return refs, nil
}

// ParseChapters extracts all chapter entries from page HTML, in page order.
// Duplicate identifiers keep their first (newest) entry.
func ParseChapters(html string) []ChapterRef {
	text := tagRe.ReplaceAllString(html, "\n")

	var (
		refs []ChapterRef
		seen = map[string]struct{}{}
	)
	for _, m := range chapterRe.FindAllStringSubmatch(text, -1) {
		date := strings.TrimSpace(m[1])
		ch := strings.TrimSpace(m[2])
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		refs = append(refs, ChapterRef{
			ID:    ch,
			Label: "Ch. " + ch + " (" + date + ")",
		})
	}
	return refs
}
