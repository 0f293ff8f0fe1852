package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "mangabot/pkg/logx"
)

const samplePage = `<html><body>
<div class="chapter-row"><span>January 18, 2026</span> <a>Ch. 1171</a> <b>FREE</b></div>
<div class="chapter-row"><span>January 11, 2026</span> <a>Ch. 1170</a></div>
<div class="chapter-row"><span>December 28, 2025</span> <a>Ch. 1169.5</a></div>
<div class="chapter-row"><span>December 28, 2025</span> <a>Ch. 1169.5</a></div>
</body></html>`

func TestParseChapters(t *testing.T) {
	t.Parallel()
	refs := ParseChapters(samplePage)
	if len(refs) != 3 {
		t.Fatalf("len = %d, want 3 (duplicate must collapse): %+v", len(refs), refs)
	}
	if refs[0].ID != "1171" || refs[1].ID != "1170" || refs[2].ID != "1169.5" {
		t.Fatalf("unexpected ids: %+v", refs)
	}
	if refs[0].Label != "Ch. 1171 (January 18, 2026)" {
		t.Fatalf("unexpected label: %q", refs[0].Label)
	}
}

func TestParseChaptersEmpty(t *testing.T) {
	t.Parallel()
	if refs := ParseChapters("<html><body>maintenance</body></html>"); len(refs) != 0 {
		t.Fatalf("expected no refs, got %+v", refs)
	}
}

func TestIsChaptersURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://www.viz.com/shonenjump/chapters/one-piece", true},
		{"https://www.viz.com/shonenjump/one-piece-chapter-1171/chapter/1171", false},
		{"https://example.test/chapters/one-piece", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsChaptersURL(tt.url); got != tt.ok {
			t.Fatalf("IsChaptersURL(%q) = %v, want %v", tt.url, got, tt.ok)
		}
	}
}

func TestVizFetcher(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent header")
		}
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := NewVizFetcher(5*time.Second, "", logx.Nop())
	refs, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("len = %d, want 3", len(refs))
	}
}

func TestVizFetcherErrors(t *testing.T) {
	t.Parallel()

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		f := NewVizFetcher(5*time.Second, "", logx.Nop())
		if _, err := f.Fetch(context.Background(), srv.URL); !errors.Is(err, ErrFetch) {
			t.Fatalf("err = %v, want ErrFetch", err)
		}
	})

	t.Run("empty listing", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html><body>nothing here</body></html>"))
		}))
		defer srv.Close()

		f := NewVizFetcher(5*time.Second, "", logx.Nop())
		if _, err := f.Fetch(context.Background(), srv.URL); !errors.Is(err, ErrFetch) {
			t.Fatalf("err = %v, want ErrFetch", err)
		}
	})
}
