package command

import (
	"context"
	"reflect"
	"strings"
	"testing"

	kit "mangabot/internal/transport"
	logx "mangabot/pkg/logx"
)

type replyRecorder struct {
	sent []string
	to   []kit.ChatTarget
}

func (r *replyRecorder) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (r *replyRecorder) Stop(ctx context.Context) error                         { return nil }

func (r *replyRecorder) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.sent = append(r.sent, text)
	r.to = append(r.to, to)
	return kit.MessageRef{}, nil
}

func (r *replyRecorder) last(t *testing.T) string {
	t.Helper()
	if len(r.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return r.sent[len(r.sent)-1]
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		cmd  string
		args []string
	}{
		{"/list", "list", []string{}},
		{"/track one piece " + vizURL, "track", []string{"one", "piece", vizURL}},
		{"/track@mangabot x u", "track", []string{"x", "u"}},
		{"/LIST", "list", []string{}},
		{"  /untrack  one_piece  ", "untrack", []string{"one_piece"}},
		{"hello there", "", nil},
		{"", "", nil},
	}
	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		if cmd != tt.cmd {
			t.Fatalf("splitCommand(%q) cmd = %q, want %q", tt.in, cmd, tt.cmd)
		}
		if len(args) != len(tt.args) {
			t.Fatalf("splitCommand(%q) args = %v, want %v", tt.in, args, tt.args)
		}
		if len(args) > 0 && !reflect.DeepEqual(args, tt.args) {
			t.Fatalf("splitCommand(%q) args = %v, want %v", tt.in, args, tt.args)
		}
	}
}

func routerMsg(text string, from int64) *kit.Message {
	return &kit.Message{ChatID: 42, FromID: from, Text: text}
}

func TestRouterTrackFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	facade, _ := newFacade(t)
	rec := &replyRecorder{}
	r := NewRouter(facade, rec, nil, logx.Nop())

	r.handle(ctx, routerMsg("/track one piece "+vizURL, 1))
	if !strings.Contains(rec.last(t), "Tracking One Piece") {
		t.Fatalf("unexpected reply: %q", rec.last(t))
	}
	if rec.to[0].ChatID != 42 {
		t.Fatalf("reply target = %+v", rec.to[0])
	}

	r.handle(ctx, routerMsg("/list", 1))
	if !strings.Contains(rec.last(t), "one_piece") {
		t.Fatalf("list reply: %q", rec.last(t))
	}

	r.handle(ctx, routerMsg("/untrack one piece", 1))
	if !strings.Contains(rec.last(t), "Untracked") {
		t.Fatalf("untrack reply: %q", rec.last(t))
	}
}

func TestRouterUsageErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	facade, _ := newFacade(t)
	rec := &replyRecorder{}
	r := NewRouter(facade, rec, nil, logx.Nop())

	r.handle(ctx, routerMsg("/track justname", 1))
	if !strings.Contains(rec.last(t), "Usage: /track") {
		t.Fatalf("reply: %q", rec.last(t))
	}

	r.handle(ctx, routerMsg("/untrack", 1))
	if !strings.Contains(rec.last(t), "Usage: /untrack") {
		t.Fatalf("reply: %q", rec.last(t))
	}

	// Unknown commands and plain text are ignored, not answered.
	before := len(rec.sent)
	r.handle(ctx, routerMsg("/weather", 1))
	r.handle(ctx, routerMsg("good morning", 1))
	if len(rec.sent) != before {
		t.Fatalf("unexpected replies: %v", rec.sent[before:])
	}
}

func TestRouterOwnerGating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	facade, st := newFacade(t)
	rec := &replyRecorder{}
	r := NewRouter(facade, rec, []int64{7}, logx.Nop())

	r.handle(ctx, routerMsg("/track x "+vizURL, 99))
	if !strings.Contains(rec.last(t), "Only bot owners") {
		t.Fatalf("reply: %q", rec.last(t))
	}
	if _, ok, _ := st.Get(ctx, "x"); ok {
		t.Fatal("non-owner track must not persist")
	}

	// /list stays open to everyone.
	r.handle(ctx, routerMsg("/list", 99))
	if !strings.Contains(rec.last(t), "No tracked series") {
		t.Fatalf("reply: %q", rec.last(t))
	}

	r.handle(ctx, routerMsg("/track x "+vizURL, 7))
	if !strings.Contains(rec.last(t), "Tracking") {
		t.Fatalf("owner track reply: %q", rec.last(t))
	}

	// Hot-reloaded allowlist takes effect immediately.
	r.SetOwners([]int64{99})
	r.handle(ctx, routerMsg("/untrack x", 7))
	if !strings.Contains(rec.last(t), "Only bot owners") {
		t.Fatalf("reply after SetOwners: %q", rec.last(t))
	}
}

func TestDispatchLoopStopsOnClose(t *testing.T) {
	t.Parallel()
	facade, _ := newFacade(t)
	rec := &replyRecorder{}
	r := NewRouter(facade, rec, nil, logx.Nop())

	updates := make(chan kit.Update, 1)
	updates <- kit.Update{Message: routerMsg("/list", 1)}
	close(updates)

	if err := r.DispatchLoop(context.Background(), updates); err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("sent = %v, want one /list reply", rec.sent)
	}
}
