package command

import (
	"context"
	"strings"
	"sync"
	"time"

	kit "mangabot/internal/transport"
	logx "mangabot/pkg/logx"
)

const handleTimeout = 15 * time.Second

// Router consumes chat updates and routes the three management commands to
// the facade. It serializes replies through the adapter; store access inside
// the facade uses the same internal synchronization as the poll cycle, so a
// /untrack racing an in-flight poll resolves in the store, not here.
type Router struct {
	facade  *Facade
	adapter kit.Adapter
	log     logx.Logger

	mu     sync.Mutex
	owners []int64
}

func NewRouter(facade *Facade, adapter kit.Adapter, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{facade: facade, adapter: adapter, owners: owners, log: log}
}

// SetOwners swaps the allowlist at runtime (config hot reload).
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

// Commands returns the menu entries for adapters that support command menus.
func (r *Router) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "track", Description: "Track a manga by its VIZ chapters URL"},
		{Command: "untrack", Description: "Stop tracking a manga"},
		{Command: "list", Description: "List tracked manga"},
	}
}

// DispatchLoop processes updates until ctx is done or the channel closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			r.handle(ctx, up.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, m *kit.Message) {
	cmd, args := splitCommand(m.Text)
	if cmd == "" {
		return
	}

	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var res Result
	switch cmd {
	case "track":
		if !r.allowed(m.FromID) {
			res = Result{Status: StatusInvalid, Text: "Only bot owners can manage tracked series."}
			break
		}
		if len(args) < 2 {
			res = Result{Status: StatusInvalid, Text: "Usage: /track <name> <url>"}
			break
		}
		// Multi-word names: everything before the trailing URL.
		name := strings.Join(args[:len(args)-1], " ")
		res = r.facade.Track(hctx, name, args[len(args)-1])
	case "untrack":
		if !r.allowed(m.FromID) {
			res = Result{Status: StatusInvalid, Text: "Only bot owners can manage tracked series."}
			break
		}
		if len(args) < 1 {
			res = Result{Status: StatusInvalid, Text: "Usage: /untrack <name>"}
			break
		}
		res = r.facade.Untrack(hctx, strings.Join(args, " "))
	case "list":
		res = r.facade.List(hctx)
	default:
		return
	}

	if res.Text == "" {
		return
	}
	if _, err := r.adapter.SendText(hctx, to, res.Text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("command reply failed", logx.String("cmd", cmd), logx.Err(err))
	}
}

func (r *Router) allowed(userID int64) bool {
	r.mu.Lock()
	owners := r.owners
	r.mu.Unlock()
	if len(owners) == 0 {
		return true
	}
	for _, id := range owners {
		if id == userID {
			return true
		}
	}
	return false
}

// splitCommand parses "/track@mybot one piece <url>" into ("track", args).
// Returns an empty command for non-command text.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), fields[1:]
}
