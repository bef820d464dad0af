// Package notify delivers best-effort desktop notifications for
// session transitions via the platform notifier (osascript on macOS,
// notify-send elsewhere).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
)

const (
	// dedupeWindow suppresses identical notifications for the same
	// session within this window (a flapping session stays quiet).
	dedupeWindow = 5 * time.Second

	// Global delivery budget: sustained 10/min with a burst of 3.
	ratePerMinute = 10
	rateBurst     = 3
)

// Notifier consumes transition events and emits OS notifications.
type Notifier struct {
	enabled bool
	limiter *rate.Limiter
	dedupe  *gocache.Cache

	// execCommand is swappable in tests.
	execCommand func(ctx context.Context, script string) error
}

// New creates a Notifier. When the platform notifier binary is missing
// the notifier reports it once and stays disabled; the process
// continues without the capability.
func New(enabled bool) *Notifier {
	n := &Notifier{
		enabled:     enabled,
		limiter:     rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), rateBurst),
		dedupe:      gocache.New(dedupeWindow, time.Minute),
		execCommand: runShell,
	}
	if enabled {
		if _, err := exec.LookPath(notifierBinary()); err != nil {
			slog.Warn("platform notifier not found, desktop notifications disabled",
				"binary", notifierBinary(), "error", err)
			n.enabled = false
		}
	}
	return n
}

// Run consumes transitions until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, transitions <-chan store.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-transitions:
			n.handle(ctx, tr)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, tr store.Transition) {
	if !n.enabled {
		metrics.NotificationsSuppressed.WithLabelValues("disabled").Inc()
		return
	}

	var body, key string
	switch tr.Kind {
	case store.KindStatus:
		// Only active -> inactive transitions notify; anything else is
		// cold-start or spin-up noise.
		if tr.Old != store.EffectiveBusy || tr.New == store.EffectiveBusy {
			metrics.NotificationsSuppressed.WithLabelValues("not_completion").Inc()
			return
		}
		body = tr.TitleHint
		if body == "" {
			body = "Session is idle"
		}
		key = tr.SessionID + "|idle"

	case store.KindPermission:
		tool := ""
		if tr.Permission != nil {
			tool = tr.Permission.Tool
		}
		body = "Permission requested: " + tool
		key = tr.SessionID + "|perm|" + tool

	default:
		return
	}

	if _, dup := n.dedupe.Get(key); dup {
		metrics.NotificationsSuppressed.WithLabelValues("duplicate").Inc()
		return
	}
	if !n.limiter.Allow() {
		metrics.NotificationsSuppressed.WithLabelValues("rate").Inc()
		return
	}
	n.dedupe.SetDefault(key, struct{}{})

	n.send(ctx, "OpenCode", tr.ServerLabel, body)
}

// send invokes the platform notifier. Exec errors are swallowed:
// notifications are best-effort and never propagate.
func (n *Notifier) send(ctx context.Context, title, subtitle, body string) {
	script := buildCommand(runtime.GOOS, title, subtitle, body)

	execCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := n.execCommand(execCtx, script); err != nil {
		slog.Debug("notification exec failed", "error", err)
		return
	}
	metrics.NotificationsSent.Inc()
}

// buildCommand renders the shell line for the given platform. All
// interpolated values go through single-quote escaping.
func buildCommand(goos, title, subtitle, body string) string {
	switch goos {
	case "darwin":
		expr := fmt.Sprintf("display notification %s with title %s subtitle %s",
			appleQuote(body), appleQuote(title), appleQuote(subtitle))
		return "osascript -e " + shellQuote(expr)
	default:
		return "notify-send " + shellQuote(title) + " " + shellQuote(subtitle+": "+body)
	}
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// by closing, escaping and reopening ('\'' sequence).
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// appleQuote renders an AppleScript double-quoted string literal.
func appleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func notifierBinary() string {
	if runtime.GOOS == "darwin" {
		return "osascript"
	}
	return "notify-send"
}

func runShell(ctx context.Context, script string) error {
	return exec.CommandContext(ctx, "sh", "-c", script).Run()
}
