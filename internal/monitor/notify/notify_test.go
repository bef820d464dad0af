package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocwatch/ocwatch/internal/monitor/store"
)

type captureExec struct {
	mu      sync.Mutex
	scripts []string
}

func (c *captureExec) run(ctx context.Context, script string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, script)
	return nil
}

func (c *captureExec) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scripts)
}

// newCaptureNotifier bypasses the LookPath probe so tests run without a
// platform notifier installed.
func newCaptureNotifier() (*Notifier, *captureExec) {
	rec := &captureExec{}
	n := New(false)
	n.enabled = true
	n.execCommand = rec.run
	return n, rec
}

func completion(sessionID, title string) store.Transition {
	return store.Transition{
		Kind:        store.KindStatus,
		SessionID:   sessionID,
		Old:         store.EffectiveBusy,
		New:         store.EffectiveIdle,
		TitleHint:   title,
		ServerLabel: "myapp:main",
	}
}

func TestHandle_CompletionNotifies(t *testing.T) {
	n, rec := newCaptureNotifier()

	n.handle(context.Background(), completion("ses_a", "refactor auth"))

	require.Equal(t, 1, rec.count())
	assert.Contains(t, rec.scripts[0], "refactor auth")
	assert.Contains(t, rec.scripts[0], "myapp:main")
}

func TestHandle_IdleToBusySuppressed(t *testing.T) {
	n, rec := newCaptureNotifier()

	n.handle(context.Background(), store.Transition{
		Kind:      store.KindStatus,
		SessionID: "ses_a",
		Old:       store.EffectiveIdle,
		New:       store.EffectiveBusy,
	})

	assert.Zero(t, rec.count(), "spin-up transitions never notify")
}

func TestHandle_Disabled(t *testing.T) {
	rec := &captureExec{}
	n := New(false)
	n.execCommand = rec.run

	n.handle(context.Background(), completion("ses_a", "x"))

	assert.Zero(t, rec.count())
}

func TestHandle_DedupeWindow(t *testing.T) {
	n, rec := newCaptureNotifier()

	n.handle(context.Background(), completion("ses_a", "x"))
	n.handle(context.Background(), completion("ses_a", "x"))

	assert.Equal(t, 1, rec.count(), "same session within the window dedupes")

	n.handle(context.Background(), completion("ses_b", "y"))
	assert.Equal(t, 2, rec.count(), "different session is not a duplicate")
}

func TestHandle_PermissionRequest(t *testing.T) {
	n, rec := newCaptureNotifier()

	n.handle(context.Background(), store.Transition{
		Kind:        store.KindPermission,
		SessionID:   "ses_a",
		ServerLabel: "myapp:main",
		Permission:  &store.Permission{ID: "perm-1", Tool: "bash"},
	})

	require.Equal(t, 1, rec.count())
	assert.Contains(t, rec.scripts[0], "Permission requested: bash")
}

func TestHandle_FallbackBody(t *testing.T) {
	n, rec := newCaptureNotifier()

	n.handle(context.Background(), completion("ses_a", ""))

	require.Equal(t, 1, rec.count())
	assert.Contains(t, rec.scripts[0], "Session is idle")
}

func TestBuildCommand_Darwin(t *testing.T) {
	got := buildCommand("darwin", "OpenCode", "myapp:main", `say "hi"`)
	assert.Equal(t, `osascript -e 'display notification "say \"hi\"" with title "OpenCode" subtitle "myapp:main"'`, got)
}

func TestBuildCommand_Linux(t *testing.T) {
	got := buildCommand("linux", "OpenCode", "myapp:main", "done")
	assert.Equal(t, `notify-send 'OpenCode' 'myapp:main: done'`, got)
}

func TestShellQuote_SingleQuotes(t *testing.T) {
	// A title like "don't" must not break out of the quoted argument.
	assert.Equal(t, `'don'\''t'`, shellQuote("don't"))
}

func TestAppleQuote_Escapes(t *testing.T) {
	assert.Equal(t, `"a \\ \"b\""`, appleQuote(`a \ "b"`))
}
