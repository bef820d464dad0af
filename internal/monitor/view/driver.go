// Package view drives the focused-session drill-down: tree
// navigation, message refresh, and command forwarding for one session
// at a time.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/registry"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

const commandTimeout = 10 * time.Second

// ClientResolver returns the HTTP client for a server URL, or nil when
// the server has no live connection. The connection supervisor
// implements it.
type ClientResolver func(url string) *upstream.Client

// Driver owns the focused session and its session-scoped SSE
// subscription.
type Driver struct {
	st       *store.Store
	reg      *registry.Registry
	resolve  ClientResolver
	clk      clock.Clock
	debounce time.Duration

	parent context.Context

	mu        sync.Mutex
	focusURL  string
	focusID   string
	tree      []store.TreeNode
	messages  []upstream.Message
	lastErr   string
	sseCancel context.CancelFunc
	refreshCh chan struct{}

	// OnUpdate, when set, is called after messages or focus change so
	// the presenter can redraw. Called without locks held.
	OnUpdate func()
}

// New creates a Driver.
func New(st *store.Store, reg *registry.Registry, resolve ClientResolver, clk clock.Clock, debounce time.Duration) *Driver {
	return &Driver{
		st:       st,
		reg:      reg,
		resolve:  resolve,
		clk:      clk,
		debounce: debounce,
		parent:   context.Background(),
	}
}

// Bind sets the parent context for the driver's subscriptions.
func (d *Driver) Bind(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parent = ctx
}

// Enter focuses a session: builds the depth-annotated tree list,
// loads messages, and opens a session-filtered event subscription.
func (d *Driver) Enter(serverURL, sessionID string) error {
	if _, ok := d.st.Get(sessionID); !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	client := d.resolve(serverURL)
	if client == nil {
		return fmt.Errorf("server %s is not connected", serverURL)
	}

	d.Exit()

	tree := d.st.Tree(sessionID)

	d.mu.Lock()
	d.focusURL = serverURL
	d.focusID = sessionID
	d.tree = tree
	d.lastErr = ""
	d.refreshCh = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(d.parent)
	d.sseCancel = cancel
	refreshCh := d.refreshCh
	d.mu.Unlock()

	go d.watchLoop(ctx, client)
	go d.refreshLoop(ctx, client, refreshCh)

	d.reloadMessages(context.Background(), client)
	return nil
}

// Switch moves focus within the tree list, wrapping around. The
// subscription stays open; it filters by the current focus id.
func (d *Driver) Switch(next bool) {
	d.mu.Lock()
	if len(d.tree) == 0 {
		d.mu.Unlock()
		return
	}
	idx := 0
	for i, node := range d.tree {
		if node.Session.ID == d.focusID {
			idx = i
			break
		}
	}
	if next {
		idx = (idx + 1) % len(d.tree)
	} else {
		idx = (idx - 1 + len(d.tree)) % len(d.tree)
	}
	d.focusID = d.tree[idx].Session.ID
	url := d.focusURL
	d.mu.Unlock()

	if client := d.resolve(url); client != nil {
		d.reloadMessages(context.Background(), client)
	}
}

// Abort asks the owning server to abort the focused session and
// optimistically marks it idle; the event stream will confirm.
func (d *Driver) Abort() error {
	url, sessionID, client, err := d.focusedClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(d.parent, commandTimeout)
	defer cancel()

	if err := client.Abort(ctx, sessionID); err != nil {
		d.setErr(fmt.Sprintf("abort failed: %v", err))
		return err
	}
	d.st.MarkIdle(url, sessionID)
	d.clearErr()
	return nil
}

// SendPrompt forwards a prompt to the focused session. Empty input
// (after trimming) is a no-op. The session is optimistically marked
// busy.
func (d *Driver) SendPrompt(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	url, sessionID, client, err := d.focusedClient()
	if err != nil {
		return err
	}

	d.st.MarkBusy(url, sessionID)

	ctx, cancel := context.WithTimeout(d.parent, commandTimeout)
	defer cancel()

	if err := client.Prompt(ctx, sessionID, text); err != nil {
		d.setErr(fmt.Sprintf("prompt failed: %v", err))
		return err
	}
	d.clearErr()
	return nil
}

// RespondPermission answers the focused session's pending permission
// and clears it locally on success.
func (d *Driver) RespondPermission(permID string, allow bool, remember bool) error {
	_, sessionID, client, err := d.focusedClient()
	if err != nil {
		return err
	}

	response := "deny"
	if allow {
		response = "allow"
	}

	ctx, cancel := context.WithTimeout(d.parent, commandTimeout)
	defer cancel()

	if err := client.RespondPermission(ctx, sessionID, permID, response, remember); err != nil {
		d.setErr(fmt.Sprintf("permission response failed: %v", err))
		return err
	}
	d.st.ClearPermission(sessionID, permID)
	d.clearErr()
	return nil
}

// Exit drops focus and cancels the subscription. Idempotent.
func (d *Driver) Exit() {
	d.mu.Lock()
	cancel := d.sseCancel
	d.sseCancel = nil
	d.focusURL = ""
	d.focusID = ""
	d.tree = nil
	d.messages = nil
	d.refreshCh = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.notify()
}

// DropIfServer clears focus when the focused session's server is
// removed from the registry.
func (d *Driver) DropIfServer(url string) {
	d.mu.Lock()
	match := d.focusURL == url
	d.mu.Unlock()
	if match {
		d.Exit()
	}
}

// Focused returns the focused server URL and session id.
func (d *Driver) Focused() (serverURL, sessionID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.focusURL, d.focusID, d.focusID != ""
}

// Tree returns the flattened tree list built at Enter.
func (d *Driver) Tree() []store.TreeNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree
}

// Messages returns the most recently loaded transcript.
func (d *Driver) Messages() []upstream.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messages
}

// Err returns the one-shot error slot, cleared by the next successful
// command.
func (d *Driver) Err() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// watchLoop keeps the session-scoped subscription open while focus
// lasts, retrying with backoff on stream errors.
func (d *Driver) watchLoop(ctx context.Context, client *upstream.Client) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0

	for {
		if ctx.Err() != nil {
			return
		}
		err := d.pump(ctx, client)
		if ctx.Err() != nil {
			return
		}
		interval := bo.NextBackOff()
		slog.Debug("focused stream lost, retrying", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-d.clk.After(interval):
		}
	}
}

func (d *Driver) pump(ctx context.Context, client *upstream.Client) error {
	stream, err := client.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}
		decoded, err := upstream.DecodeEvent(ev)
		if err != nil {
			continue
		}

		d.mu.Lock()
		focused := d.focusID
		refreshCh := d.refreshCh
		d.mu.Unlock()

		if upstream.EventSessionID(decoded) != focused || refreshCh == nil {
			continue
		}
		switch decoded.(type) {
		case upstream.MessageUpdated, upstream.MessagePartUpdated:
			select {
			case refreshCh <- struct{}{}:
			default:
				// A refresh is already pending; coalesce.
			}
		}
	}
}

// refreshLoop debounces message reloads: one reload at most per
// debounce window, triggers inside the window coalesce into the
// pending reload.
func (d *Driver) refreshLoop(ctx context.Context, client *upstream.Client, refreshCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshCh:
		}

		select {
		case <-ctx.Done():
			return
		case <-d.clk.After(d.debounce):
		}

		// Drain triggers that arrived during the window.
		for {
			select {
			case <-refreshCh:
				continue
			default:
			}
			break
		}

		d.reloadMessages(ctx, client)
	}
}

func (d *Driver) reloadMessages(ctx context.Context, client *upstream.Client) {
	d.mu.Lock()
	sessionID := d.focusID
	d.mu.Unlock()
	if sessionID == "" {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	msgs, err := client.Messages(fetchCtx, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("message reload failed", "session", sessionID, "error", err)
		}
		return
	}

	d.mu.Lock()
	if d.focusID == sessionID {
		d.messages = msgs
	}
	d.mu.Unlock()
	d.notify()
}

func (d *Driver) focusedClient() (url, sessionID string, client *upstream.Client, err error) {
	d.mu.Lock()
	url, sessionID = d.focusURL, d.focusID
	d.mu.Unlock()

	if sessionID == "" {
		return "", "", nil, fmt.Errorf("no focused session")
	}
	client = d.resolve(url)
	if client == nil {
		return "", "", nil, fmt.Errorf("server %s is not connected", url)
	}
	return url, sessionID, client, nil
}

func (d *Driver) setErr(msg string) {
	d.mu.Lock()
	d.lastErr = msg
	d.mu.Unlock()
	d.notify()
}

func (d *Driver) clearErr() {
	d.mu.Lock()
	d.lastErr = ""
	d.mu.Unlock()
	d.notify()
}

func (d *Driver) notify() {
	if d.OnUpdate != nil {
		d.OnUpdate()
	}
}
