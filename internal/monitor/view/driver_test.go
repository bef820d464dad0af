package view

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/discovery"
	"github.com/ocwatch/ocwatch/internal/monitor/registry"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
	"github.com/ocwatch/ocwatch/internal/util/testutil"
)

type nopConnector struct{}

func (nopConnector) Connect(string)    {}
func (nopConnector) Disconnect(string) {}

// agentStub is a fake server with a controllable transcript and
// recorded command posts.
type agentStub struct {
	mu       sync.Mutex
	messages []upstream.Message
	aborts   int32
	prompts  []string
	perms    []string

	events chan string
	srv    *httptest.Server
}

func newAgentStub(t *testing.T) *agentStub {
	t.Helper()
	a := &agentStub{events: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /session/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		_ = json.NewEncoder(w).Encode(a.messages)
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&a.aborts, 1)
	})
	mux.HandleFunc("POST /session/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Parts []upstream.MessagePart `json:"parts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.mu.Lock()
		defer a.mu.Unlock()
		if len(req.Parts) > 0 {
			a.prompts = append(a.prompts, req.Parts[0].Text)
		}
	})
	mux.HandleFunc("POST /session/{id}/permissions/{permID}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Response string `json:"response"`
			Remember bool   `json:"remember"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.mu.Lock()
		defer a.mu.Unlock()
		a.perms = append(a.perms, fmt.Sprintf("%s/%s remember=%v", r.PathValue("permID"), req.Response, req.Remember))
	})
	mux.HandleFunc("GET /event/subscribe", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-a.events:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				w.(http.Flusher).Flush()
			}
		}
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *agentStub) setMessages(msgs []upstream.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = msgs
}

func textMsg(role, text string) upstream.Message {
	return upstream.Message{
		Info:  upstream.MessageInfo{Role: role},
		Parts: []upstream.MessagePart{{Type: "text", Text: text}},
	}
}

func newTestDriver(t *testing.T, stub *agentStub) (*Driver, *store.Store, *upstream.Client) {
	t.Helper()
	clk := clock.System()
	st := store.New(clk)
	reg := registry.New(clk, st)
	reg.SetConnector(nopConnector{})
	reg.HandleAnnounce(&discovery.Announce{
		ServerURL:  stub.srv.URL,
		InstanceID: "inst-1",
		Timestamp:  time.Now(),
	})

	client := upstream.NewClient(stub.srv.URL)
	resolve := func(url string) *upstream.Client {
		if url == stub.srv.URL {
			return client
		}
		return nil
	}
	d := New(st, reg, resolve, clk, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Bind(ctx)
	t.Cleanup(d.Exit)
	return d, st, client
}

func TestEnter_LoadsTreeAndMessages(t *testing.T) {
	stub := newAgentStub(t)
	stub.setMessages([]upstream.Message{textMsg("user", "hello")})
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromUpdate(stub.srv.URL, "ses_root", "root", "", "")
	st.UpsertFromUpdate(stub.srv.URL, "ses_child", "child", "ses_root", "")

	require.NoError(t, d.Enter(stub.srv.URL, "ses_child"))

	_, focusID, ok := d.Focused()
	require.True(t, ok)
	assert.Equal(t, "ses_child", focusID)

	tree := d.Tree()
	require.Len(t, tree, 2)
	assert.Equal(t, "ses_root", tree[0].Session.ID)

	testutil.RequireEventually(t, func() bool {
		msgs := d.Messages()
		return len(msgs) == 1 && msgs[0].Parts[0].Text == "hello"
	})
}

func TestEnter_UnknownSession(t *testing.T) {
	stub := newAgentStub(t)
	d, _, _ := newTestDriver(t, stub)
	assert.Error(t, d.Enter(stub.srv.URL, "ses_nope"))
}

func TestEnter_DisconnectedServer(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)
	st.UpsertFromUpdate("http://127.0.0.1:1", "ses_a", "", "", "")
	assert.Error(t, d.Enter("http://127.0.0.1:1", "ses_a"))
}

func TestSwitch_WrapsAround(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromUpdate(stub.srv.URL, "ses_root", "", "", "")
	st.UpsertFromUpdate(stub.srv.URL, "ses_kid", "", "ses_root", "")
	require.NoError(t, d.Enter(stub.srv.URL, "ses_root"))

	d.Switch(true)
	_, id, _ := d.Focused()
	assert.Equal(t, "ses_kid", id)

	d.Switch(true) // wraps back to the root
	_, id, _ = d.Focused()
	assert.Equal(t, "ses_root", id)

	d.Switch(false) // backwards also wraps
	_, id, _ = d.Focused()
	assert.Equal(t, "ses_kid", id)
}

func TestAbort_OptimisticIdle(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusRunning)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))

	require.NoError(t, d.Abort())

	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.aborts))
	sess, _ := st.Get("ses_a")
	assert.Equal(t, store.StatusIdle, sess.RawStatus)
}

func TestSendPrompt_EmptyIsNoop(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusIdle)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))

	require.NoError(t, d.SendPrompt("   \n\t"))
	stub.mu.Lock()
	assert.Empty(t, stub.prompts)
	stub.mu.Unlock()

	require.NoError(t, d.SendPrompt("continue please"))
	stub.mu.Lock()
	assert.Equal(t, []string{"continue please"}, stub.prompts)
	stub.mu.Unlock()

	// Optimistically busy until the stream confirms.
	sess, _ := st.Get("ses_a")
	assert.Equal(t, store.StatusBusy, sess.RawStatus)
}

func TestRespondPermission_ClearsPending(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusRunning)
	st.SetPermission(store.Permission{ID: "perm-1", SessionID: "ses_a", Tool: "bash"})
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))

	require.NoError(t, d.RespondPermission("perm-1", true, true))

	stub.mu.Lock()
	assert.Equal(t, []string{"perm-1/allow remember=true"}, stub.perms)
	stub.mu.Unlock()

	sess, _ := st.Get("ses_a")
	assert.Nil(t, sess.Pending)
}

func TestExit_Idempotent(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusIdle)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))

	d.Exit()
	d.Exit()

	_, _, ok := d.Focused()
	assert.False(t, ok)
	assert.Error(t, d.Abort(), "commands need a focused session")
}

func TestMessageEvents_TriggerDebouncedReload(t *testing.T) {
	stub := newAgentStub(t)
	stub.setMessages([]upstream.Message{textMsg("user", "hello")})
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusRunning)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))
	testutil.RequireEventually(t, func() bool { return len(d.Messages()) == 1 })

	stub.setMessages([]upstream.Message{
		textMsg("user", "hello"),
		textMsg("assistant", "working on it"),
	})
	stub.events <- `{"type":"message.updated","properties":{"sessionID":"ses_a"}}`

	testutil.RequireEventually(t, func() bool { return len(d.Messages()) == 2 })
}

func TestMessageEvents_OtherSessionIgnored(t *testing.T) {
	stub := newAgentStub(t)
	stub.setMessages([]upstream.Message{textMsg("user", "hello")})
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusRunning)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))
	testutil.RequireEventually(t, func() bool { return len(d.Messages()) == 1 })

	stub.setMessages([]upstream.Message{textMsg("user", "hello"), textMsg("assistant", "x")})
	stub.events <- `{"type":"message.updated","properties":{"sessionID":"ses_other"}}`

	// The event targets a different session: no reload happens.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, d.Messages(), 1)
}

func TestServerRestart_ClearsFocus(t *testing.T) {
	stub := newAgentStub(t)
	clk := clock.System()
	st := store.New(clk)
	reg := registry.New(clk, st)
	reg.SetConnector(nopConnector{})
	reg.HandleAnnounce(&discovery.Announce{
		ServerURL:  stub.srv.URL,
		InstanceID: "inst-1",
		Timestamp:  time.Now(),
	})

	client := upstream.NewClient(stub.srv.URL)
	d := New(st, reg, func(url string) *upstream.Client {
		if url == stub.srv.URL {
			return client
		}
		return nil
	}, clk, 10*time.Millisecond)
	reg.SetRemoveHook(d.DropIfServer)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Bind(ctx)
	t.Cleanup(d.Exit)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusRunning)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))

	// Same URL, new instanceId: the old instance is destroyed and a
	// fresh one takes its place.
	reg.HandleAnnounce(&discovery.Announce{
		ServerURL:  stub.srv.URL,
		InstanceID: "inst-2",
		Timestamp:  time.Now(),
	})

	_, _, focused := d.Focused()
	assert.False(t, focused, "focus cannot outlive the instance that owned it")
	_, exists := st.Get("ses_a")
	assert.False(t, exists)
}

func TestDropIfServer(t *testing.T) {
	stub := newAgentStub(t)
	d, st, _ := newTestDriver(t, stub)

	st.UpsertFromStatus(stub.srv.URL, "ses_a", store.StatusIdle)
	require.NoError(t, d.Enter(stub.srv.URL, "ses_a"))

	d.DropIfServer("http://127.0.0.1:1") // different server: focus kept
	_, _, ok := d.Focused()
	assert.True(t, ok)

	d.DropIfServer(stub.srv.URL)
	_, _, ok = d.Focused()
	assert.False(t, ok)
}
