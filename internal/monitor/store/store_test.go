package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

const srv = "http://127.0.0.1:4096"

func newTestStore() (*Store, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	return New(clk), clk
}

func drain(s *Store) []Transition {
	var out []Transition
	for {
		select {
		case tr := <-s.Transitions():
			out = append(out, tr)
		default:
			return out
		}
	}
}

func TestUpsertFromStatus_NewSession(t *testing.T) {
	s, clk := newTestStore()

	isNew := s.UpsertFromStatus(srv, "ses_a", StatusBusy)
	assert.True(t, isNew)

	sess, ok := s.Get("ses_a")
	require.True(t, ok)
	assert.Equal(t, StatusBusy, sess.RawStatus)
	assert.Equal(t, clk.Now(), sess.BusySince)
	assert.Equal(t, clk.Now(), sess.DiscoveredAt)

	// Discovery of a new session is not a transition.
	assert.Empty(t, drain(s))
}

func TestUpsertFromStatus_BusyToIdleEmitsTransition(t *testing.T) {
	s, clk := newTestStore()

	s.UpsertFromStatus(srv, "ses_a", StatusBusy)
	clk.Advance(30 * time.Second)
	s.UpsertFromStatus(srv, "ses_a", StatusIdle)

	trs := drain(s)
	require.Len(t, trs, 1)
	assert.Equal(t, KindStatus, trs[0].Kind)
	assert.Equal(t, EffectiveBusy, trs[0].Old)
	assert.Equal(t, EffectiveIdle, trs[0].New)
	assert.Equal(t, "ses_a", trs[0].SessionID)

	sess, _ := s.Get("ses_a")
	assert.True(t, sess.BusySince.IsZero())
}

func TestUpsertFromStatus_SameStatusIsNoop(t *testing.T) {
	s, _ := newTestStore()
	dirty := 0
	s.SetDirtyHook(func() { dirty++ })

	s.UpsertFromStatus(srv, "ses_a", StatusBusy)
	before := dirty
	s.UpsertFromStatus(srv, "ses_a", StatusBusy)

	assert.Equal(t, before, dirty)
	assert.Empty(t, drain(s))
}

func TestBusySince_PreservedAcrossActiveStatuses(t *testing.T) {
	s, clk := newTestStore()

	s.UpsertFromStatus(srv, "ses_a", StatusPending)
	started := clk.Now()
	clk.Advance(time.Minute)
	s.UpsertFromStatus(srv, "ses_a", StatusRunning)

	sess, _ := s.Get("ses_a")
	assert.Equal(t, started, sess.BusySince, "busy-since survives active-to-active changes")

	// Active -> active is not an effective transition.
	assert.Empty(t, drain(s))
}

func TestUpsertFromUpdate_RejectsCycle(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertFromUpdate(srv, "ses_a", "root", "", "")
	s.UpsertFromUpdate(srv, "ses_b", "child", "ses_a", "")

	// a -> b would close a cycle: must be dropped.
	s.UpsertFromUpdate(srv, "ses_a", "", "ses_b", "")

	sess, _ := s.Get("ses_a")
	assert.Empty(t, sess.ParentID)
}

func TestUpsertFromUpdate_SelfParentRejected(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertFromUpdate(srv, "ses_a", "root", "ses_a", "")

	sess, _ := s.Get("ses_a")
	assert.Empty(t, sess.ParentID)
}

func TestUpsertFromUpdate_KeepsFieldsWhenAbsent(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertFromUpdate(srv, "ses_a", "my title", "", "/tmp/p")
	s.UpsertFromUpdate(srv, "ses_a", "", "", "")

	sess, _ := s.Get("ses_a")
	assert.Equal(t, "my title", sess.Title)
	assert.Equal(t, "/tmp/p", sess.Directory)
}

func TestSetPermission_EmitsAndClearAny(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertFromStatus(srv, "ses_a", StatusBusy)
	drain(s)

	s.SetPermission(Permission{ID: "perm-1", SessionID: "ses_a", Tool: "bash"})

	trs := drain(s)
	require.Len(t, trs, 1)
	assert.Equal(t, KindPermission, trs[0].Kind)
	require.NotNil(t, trs[0].Permission)
	assert.Equal(t, "bash", trs[0].Permission.Tool)

	// Clearing with a mismatched id is a no-op.
	s.ClearPermission("ses_a", "perm-other")
	sess, _ := s.Get("ses_a")
	require.NotNil(t, sess.Pending)

	// Empty id clears whatever is pending.
	s.ClearPermission("ses_a", "")
	sess, _ = s.Get("ses_a")
	assert.Nil(t, sess.Pending)
}

func TestSetPermission_UnknownSessionIgnored(t *testing.T) {
	s, _ := newTestStore()
	s.SetPermission(Permission{ID: "perm-1", SessionID: "ses_missing"})
	assert.Empty(t, drain(s))
}

func TestRemoveServerSessions(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertFromStatus(srv, "ses_a", StatusIdle)
	s.UpsertFromStatus(srv, "ses_b", StatusBusy)
	s.UpsertFromStatus("http://127.0.0.1:5000", "ses_c", StatusIdle)

	s.RemoveServerSessions(srv)

	assert.Len(t, s.List(), 1)
	_, ok := s.Get("ses_c")
	assert.True(t, ok)
}

func TestSyncServer_ReconcilesAndDropsAbsent(t *testing.T) {
	s, clk := newTestStore()
	s.UpsertFromStatus(srv, "ses_gone", StatusIdle)
	s.UpsertFromStatus(srv, "ses_keep", StatusIdle)
	drain(s)

	s.SyncServer(srv, []FetchedSession{
		{
			Session: upstream.Session{
				ID:    "ses_keep",
				Title: "kept",
				Time:  upstream.SessionTime{Created: 1000, Updated: 2000},
			},
			Status: StatusBusy,
			Stats:  &upstream.Stats{Cost: 1.25, Tokens: upstream.TokenCounts{Input: 10, Output: 20, Total: 30}},
		},
		{
			Session: upstream.Session{ID: "ses_new"},
		},
	})

	_, ok := s.Get("ses_gone")
	assert.False(t, ok, "sessions absent from the fetch are dropped")

	kept, ok := s.Get("ses_keep")
	require.True(t, ok)
	assert.Equal(t, "kept", kept.Title)
	assert.Equal(t, StatusBusy, kept.RawStatus)
	assert.Equal(t, clk.Now(), kept.BusySince)
	assert.Equal(t, 1.25, kept.Cost)
	assert.Equal(t, int64(30), kept.TokensTotal)

	// Fetched sessions with no active entry default to idle.
	added, ok := s.Get("ses_new")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, added.RawStatus)

	// idle -> busy on a known session is an effective transition.
	trs := drain(s)
	require.Len(t, trs, 1)
	assert.Equal(t, "ses_keep", trs[0].SessionID)
	assert.Equal(t, EffectiveBusy, trs[0].New)
}

func TestMarkIdleThenBusyRoundTrip(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertFromStatus(srv, "ses_a", StatusBusy)
	drain(s)

	s.MarkIdle(srv, "ses_a")
	s.MarkBusy(srv, "ses_a")

	trs := drain(s)
	require.Len(t, trs, 2)
	assert.Equal(t, EffectiveIdle, trs[0].New)
	assert.Equal(t, EffectiveBusy, trs[1].New)
}

func TestServerLabelerUsedInTransitions(t *testing.T) {
	s, _ := newTestStore()
	s.SetServerLabeler(func(url string) string { return "myapp:main" })
	s.UpsertFromStatus(srv, "ses_a", StatusBusy)
	drain(s)

	s.UpsertFromStatus(srv, "ses_a", StatusIdle)

	trs := drain(s)
	require.Len(t, trs, 1)
	assert.Equal(t, "myapp:main", trs[0].ServerLabel)
}
