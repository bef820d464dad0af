package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSessions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session", r.URL.Path)
		fmt.Fprint(w, `[{"id":"ses_1","title":"a","time":{"created":1000,"updated":2000}}]`)
	}))
	defer ts.Close()

	got, err := NewClient(ts.URL).ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ses_1", got[0].ID)
	assert.Equal(t, int64(1000), got[0].Time.Created)
}

func TestActiveStatus_MixedEncodings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ses_1":"busy","ses_2":{"type":"running"},"ses_3":42}`)
	}))
	defer ts.Close()

	got, err := NewClient(ts.URL).ActiveStatus(context.Background())
	require.NoError(t, err)
	// The malformed ses_3 entry is skipped, not fatal.
	assert.Equal(t, map[string]string{"ses_1": "busy", "ses_2": "running"}, got)
}

func TestStats_NotFoundIsNil(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	got, err := NewClient(ts.URL).Stats(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrompt_SendsTextPart(t *testing.T) {
	var body promptRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session/ses_1/prompt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer ts.Close()

	require.NoError(t, NewClient(ts.URL).Prompt(context.Background(), "ses_1", "do the thing"))
	require.Len(t, body.Parts, 1)
	assert.Equal(t, "text", body.Parts[0].Type)
	assert.Equal(t, "do the thing", body.Parts[0].Text)
}

func TestRespondPermission(t *testing.T) {
	var body permissionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/ses_1/permissions/perm-9", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer ts.Close()

	require.NoError(t, NewClient(ts.URL).RespondPermission(context.Background(), "ses_1", "perm-9", "deny", true))
	assert.Equal(t, "deny", body.Response)
	assert.True(t, body.Remember)
}

func TestGetJSON_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetSession(context.Background(), "ses_1")
	assert.ErrorContains(t, err, "unexpected status 500")
}
