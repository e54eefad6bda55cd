package foremansdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveGate(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/gates/g-1/resolve", r.URL.Path)
		assert.Equal(t, "fm_key", r.Header.Get("X-Api-Key"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"request_id":"g-1","status":"resolved","decision":"approved"}`)
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "fm_key"
	g, err := c.ResolveGate(context.Background(), "g-1", "approved", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, "resolved", g.Status)
	assert.Equal(t, map[string]any{"decision": "approved", "resolution": "looks fine"}, gotBody)
}

func TestListGatesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "S1", r.URL.Query().Get("session_id"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		io.WriteString(w, `{"items":[{"request_id":"a"},{"request_id":"b"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	gates, err := c.ListGates(context.Background(), GateFilter{SessionID: "S1", Status: "pending", Limit: 10})
	require.NoError(t, err)
	require.Len(t, gates, 2)
	assert.Equal(t, "b", gates[1].RequestID)
}

func TestSessionsLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v0/sessions":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "EPIC", body["epic_id"])
			assert.Equal(t, float64(2), body["concurrency"])
			w.WriteHeader(http.StatusAccepted)
			io.WriteString(w, `{"session_id":"S9","epic_id":"EPIC"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/v0/sessions/S9":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":"not_found","message":"session not found"}}`)
		default:
			io.WriteString(w, `{"items":[{"id":"S9","epic_id":"EPIC","state":"running","started_at":"2026-01-02T03:04:05Z"}]}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	id, err := c.StartSession(ctx, "EPIC", StartOptions{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, "S9", id)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "running", sessions[0].State)

	require.NoError(t, c.CancelSession(ctx, "S9"))

	err = c.CancelSession(ctx, "S0")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
}
