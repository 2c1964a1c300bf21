package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adw/internal/state"
)

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func del(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListEndpoint(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)

	require.NoError(t, store.Save(context.Background(), &state.ADWState{
		ADWID:      "a1b2c3d4",
		IssueClass: "/bug",
		IssueTitle: "Fix crash",
	}))

	rec := get(t, srv, "/api/adws/list")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ADWs []map[string]any `json:"adws"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.ADWs, 1)
	assert.Equal(t, "bug", body.ADWs[0]["issue_class"], "class exposed without leading slash")
}

func TestGetEndpointValidation(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/adws/bad-id").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/adws/a1b2c3d4").Code)

	require.NoError(t, store.Save(context.Background(), &state.ADWState{ADWID: "a1b2c3d4"}))
	rec := get(t, srv, "/api/adws/a1b2c3d4")
	require.Equal(t, http.StatusOK, rec.Code)

	var st state.ADWState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "a1b2c3d4", st.ADWID)
}

func TestDeleteIdempotence(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	require.NoError(t, store.Save(context.Background(), &state.ADWState{ADWID: "abcdef01"}))

	rec := del(t, srv, "/api/adws/abcdef01")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["db_updated"])

	// The list no longer includes it.
	list := get(t, srv, "/api/adws/list")
	var listBody struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listBody))
	assert.Zero(t, listBody.Count)

	// Second delete is a 404.
	assert.Equal(t, http.StatusNotFound, del(t, srv, "/api/adws/abcdef01").Code)
}

func TestDeleteRejectsBadID(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, del(t, srv, "/api/adws/bad_id!!").Code)
}

func TestPlanEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/adws/nope/plan").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/adws/a1b2c3d4/plan").Code)
}

func TestAgentStateUpdate(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv, "/api/agent-state-update", map[string]any{
		"event_type": "agent_status_change",
		"data":       map[string]any{"adw_id": "a1b2c3d4", "status": "running"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv, "/api/agent-state-update", map[string]any{
		"event_type": "not_an_agent_event",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := get(t, srv, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
