package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/shellagent/internal/metrics"
	"github.com/peterje/shellagent/internal/models"
	"github.com/peterje/shellagent/internal/preflight"
	"github.com/peterje/shellagent/internal/pty"
	"github.com/peterje/shellagent/internal/session"
	"github.com/peterje/shellagent/internal/session/sessiontest"
)

type fakeJournal struct {
	sessions []models.AuditSession
	commands map[string][]models.AuditCommand
	err      error
	panics   bool
	limit    int
}

func (f *fakeJournal) Sessions(_ context.Context, limit int) ([]models.AuditSession, error) {
	if f.panics {
		panic("journal exploded")
	}
	f.limit = limit
	return f.sessions, f.err
}

func (f *fakeJournal) Commands(_ context.Context, id string) ([]models.AuditCommand, error) {
	return f.commands[id], f.err
}

func newRegistry(t *testing.T, ids ...string) *session.Registry {
	t.Helper()
	reg := session.NewRegistry()
	for _, id := range ids {
		require.NoError(t, reg.Register(id, session.New(id, "", sessiontest.NewTerminal())))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.CloseAll(ctx)
	})
	return reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	report := preflight.Report{Shell: models.ToolStatus{Name: "/bin/sh", Installed: true, Path: "/bin/sh"}}
	s := New(newRegistry(t, "a", "b"), Options{Report: report, UserSwitch: pty.UserSwitchFail, Log: zerolog.Nop()})

	rec := get(t, s.Handler(), "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body models.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Sessions)
	assert.Equal(t, "fail", body.UserSwitch)
	assert.Equal(t, "/bin/sh", body.Shell.Path)
}

func TestHealthDegradedWithoutShell(t *testing.T) {
	s := New(newRegistry(t), Options{Log: zerolog.Nop()})
	var body models.HealthResponse
	require.NoError(t, json.Unmarshal(get(t, s, "/api/health").Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestSessions(t *testing.T) {
	s := New(newRegistry(t, "one", "two"), Options{Log: zerolog.Nop()})

	rec := get(t, s, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "one", infos[0].ID)
	assert.True(t, infos[0].Alive)

	rec = get(t, s, "/api/sessions/two")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/api/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"session not found"}`, rec.Body.String())
}

func TestSessionsEmptyIsArray(t *testing.T) {
	s := New(newRegistry(t), Options{Log: zerolog.Nop()})
	assert.JSONEq(t, `[]`, get(t, s, "/api/sessions").Body.String())
}

func TestAdminIsReadOnly(t *testing.T) {
	s := New(newRegistry(t, "a"), Options{Log: zerolog.Nop()})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/a", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistory(t *testing.T) {
	j := &fakeJournal{
		sessions: []models.AuditSession{{ID: "s1", StartedAt: time.Now()}},
		commands: map[string][]models.AuditCommand{"s1": {{SessionID: "s1", Command: "ls"}}},
	}
	s := New(newRegistry(t), Options{Journal: j, Log: zerolog.Nop()})

	rec := get(t, s, "/api/history/sessions?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, j.limit)
	assert.Contains(t, rec.Body.String(), `"id":"s1"`)

	rec = get(t, s, "/api/history/sessions/s1/commands")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"command":"ls"`)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/history/sessions?limit=abc").Code)

	j.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/history/sessions").Code)
}

func TestHistoryDisabledWithoutJournal(t *testing.T) {
	s := New(newRegistry(t), Options{Log: zerolog.Nop()})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/history/sessions").Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.NewMetrics()
	m.SessionStarted()
	s := New(newRegistry(t), Options{Metrics: m.Handler(), Log: zerolog.Nop()})

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shellagent_sessions_active 1")

	bare := New(newRegistry(t), Options{Log: zerolog.Nop()})
	assert.Equal(t, http.StatusNotFound, get(t, bare, "/metrics").Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	s := New(newRegistry(t), Options{Journal: &fakeJournal{panics: true}, Log: zerolog.Nop()})
	rec := get(t, s.Handler(), "/api/history/sessions")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
