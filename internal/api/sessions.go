package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/peterje/shellagent/internal/models"
	"github.com/peterje/shellagent/internal/session"
)

// SessionsHandler exposes live sessions read-only.
type SessionsHandler struct {
	registry *session.Registry
}

func NewSessionsHandler(registry *session.Registry) *SessionsHandler {
	return &SessionsHandler{registry: registry}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	sessions := h.registry.List()
	if sessions == nil {
		sessions = []session.Info{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Lookup(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}
	WriteJSON(w, http.StatusOK, s.Info())
}

// Journal is the read side of the audit journal.
type Journal interface {
	Sessions(ctx context.Context, limit int) ([]models.AuditSession, error)
	Commands(ctx context.Context, sessionID string) ([]models.AuditCommand, error)
}

// HistoryHandler serves journaled sessions and commands.
type HistoryHandler struct {
	journal Journal
}

func NewHistoryHandler(journal Journal) *HistoryHandler {
	return &HistoryHandler{journal: journal}
}

func (h *HistoryHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			WriteError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	sessions, err := h.journal.Sessions(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *HistoryHandler) HandleCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := h.journal.Commands(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, commands)
}
