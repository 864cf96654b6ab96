package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/insightbot/internal/storage"
)

const recentSessionWindow = 7 * 24 * time.Hour

// SessionStore lists and manages persisted agent conversations.
type SessionStore interface {
	ListSessions(ctx context.Context, limit int, includeArchived bool) ([]storage.Session, error)
	GetSession(ctx context.Context, id string) (storage.Session, error)
	SessionMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
	DeleteSession(ctx context.Context, id string) error
	ArchiveSession(ctx context.Context, id string) error
	SessionStats(ctx context.Context, since time.Time) (storage.SessionStats, error)
}

type sessionResponse struct {
	Session  storage.Session   `json:"session"`
	Messages []storage.Message `json:"messages"`
}

func sessionRoutes(deps AppDeps) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if deps.Sessions == nil {
					httpError(w, http.StatusServiceUnavailable, "api_error", "session storage is not configured")
					return
				}
				next.ServeHTTP(w, r)
			})
		})
		r.Get("/", handleListSessions(deps))
		r.Get("/stats", handleSessionStats(deps))
		r.Get("/{id}", handleGetSession(deps))
		r.Delete("/{id}", handleDeleteSession(deps))
		r.Post("/{id}/archive", handleArchiveSession(deps))
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseIntParam(r, "limit", defaultPageSize)
		if err != nil || limit <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		all := false
		if v := r.URL.Query().Get("archived"); v != "" {
			if all, err = strconv.ParseBool(v); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "archived must be a boolean")
				return
			}
		}

		sessions, err := deps.Sessions.ListSessions(r.Context(), limit, all)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		writeJSON(w, sessions)
	}
}

func handleSessionStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Sessions.SessionStats(r.Context(), deps.Now().Add(-recentSessionWindow))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, st)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := deps.Sessions.GetSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}
		msgs, err := deps.Sessions.SessionMessages(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load messages: %v", err)
			return
		}
		writeJSON(w, sessionResponse{Session: sess, Messages: msgs})
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Sessions.DeleteSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "session_id": id})
	}
}

func handleArchiveSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Sessions.ArchiveSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to archive session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "session_id": id})
	}
}
