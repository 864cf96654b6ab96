package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/metrics"
	"github.com/kalambet/insightbot/internal/pipeline"
	"github.com/kalambet/insightbot/internal/storage"
	"github.com/kalambet/insightbot/internal/verify"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultPageSize    = 50
	maxPageSize        = 500
)

// URLCheckStore persists URL liveness results.
type URLCheckStore interface {
	SaveURLChecks(checks []storage.URLCheck) error
	LatestURLChecks(recordID string) ([]storage.URLCheck, error)
	DeleteURLChecks(recordIDs ...string) error
}

type AppDeps struct {
	History  *history.Store
	Asker    *pipeline.Asker // nil disables /ask
	Checker  *verify.Checker // nil disables on-demand verification
	Checks   URLCheckStore   // optional
	Sessions SessionStore    // nil disables /sessions
	Metrics  *metrics.Metrics
	Token    string
	Now      func() time.Time
}

type askRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type askResponse struct {
	Response     string               `json:"response"`
	Record       history.SearchRecord `json:"record"`
	Persisted    bool                 `json:"persisted"`
	VerifyQueued bool                 `json:"verify_queued"`
}

type verifyResponse struct {
	RecordID string          `json:"record_id"`
	Results  []verify.Result `json:"results"`
}

// NewAppHandler returns the REST API. /health and /metrics are public;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	r := chi.NewRouter()
	r.Use(instrument(deps.Metrics))

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ask", handleAsk(deps))
		r.Route("/history", func(r chi.Router) {
			r.Get("/", handleListHistory(deps))
			r.Delete("/", handleClearHistory(deps))
			r.Get("/analytics", handleAnalytics(deps))
			r.Get("/stats", handleStats(deps))
			r.Get("/export", handleExport(deps))
			r.Get("/{id}", handleGetRecord(deps))
			r.Get("/{id}/verify", handleLatestChecks(deps))
			r.Post("/{id}/verify", handleVerify(deps))
		})
		r.Route("/sessions", sessionRoutes(deps))
	})

	return r
}

// instrument counts requests by route pattern so path parameters do not
// explode label cardinality.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(r.Method, route, status)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Asker == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "agent is not configured: set agent.api_key")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Asker.Ask(r.Context(), req.SessionID, req.Query)
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "agent error: %v", err)
			return
		}

		writeJSON(w, askResponse{
			Response:     res.Response,
			Record:       res.Record,
			Persisted:    res.Persisted(),
			VerifyQueued: res.VerifyQueued,
		})
	}
}

func handleListHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := criteriaFromQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit, err := parseIntParam(r, "limit", defaultPageSize)
		if err != nil || limit <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		offset, err := parseIntParam(r, "offset", 0)
		if err != nil || offset < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "offset must be a non-negative integer")
			return
		}

		recs := history.Filter(deps.History.Records(r.Context()), c)
		writeJSON(w, history.Paginate(recs, limit, offset))
	}
}

func handleGetRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := deps.History.Get(r.Context(), chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		writeJSON(w, rec)
	}
}

func handleClearHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := parseIntParam(r, "older_than_days", 0)
		if err != nil || days < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "older_than_days must be a non-negative integer")
			return
		}

		var removed int
		var st history.Status
		if days > 0 {
			removed, st = deps.History.PruneDays(r.Context(), days)
		} else {
			removed = deps.History.Len(r.Context())
			st = deps.History.Clear(r.Context())
			if deps.Checks != nil {
				if err := deps.Checks.DeleteURLChecks(); err != nil {
					slog.Warn("failed to delete url checks", "error", err)
				}
			}
		}

		writeJSON(w, map[string]any{
			"status":    st.Mode.String(),
			"removed":   removed,
			"persisted": st.OK(),
		})
	}
}

func handleAnalytics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := criteriaFromQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		recs := history.Filter(deps.History.Records(r.Context()), c)
		writeJSON(w, history.Aggregate(recs))
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, history.ComputeStats(deps.History.Records(r.Context()), deps.Now()))
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := history.FormatJSON
		if v := r.URL.Query().Get("format"); v != "" {
			f, err := history.ParseFormat(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			format = f
		}
		c, err := criteriaFromQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		data, err := history.Export(history.Filter(deps.History.Records(r.Context()), c), format)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}

		name := fmt.Sprintf("search_history_%s.%s", deps.Now().Format("20060102_150405"), format)
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		w.Write(data)
	}
}

func handleVerify(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Checker == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "url verification is disabled")
			return
		}
		rec, ok := deps.History.Get(r.Context(), chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}

		results := deps.Checker.Check(r.Context(), rec.VerifiedURLs)
		if deps.Checks != nil && len(results) > 0 {
			if err := deps.Checks.SaveURLChecks(verify.ToURLChecks(rec.ID, results)); err != nil {
				slog.Warn("failed to save url checks", "record_id", rec.ID, "error", err)
			}
		}
		writeJSON(w, verifyResponse{RecordID: rec.ID, Results: results})
	}
}

func handleLatestChecks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.History.Get(r.Context(), id); !ok {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}

		results := []verify.Result{}
		if deps.Checks != nil {
			checks, err := deps.Checks.LatestURLChecks(id)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load url checks: %v", err)
				return
			}
			for _, c := range checks {
				results = append(results, verify.Result{
					URL:        c.URL,
					StatusCode: c.StatusCode,
					Reachable:  c.Reachable,
					Error:      c.Error,
					CheckedAt:  c.CheckedAt,
				})
			}
		}
		writeJSON(w, verifyResponse{RecordID: id, Results: results})
	}
}

func criteriaFromQuery(r *http.Request) (history.Criteria, error) {
	q := r.URL.Query()
	c := history.Criteria{
		Brand:     q.Get("brand"),
		Model:     q.Get("model"),
		Text:      q.Get("q"),
		SessionID: q.Get("session_id"),
	}
	if v := q.Get("source"); v != "" {
		src, err := history.ParseSource(v)
		if err != nil {
			return c, err
		}
		c.Source = src
	}
	from, err := history.ParseDate(q.Get("from"), false)
	if err != nil {
		return c, err
	}
	to, err := history.ParseDate(q.Get("to"), true)
	if err != nil {
		return c, err
	}
	c.From, c.To = from, to
	return c, nil
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
