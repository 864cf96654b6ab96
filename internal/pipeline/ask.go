// Package pipeline runs one question through the agent and records the
// interaction in the search history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/insightbot/internal/agent"
	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/metrics"
	"github.com/kalambet/insightbot/internal/verify"
)

// ErrEmptyQuery is returned for blank questions.
var ErrEmptyQuery = errors.New("query is empty")

// Result is the outcome of one Ask.
type Result struct {
	Response string
	Record   history.SearchRecord
	// Status reports whether the record reached the history backend.
	Status          history.Status
	AgentDurationMs int64
	VerifyQueued    bool
}

// Persisted reports whether the record was written to the backend rather
// than only to the volatile copy.
func (r Result) Persisted() bool { return r.Status.OK() }

// Asker orchestrates agent invocation, record extraction and history append.
type Asker struct {
	agent     agent.Agent
	extractor *history.Extractor
	store     *history.Store
	queue     verify.Enqueuer
	metrics   *metrics.Metrics
}

// NewAsker creates an Asker wired to the agent, extractor and history store.
func NewAsker(a agent.Agent, extractor *history.Extractor, store *history.Store) *Asker {
	return &Asker{agent: a, extractor: extractor, store: store}
}

// WithVerifyQueue schedules a background URL check for every record that
// cites URLs.
func (a *Asker) WithVerifyQueue(q verify.Enqueuer) *Asker {
	a.queue = q
	return a
}

func (a *Asker) WithMetrics(m *metrics.Metrics) *Asker {
	a.metrics = m
	return a
}

// Ask sends query to the agent and appends the resulting record to the
// history. An agent failure is returned as an error and nothing is
// recorded. A history backend failure is not an error: the record is kept
// in the volatile copy and Result.Status is degraded.
func (a *Asker) Ask(ctx context.Context, sessionID, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, ErrEmptyQuery
	}

	start := time.Now()
	response, err := a.agent.Invoke(ctx, sessionID, query)
	elapsed := time.Since(start)
	a.metrics.ObserveAgent(elapsed)
	if err != nil {
		a.metrics.Ask("error")
		return Result{}, fmt.Errorf("invoking agent: %w", err)
	}

	rec := a.extractor.Extract(query, response)
	rec.SessionID = sessionID

	st := a.store.Append(ctx, rec)
	res := Result{
		Response:        response,
		Record:          rec,
		Status:          st,
		AgentDurationMs: elapsed.Milliseconds(),
	}
	if st.OK() {
		a.metrics.Ask("ok")
	} else {
		a.metrics.Ask("degraded")
		slog.Warn("history not persisted, kept in volatile copy", "record_id", rec.ID, "error", st.Err)
	}

	if a.queue != nil && len(rec.VerifiedURLs) > 0 {
		if err := verify.Enqueue(a.queue, rec.ID); err != nil {
			slog.Warn("failed to enqueue url verification", "record_id", rec.ID, "error", err)
		} else {
			res.VerifyQueued = true
		}
	}

	slog.Debug("ask complete",
		"record_id", rec.ID,
		"brand", rec.Brand,
		"source", rec.Source,
		"agent_ms", res.AgentDurationMs,
	)
	return res, nil
}
