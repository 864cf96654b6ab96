package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/insightbot/internal/history"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_url_checks_record", "idx_jobs_status_run_after", "idx_sessions_updated"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetBlob(ctx, "k"); !errors.Is(err, history.ErrBlobNotFound) {
		t.Fatalf("GetBlob(missing) err = %v, want ErrBlobNotFound", err)
	}

	if err := s.PutBlob(ctx, "k", []byte(`[1]`)); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if err := s.PutBlob(ctx, "k", []byte(`[1,2]`)); err != nil {
		t.Fatalf("PutBlob overwrite: %v", err)
	}

	got, err := s.GetBlob(ctx, "k")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != `[1,2]` {
		t.Errorf("GetBlob = %s, want [1,2]", got)
	}
}

func TestDeleteBlob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		if err := s.PutBlob(ctx, k, []byte(k)); err != nil {
			t.Fatalf("PutBlob(%s): %v", k, err)
		}
	}
	if err := s.DeleteBlob(ctx, "a", "b", "missing"); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}

	for _, k := range []string{"a", "b"} {
		if _, err := s.GetBlob(ctx, k); !errors.Is(err, history.ErrBlobNotFound) {
			t.Errorf("blob %q should be gone, err = %v", k, err)
		}
	}
	if _, err := s.GetBlob(ctx, "c"); err != nil {
		t.Errorf("blob c should survive: %v", err)
	}
	if err := s.DeleteBlob(ctx); err != nil {
		t.Errorf("DeleteBlob with no keys: %v", err)
	}
}

// TestStoreAsHistoryBackend runs the history store over SQLite end to end.
func TestStoreAsHistoryBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := history.NewStore(s, history.WithMaxEntries(2))
	for _, id := range []string{"r1", "r2", "r3"} {
		if st := h.Append(ctx, history.SearchRecord{ID: id, UserQuery: id}); !st.OK() {
			t.Fatalf("Append(%s): %v", id, st.Err)
		}
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, st := history.NewStore(s).Load(ctx)
	if !st.OK() {
		t.Fatalf("Load: %v", st.Err)
	}
	if len(got) != 2 || got[0].ID != "r3" || got[1].ID != "r2" {
		t.Errorf("reloaded history = %+v", got)
	}
}

func TestURLChecksLatestPerURL(t *testing.T) {
	s := openTestStore(t)

	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	checks := []URLCheck{
		{ID: "c1", RecordID: "r1", URL: "https://a.com", StatusCode: 500, CheckedAt: t0},
		{ID: "c2", RecordID: "r1", URL: "https://a.com", StatusCode: 200, Reachable: true, CheckedAt: t0.Add(time.Minute)},
		{ID: "c3", RecordID: "r1", URL: "https://b.com", Error: "dial tcp: refused", CheckedAt: t0},
		{ID: "c4", RecordID: "r2", URL: "https://c.com", StatusCode: 200, Reachable: true, CheckedAt: t0},
	}
	if err := s.SaveURLChecks(checks); err != nil {
		t.Fatalf("SaveURLChecks: %v", err)
	}

	got, err := s.LatestURLChecks("r1")
	if err != nil {
		t.Fatalf("LatestURLChecks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d checks, want 2: %+v", len(got), got)
	}
	if got[0].URL != "https://a.com" || got[0].ID != "c2" || !got[0].Reachable || got[0].StatusCode != 200 {
		t.Errorf("a.com check = %+v, want latest reachable c2", got[0])
	}
	if got[1].URL != "https://b.com" || got[1].Reachable || got[1].Error == "" {
		t.Errorf("b.com check = %+v", got[1])
	}
	if !got[1].CheckedAt.Equal(t0) {
		t.Errorf("CheckedAt = %v, want %v", got[1].CheckedAt, t0)
	}

	if err := s.DeleteURLChecks("r1"); err != nil {
		t.Fatalf("DeleteURLChecks: %v", err)
	}
	if got, _ := s.LatestURLChecks("r1"); len(got) != 0 {
		t.Errorf("checks for r1 survived delete: %+v", got)
	}
	if got, _ := s.LatestURLChecks("r2"); len(got) != 1 {
		t.Errorf("checks for r2 should survive, got %d", len(got))
	}

	if err := s.DeleteURLChecks(); err != nil {
		t.Fatalf("DeleteURLChecks(all): %v", err)
	}
	if got, _ := s.LatestURLChecks("r2"); len(got) != 0 {
		t.Errorf("checks for r2 survived delete-all: %+v", got)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "verify_urls",
		PayloadJSON: `{"record_id":"r1"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"verify_urls"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"record_id":"r1"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestEnqueueJobGeneratesID(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil || got == nil {
		t.Fatalf("ClaimNextJob = %v, %v", got, err)
	}
	if got.ID == "" {
		t.Error("expected generated job ID")
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"verify_urls"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "verify_urls",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"verify_urls"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Errorf("claimed %+v, want job of type b", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	n, err := s.CountJobs("completed")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("completed jobs = %d, want 1", n)
	}
	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_RetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-retry", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-retry", "timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError, runAfterStr string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error, run_after FROM jobs WHERE id = 'j-retry'`).
		Scan(&status, &attempts, &lastError, &runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "pending" || attempts != 1 || lastError != "timeout" {
		t.Errorf("status=%q attempts=%d last_error=%q", status, attempts, lastError)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	n, err := s.CountJobs("failed")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("failed jobs = %d, want 1", n)
	}
}
