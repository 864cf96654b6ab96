package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/storage"
)

type mockAgent struct {
	mu       sync.Mutex
	response string
	err      error
	calls    []string
	sessions []string
}

func (m *mockAgent) Invoke(_ context.Context, sessionID, query string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, query)
	m.sessions = append(m.sessions, sessionID)
	return m.response, m.err
}

type mockQueue struct {
	jobs []storage.Job
	err  error
}

func (q *mockQueue) EnqueueJob(job storage.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type downBackend struct{}

func (downBackend) GetBlob(context.Context, string) ([]byte, error) {
	return nil, errors.New("down")
}
func (downBackend) PutBlob(context.Context, string, []byte) error { return errors.New("down") }
func (downBackend) DeleteBlob(context.Context, ...string) error   { return errors.New("down") }

func newExtractor(t *testing.T) *history.Extractor {
	t.Helper()
	e, err := history.NewExtractor(history.DefaultPatterns())
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return e
}

func TestAskRecordsInteraction(t *testing.T) {
	ctx := context.Background()
	ag := &mockAgent{response: "Apple iPhone 15 is available at amazon.com for $999.00, also at bestbuy.com for $899.00. Source: database + web."}
	store := history.NewStore(nil)
	q := &mockQueue{}

	res, err := NewAsker(ag, newExtractor(t), store).WithVerifyQueue(q).Ask(ctx, "s1", "  What is the price of iPhone 15?  ")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if ag.calls[0] != "What is the price of iPhone 15?" || ag.sessions[0] != "s1" {
		t.Errorf("agent called with %q/%q", ag.calls[0], ag.sessions[0])
	}
	if !res.Persisted() {
		t.Error("record should be persisted")
	}
	if res.Record.Brand != "Apple" || res.Record.SessionID != "s1" {
		t.Errorf("record = %+v", res.Record)
	}
	if res.Response != ag.response {
		t.Errorf("response = %q", res.Response)
	}

	recs := store.Records(ctx)
	if len(recs) != 1 || recs[0].ID != res.Record.ID {
		t.Errorf("store = %+v", recs)
	}
	// No URLs in the response, nothing to verify.
	if res.VerifyQueued || len(q.jobs) != 0 {
		t.Error("no verification should be queued without URLs")
	}
}

func TestAskQueuesVerification(t *testing.T) {
	ag := &mockAgent{response: "See https://www.bestbuy.com/p/1 online."}
	q := &mockQueue{}

	res, err := NewAsker(ag, newExtractor(t), history.NewStore(nil)).WithVerifyQueue(q).Ask(context.Background(), "", "price?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.VerifyQueued || len(q.jobs) != 1 {
		t.Fatalf("VerifyQueued=%v jobs=%d", res.VerifyQueued, len(q.jobs))
	}
	if q.jobs[0].Type != "verify_urls" {
		t.Errorf("job type = %q", q.jobs[0].Type)
	}
}

func TestAskQueueFailureIsNotFatal(t *testing.T) {
	ag := &mockAgent{response: "https://a.com"}
	q := &mockQueue{err: errors.New("queue full")}

	res, err := NewAsker(ag, newExtractor(t), history.NewStore(nil)).WithVerifyQueue(q).Ask(context.Background(), "", "q")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.VerifyQueued {
		t.Error("VerifyQueued should be false when enqueue fails")
	}
}

func TestAskAgentErrorRecordsNothing(t *testing.T) {
	ctx := context.Background()
	ag := &mockAgent{err: errors.New("upstream down")}
	store := history.NewStore(nil)

	if _, err := NewAsker(ag, newExtractor(t), store).Ask(ctx, "", "q"); err == nil {
		t.Fatal("expected error")
	}
	if n := store.Len(ctx); n != 0 {
		t.Errorf("store len = %d, want 0", n)
	}
}

func TestAskEmptyQuery(t *testing.T) {
	ag := &mockAgent{}
	_, err := NewAsker(ag, newExtractor(t), history.NewStore(nil)).Ask(context.Background(), "", "   ")
	if !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("err = %v, want ErrEmptyQuery", err)
	}
	if len(ag.calls) != 0 {
		t.Error("agent should not be called for an empty query")
	}
}

func TestAskDegradedPersistence(t *testing.T) {
	ctx := context.Background()
	ag := &mockAgent{response: "ok"}
	store := history.NewStore(downBackend{})

	res, err := NewAsker(ag, newExtractor(t), store).Ask(ctx, "", "q")
	if err != nil {
		t.Fatalf("degraded persistence must not fail Ask: %v", err)
	}
	if res.Persisted() {
		t.Error("Persisted should be false")
	}
	if n := store.Len(ctx); n != 1 {
		t.Errorf("volatile len = %d, want 1", n)
	}
}
