package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id": "gen-1",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func TestInvoke(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, chatReply("  Apple iPhone 15 is $999.00.  "))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "test-key", Model: "m1"})
	answer, err := c.Invoke(context.Background(), "", "price of iPhone 15?")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if answer != "Apple iPhone 15 is $999.00." {
		t.Errorf("answer = %q", answer)
	}
	if got.Model != "m1" {
		t.Errorf("model = %q, want m1", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "price of iPhone 15?" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[0].Content, "quotesresponses") {
		t.Error("system prompt should describe the quotes table")
	}
}

func TestInvokeKeepsSessionTurns(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	var sent []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		sent = req.Messages
		mu.Unlock()
		fmt.Fprint(w, chatReply(fmt.Sprintf("answer %d", n)))
	}))
	defer srv.Close()
	lastMessages := func() []Message {
		mu.Lock()
		defer mu.Unlock()
		return sent
	}

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	ctx := context.Background()

	c.Invoke(ctx, "s1", "first")
	c.Invoke(ctx, "s1", "second")

	// system + first/answer 1 + second
	if len(lastMessages()) != 4 {
		t.Fatalf("second call sent %d messages, want 4", len(lastMessages()))
	}
	if lastMessages()[1].Content != "first" || lastMessages()[2].Content != "answer 1" {
		t.Errorf("history = %+v", lastMessages())
	}

	c.Invoke(ctx, "s2", "other")
	if len(lastMessages()) != 2 {
		t.Errorf("new session sent %d messages, want 2", len(lastMessages()))
	}

	c.Reset("s1")
	c.Invoke(ctx, "s1", "again")
	if len(lastMessages()) != 2 {
		t.Errorf("reset session sent %d messages, want 2", len(lastMessages()))
	}

	for i := 0; i < 20; i++ {
		c.Invoke(ctx, "s3", "q")
	}
	if len(lastMessages()) > maxSessionTurns+2 {
		t.Errorf("session history not bounded: %d messages", len(lastMessages()))
	}
}

// memTurnStore is an in-memory TurnStore.
type memTurnStore struct {
	mu    sync.Mutex
	turns map[string][]Message
	err   error
}

func (m *memTurnStore) RecentTurns(_ context.Context, sessionID string, n int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	turns := m.turns[sessionID]
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]Message(nil), turns...), nil
}

func (m *memTurnStore) SaveTurns(_ context.Context, sessionID string, turns ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.turns[sessionID] = append(m.turns[sessionID], turns...)
	return nil
}

func TestInvokeUsesTurnStore(t *testing.T) {
	var mu sync.Mutex
	var sent []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		sent = req.Messages
		mu.Unlock()
		fmt.Fprint(w, chatReply("fresh answer"))
	}))
	defer srv.Close()

	ts := &memTurnStore{turns: map[string][]Message{
		"s1": {{Role: "user", Content: "earlier question"}, {Role: "assistant", Content: "earlier answer"}},
	}}
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}).WithTurnStore(ts)

	if _, err := c.Invoke(context.Background(), "s1", "follow-up"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	mu.Lock()
	got := sent
	mu.Unlock()
	if len(got) != 4 || got[1].Content != "earlier question" || got[3].Content != "follow-up" {
		t.Errorf("sent = %+v, want stored turns before the query", got)
	}

	stored := ts.turns["s1"]
	if len(stored) != 4 || stored[2].Content != "follow-up" || stored[3].Content != "fresh answer" {
		t.Errorf("stored = %+v", stored)
	}
	if len(c.sessions) != 0 {
		t.Error("turns should not be cached in memory when a store is set")
	}
}

func TestInvokeTurnStoreFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("ok"))
	}))
	defer srv.Close()

	ts := &memTurnStore{turns: map[string][]Message{}, err: errors.New("database is locked")}
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}).WithTurnStore(ts)

	answer, err := c.Invoke(context.Background(), "s1", "q")
	if err != nil || answer != "ok" {
		t.Errorf("Invoke = %q, %v; want answer despite store failure", answer, err)
	}
}

func TestInvokeRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, chatReply("ok"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	answer, err := c.Invoke(context.Background(), "", "q")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if answer != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("answer=%q calls=%d", answer, calls)
	}
}

func TestInvokeRateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Invoke(context.Background(), "", "q")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want rate limited", err)
	}
}

func TestInvokeErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"x","choices":[]}`)
		}},
		{"error body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error":{"message":"bad model"}}`)
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `not json`)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
			if _, err := c.Invoke(context.Background(), "", "q"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInvokeWithoutKey(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.Invoke(context.Background(), "", "q"); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestInvokeHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	if _, err := c.Invoke(ctx, "", "q"); err == nil {
		t.Error("expected error on context timeout")
	}
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt(PromptData{Companies: []string{"Acme", "Globex"}})
	if !strings.Contains(p, "Sample companies: Acme, Globex") {
		t.Errorf("companies not rendered:\n%s", p)
	}
	if !strings.Contains(p, "Sample brands: None") {
		t.Errorf("empty brands should render None:\n%s", p)
	}
}
