package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/insightbot/internal/agent"
	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/pipeline"
	"github.com/kalambet/insightbot/internal/storage"
)

func openSessionStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSessions(t *testing.T, s *storage.Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		if err := s.AppendMessages(ctx, id,
			storage.Message{Role: "user", Content: "question in " + id},
			storage.Message{Role: "assistant", Content: "answer in " + id},
		); err != nil {
			t.Fatalf("seeding %s: %v", id, err)
		}
	}
}

func TestSessionsDisabled(t *testing.T) {
	h := setupAppHandler(t, AppDeps{})
	rr := serve(h, authReq(http.MethodGet, "/sessions", "", testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestListAndShowSessions(t *testing.T) {
	store := openSessionStore(t)
	seedSessions(t, store)
	h := setupAppHandler(t, AppDeps{Sessions: store})

	rr := serve(h, authReq(http.MethodGet, "/sessions", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rr.Code, rr.Body.String())
	}
	var list []storage.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("got %d sessions, want 2", len(list))
	}

	rr = serve(h, authReq(http.MethodGet, "/sessions/s1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("show status = %d: %s", rr.Code, rr.Body.String())
	}
	var got sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Session.ID != "s1" || got.Session.MessageCount != 2 || len(got.Messages) != 2 {
		t.Errorf("session = %+v", got)
	}
	if got.Messages[0].Role != "user" || got.Messages[1].Content != "answer in s1" {
		t.Errorf("messages = %+v", got.Messages)
	}

	rr = serve(h, authReq(http.MethodGet, "/sessions/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/sessions?limit=zero", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rr.Code)
	}
}

func TestArchiveAndDeleteSession(t *testing.T) {
	store := openSessionStore(t)
	seedSessions(t, store)
	h := setupAppHandler(t, AppDeps{Sessions: store})

	rr := serve(h, authReq(http.MethodPost, "/sessions/s2/archive", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("archive status = %d: %s", rr.Code, rr.Body.String())
	}
	countSessions := func(query string) int {
		rr := serve(h, authReq(http.MethodGet, "/sessions"+query, "", testToken))
		var list []storage.Session
		json.Unmarshal(rr.Body.Bytes(), &list)
		return len(list)
	}
	if n := countSessions(""); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
	if n := countSessions("?archived=true"); n != 2 {
		t.Errorf("all sessions = %d, want 2", n)
	}

	rr = serve(h, authReq(http.MethodDelete, "/sessions/s1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodDelete, "/sessions/s1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/sessions/stats", "", testToken))
	var st storage.SessionStats
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Sessions != 0 || st.Messages != 0 {
		t.Errorf("stats = %+v, want no active sessions", st)
	}
}

func TestAskPersistsSessionTurns(t *testing.T) {
	var requests [][]agent.Message
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []agent.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req.Messages)
		answer := fmt.Sprintf("Fluke 87V is $%d at amazon.com", 400+len(requests))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": answer}}},
		})
	}))
	defer llm.Close()

	store := openSessionStore(t)
	client := agent.NewClient(agent.Config{BaseURL: llm.URL, APIKey: "k"}).
		WithTurnStore(storage.ConversationLog{Store: store})
	e, err := history.NewExtractor(history.DefaultPatterns())
	if err != nil {
		t.Fatal(err)
	}
	h := setupAppHandler(t, AppDeps{
		Asker:    pipeline.NewAsker(client, e, history.NewStore(nil)),
		Sessions: store,
	})

	for _, q := range []string{"price of fluke 87v", "and at best buy?"} {
		rr := serve(h, authReq(http.MethodPost, "/ask", fmt.Sprintf(`{"query":%q,"session_id":"bench"}`, q), testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("ask status = %d: %s", rr.Code, rr.Body.String())
		}
	}

	// system + first turn + second question
	if len(requests) != 2 || len(requests[1]) != 4 || requests[1][1].Content != "price of fluke 87v" {
		t.Errorf("second request = %+v", requests[len(requests)-1])
	}

	rr := serve(h, authReq(http.MethodGet, "/sessions/bench", "", testToken))
	var got sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 4 || got.Messages[3].Content != "Fluke 87V is $402 at amazon.com" {
		t.Errorf("stored messages = %+v", got.Messages)
	}
}
