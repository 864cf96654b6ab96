package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/insightbot/internal/agent"
)

func TestAppendMessagesCreatesSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.AppendMessages(ctx, "s1",
		Message{Role: "user", Content: "price of fluke 87v?"},
		Message{Role: "assistant", Content: "$450"},
	); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := s.AppendMessages(ctx, "s1", Message{Role: "user", Content: "and the 117?"}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.MessageCount != 3 || sess.Archived {
		t.Errorf("session = %+v", sess)
	}

	msgs, err := s.SessionMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 {
			t.Errorf("msgs[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
	if msgs[0].Content != "price of fluke 87v?" || msgs[2].Content != "and the 117?" {
		t.Errorf("messages out of order: %+v", msgs)
	}

	if err := s.AppendMessages(ctx, "", Message{Role: "user", Content: "x"}); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestRecentMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, c := range []string{"q1", "a1", "q2", "a2", "q3"} {
		if err := s.AppendMessages(ctx, "s1", Message{Role: "user", Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.RecentMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "a2" || msgs[1].Content != "q3" {
		t.Errorf("recent = %+v, want [a2 q3]", msgs)
	}

	msgs, err = s.RecentMessages(ctx, "missing", 2)
	if err != nil || len(msgs) != 0 {
		t.Errorf("RecentMessages(missing) = %v, %v", msgs, err)
	}
}

func TestListArchiveDeleteSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.AppendMessages(ctx, id, Message{Role: "user", Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListSessions(ctx, 10, false)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d sessions, want 3", len(list))
	}

	if err := s.ArchiveSession(ctx, "b"); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	list, _ = s.ListSessions(ctx, 10, false)
	if len(list) != 2 {
		t.Errorf("active sessions = %d, want 2", len(list))
	}
	list, _ = s.ListSessions(ctx, 10, true)
	if len(list) != 3 {
		t.Errorf("all sessions = %d, want 3", len(list))
	}
	if list, _ = s.ListSessions(ctx, 1, true); len(list) != 1 {
		t.Errorf("limit ignored: %d sessions", len(list))
	}

	// A new message reactivates an archived session.
	if err := s.AppendMessages(ctx, "b", Message{Role: "user", Content: "back"}); err != nil {
		t.Fatal(err)
	}
	if sess, _ := s.GetSession(ctx, "b"); sess.Archived {
		t.Error("session b should be active again")
	}

	if err := s.DeleteSession(ctx, "a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete err = %v, want ErrNotFound", err)
	}
	if msgs, _ := s.SessionMessages(ctx, "a"); len(msgs) != 0 {
		t.Errorf("messages survived delete: %+v", msgs)
	}

	if err := s.DeleteSession(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if err := s.ArchiveSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("archive missing err = %v, want ErrNotFound", err)
	}
}

func TestSessionStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.AppendMessages(ctx, "a", Message{Role: "user", Content: "1"}, Message{Role: "assistant", Content: "2"})
	s.AppendMessages(ctx, "b", Message{Role: "user", Content: "3"})
	s.AppendMessages(ctx, "c", Message{Role: "user", Content: "4"})
	s.ArchiveSession(ctx, "c")

	// Backdate b so it falls outside the recent window.
	old := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
	if _, err := s.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = 'b'", old); err != nil {
		t.Fatal(err)
	}

	st, err := s.SessionStats(ctx, time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if st.Sessions != 2 || st.Messages != 3 || st.Recent != 1 {
		t.Errorf("stats = %+v, want {2 3 1}", st)
	}
}

func TestConversationLog(t *testing.T) {
	ctx := context.Background()
	conv := ConversationLog{Store: openTestStore(t)}

	if err := conv.SaveTurns(ctx, "s1",
		agent.Message{Role: "user", Content: "q"},
		agent.Message{Role: "assistant", Content: "a"},
	); err != nil {
		t.Fatalf("SaveTurns: %v", err)
	}

	turns, err := conv.RecentTurns(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	want := []agent.Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}}
	if len(turns) != 2 || turns[0] != want[0] || turns[1] != want[1] {
		t.Errorf("turns = %+v, want %+v", turns, want)
	}
}
