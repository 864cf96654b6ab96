package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/insightbot/internal/agent"
)

// --- Sessions ---

// AppendMessages adds messages to the end of a session's conversation,
// creating the session on first use.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) error {
	if sessionID == "" {
		return fmt.Errorf("appending messages: empty session id")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, now, now,
	); err != nil {
		return fmt.Errorf("creating session %s: %w", sessionID, err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = ?", sessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	for _, m := range msgs {
		next++
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, next, m.Role, m.Content, created.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting message into %s: %w", sessionID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ?, archived = 0,
			message_count = (SELECT COUNT(*) FROM session_messages WHERE session_id = ?)
		WHERE id = ?`,
		now, sessionID, sessionID,
	); err != nil {
		return fmt.Errorf("updating session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

// SessionMessages returns the whole conversation of a session, oldest first.
func (s *Store) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT session_id, seq, role, content, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
}

// RecentMessages returns the last limit messages of a session, oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT session_id, seq, role, content, created_at FROM (
			SELECT * FROM session_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Message{}
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, message_count, archived
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions by most recent activity. Archived sessions
// are included only when asked for.
func (s *Store) ListSessions(ctx context.Context, limit int, includeArchived bool) ([]Session, error) {
	maxArchived := 0
	if includeArchived {
		maxArchived = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, updated_at, message_count, archived
		FROM sessions WHERE archived <= ?
		ORDER BY updated_at DESC, id ASC LIMIT ?`, maxArchived, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	var archived int
	if err := row.Scan(&sess.ID, &createdAt, &updatedAt, &sess.MessageCount, &archived); err != nil {
		return Session{}, err
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	sess.Archived = archived == 1
	return sess, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ArchiveSession hides a session from the default listing. A new message
// brings it back.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET archived = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionStats counts active sessions, their messages, and the sessions
// with activity at or after since.
func (s *Store) SessionStats(ctx context.Context, since time.Time) (SessionStats, error) {
	var st SessionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(message_count), 0),
			COALESCE(SUM(CASE WHEN updated_at >= ? THEN 1 ELSE 0 END), 0)
		FROM sessions WHERE archived = 0`,
		since.UTC().Format(time.RFC3339),
	).Scan(&st.Sessions, &st.Messages, &st.Recent)
	if err != nil {
		return SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	return st, nil
}

// ConversationLog adapts the session tables to agent.TurnStore.
type ConversationLog struct {
	Store *Store
}

func (l ConversationLog) RecentTurns(ctx context.Context, sessionID string, n int) ([]agent.Message, error) {
	msgs, err := l.Store.RecentMessages(ctx, sessionID, n)
	if err != nil {
		return nil, err
	}
	out := make([]agent.Message, len(msgs))
	for i, m := range msgs {
		out[i] = agent.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func (l ConversationLog) SaveTurns(ctx context.Context, sessionID string, turns ...agent.Message) error {
	msgs := make([]Message, len(turns))
	for i, t := range turns {
		msgs[i] = Message{Role: t.Role, Content: t.Content}
	}
	return l.Store.AppendMessages(ctx, sessionID, msgs...)
}
