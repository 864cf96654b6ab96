package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// URLCheck is the outcome of probing one URL cited by a history record.
type URLCheck struct {
	ID         string
	RecordID   string
	URL        string
	StatusCode int
	Reachable  bool
	Error      string
	CheckedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Session is a persisted conversation with the agent.
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Archived     bool      `json:"archived"`
}

// Message is one turn of a session. Seq orders messages within a session.
type Message struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionStats struct {
	Sessions int `json:"sessions"`
	Messages int `json:"messages"`
	Recent   int `json:"recent"`
}
