// Package agent talks to the pricing research agent through an
// OpenAI-compatible chat completions endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL  = "https://openrouter.ai/api/v1"
	DefaultModel    = "openai/gpt-4o-mini"
	DefaultTimeout  = 120 * time.Second
	maxRetries      = 3
	initialBackoff  = 500 * time.Millisecond
	maxSessionTurns = 10
)

// ErrNoAPIKey is returned when the client was built without credentials.
var ErrNoAPIKey = errors.New("agent API key not configured")

// Agent answers a question. Implementations may keep per-session
// conversation state.
type Agent interface {
	Invoke(ctx context.Context, sessionID, query string) (string, error)
}

// TurnStore persists session conversations. Implemented by
// storage.ConversationLog.
type TurnStore interface {
	RecentTurns(ctx context.Context, sessionID string, n int) ([]Message, error)
	SaveTurns(ctx context.Context, sessionID string, turns ...Message) error
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	SystemPrompt string
}

// Client is an Agent backed by a chat completions API. It sends the last
// few turns of each session so follow-up questions have context. Turns are
// kept in memory unless a TurnStore is set.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
	turnStore    TurnStore

	mu       sync.Mutex
	sessions map[string][]Message
}

// NewClient creates a Client. Empty fields fall back to the defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt(PromptData{})
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		sessions:     make(map[string][]Message),
	}
}

// WithTurnStore persists session turns in ts and returns c.
func (c *Client) WithTurnStore(ts TurnStore) *Client {
	c.turnStore = ts
	return c
}

// Invoke sends query with the session's recent turns and returns the
// assistant's reply. HTTP 429 is retried with exponential backoff.
func (c *Client) Invoke(ctx context.Context, sessionID, query string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	msgs := []Message{{Role: "system", Content: c.systemPrompt}}
	msgs = append(msgs, c.turns(ctx, sessionID)...)
	msgs = append(msgs, Message{Role: "user", Content: query})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		answer, err := c.doChat(ctx, body)
		if err == nil {
			c.remember(ctx, sessionID, query, answer)
			return answer, nil
		}

		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// Reset forgets the conversation of sessionID.
func (c *Client) Reset(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Client) turns(ctx context.Context, sessionID string) []Message {
	if sessionID == "" {
		return nil
	}
	if c.turnStore != nil {
		turns, err := c.turnStore.RecentTurns(ctx, sessionID, maxSessionTurns)
		if err != nil {
			slog.Warn("loading session turns failed", "session_id", sessionID, "error", err)
			return nil
		}
		return turns
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.sessions[sessionID]))
	copy(out, c.sessions[sessionID])
	return out
}

func (c *Client) remember(ctx context.Context, sessionID, query, answer string) {
	if sessionID == "" {
		return
	}
	turn := []Message{
		{Role: "user", Content: query},
		{Role: "assistant", Content: answer},
	}
	if c.turnStore != nil {
		if err := c.turnStore.SaveTurns(ctx, sessionID, turn...); err != nil {
			slog.Warn("saving session turns failed", "session_id", sessionID, "error", err)
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := append(c.sessions[sessionID], turn...)
	if len(turns) > maxSessionTurns {
		turns = turns[len(turns)-maxSessionTurns:]
	}
	c.sessions[sessionID] = turns
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "insightbot")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("agent error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("agent returned no choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
