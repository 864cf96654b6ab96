// Package verify probes the URLs cited in agent responses.
package verify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 5 * time.Second
	userAgent          = "insightbot-linkcheck/1.0"
)

// Result is the liveness of one URL. A URL is reachable when it answers
// with a status below 400.
type Result struct {
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code,omitempty"`
	Reachable  bool      `json:"reachable"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Observer is notified of every probe. Implemented by metrics.Metrics.
type Observer interface {
	URLCheck(reachable bool)
}

// Checker issues HEAD requests, falling back to GET for servers that
// reject HEAD.
type Checker struct {
	client      *http.Client
	concurrency int
	timeout     time.Duration
	observer    Observer
	now         func() time.Time
}

// NewChecker creates a Checker. A nil client uses http.DefaultClient;
// non-positive concurrency or timeout use the defaults.
func NewChecker(client *http.Client, concurrency int, timeout time.Duration) *Checker {
	if client == nil {
		client = http.DefaultClient
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		client:      client,
		concurrency: concurrency,
		timeout:     timeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver sets the probe observer and returns c.
func (c *Checker) WithObserver(o Observer) *Checker {
	c.observer = o
	return c
}

// Check probes every URL and returns one Result per input, in input order.
// Individual failures are reported in the Result, never as an error.
func (c *Checker) Check(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i, u := range urls {
		g.Go(func() error {
			results[i] = c.checkOne(ctx, u)
			if c.observer != nil {
				c.observer.URLCheck(results[i].Reachable)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Checker) checkOne(ctx context.Context, rawURL string) Result {
	res := Result{URL: rawURL, CheckedAt: c.now()}

	code, err := c.probe(ctx, http.MethodHead, rawURL)
	if err == nil && headUnsupported(code) {
		code, err = c.probe(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.StatusCode = code
	res.Reachable = code < 400
	return res
}

func headUnsupported(code int) bool {
	return code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented || code == http.StatusForbidden
}

func (c *Checker) probe(ctx context.Context, method, rawURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
