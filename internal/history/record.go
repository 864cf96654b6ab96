package history

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is returned for malformed filter or export requests.
var ErrInvalidArgument = errors.New("invalid argument")

// Source classifies which backend(s) produced an agent response.
type Source string

const (
	SourceDatabase Source = "database"
	SourceWeb      Source = "web"
	SourceBoth     Source = "database + web"
	SourceUnknown  Source = "unknown"
)

// ParseSource maps a user-supplied label to a Source. "both" is accepted
// as an alias for SourceBoth.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceDatabase, SourceWeb, SourceBoth, SourceUnknown:
		return Source(s), nil
	}
	if s == "both" {
		return SourceBoth, nil
	}
	return "", fmt.Errorf("%w: unknown source %q", ErrInvalidArgument, s)
}

// SearchRecord is one logged agent interaction plus the fields derived from it.
// Records are never modified after creation.
type SearchRecord struct {
	ID           string    `json:"record_id"`
	Timestamp    time.Time `json:"timestamp"`
	UserQuery    string    `json:"user_query"`
	RawResponse  string    `json:"raw_response"`
	Brand        string    `json:"product_brand,omitempty"`
	Model        string    `json:"product_model,omitempty"`
	PriceDetails []string  `json:"price_details"`
	Vendors      []string  `json:"vendors"`
	VerifiedURLs []string  `json:"verified_urls"`
	Source       Source    `json:"source"`
	Notes        string    `json:"notes"`
	SessionID    string    `json:"session_id,omitempty"`
}

// normalize replaces nil slices with empty ones so the persisted form never
// carries nulls.
func (r SearchRecord) normalize() SearchRecord {
	if r.PriceDetails == nil {
		r.PriceDetails = []string{}
	}
	if r.Vendors == nil {
		r.Vendors = []string{}
	}
	if r.VerifiedURLs == nil {
		r.VerifiedURLs = []string{}
	}
	if r.Source == "" {
		r.Source = SourceUnknown
	}
	return r
}

func cloneRecords(in []SearchRecord) []SearchRecord {
	out := make([]SearchRecord, len(in))
	copy(out, in)
	return out
}
