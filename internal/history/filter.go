package history

import (
	"fmt"
	"strings"
	"time"
)

// Criteria selects records. Every non-zero field is an AND-ed predicate;
// the zero Criteria matches everything.
type Criteria struct {
	Brand     string
	Model     string
	Source    Source
	From      time.Time
	To        time.Time
	Text      string
	SessionID string
}

// IsZero reports whether c imposes no constraint.
func (c Criteria) IsZero() bool {
	return c == Criteria{}
}

// Validate reports an inverted date range. Filter itself treats one as
// matching nothing.
func (c Criteria) Validate() error {
	if !c.From.IsZero() && !c.To.IsZero() && c.From.After(c.To) {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidArgument,
			c.From.Format(time.RFC3339), c.To.Format(time.RFC3339))
	}
	return nil
}

// Filter returns the records matching c in their original order. The input
// is not modified.
func Filter(records []SearchRecord, c Criteria) []SearchRecord {
	if c.IsZero() {
		return cloneRecords(records)
	}
	if c.Validate() != nil {
		return []SearchRecord{}
	}

	brand := strings.ToLower(strings.TrimSpace(c.Brand))
	model := strings.ToLower(strings.TrimSpace(c.Model))
	text := strings.ToLower(strings.TrimSpace(c.Text))

	out := make([]SearchRecord, 0, len(records))
	for _, r := range records {
		if brand != "" && !containsFold(r.Brand, brand) {
			continue
		}
		if model != "" && !containsFold(r.Model, model) {
			continue
		}
		if c.Source != "" && r.Source != c.Source {
			continue
		}
		if !c.From.IsZero() && r.Timestamp.Before(c.From) {
			continue
		}
		if !c.To.IsZero() && r.Timestamp.After(c.To) {
			continue
		}
		if c.SessionID != "" && r.SessionID != c.SessionID {
			continue
		}
		if text != "" && !containsFold(r.UserQuery, text) && !containsFold(r.RawResponse, text) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// containsFold reports whether lowerNeedle occurs in s, ignoring case.
// An empty s never matches.
func containsFold(s, lowerNeedle string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), lowerNeedle)
}

// Paginate returns the window [offset, offset+limit) of records. A limit
// of zero or less means no limit.
func Paginate(records []SearchRecord, limit, offset int) []SearchRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []SearchRecord{}
	}
	end := len(records)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return records[offset:end]
}

// ParseDate accepts RFC 3339 timestamps or YYYY-MM-DD dates (UTC). For a
// bare date used as an upper bound, pass endOfDay to include the whole day.
func ParseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrInvalidArgument, s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
