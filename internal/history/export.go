package history

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format selects an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ListSeparator joins list-valued fields in CSV exports.
const ListSeparator = ";"

var csvHeader = []string{
	"record_id",
	"timestamp",
	"user_query",
	"raw_response",
	"product_brand",
	"product_model",
	"price_details",
	"vendors",
	"verified_urls",
	"source",
	"notes",
	"session_id",
}

// ParseFormat maps a user-supplied name to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidArgument, s)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Export encodes records. JSON output has the same shape as the persisted
// history blob and decodes back to equal records. CSV flattens list fields
// with ListSeparator.
func Export(records []SearchRecord, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return exportJSON(records)
	case FormatCSV:
		return exportCSV(records)
	default:
		return nil, fmt.Errorf("%w: unknown export format %q", ErrInvalidArgument, f)
	}
}

func exportJSON(records []SearchRecord) ([]byte, error) {
	out := make([]SearchRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.normalize())
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding json export: %w", err)
	}
	return data, nil
}

func exportCSV(records []SearchRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.UserQuery,
			r.RawResponse,
			r.Brand,
			r.Model,
			strings.Join(r.PriceDetails, ListSeparator),
			strings.Join(r.Vendors, ListSeparator),
			strings.Join(r.VerifiedURLs, ListSeparator),
			string(r.Source),
			r.Notes,
			r.SessionID,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row %s: %w", r.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}
