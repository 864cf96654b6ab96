package history

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Summary holds frequency counts over a record set. Absent fields are not
// counted.
type Summary struct {
	Total   int            `json:"total"`
	Brands  map[string]int `json:"brands"`
	Models  map[string]int `json:"models"`
	Vendors map[string]int `json:"vendors"`
	Sources map[string]int `json:"sources"`
	Daily   map[string]int `json:"daily"`
}

// Aggregate counts brands, models, vendors, sources and records per UTC
// calendar day.
func Aggregate(records []SearchRecord) Summary {
	s := Summary{
		Total:   len(records),
		Brands:  map[string]int{},
		Models:  map[string]int{},
		Vendors: map[string]int{},
		Sources: map[string]int{},
		Daily:   map[string]int{},
	}
	for _, r := range records {
		if r.Brand != "" {
			s.Brands[r.Brand]++
		}
		if r.Model != "" {
			s.Models[r.Model]++
		}
		for _, v := range r.Vendors {
			if v != "" {
				s.Vendors[v]++
			}
		}
		if r.Source != "" {
			s.Sources[string(r.Source)]++
		}
		if !r.Timestamp.IsZero() {
			s.Daily[r.Timestamp.UTC().Format(time.DateOnly)]++
		}
	}
	return s
}

// Count is one entry of a ranked frequency table.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Top ranks counts by frequency descending, then key ascending, and keeps
// the first n. n <= 0 keeps all.
func Top(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, Count{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Days returns the Daily buckets in chronological order.
func (s Summary) Days() []Count {
	out := make([]Count, 0, len(s.Daily))
	for k, c := range s.Daily {
		out = append(out, Count{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats is the headline block shown next to the history list.
type Stats struct {
	Total         int     `json:"total"`
	UniqueBrands  int     `json:"unique_brands"`
	WithPrices    int     `json:"with_prices"`
	LastSevenDays int     `json:"last_seven_days"`
	AvgURLs       float64 `json:"avg_urls"`
	AvgVendors    float64 `json:"avg_vendors"`
}

// ComputeStats summarises records relative to now.
func ComputeStats(records []SearchRecord, now time.Time) Stats {
	st := Stats{Total: len(records)}
	if len(records) == 0 {
		return st
	}

	brands := make(map[string]struct{})
	weekAgo := now.Add(-7 * 24 * time.Hour)
	var urls, vendors int
	for _, r := range records {
		if r.Brand != "" {
			brands[strings.ToLower(r.Brand)] = struct{}{}
		}
		if len(r.PriceDetails) > 0 {
			st.WithPrices++
		}
		if !r.Timestamp.Before(weekAgo) {
			st.LastSevenDays++
		}
		urls += len(r.VerifiedURLs)
		vendors += len(r.Vendors)
	}
	st.UniqueBrands = len(brands)
	st.AvgURLs = round2(float64(urls) / float64(len(records)))
	st.AvgVendors = round2(float64(vendors) / float64(len(records)))
	return st
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

var priceNumber = regexp.MustCompile(`\d{1,3}(?:[.,]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?`)

// parseAmount reads a price number in either "1,299.00" or "1.299,00"
// notation. With both separators present the last one is the decimal
// point; a lone separator kind followed only by three-digit groups is
// digit grouping.
func parseAmount(s string) (float64, error) {
	dot, comma := strings.LastIndexByte(s, '.'), strings.LastIndexByte(s, ',')
	switch {
	case dot >= 0 && comma >= 0:
		if dot > comma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case dot >= 0 || comma >= 0:
		sep := "."
		if comma >= 0 {
			sep = ","
		}
		parts := strings.Split(s, sep)
		grouped := true
		for _, p := range parts[1:] {
			if len(p) != 3 {
				grouped = false
				break
			}
		}
		if grouped {
			s = strings.Join(parts, "")
		} else if len(parts) == 2 {
			s = parts[0] + "." + parts[1]
		} else {
			return 0, fmt.Errorf("ambiguous amount %q", s)
		}
	}
	return strconv.ParseFloat(s, 64)
}

// PriceRange renders the span of the numeric values in prices, such as
// "$899.00 - $999.00". A single value is rendered alone. Tokens without a
// number are ignored; no numbers yields "".
func PriceRange(prices []string) string {
	var vals []float64
	for _, p := range prices {
		m := priceNumber.FindString(p)
		if m == "" {
			continue
		}
		v, err := parseAmount(m)
		if err != nil {
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return ""
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return fmt.Sprintf("$%.2f", lo)
	}
	return fmt.Sprintf("$%.2f - $%.2f", lo, hi)
}
