package history

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

const (
	notesMaxRunes     = 200
	defaultURLPattern = `https?://[^\s<>"'()\[\]{}]+`
)

type brandRule struct {
	label   string
	pattern *regexp.Regexp
	model   *regexp.Regexp
}

// Extractor derives SearchRecords from a query/response pair using a
// compiled PatternTable. Extraction is best effort: a rule that finds
// nothing leaves its field empty.
type Extractor struct {
	brands        []brandRule
	prices        []*regexp.Regexp
	knownVendors  []string
	genericVendor *regexp.Regexp
	url           *regexp.Regexp
	dbMarkers     []*regexp.Regexp
	webMarkers    []*regexp.Regexp

	now   func() time.Time
	newID func() string
}

// NewExtractor compiles every rule in t. All patterns are matched
// case-insensitively.
func NewExtractor(t PatternTable) (*Extractor, error) {
	e := &Extractor{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}

	for i, b := range t.Brands {
		if b.Label == "" || b.Pattern == "" {
			return nil, fmt.Errorf("brand %d: label and pattern are required", i)
		}
		rule := brandRule{label: b.Label}
		var err error
		if rule.pattern, err = compileFold(b.Pattern); err != nil {
			return nil, fmt.Errorf("brand %q pattern: %w", b.Label, err)
		}
		if b.Model != "" {
			if rule.model, err = compileFold(b.Model); err != nil {
				return nil, fmt.Errorf("brand %q model pattern: %w", b.Label, err)
			}
		}
		e.brands = append(e.brands, rule)
	}

	var err error
	if e.prices, err = compileAll(t.Prices); err != nil {
		return nil, fmt.Errorf("price pattern: %w", err)
	}
	if e.dbMarkers, err = compileAll(t.DatabaseMarkers); err != nil {
		return nil, fmt.Errorf("database marker: %w", err)
	}
	if e.webMarkers, err = compileAll(t.WebMarkers); err != nil {
		return nil, fmt.Errorf("web marker: %w", err)
	}
	if t.GenericVendor != "" {
		if e.genericVendor, err = compileFold(t.GenericVendor); err != nil {
			return nil, fmt.Errorf("generic vendor pattern: %w", err)
		}
	}
	urlPattern := t.URL
	if urlPattern == "" {
		urlPattern = defaultURLPattern
	}
	if e.url, err = compileFold(urlPattern); err != nil {
		return nil, fmt.Errorf("url pattern: %w", err)
	}
	for _, v := range t.Vendors {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			e.knownVendors = append(e.knownVendors, v)
		}
	}
	return e, nil
}

func compileFold(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := compileFold(expr)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Extract builds a new record for one completed interaction. It never fails.
func (e *Extractor) Extract(query, response string) SearchRecord {
	rec := SearchRecord{
		ID:          e.newID(),
		Timestamp:   e.now(),
		UserQuery:   query,
		RawResponse: response,
	}

	rec.Brand, rec.Model = e.brandAndModel(query, response)
	rec.PriceDetails = e.priceTokens(response)
	rec.VerifiedURLs = e.urls(response)
	rec.Vendors = e.vendors(response, rec.VerifiedURLs)
	rec.Source = e.classify(response)
	rec.Notes = summarize(response)

	return rec.normalize()
}

func (e *Extractor) brandAndModel(query, response string) (string, string) {
	for _, b := range e.brands {
		if !b.pattern.MatchString(query) && !b.pattern.MatchString(response) {
			continue
		}
		if b.model == nil {
			return b.label, ""
		}
		for _, text := range []string{query, response} {
			if m := firstGroup(b.model, text); m != "" {
				return b.label, m
			}
		}
		return b.label, ""
	}
	return "", ""
}

// firstGroup returns capture group 1 of the first match, or the whole match
// when the pattern has no groups.
func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if len(m) > 1 && m[1] != "" {
		return collapseSpace(m[1])
	}
	return collapseSpace(m[0])
}

type span struct {
	start, end int
	text       string
}

// priceTokens collects non-overlapping price matches across all price patterns
// in order of appearance.
func (e *Extractor) priceTokens(response string) []string {
	var spans []span
	for _, re := range e.prices {
		for _, loc := range re.FindAllStringIndex(response, -1) {
			spans = append(spans, span{start: loc[0], end: loc[1], text: response[loc[0]:loc[1]]})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var out []string
	seen := make(map[string]bool)
	lastEnd := -1
	for _, s := range spans {
		if s.start < lastEnd {
			continue
		}
		lastEnd = s.end
		tok := strings.TrimSpace(s.text)
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func (e *Extractor) urls(response string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range e.url.FindAllString(response, -1) {
		u := strings.TrimRight(raw, ".,;:!?*'\"")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// vendors returns known and generic vendor domains in order of first
// appearance, followed by the registrable domains of any URLs not already
// listed.
func (e *Extractor) vendors(response string, urls []string) []string {
	lower := strings.ToLower(response)

	var spans []span
	for _, v := range e.knownVendors {
		for off := 0; off < len(lower); {
			i := strings.Index(lower[off:], v)
			if i < 0 {
				break
			}
			i += off
			if !inEmail(lower, i) {
				spans = append(spans, span{start: i, end: i + len(v), text: v})
				break
			}
			off = i + len(v)
		}
	}
	if e.genericVendor != nil {
		for _, loc := range e.genericVendor.FindAllStringIndex(lower, -1) {
			if inEmail(lower, loc[0]) {
				continue
			}
			spans = append(spans, span{start: loc[0], end: loc[1], text: lower[loc[0]:loc[1]]})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, s := range spans {
		add(s.text)
	}
	for _, u := range urls {
		add(registrableDomain(u))
	}
	return out
}

func registrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return d
}

func (e *Extractor) classify(response string) Source {
	db := anyMatch(e.dbMarkers, response)
	web := anyMatch(e.webMarkers, response)
	switch {
	case db && web:
		return SourceBoth
	case db:
		return SourceDatabase
	case web:
		return SourceWeb
	default:
		return SourceUnknown
	}
}

func anyMatch(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func summarize(response string) string {
	s := collapseSpace(response)
	if utf8.RuneCountInString(s) <= notesMaxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:notesMaxRunes])) + "..."
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// inEmail reports whether the domain starting at i is the host part of an
// email address.
func inEmail(s string, i int) bool {
	return i > 0 && s[i-1] == '@'
}
