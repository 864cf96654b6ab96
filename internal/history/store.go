package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// HistoryKey is the blob key holding the record array, most-recent-first.
	HistoryKey = "insight_agent_search_history"
	// AnalyticsKey is the blob key holding the cached Summary of HistoryKey.
	AnalyticsKey = "insight_agent_analytics"

	DefaultMaxEntries = 100
)

// ErrBlobNotFound is returned by a Backend when the key has never been written.
var ErrBlobNotFound = errors.New("blob not found")

var errNotLoaded = errors.New("history not yet read from backend")

// Backend is a key-value blob store. Implemented by storage.Store (SQLite),
// kv.Redis and MemoryBackend.
type Backend interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, data []byte) error
	DeleteBlob(ctx context.Context, keys ...string) error
}

// Metrics receives store health signals. Implemented by metrics.Metrics.
type Metrics interface {
	PersistDegraded(op string)
	HistorySize(n int)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Mode tells whether an operation reached the backend.
type Mode int

const (
	StatusOK Mode = iota
	StatusDegraded
)

func (m Mode) String() string {
	if m == StatusDegraded {
		return "degraded"
	}
	return "ok"
}

// Status is the outcome of a store operation. A degraded status means the
// backend could not be reached and the volatile copy was used instead; it
// is never a failure of the operation itself.
type Status struct {
	Mode Mode
	Err  error
}

// OK reports whether the operation reached the backend.
func (s Status) OK() bool { return s.Mode == StatusOK }

func degraded(err error) Status { return Status{Mode: StatusDegraded, Err: err} }

// worse returns the degraded status of the two, preferring a.
func worse(a, b Status) Status {
	if !a.OK() {
		return a
	}
	return b
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries bounds the number of retained records. Values below 1 are
// ignored.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// Store is the bounded, most-recent-first search history. It hydrates from
// the backend on first access and writes the full collection back after
// every mutation. When the backend fails, writes land in a process-local
// volatile copy and the operation reports StatusDegraded.
type Store struct {
	backend    Backend
	maxEntries int
	logger     *slog.Logger
	metrics    Metrics
	clock      Clock

	mu      sync.Mutex
	records []SearchRecord
	// loaded is set once the backend has been read, or once Save or Clear
	// made the in-memory collection authoritative. Until then nothing is
	// written to the backend.
	loaded bool
	// dirty marks in-memory changes the backend has not acknowledged.
	dirty bool
	// pruneBefore drops persisted records older than a prune made before
	// the first successful read.
	pruneBefore time.Time
	volatile    map[string][]byte
}

// NewStore creates a Store over backend. A nil backend keeps history in
// memory only.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend:    backend,
		maxEntries: DefaultMaxEntries,
		logger:     slog.Default(),
		clock:      realClock{},
		volatile:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts rec at the head of the history, evicts the oldest records
// beyond the bound and persists the result. A record whose ID is already
// present replaces the earlier copy.
func (s *Store) Append(ctx context.Context, rec SearchRecord) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.hydrateLocked(ctx)

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now()
	}
	rec = rec.normalize()

	next := make([]SearchRecord, 0, len(s.records)+1)
	next = append(next, rec)
	for _, r := range s.records {
		if r.ID != rec.ID {
			next = append(next, r)
		}
	}
	s.records = s.bound(next)

	return worse(st, s.persistLocked(ctx, "append"))
}

// Load reads the history from the backend and makes it the in-memory
// collection. A missing key yields an empty history. A corrupt blob is
// logged and treated as empty. When the backend is unreachable the volatile
// copy (possibly empty) is returned with StatusDegraded. Records written
// while the backend was unreachable are merged ahead of the persisted ones
// once it answers again.
func (s *Store) Load(ctx context.Context) ([]SearchRecord, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.syncLocked(ctx)
	return cloneRecords(s.records), st
}

// Save replaces the history with records, trimmed to the bound, and
// persists it.
func (s *Store) Save(ctx context.Context, records []SearchRecord) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]SearchRecord, 0, len(records))
	for _, r := range records {
		next = append(next, r.normalize())
	}
	s.records = s.bound(next)
	s.loaded = true
	return s.persistLocked(ctx, "save")
}

// Clear removes every record from memory, the backend and the volatile copy.
func (s *Store) Clear(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = []SearchRecord{}
	s.loaded = true
	s.pruneBefore = time.Time{}
	clear(s.volatile)
	s.observeSize()

	if err := s.backend.DeleteBlob(ctx, HistoryKey, AnalyticsKey); err != nil {
		s.dirty = true
		s.reportDegraded("clear", err)
		return degraded(err)
	}
	s.dirty = false
	return Status{}
}

// Prune removes records created before cutoff and returns how many were
// removed. Nothing is written when no record qualifies.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.hydrateLocked(ctx)

	kept := make([]SearchRecord, 0, len(s.records))
	for _, r := range s.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	if !s.loaded && cutoff.After(s.pruneBefore) {
		s.pruneBefore = cutoff
		s.dirty = true
	}
	removed := len(s.records) - len(kept)
	if removed == 0 {
		return 0, st
	}
	s.records = kept
	return removed, worse(st, s.persistLocked(ctx, "prune"))
}

// PruneDays keeps only the records from the last days days.
func (s *Store) PruneDays(ctx context.Context, days int) (int, Status) {
	return s.Prune(ctx, s.clock.Now().AddDate(0, 0, -days))
}

// Records returns a copy of the history, most-recent-first.
func (s *Store) Records(ctx context.Context) []SearchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)
	return cloneRecords(s.records)
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (SearchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return SearchRecord{}, false
}

// Len returns the number of stored records.
func (s *Store) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)
	return len(s.records)
}

func (s *Store) hydrateLocked(ctx context.Context) Status {
	if s.loaded {
		return Status{}
	}
	return s.syncLocked(ctx)
}

// syncLocked reads the backend and reconciles it with the in-memory
// collection. Before the first successful read, records held in memory were
// written during an outage and go ahead of the persisted ones. Afterwards
// unacknowledged changes win over the backend copy.
func (s *Store) syncLocked(ctx context.Context) Status {
	data, err := s.backend.GetBlob(ctx, HistoryKey)
	if err != nil && !errors.Is(err, ErrBlobNotFound) {
		s.reportDegraded("load", err)
		if !s.loaded {
			s.records = s.decode(s.volatile[HistoryKey])
		}
		s.observeSize()
		return degraded(err)
	}

	persisted := s.decode(data)
	switch {
	case !s.loaded:
		s.records = s.merge(s.records, persisted)
	case !s.dirty:
		s.records = persisted
	}
	s.loaded = true
	s.pruneBefore = time.Time{}

	if !s.dirty {
		s.observeSize()
		return Status{}
	}
	return s.persistLocked(ctx, "sync")
}

// merge puts newer ahead of persisted, dropping persisted records already
// present or older than a pending prune, and applies the bound.
func (s *Store) merge(newer, persisted []SearchRecord) []SearchRecord {
	out := make([]SearchRecord, 0, len(newer)+len(persisted))
	seen := make(map[string]bool, len(newer))
	for _, r := range newer {
		seen[r.ID] = true
		out = append(out, r)
	}
	for _, r := range persisted {
		if seen[r.ID] {
			continue
		}
		if !s.pruneBefore.IsZero() && r.Timestamp.Before(s.pruneBefore) {
			continue
		}
		out = append(out, r)
	}
	return s.bound(out)
}

func (s *Store) decode(data []byte) []SearchRecord {
	if len(data) == 0 {
		return []SearchRecord{}
	}
	var recs []SearchRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		s.logger.Warn("history blob is corrupt, starting empty", "key", HistoryKey, "error", err)
		return []SearchRecord{}
	}
	out := make([]SearchRecord, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.ID != "" && seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r.normalize())
	}
	return s.bound(out)
}

// persistLocked writes the history and its analytics cache. The volatile
// copy always mirrors the last saved state so a later backend outage can
// still serve it. A store that has not read the backend yet keeps the write
// in the volatile copy only.
func (s *Store) persistLocked(ctx context.Context, op string) Status {
	s.observeSize()

	history, err := json.Marshal(s.records)
	if err != nil {
		return degraded(fmt.Errorf("encoding history: %w", err))
	}
	analytics, err := json.Marshal(Aggregate(s.records))
	if err != nil {
		return degraded(fmt.Errorf("encoding analytics: %w", err))
	}

	s.volatile[HistoryKey] = history
	s.volatile[AnalyticsKey] = analytics
	s.dirty = true

	if !s.loaded {
		return degraded(errNotLoaded)
	}
	if err := s.backend.PutBlob(ctx, HistoryKey, history); err != nil {
		s.reportDegraded(op, err)
		return degraded(err)
	}
	if err := s.backend.PutBlob(ctx, AnalyticsKey, analytics); err != nil {
		s.reportDegraded(op, err)
		return degraded(err)
	}
	s.dirty = false
	return Status{}
}

func (s *Store) bound(recs []SearchRecord) []SearchRecord {
	if len(recs) > s.maxEntries {
		recs = recs[:s.maxEntries]
	}
	return recs
}

func (s *Store) reportDegraded(op string, err error) {
	s.logger.Warn("history backend unavailable, using volatile copy", "op", op, "error", err)
	if s.metrics != nil {
		s.metrics.PersistDegraded(op)
	}
}

func (s *Store) observeSize() {
	if s.metrics != nil {
		s.metrics.HistorySize(len(s.records))
	}
}

// MemoryBackend is a process-local Backend. Data is lost when the process
// exits.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (m *MemoryBackend) GetBlob(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryBackend) PutBlob(_ context.Context, key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.blobs[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) DeleteBlob(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.blobs, k)
	}
	m.mu.Unlock()
	return nil
}
