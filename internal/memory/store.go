package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backend persists records for one owner. Save must be durable when it returns.
type Backend interface {
	Load(ctx context.Context, owner string) ([]Record, error)
	Save(ctx context.Context, owner string, rec Record) error
	Close() error
}

// Store is one agent's memory: an in-process index over a durable Backend.
type Store struct {
	owner   string
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

// NewStore creates an empty store. A nil backend keeps records in memory only.
func NewStore(owner string, backend Backend, logger *zap.Logger) *Store {
	return &Store{
		owner:   owner,
		backend: backend,
		logger:  logger,
		now:     time.Now,
		index:   make(map[string]int),
	}
}

// Open creates a store and loads the owner's persisted records.
func Open(ctx context.Context, owner string, backend Backend, logger *zap.Logger) (*Store, error) {
	s := NewStore(owner, backend, logger)
	if backend == nil {
		return s, nil
	}
	recs, err := backend.Load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load memories for %s: %w", owner, err)
	}
	for _, r := range recs {
		s.put(r)
	}
	logger.Debug("memories loaded", zap.String("owner", owner), zap.Int("count", len(recs)))
	return s, nil
}

// SetClock replaces the time source used for timestamps and recency boosts.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Owner returns the agent name this store belongs to.
func (s *Store) Owner() string { return s.owner }

// Add upserts rec by id and persists it before returning. A missing id,
// timestamp or weight is filled in; a zero weight counts as missing and
// becomes 1.0.
func (s *Store) Add(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.Weight == 0 {
		rec.Weight = 1.0
	}
	if s.backend != nil {
		if err := s.backend.Save(ctx, s.owner, rec); err != nil {
			return fmt.Errorf("persist memory %s: %w", rec.ID, err)
		}
	}
	s.put(rec)
	return nil
}

func (s *Store) put(rec Record) {
	if i, ok := s.index[rec.ID]; ok {
		s.records[i] = rec
		return
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
}

// UpdateWeight overwrites the weight of one record.
func (s *Store) UpdateWeight(ctx context.Context, id string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("update weight %s: %w", id, ErrNotFound)
	}
	rec := s.records[i]
	rec.Weight = weight
	if s.backend != nil {
		if err := s.backend.Save(ctx, s.owner, rec); err != nil {
			return fmt.Errorf("persist memory %s: %w", id, err)
		}
	}
	s.records[i] = rec
	return nil
}

// All returns a copy of every record.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Recent returns up to limit records, newest first, optionally of one type.
func (s *Store) Recent(limit int, typeFilter string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if typeFilter == "" || r.Type == typeFilter {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return head(out, limit)
}

type scored struct {
	rec    Record
	score  float64
	weight float64
}

// Search ranks records by keyword relevance to query, breaking ties by
// recency-boosted weight. An empty query returns the most recent records.
func (s *Store) Search(query string, limit int, typeFilter string) []Record {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.Recent(limit, typeFilter)
	}

	s.mu.RLock()
	now := s.now()
	var hits []scored
	for _, r := range s.records {
		if typeFilter != "" && r.Type != typeFilter {
			continue
		}
		score := relevance(r, q)
		if score == 0 {
			continue
		}
		hits = append(hits, scored{rec: r, score: score, weight: boostedWeight(r, now)})
	}
	s.mu.RUnlock()

	sortScored(hits)
	return records(hits, limit)
}

// relevance: +1 when content contains q, +0.5 for every top-level string
// field containing q (content included).
func relevance(r Record, q string) float64 {
	var score float64
	content := strings.ToLower(r.Content)
	if strings.Contains(content, q) {
		score++
	}
	for _, field := range []string{r.ID, r.Type, r.Timestamp.Format(time.RFC3339), content} {
		if strings.Contains(strings.ToLower(field), q) {
			score += 0.5
		}
	}
	return score
}

func boostedWeight(r Record, now time.Time) float64 {
	age := now.Sub(r.Timestamp)
	switch {
	case age < 24*time.Hour:
		return r.Weight * 1.2
	case age < 168*time.Hour:
		return r.Weight * 1.1
	default:
		return r.Weight
	}
}

// SearchByTopic scores records mentioning topic: 2 for the content, 1 for each
// nested detail string, 0.5 for each matching item of a nested list.
func (s *Store) SearchByTopic(topic string, limit int) []Record {
	t := strings.ToLower(strings.TrimSpace(topic))
	if t == "" {
		return nil
	}

	s.mu.RLock()
	now := s.now()
	var hits []scored
	for _, r := range s.records {
		var score float64
		if strings.Contains(strings.ToLower(r.Content), t) {
			score += 2
		}
		score += nestedScore(r.Details, t)
		if score == 0 {
			continue
		}
		hits = append(hits, scored{rec: r, score: score, weight: boostedWeight(r, now)})
	}
	s.mu.RUnlock()

	sortScored(hits)
	return records(hits, limit)
}

func nestedScore(v any, t string) float64 {
	switch val := v.(type) {
	case map[string]any:
		var score float64
		for _, item := range val {
			score += nestedScore(item, t)
		}
		return score
	case string:
		if strings.Contains(strings.ToLower(val), t) {
			return 1
		}
	case []string:
		var score float64
		for _, item := range val {
			if strings.Contains(strings.ToLower(item), t) {
				score += 0.5
			}
		}
		return score
	case []any:
		var score float64
		for _, item := range val {
			if str, ok := item.(string); ok && strings.Contains(strings.ToLower(str), t) {
				score += 0.5
			} else if m, ok := item.(map[string]any); ok && nestedScore(m, t) > 0 {
				score += 0.5
			}
		}
		return score
	}
	return 0
}

func sortScored(hits []scored) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].weight > hits[j].weight
	})
}

func records(hits []scored, limit int) []Record {
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	return head(out, limit)
}

func head(recs []Record, limit int) []Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
