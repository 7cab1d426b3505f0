// Package memstore is an in-process Store bounded by an optional maxSize,
// evicting the oldest entry by StartTime once the bound is exceeded.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/chronos-ai/chronos/audit"
)

// Config configures a Store.
type Config struct {
	// MaxSize bounds the number of entries retained. 0 means unbounded.
	MaxSize int `json:"maxSize" yaml:"max_size"`
}

// Store implements audit.Store entirely in memory, guarded by a single
// mutex sufficient to preserve its invariants under concurrent access.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	byID    map[string]*audit.Entry
	byTrace map[string][]string // traceID -> ordered spanIDs (insertion order)
	order   []string            // spanIDs in insertion order, for eviction
}

// New constructs an unconfigured Store. Call Configure before use.
func New() *Store {
	return &Store{
		byID:    map[string]*audit.Entry{},
		byTrace: map[string][]string{},
	}
}

func (s *Store) Configure(_ context.Context, config any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := config.(Config); ok {
		s.cfg = cfg
	} else if cfg, ok := config.(*Config); ok && cfg != nil {
		s.cfg = *cfg
	}
	return nil
}

func (s *Store) Store(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(e)
	return nil
}

func (s *Store) storeLocked(e *audit.Entry) {
	if _, exists := s.byID[e.SpanID]; !exists {
		s.order = append(s.order, e.SpanID)
		s.byTrace[e.TraceID] = append(s.byTrace[e.TraceID], e.SpanID)
	}
	s.byID[e.SpanID] = e
	s.evictIfNeeded()
}

func (s *Store) evictIfNeeded() {
	if s.cfg.MaxSize <= 0 || len(s.byID) <= s.cfg.MaxSize {
		return
	}
	for len(s.byID) > s.cfg.MaxSize && len(s.order) > 0 {
		oldestIdx := 0
		for i, id := range s.order {
			e, ok := s.byID[id]
			if !ok {
				continue
			}
			oldest, ok := s.byID[s.order[oldestIdx]]
			if !ok || e.StartTime.Before(oldest.StartTime) {
				oldestIdx = i
			}
		}
		victim := s.order[oldestIdx]
		s.order = append(s.order[:oldestIdx], s.order[oldestIdx+1:]...)
		if e, ok := s.byID[victim]; ok {
			s.removeFromTrace(e.TraceID, victim)
		}
		delete(s.byID, victim)
	}
}

func (s *Store) removeFromTrace(traceID, spanID string) {
	ids := s.byTrace[traceID]
	for i, id := range ids {
		if id == spanID {
			s.byTrace[traceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byTrace[traceID]) == 0 {
		delete(s.byTrace, traceID)
	}
}

func (s *Store) StoreBatch(ctx context.Context, entries []*audit.Entry) (audit.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res audit.BatchResult
	for _, e := range entries {
		if e == nil {
			res.Failed++
			continue
		}
		s.storeLocked(e)
		res.Stored++
	}
	return res, nil
}

func (s *Store) Query(_ context.Context, q audit.Query) ([]*audit.Entry, error) {
	q = q.Normalize()
	s.mu.Lock()
	all := make([]*audit.Entry, 0, len(s.byID))
	for _, e := range s.byID {
		all = append(all, e)
	}
	s.mu.Unlock()

	matched := all[:0:0]
	for _, e := range all {
		if q.Filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	sortEntries(matched, q.OrderBy, q.OrderDir)
	return paginate(matched, q.Limit, q.Offset), nil
}

func sortEntries(entries []*audit.Entry, orderBy string, dir audit.OrderDir) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if sameOrdering(a, b, orderBy) {
			return a.SpanID < b.SpanID
		}
		less := lessByField(a, b, orderBy)
		if dir == audit.OrderDesc {
			return !less
		}
		return less
	})
}

func lessByField(a, b *audit.Entry, orderBy string) bool {
	if orderBy == "endTime" {
		return a.EndTime.Before(b.EndTime)
	}
	return a.StartTime.Before(b.StartTime)
}

func sameOrdering(a, b *audit.Entry, orderBy string) bool {
	if orderBy == "endTime" {
		return a.EndTime.Equal(b.EndTime)
	}
	return a.StartTime.Equal(b.StartTime)
}

func paginate(entries []*audit.Entry, limit, offset int) []*audit.Entry {
	if offset >= len(entries) {
		return []*audit.Entry{}
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]*audit.Entry, end-offset)
	copy(out, entries[offset:end])
	return out
}

func (s *Store) GetByID(_ context.Context, spanID string) (*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[spanID]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (audit.Trace, error) {
	entries, err := s.Query(ctx, audit.Query{
		Filter:   audit.Filter{TraceID: traceID},
		OrderBy:  "startTime",
		OrderDir: audit.OrderAsc,
		Limit:    1 << 30,
	})
	if err != nil {
		return audit.Trace{}, err
	}
	return audit.Trace{TraceID: traceID, Entries: entries, Summary: audit.SummarizeEntries(traceID, entries)}, nil
}

func (s *Store) DeleteTrace(_ context.Context, traceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.byTrace[traceID]
	if !ok || len(ids) == 0 {
		return false, nil
	}
	for _, id := range append([]string{}, ids...) {
		delete(s.byID, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	delete(s.byTrace, traceID)
	return true, nil
}

func (s *Store) Purge(_ context.Context, olderThan int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, e := range s.byID {
		if e.EndTime.UnixMilli() < olderThan && !e.EndTime.IsZero() {
			delete(s.byID, id)
			s.removeFromTrace(e.TraceID, id)
			for i, o := range s.order {
				if o == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			count++
		}
	}
	return count, nil
}

func (s *Store) GetStats(_ context.Context) (audit.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := audit.Stats{
		TotalEntries: len(s.byID),
		TotalTraces:  len(s.byTrace),
		BySpanType:   map[string]int{},
		ByStatus:     map[string]int{},
	}
	for _, e := range s.byID {
		stats.BySpanType[e.SpanType]++
		stats.ByStatus[string(e.Status)]++
	}
	return stats, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = map[string]*audit.Entry{}
	s.byTrace = map[string][]string{}
	s.order = nil
	return nil
}

func (s *Store) Flush(_ context.Context) error { return nil }
func (s *Store) Close(_ context.Context) error { return nil }
