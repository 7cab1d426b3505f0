// Package filestore is an append-only durable audit log backed by local
// files, written as newline-delimited JSON by default.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chronos-ai/chronos/audit"
)

// Format selects the on-disk encoding.
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatJSON   Format = "json"
)

// Config configures a Store.
type Config struct {
	// Path is the directory entries are written under. Created by
	// Configure if it does not already exist.
	Path string `json:"path" yaml:"path"`
	// Format is "ndjson" (default, one JSON object per line) or "json"
	// (a JSON array rewritten on each flush).
	Format Format `json:"format" yaml:"format"`
	// BatchSize is how many buffered entries trigger an automatic flush.
	BatchSize int `json:"batchSize" yaml:"batch_size"`
	// MaxFileSize is the byte rotation threshold.
	MaxFileSize int64 `json:"maxFileSize" yaml:"max_file_size"`
	// RotateDaily rotates to a new file at each daily boundary crossed.
	RotateDaily bool `json:"rotateDaily" yaml:"rotate_daily"`
}

func (c Config) normalize() Config {
	if c.Format == "" {
		c.Format = FormatNDJSON
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	return c
}

// Store is an append-oriented Store: entries are buffered in memory and
// appended to the current file once the buffer reaches BatchSize, or on
// an explicit Flush. It serializes writes through a single mutex per
// store instance, matching the "single writer per file path" resource
// policy.
type Store struct {
	mu             sync.Mutex
	cfg            Config
	configured     bool
	buffer         []*audit.Entry
	currentFile    *os.File
	currentPath    string
	currentDay     string
	corruptSkipped int
}

// New constructs an unconfigured Store. Call Configure before use.
func New() *Store { return &Store{} }

func (s *Store) Configure(_ context.Context, config any) error {
	cfg, ok := config.(Config)
	if !ok {
		if p, ok2 := config.(*Config); ok2 && p != nil {
			cfg = *p
		}
	}
	cfg = cfg.normalize()
	if cfg.Path == "" {
		return fmt.Errorf("%w: filestore requires a path", audit.ErrInvalidStore)
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", audit.ErrStoreIO, cfg.Path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.configured = true
	return nil
}

func (s *Store) requireConfigured() error {
	if !s.configured {
		return audit.ErrNotConfigured
	}
	return nil
}

func (s *Store) Store(ctx context.Context, e *audit.Entry) error {
	return s.storeAll(ctx, []*audit.Entry{e})
}

func (s *Store) StoreBatch(ctx context.Context, entries []*audit.Entry) (audit.BatchResult, error) {
	if err := s.storeAll(ctx, entries); err != nil {
		return audit.BatchResult{Failed: len(entries)}, err
	}
	return audit.BatchResult{Stored: len(entries)}, nil
}

func (s *Store) storeAll(ctx context.Context, entries []*audit.Entry) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, e := range entries {
		if e != nil {
			s.buffer = append(s.buffer, e)
		}
	}
	shouldFlush := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()
	if shouldFlush {
		return s.Flush(ctx)
	}
	return nil
}

// Flush appends every buffered entry to the current file, rotating first
// if the daily boundary or size threshold would be crossed.
func (s *Store) Flush(_ context.Context) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainBufferLocked()
}

// drainBufferLocked writes any buffered entries out, so reads taken right
// after see a complete view. Callers must hold mu.
func (s *Store) drainBufferLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}
	if s.cfg.Format == FormatJSON {
		return s.flushJSONLocked()
	}
	return s.flushNDJSONLocked()
}

func (s *Store) flushNDJSONLocked() error {
	if err := s.ensureFileLocked(); err != nil {
		return err
	}
	w := bufio.NewWriter(s.currentFile)
	for _, e := range s.buffer {
		b, err := json.Marshal(e.ToMap())
		if err != nil {
			continue
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("%w: write: %v", audit.ErrStoreIO, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", audit.ErrStoreIO, err)
	}
	s.buffer = nil
	return nil
}

// flushJSONLocked rewrites the whole current file as a JSON array
// containing every entry written so far this file, matching the "json"
// format's rewrite-on-flush semantics.
func (s *Store) flushJSONLocked() error {
	if err := s.ensureFileLocked(); err != nil {
		return err
	}
	existing := s.readCurrentFileEntriesLocked()
	existing = append(existing, s.buffer...)

	tmp := s.currentPath + ".tmp"
	maps := make([]map[string]any, 0, len(existing))
	for _, e := range existing {
		maps = append(maps, e.ToMap())
	}
	b, err := json.MarshalIndent(maps, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", audit.ErrStoreIO, err)
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("%w: write temp: %v", audit.ErrStoreIO, err)
	}
	if err := os.Rename(tmp, s.currentPath); err != nil {
		return fmt.Errorf("%w: rename: %v", audit.ErrStoreIO, err)
	}
	s.buffer = nil
	return nil
}

func (s *Store) readCurrentFileEntriesLocked() []*audit.Entry {
	b, err := os.ReadFile(s.currentPath)
	if err != nil {
		return nil
	}
	var maps []map[string]any
	if err := json.Unmarshal(b, &maps); err != nil {
		return nil
	}
	entries := make([]*audit.Entry, 0, len(maps))
	for _, m := range maps {
		if e, err := audit.FromMap(m); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// ensureFileLocked opens (creating if needed) the current file, rotating
// if the daily boundary was crossed or the pending write would exceed
// MaxFileSize.
func (s *Store) ensureFileLocked() error {
	today := time.Now().Format("2006-01-02")
	needsRotate := s.currentFile == nil || (s.cfg.RotateDaily && s.currentDay != today)

	if !needsRotate && s.currentFile != nil {
		if info, err := s.currentFile.Stat(); err == nil {
			pending := int64(len(s.buffer)) * 512 // heuristic estimate
			if info.Size()+pending > s.cfg.MaxFileSize {
				needsRotate = true
			}
		}
	}
	if !needsRotate {
		return nil
	}
	reopening := s.currentFile == nil
	if s.currentFile != nil {
		s.currentFile.Close()
	}

	ext := "ndjson"
	if s.cfg.Format == FormatJSON {
		ext = "json"
	}
	name := fmt.Sprintf("audit-%s.%s", time.Now().Format("20060102-150405"), ext)
	path := filepath.Join(s.cfg.Path, name)

	// When no file is open yet (first write, or after a restart), treat any
	// existing same-day file as the append target rather than always
	// minting a fresh name. A rotation always starts a new file.
	if reopening {
		if existing := s.latestSameDayFile(today, ext); existing != "" {
			path = existing
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", audit.ErrStoreIO, path, err)
	}
	s.currentFile = f
	s.currentPath = path
	s.currentDay = today
	return nil
}

func (s *Store) latestSameDayFile(day, ext string) string {
	matches, _ := filepath.Glob(filepath.Join(s.cfg.Path, fmt.Sprintf("audit-%s*.%s", compactDay(day), ext)))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

func compactDay(day string) string {
	// "2006-01-02" -> "20060102"
	out := make([]byte, 0, 8)
	for _, r := range day {
		if r != '-' {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

func (s *Store) allFiles() []string {
	ext := "ndjson"
	if s.cfg.Format == FormatJSON {
		ext = "json"
	}
	matches, _ := filepath.Glob(filepath.Join(s.cfg.Path, "audit-*."+ext))
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (s *Store) readFile(path string) []*audit.Entry {
	if s.cfg.Format == FormatJSON {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var maps []map[string]any
		if err := json.Unmarshal(b, &maps); err != nil {
			log.Printf("audit: filestore: skipping unparseable json file %s: %v", path, err)
			s.corruptSkipped++
			return nil
		}
		var out []*audit.Entry
		for _, m := range maps {
			e, err := audit.FromMap(m)
			if err != nil {
				s.corruptSkipped++
				continue
			}
			out = append(out, e)
		}
		return out
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []*audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			log.Printf("audit: filestore: skipping malformed line in %s: %v", path, err)
			s.corruptSkipped++
			continue
		}
		e, err := audit.FromMap(m)
		if err != nil {
			s.corruptSkipped++
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Query(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}
	q = q.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drainBufferLocked(); err != nil {
		return nil, err
	}

	want := q.Offset + q.Limit
	var matched []*audit.Entry
	for _, path := range s.allFiles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, e := range s.readFile(path) {
			if q.Filter.Matches(e) {
				matched = append(matched, e)
			}
		}
		if len(matched) >= want {
			break
		}
	}
	sortByTime(matched, q.OrderBy, q.OrderDir)
	if q.Offset >= len(matched) {
		return []*audit.Entry{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[q.Offset:end], nil
}

func sortByTime(entries []*audit.Entry, orderBy string, dir audit.OrderDir) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		ta, tb := a.StartTime, b.StartTime
		if orderBy == "endTime" {
			ta, tb = a.EndTime, b.EndTime
		}
		if ta.Equal(tb) {
			return a.SpanID < b.SpanID
		}
		less := ta.Before(tb)
		if dir == audit.OrderDesc {
			return !less
		}
		return less
	})
}

func (s *Store) GetByID(ctx context.Context, spanID string) (*audit.Entry, error) {
	entries, err := s.Query(ctx, audit.Query{Limit: 1 << 30})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.SpanID == spanID {
			return e, nil
		}
	}
	return nil, nil
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

// DeleteTrace rewrites every file, omitting lines belonging to traceID. A
// failure on one file does not abort the others (best-effort).
func (s *Store) DeleteTrace(ctx context.Context, traceID string) (bool, error) {
	if err := s.requireConfigured(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drainBufferLocked(); err != nil {
		return false, err
	}

	deletedAny := false
	for _, path := range s.allFiles() {
		if err := ctx.Err(); err != nil {
			return deletedAny, err
		}
		entries := s.readFile(path)
		kept := entries[:0:0]
		changed := false
		for _, e := range entries {
			if e.TraceID == traceID {
				changed = true
				deletedAny = true
				continue
			}
			kept = append(kept, e)
		}
		if changed {
			if err := s.rewriteFile(path, kept); err != nil {
				log.Printf("audit: filestore: deleteTrace: failed rewriting %s: %v", path, err)
			}
		}
	}
	return deletedAny, nil
}

// Purge rewrites every file, dropping entries whose EndTime predates
// olderThan. Best-effort across files.
func (s *Store) Purge(ctx context.Context, olderThan int64) (int, error) {
	if err := s.requireConfigured(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drainBufferLocked(); err != nil {
		return 0, err
	}

	total := 0
	for _, path := range s.allFiles() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		entries := s.readFile(path)
		kept := entries[:0:0]
		changed := false
		for _, e := range entries {
			if !e.EndTime.IsZero() && e.EndTime.UnixMilli() < olderThan {
				changed = true
				total++
				continue
			}
			kept = append(kept, e)
		}
		if changed {
			if err := s.rewriteFile(path, kept); err != nil {
				log.Printf("audit: filestore: purge: failed rewriting %s: %v", path, err)
			}
		}
	}
	return total, nil
}

func (s *Store) rewriteFile(path string, entries []*audit.Entry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if s.cfg.Format == FormatJSON {
		maps := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			maps = append(maps, e.ToMap())
		}
		b, err := json.MarshalIndent(maps, "", "  ")
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(b); err != nil {
			f.Close()
			return err
		}
	} else {
		for _, e := range entries {
			b, err := json.Marshal(e.ToMap())
			if err != nil {
				continue
			}
			if _, err := w.Write(append(b, '\n')); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.currentPath == path && s.currentFile != nil {
		s.currentFile.Close()
		s.currentFile = nil
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if s.currentPath == path {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			s.currentFile = f
		}
	}
	return nil
}

func (s *Store) GetStats(_ context.Context) (audit.Stats, error) {
	if err := s.requireConfigured(); err != nil {
		return audit.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drainBufferLocked(); err != nil {
		return audit.Stats{}, err
	}

	stats := audit.Stats{BySpanType: map[string]int{}, ByStatus: map[string]int{}}
	traces := map[string]bool{}
	for _, path := range s.allFiles() {
		for _, e := range s.readFile(path) {
			stats.TotalEntries++
			stats.BySpanType[e.SpanType]++
			stats.ByStatus[string(e.Status)]++
			traces[e.TraceID] = true
		}
	}
	stats.TotalTraces = len(traces)
	stats.CorruptEntries = s.corruptSkipped
	return stats, nil
}

func (s *Store) Clear(_ context.Context) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		s.currentFile.Close()
		s.currentFile = nil
	}
	for _, path := range s.allFiles() {
		_ = os.Remove(path)
	}
	s.buffer = nil
	s.corruptSkipped = 0
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}
