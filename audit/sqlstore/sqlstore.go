// Package sqlstore is the JDBC-equivalent audit Store: relational
// persistence through database/sql, speaking only parameterized SQL. The
// statements use "?" placeholders and SQLite's INSERT OR REPLACE, so they
// run on drivers for that dialect (such as mattn/go-sqlite3); drivers
// with other placeholder or upsert syntax (such as lib/pq) are not
// supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/chronos-ai/chronos/audit"
)

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// orderColumns is the fixed allow-list mapping a requested orderBy to a
// known column, preventing identifier injection through the ORDER BY
// clause.
var orderColumns = map[string]string{
	"startTime": "start_time",
	"endTime":   "end_time",
}

// Config configures a Store.
type Config struct {
	// Datasource is the opaque connection handle. Required.
	Datasource *sql.DB
	// Table is the identifier the store creates/uses. Defaults to
	// "audit_traces". Validated against ^[A-Za-z_][A-Za-z0-9_]*$.
	Table string
}

// Store implements audit.Store against a database/sql datasource. Each
// operation acquires and releases connections through the pool the
// caller supplied. Single-statement operations hold a connection for one
// statement's execution; StoreBatch, DeleteTrace and Purge hold one for
// the length of their transaction.
type Store struct {
	db    *sql.DB
	table string
}

// New constructs an unconfigured Store. Call Configure before use.
func New() *Store { return &Store{} }

func (s *Store) Configure(ctx context.Context, config any) error {
	cfg, ok := config.(Config)
	if !ok {
		if p, ok2 := config.(*Config); ok2 && p != nil {
			cfg = *p
		}
	}
	if cfg.Datasource == nil {
		return audit.ErrMissingDatasource
	}
	table := cfg.Table
	if table == "" {
		table = "audit_traces"
	}
	if !validTableName.MatchString(table) {
		return fmt.Errorf("%w: %q", audit.ErrInvalidTableName, table)
	}

	s.db = cfg.Datasource
	s.table = table
	return s.migrate(ctx)
}

func (s *Store) requireConfigured() error {
	if s.db == nil {
		return audit.ErrNotConfigured
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT,
		span_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		duration_ms BIGINT,
		status TEXT NOT NULL,
		user_id TEXT,
		conversation_id TEXT,
		tenant_id TEXT,
		payload TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: migrate: %v", audit.ErrStoreIO, err)
	}
	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_trace_id ON %s(trace_id)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_span_type ON %s(span_type)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_operation ON %s(operation)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_start_time ON %s(start_time)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_end_time ON %s(end_time)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s(user_id)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_conversation_id ON %s(conversation_id)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_tenant_id ON %s(tenant_id)", s.table, s.table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("%w: migrate index: %v", audit.ErrStoreIO, err)
		}
	}
	return nil
}

func (s *Store) Store(ctx context.Context, e *audit.Entry) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	return s.insert(ctx, s.db, e)
}

func (s *Store) insert(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, e *audit.Entry) error {
	payload, err := json.Marshal(e.ToMap())
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", audit.ErrStoreIO, err)
	}
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(span_id, trace_id, parent_span_id, span_type, operation, start_time, end_time,
		 duration_ms, status, user_id, conversation_id, tenant_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = execer.ExecContext(ctx, stmt,
		e.SpanID, e.TraceID, e.ParentSpanID, e.SpanType, e.Operation,
		e.StartTime, nullTime(e.EndTime), e.DurationMs, string(e.Status),
		e.UserID, e.ConversationID, e.TenantID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", audit.ErrStoreIO, err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// StoreBatch inserts every entry using one transaction with batched
// parameter binding; a single entry's failure does not abort the rest.
func (s *Store) StoreBatch(ctx context.Context, entries []*audit.Entry) (audit.BatchResult, error) {
	if err := s.requireConfigured(); err != nil {
		return audit.BatchResult{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.BatchResult{}, fmt.Errorf("%w: begin batch: %v", audit.ErrStoreIO, err)
	}
	var res audit.BatchResult
	for _, e := range entries {
		if e == nil {
			res.Failed++
			continue
		}
		if err := s.insert(ctx, tx, e); err != nil {
			res.Failed++
			continue
		}
		res.Stored++
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("%w: commit batch: %v", audit.ErrStoreIO, err)
	}
	return res, nil
}

func (s *Store) Query(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}
	q = q.Normalize()

	col, ok := orderColumns[q.OrderBy]
	if !ok {
		col = "start_time"
	}
	dir := "DESC"
	if q.OrderDir == audit.OrderAsc {
		dir = "ASC"
	}

	where, args := buildWhere(q.Filter)
	stmt := fmt.Sprintf(`SELECT payload FROM %s %s ORDER BY %s %s, span_id ASC LIMIT ? OFFSET ?`,
		s.table, where, col, dir)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", audit.ErrStoreIO, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func buildWhere(f audit.Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, val)
	}
	add("trace_id", f.TraceID)
	add("span_type", f.SpanType)
	add("operation", f.Operation)
	add("status", string(f.Status))
	add("user_id", f.UserID)
	add("conversation_id", f.ConversationID)
	add("tenant_id", f.TenantID)
	if f.StartTimeAfter != nil {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, time.UnixMilli(*f.StartTimeAfter))
	}
	if f.StartTimeBefore != nil {
		clauses = append(clauses, "start_time <= ?")
		args = append(args, time.UnixMilli(*f.StartTimeBefore))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func scanEntries(rows *sql.Rows) ([]*audit.Entry, error) {
	var out []*audit.Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", audit.ErrStoreIO, err)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue // ErrCorruptEntry: skipped, not fatal
		}
		e, err := audit.FromMap(m)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetByID(ctx context.Context, spanID string) (*audit.Entry, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT payload FROM %s WHERE span_id = ?", s.table)
	var payload string
	err := s.db.QueryRowContext(ctx, stmt, spanID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getById: %v", audit.ErrStoreIO, err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrCorruptEntry, err)
	}
	return audit.FromMap(m)
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (audit.Trace, error) {
	if err := s.requireConfigured(); err != nil {
		return audit.Trace{}, err
	}
	stmt := fmt.Sprintf("SELECT payload FROM %s WHERE trace_id = ? ORDER BY start_time ASC, span_id ASC", s.table)
	rows, err := s.db.QueryContext(ctx, stmt, traceID)
	if err != nil {
		return audit.Trace{}, fmt.Errorf("%w: getTrace: %v", audit.ErrStoreIO, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return audit.Trace{}, err
	}
	return audit.Trace{TraceID: traceID, Entries: entries, Summary: audit.SummarizeEntries(traceID, entries)}, nil
}

// DeleteTrace and Purge each use a single DELETE statement inside one
// transaction, so they are atomic within that connection.

func (s *Store) DeleteTrace(ctx context.Context, traceID string) (bool, error) {
	if err := s.requireConfigured(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin deleteTrace: %v", audit.ErrStoreIO, err)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE trace_id = ?", s.table)
	res, err := tx.ExecContext(ctx, stmt, traceID)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("%w: deleteTrace: %v", audit.ErrStoreIO, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit deleteTrace: %v", audit.ErrStoreIO, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Purge(ctx context.Context, olderThan int64) (int, error) {
	if err := s.requireConfigured(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin purge: %v", audit.ErrStoreIO, err)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE end_time IS NOT NULL AND end_time < ?", s.table)
	res, err := tx.ExecContext(ctx, stmt, time.UnixMilli(olderThan))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("%w: purge: %v", audit.ErrStoreIO, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit purge: %v", audit.ErrStoreIO, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetStats avoids LIMIT/OFFSET-specific syntax so it remains portable
// across SQL dialects that lack it.
func (s *Store) GetStats(ctx context.Context) (audit.Stats, error) {
	if err := s.requireConfigured(); err != nil {
		return audit.Stats{}, err
	}
	stats := audit.Stats{BySpanType: map[string]int{}, ByStatus: map[string]int{}}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table))
	if err := row.Scan(&stats.TotalEntries); err != nil {
		return stats, fmt.Errorf("%w: stats count: %v", audit.ErrStoreIO, err)
	}

	row = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(DISTINCT trace_id) FROM %s", s.table))
	if err := row.Scan(&stats.TotalTraces); err != nil {
		return stats, fmt.Errorf("%w: stats traces: %v", audit.ErrStoreIO, err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT span_type, COUNT(*) FROM %s GROUP BY span_type", s.table))
	if err != nil {
		return stats, fmt.Errorf("%w: stats by span type: %v", audit.ErrStoreIO, err)
	}
	for rows.Next() {
		var spanType string
		var count int
		if err := rows.Scan(&spanType, &count); err == nil {
			stats.BySpanType[spanType] = count
		}
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", s.table))
	if err != nil {
		return stats, fmt.Errorf("%w: stats by status: %v", audit.ErrStoreIO, err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err == nil {
			stats.ByStatus[status] = count
		}
	}
	rows.Close()

	return stats, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return fmt.Errorf("%w: clear: %v", audit.ErrStoreIO, err)
	}
	return nil
}

func (s *Store) Flush(_ context.Context) error { return nil }

func (s *Store) Close(_ context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
