package audit

import "context"

// Filters are ANDed together by Query. Recognized keys are exactly the
// struct fields of Filter; unknown filter keys passed through higher-level
// bindings are ignored for forward compatibility.
type Filter struct {
	TraceID         string
	SpanType        string
	Operation       string
	Status          Status
	UserID          string
	ConversationID  string
	TenantID        string
	StartTimeAfter  *int64 // unix millis, inclusive
	StartTimeBefore *int64 // unix millis, inclusive
}

// OrderDir selects ascending or descending ordering for Query.
type OrderDir string

const (
	OrderAsc  OrderDir = "asc"
	OrderDesc OrderDir = "desc"
)

// Query describes a single store query: filters ANDed together, an
// ordering column (defaulting to "startTime"), a direction (defaulting to
// desc), and offset/limit pagination applied after filtering and
// ordering.
type Query struct {
	Filter   Filter
	OrderBy  string
	OrderDir OrderDir
	Limit    int
	Offset   int
}

// DefaultLimit bounds unpaginated queries.
const DefaultLimit = 100

// Normalize fills in the documented defaults for OrderBy, OrderDir and
// Limit so every store implementation can share one normalization path.
func (q Query) Normalize() Query {
	if q.OrderBy == "" {
		q.OrderBy = "startTime"
	}
	if q.OrderDir == "" {
		q.OrderDir = OrderDesc
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether e satisfies every set field of f, ANDed
// together. Stores that filter in process (memory, file) share this one
// helper so their semantics cannot drift apart.
func (f Filter) Matches(e *Entry) bool {
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.SpanType != "" && e.SpanType != f.SpanType {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ConversationID != "" && e.ConversationID != f.ConversationID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.StartTimeAfter != nil && e.StartTime.UnixMilli() < *f.StartTimeAfter {
		return false
	}
	if f.StartTimeBefore != nil && e.StartTime.UnixMilli() > *f.StartTimeBefore {
		return false
	}
	return true
}

// Trace is the result of fetching every entry belonging to one traceId.
type Trace struct {
	TraceID string   `json:"traceId"`
	Entries []*Entry `json:"entries"`
	Summary Summary  `json:"summary"`
}

// SummarizeEntries builds a Summary over a stored trace's entries. Unlike
// a live Context's summary, a stored trace is always treated as completed.
func SummarizeEntries(traceID string, entries []*Entry) Summary {
	sum := Summary{TraceID: traceID, Completed: true}
	var minStart, maxEnd int64
	for _, e := range entries {
		sum.SpanCount++
		if e.Status == StatusError {
			sum.ErrorCount++
		}
		sum.Tokens.Prompt += numField(e.Tokens, "prompt")
		sum.Tokens.Completion += numField(e.Tokens, "completion")
		sum.Tokens.Total += numField(e.Tokens, "total")
		sum.Cost.Amount += floatField(e.Cost, "amount")
		if sum.Cost.Currency == "" {
			if cur, ok := e.Cost["currency"].(string); ok && cur != "" {
				sum.Cost.Currency = cur
			}
		}
		startMs, endMs := e.StartTime.UnixMilli(), e.EndTime.UnixMilli()
		if minStart == 0 || startMs < minStart {
			minStart = startMs
		}
		if endMs > maxEnd {
			maxEnd = endMs
		}
	}
	sum.StartTime, sum.EndTime = minStart, maxEnd
	if maxEnd > minStart {
		sum.DurationMs = maxEnd - minStart
	}
	return sum
}

// Stats summarizes the contents of a store.
type Stats struct {
	TotalEntries   int            `json:"totalEntries"`
	TotalTraces    int            `json:"totalTraces"`
	BySpanType     map[string]int `json:"bySpanType"`
	ByStatus       map[string]int `json:"byStatus"`
	CorruptEntries int            `json:"corruptEntries"`
}

// BatchResult reports the outcome of a non-atomic batch write.
type BatchResult struct {
	Stored int
	Failed int
}

// Store is the uniform persistence contract every backend (memory, file,
// JDBC-equivalent) implements. Configure must be called, where a backend
// requires it, before any other method; calling another method first
// fails with ErrNotConfigured.
type Store interface {
	// Configure validates config and prepares backing resources.
	Configure(ctx context.Context, config any) error

	// Store persists a single entry.
	Store(ctx context.Context, e *Entry) error

	// StoreBatch persists many entries without atomicity across entries.
	StoreBatch(ctx context.Context, entries []*Entry) (BatchResult, error)

	// Query returns entries matching every set field of q.Filter, ANDed,
	// ordered and paginated per q.
	Query(ctx context.Context, q Query) ([]*Entry, error)

	// GetByID returns a single entry by span id.
	GetByID(ctx context.Context, spanID string) (*Entry, error)

	// GetTrace returns every entry for traceID ordered by StartTime
	// ascending, plus its summary. An unknown traceID yields an empty
	// Trace rather than an error.
	GetTrace(ctx context.Context, traceID string) (Trace, error)

	// DeleteTrace removes every entry for traceID, reporting whether any
	// were deleted.
	DeleteTrace(ctx context.Context, traceID string) (bool, error)

	// Purge removes entries whose EndTime predates olderThan, returning
	// the count removed.
	Purge(ctx context.Context, olderThan int64) (int, error)

	// GetStats summarizes the store's contents.
	GetStats(ctx context.Context) (Stats, error)

	// Clear removes all state.
	Clear(ctx context.Context) error

	// Flush applies to buffered implementations; it is a no-op otherwise.
	Flush(ctx context.Context) error

	// Close releases resources; it is a no-op for stores that hold none.
	Close(ctx context.Context) error
}
