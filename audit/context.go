package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Context is the per-trace aggregator: it holds the active-span stack,
// the completed-entry list in completion order, context-level metadata
// and tenant identifiers, and an optional bound Store for auto-persistence.
// A Context is owned by exactly one logical execution at a time; it is
// not safe for concurrent use from multiple goroutines without external
// synchronization, the same single-owner discipline the interceptor
// package enforces via its execution-scoped map.
type Context struct {
	traceID  string
	entries  []*Entry
	stack    []*Entry
	metadata map[string]any
	userID   string
	convID   string
	tenantID string

	recording bool
	completed bool

	store       Store
	storeErrors int
	sanitizer   *Sanitizer
}

// NewContext creates a Context for traceID. If traceID is empty, one is
// generated. Recording starts enabled.
func NewContext(traceID string) *Context {
	if traceID == "" {
		traceID = newID()
	}
	return &Context{
		traceID:   traceID,
		metadata:  map[string]any{},
		recording: true,
		sanitizer: NewSanitizer(),
	}
}

// BindStore attaches a Store so every entry appended to the completed list
// is also handed to the store. Fluent.
func (c *Context) BindStore(s Store) *Context { c.store = s; return c }

// WithSanitizer overrides the default Sanitizer. Fluent.
func (c *Context) WithSanitizer(s *Sanitizer) *Context { c.sanitizer = s; return c }

// TraceID returns the context's trace identifier.
func (c *Context) TraceID() string { return c.traceID }

// IsRecording reports whether span/entry operations currently take effect.
func (c *Context) IsRecording() bool { return c.recording }

// CurrentSpanID returns the span id on top of the active stack, or "" if
// no span is open.
func (c *Context) CurrentSpanID() string {
	if len(c.stack) == 0 {
		return ""
	}
	return c.stack[len(c.stack)-1].SpanID
}

// SetRecording toggles whether span/entry operations record state. Fluent.
func (c *Context) SetRecording(on bool) *Context { c.recording = on; return c }

// SetContextMetadata merges m into the context-level metadata applied to
// every subsequent span. Fluent.
func (c *Context) SetContextMetadata(m map[string]any) *Context {
	for k, v := range m {
		c.metadata[k] = v
	}
	return c
}

// SetUserID sets the user identifier propagated to subsequent spans. Fluent.
func (c *Context) SetUserID(id string) *Context { c.userID = id; return c }

// SetConversationID sets the conversation identifier propagated to
// subsequent spans. Fluent.
func (c *Context) SetConversationID(id string) *Context { c.convID = id; return c }

// SetTenantID sets the tenant identifier propagated to subsequent spans.
// Fluent.
func (c *Context) SetTenantID(id string) *Context { c.tenantID = id; return c }

// StartSpan opens a new span, parented to whatever is currently on top of
// the stack. Returns "" without recording anything if the context is not
// recording or already completed.
func (c *Context) StartSpan(spanType, operation string, input any, metadata map[string]any) string {
	if !c.recording || c.completed {
		return ""
	}
	parent := c.CurrentSpanID()
	e, err := New(c.traceID, spanType, operation, "", parent)
	if err != nil {
		// Nothing was pushed, so the caller's matching EndSpan pops the
		// enclosing span (or no-ops on an empty stack).
		return ""
	}
	merged := map[string]any{}
	for k, v := range c.metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	if len(merged) > 0 {
		e.SetMetadata(merged)
	}
	e.SetUserID(c.userID).SetConversationID(c.convID).SetTenantID(c.tenantID)
	e.SetInput(c.sanitizer.Sanitize(input, false))

	c.stack = append(c.stack, e)
	return e.SpanID
}

// EndSpan completes and pops the innermost open span, appending it to the
// completed-entry list and persisting it if a Store is bound. A no-op when
// the stack is empty or the context is not recording.
func (c *Context) EndSpan(output any, errMsg string, tokens, cost map[string]any) {
	if !c.recording || len(c.stack) == 0 {
		return
	}
	n := len(c.stack) - 1
	e := c.stack[n]
	c.stack = c.stack[:n]

	sanitizedOutput := c.sanitizer.Sanitize(output, true)
	e.Complete(sanitizedOutput, errMsg, tokens, cost)

	merged := map[string]any{}
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range c.metadata {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	if len(merged) > 0 {
		e.Metadata = merged
	}

	c.append(e)
}

// AddEntry records a standalone entry with no stack interaction: it is
// created and completed immediately (zero duration) and appended to the
// completed-entry list.
func (c *Context) AddEntry(spanType, operation string, data any) string {
	if !c.recording || c.completed {
		return ""
	}
	e, err := New(c.traceID, spanType, operation, "", c.CurrentSpanID())
	if err != nil {
		return ""
	}
	e.SetUserID(c.userID).SetConversationID(c.convID).SetTenantID(c.tenantID)
	e.SetMetadata(cloneMap(c.metadata))
	sanitized := c.sanitizer.Sanitize(data, false)
	e.SetInput(sanitized)
	e.Complete(sanitized, "", nil, nil)
	c.append(e)
	return e.SpanID
}

func (c *Context) append(e *Entry) {
	c.entries = append(c.entries, e)
	if c.store != nil {
		// Auto-persistence failures must not disrupt the caller: they are
		// logged and counted here, and swallowed. Direct store calls made
		// by user code still see errors through the store's own API.
		if err := c.store.Store(context.Background(), e); err != nil {
			c.storeErrors++
			log.Printf("audit: trace %s: store write failed: %v", c.traceID, err)
		}
	}
}

// StoreErrors reports how many auto-persist writes have failed (and been
// swallowed) on this context.
func (c *Context) StoreErrors() int { return c.storeErrors }

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetEntries returns the completed-entry list in the order spans
// completed.
func (c *Context) GetEntries() []*Entry {
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// hierarchyNode is the shape getFullTrace's entries take: an entry with
// its direct children grouped by parentSpanId.
type hierarchyNode struct {
	*Entry
	Children []*hierarchyNode `json:"children,omitempty"`
}

// FullTrace is the hierarchical projection returned by GetFullTrace.
type FullTrace struct {
	TraceID string           `json:"traceId"`
	Entries []*hierarchyNode `json:"entries"`
	Summary Summary          `json:"summary"`
}

// GetFullTrace builds the hierarchical view of every completed entry,
// grouping children under their parent by ParentSpanID, plus the summary.
func (c *Context) GetFullTrace() FullTrace {
	byID := map[string]*hierarchyNode{}
	for _, e := range c.entries {
		byID[e.SpanID] = &hierarchyNode{Entry: e}
	}
	var roots []*hierarchyNode
	for _, e := range c.entries {
		node := byID[e.SpanID]
		if e.ParentSpanID != "" {
			if parent, ok := byID[e.ParentSpanID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return FullTrace{TraceID: c.traceID, Entries: roots, Summary: c.GetSummary()}
}

// Summary aggregates completed entries within one Context.
type Summary struct {
	TraceID    string `json:"traceId"`
	SpanCount  int    `json:"spanCount"`
	ErrorCount int    `json:"errorCount"`
	Completed  bool   `json:"completed"`
	Tokens     struct {
		Prompt     int64 `json:"prompt"`
		Completion int64 `json:"completion"`
		Total      int64 `json:"total"`
	} `json:"tokens"`
	Cost struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	} `json:"cost"`
	StartTime  int64 `json:"startTime,omitempty"`
	EndTime    int64 `json:"endTime,omitempty"`
	DurationMs int64 `json:"durationMs"`
}

// GetSummary aggregates token/cost/error/timing totals over every
// completed entry.
func (c *Context) GetSummary() Summary {
	s := SummarizeEntries(c.traceID, c.entries)
	s.Completed = c.completed
	return s
}

func numField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// floatField reads a numeric field without truncating fractional values,
// for cost amounts (which are typically fractional currency units).
func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Complete closes every open span from innermost to outermost (with an
// empty output) and marks the context completed. Subsequent mutating
// calls are no-ops.
func (c *Context) Complete() {
	if c.completed {
		return
	}
	for len(c.stack) > 0 {
		c.EndSpan(nil, "", nil, nil)
	}
	c.completed = true
}

// Export renders the full trace plus summary. "json" is the only
// currently supported format.
func (c *Context) Export(format string) (string, error) {
	if format != "json" {
		return "", fmt.Errorf("audit: unsupported export format %q", format)
	}
	b, err := json.MarshalIndent(c.GetFullTrace(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("audit: export: %w", err)
	}
	return string(b), nil
}
