package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of a span.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Clock lets callers control time in tests instead of sleeping. It defaults
// to time.Now and is only ever swapped in tests.
type Clock func() time.Time

var nowFunc Clock = time.Now

// Entry is the atomic audit record: one completed or in-flight span.
// It is mutable only until Complete is called; thereafter it is read-only.
type Entry struct {
	SpanID         string         `json:"spanId"`
	TraceID        string         `json:"traceId"`
	ParentSpanID   string         `json:"parentSpanId,omitempty"`
	SpanType       string         `json:"spanType"`
	Operation      string         `json:"operation"`
	StartTime      time.Time      `json:"startTime"`
	EndTime        time.Time      `json:"endTime,omitempty"`
	DurationMs     int64          `json:"durationMs"`
	Status         Status         `json:"status"`
	Input          any            `json:"input,omitempty"`
	Output         any            `json:"output,omitempty"`
	Tokens         map[string]any `json:"tokens,omitempty"`
	Cost           map[string]any `json:"cost,omitempty"`
	Error          string         `json:"error,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`

	completed bool
}

// New constructs an Entry. traceId, spanType and operation are required;
// spanId is generated if empty. It returns ErrInvalidAuditEntry if any
// required field is empty.
func New(traceID, spanType, operation, spanID, parentSpanID string) (*Entry, error) {
	if traceID == "" {
		return nil, fmt.Errorf("%w: traceId is required", ErrInvalidAuditEntry)
	}
	if spanType == "" {
		return nil, fmt.Errorf("%w: spanType is required", ErrInvalidAuditEntry)
	}
	if operation == "" {
		return nil, fmt.Errorf("%w: operation is required", ErrInvalidAuditEntry)
	}
	if spanID == "" {
		spanID = newID()
	}
	return &Entry{
		SpanID:       spanID,
		TraceID:      traceID,
		ParentSpanID: parentSpanID,
		SpanType:     spanType,
		Operation:    operation,
		StartTime:    nowFunc(),
		Status:       StatusOK,
	}, nil
}

// newID generates an opaque unique identifier for a trace or span.
func newID() string {
	return uuid.NewString()
}

// SetInput is a fluent mutator. Legal only before Complete.
func (e *Entry) SetInput(v any) *Entry { e.Input = v; return e }

// SetOutput is a fluent mutator. Legal only before Complete.
func (e *Entry) SetOutput(v any) *Entry { e.Output = v; return e }

// SetTokens is a fluent mutator. Legal only before Complete.
func (e *Entry) SetTokens(v map[string]any) *Entry { e.Tokens = v; return e }

// SetCost is a fluent mutator. Legal only before Complete.
func (e *Entry) SetCost(v map[string]any) *Entry { e.Cost = v; return e }

// SetMetadata is a fluent mutator. Legal only before Complete.
func (e *Entry) SetMetadata(v map[string]any) *Entry { e.Metadata = v; return e }

// SetReasoning is a fluent mutator. Legal only before Complete.
func (e *Entry) SetReasoning(v string) *Entry { e.Reasoning = v; return e }

// SetUserID is a fluent mutator. Legal only before Complete.
func (e *Entry) SetUserID(v string) *Entry { e.UserID = v; return e }

// SetConversationID is a fluent mutator. Legal only before Complete.
func (e *Entry) SetConversationID(v string) *Entry { e.ConversationID = v; return e }

// SetTenantID is a fluent mutator. Legal only before Complete.
func (e *Entry) SetTenantID(v string) *Entry { e.TenantID = v; return e }

// IsCompleted reports whether Complete has already run.
func (e *Entry) IsCompleted() bool { return e.completed }

// Complete finalizes the entry. It is idempotent: calls after the first
// leave EndTime, DurationMs and Output unchanged. A non-empty errMsg flips
// Status to error.
func (e *Entry) Complete(output any, errMsg string, tokens, cost map[string]any) {
	if e.completed {
		return
	}
	e.completed = true
	e.EndTime = nowFunc()
	e.DurationMs = e.EndTime.Sub(e.StartTime).Milliseconds()
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}
	if output != nil {
		e.Output = output
	}
	if tokens != nil {
		e.Tokens = mergeTokens(e.Tokens, tokens)
	}
	if cost != nil {
		e.Cost = mergeCost(e.Cost, cost)
	}
	if errMsg != "" {
		e.Error = errMsg
		e.Status = StatusError
	} else {
		e.Status = StatusOK
	}
}

func mergeTokens(base, add map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func mergeCost(base, add map[string]any) map[string]any {
	return mergeTokens(base, add)
}

// ToMap serializes the entry to a flat map suitable for store persistence,
// with empty string/container placeholders for absent optional fields.
func (e *Entry) ToMap() map[string]any {
	m := map[string]any{
		"spanId":         e.SpanID,
		"traceId":        e.TraceID,
		"parentSpanId":   e.ParentSpanID,
		"spanType":       e.SpanType,
		"operation":      e.Operation,
		"startTime":      e.StartTime,
		"endTime":        e.EndTime,
		"durationMs":     e.DurationMs,
		"status":         string(e.Status),
		"input":          e.Input,
		"output":         e.Output,
		"tokens":         nonNilMap(e.Tokens),
		"cost":           nonNilMap(e.Cost),
		"error":          e.Error,
		"reasoning":      e.Reasoning,
		"metadata":       nonNilMap(e.Metadata),
		"userId":         e.UserID,
		"conversationId": e.ConversationID,
		"tenantId":       e.TenantID,
	}
	return m
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// FromMap reconstructs an Entry from a persisted map. It fails with
// ErrInvalidAuditEntry if traceId, spanType or operation is missing/empty,
// or if status is not "ok"/"error". Unrecognized keys are preserved
// verbatim under metadata so round-tripping never silently drops data.
func FromMap(m map[string]any) (*Entry, error) {
	traceID, _ := m["traceId"].(string)
	spanType, _ := m["spanType"].(string)
	operation, _ := m["operation"].(string)
	if traceID == "" || spanType == "" || operation == "" {
		return nil, fmt.Errorf("%w: traceId, spanType and operation are required", ErrInvalidAuditEntry)
	}

	statusRaw, _ := m["status"].(string)
	status := Status(statusRaw)
	if status != StatusOK && status != StatusError {
		return nil, fmt.Errorf("%w: status %q is not ok/error", ErrInvalidAuditEntry, statusRaw)
	}

	e := &Entry{
		TraceID:   traceID,
		SpanType:  spanType,
		Operation: operation,
		Status:    status,
		completed: true,
	}
	e.SpanID, _ = m["spanId"].(string)
	if e.SpanID == "" {
		e.SpanID = newID()
	}
	e.ParentSpanID, _ = m["parentSpanId"].(string)
	e.StartTime = asTime(m["startTime"])
	e.EndTime = asTime(m["endTime"])
	e.DurationMs = asInt64(m["durationMs"])
	e.Input = m["input"]
	e.Output = m["output"]
	e.Tokens, _ = m["tokens"].(map[string]any)
	e.Cost, _ = m["cost"].(map[string]any)
	e.Error, _ = m["error"].(string)
	e.Reasoning, _ = m["reasoning"].(string)
	e.UserID, _ = m["userId"].(string)
	e.ConversationID, _ = m["conversationId"].(string)
	e.TenantID, _ = m["tenantId"].(string)

	known := map[string]bool{
		"spanId": true, "traceId": true, "parentSpanId": true, "spanType": true,
		"operation": true, "startTime": true, "endTime": true, "durationMs": true,
		"status": true, "input": true, "output": true, "tokens": true, "cost": true,
		"error": true, "reasoning": true, "metadata": true, "userId": true,
		"conversationId": true, "tenantId": true,
	}
	extra := map[string]any{}
	if md, ok := m["metadata"].(map[string]any); ok {
		for k, v := range md {
			extra[k] = v
		}
	}
	for k, v := range m {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		e.Metadata = extra
	}
	return e, nil
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if t == "" {
			return time.Time{}
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
