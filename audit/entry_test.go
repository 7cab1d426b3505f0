package audit

import (
	"errors"
	"testing"
	"time"
)

func TestNewRequiresCoreFields(t *testing.T) {
	if _, err := New("", "model", "chat", "", ""); !errors.Is(err, ErrInvalidAuditEntry) {
		t.Fatalf("expected ErrInvalidAuditEntry for missing traceId, got %v", err)
	}
	if _, err := New("t1", "", "chat", "", ""); !errors.Is(err, ErrInvalidAuditEntry) {
		t.Fatalf("expected ErrInvalidAuditEntry for missing spanType, got %v", err)
	}
	if _, err := New("t1", "model", "", "", ""); !errors.Is(err, ErrInvalidAuditEntry) {
		t.Fatalf("expected ErrInvalidAuditEntry for missing operation, got %v", err)
	}
}

func TestNewGeneratesSpanIDWhenEmpty(t *testing.T) {
	e, err := New("t1", "model", "chat", "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.SpanID == "" {
		t.Fatalf("expected a generated span id")
	}
	e2, err := New("t1", "model", "chat", "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.SpanID == e2.SpanID {
		t.Fatalf("expected distinct generated span ids")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	defer func(orig Clock) { nowFunc = orig }(nowFunc)
	tick := time.Unix(1000, 0)
	nowFunc = func() time.Time { return tick }

	e, err := New("t1", "model", "chat", "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tick = time.Unix(1001, 0)
	e.Complete("first", "", map[string]any{"prompt": int64(5)}, nil)
	if !e.IsCompleted() {
		t.Fatalf("expected IsCompleted true after Complete")
	}
	firstEnd := e.EndTime
	firstDuration := e.DurationMs

	tick = time.Unix(2000, 0)
	e.Complete("second", "boom", map[string]any{"completion": int64(9)}, nil)

	if e.Output != "first" {
		t.Fatalf("expected Complete to be idempotent on output, got %v", e.Output)
	}
	if !e.EndTime.Equal(firstEnd) {
		t.Fatalf("expected EndTime unchanged on second Complete call")
	}
	if e.DurationMs != firstDuration {
		t.Fatalf("expected DurationMs unchanged on second Complete call")
	}
	if e.Status != StatusOK {
		t.Fatalf("expected status to remain ok, got %v", e.Status)
	}
	if e.Error != "" {
		t.Fatalf("expected error to remain empty, got %q", e.Error)
	}
}

func TestCompleteWithErrorMessageSetsErrorStatus(t *testing.T) {
	e, err := New("t1", "tool", "search", "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Complete(nil, "boom", nil, nil)
	if e.Status != StatusError {
		t.Fatalf("expected error status, got %v", e.Status)
	}
	if e.Error != "boom" {
		t.Fatalf("expected error message preserved, got %q", e.Error)
	}
}

func TestToMapFromMapRoundTrip(t *testing.T) {
	e, err := New("t1", "model", "chat", "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetMetadata(map[string]any{"region": "us-east-1"})
	e.Complete("ok", "", map[string]any{"prompt": int64(3)}, map[string]any{"amount": 0.5})

	m := e.ToMap()
	got, err := FromMap(m)
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if got.TraceID != e.TraceID || got.SpanType != e.SpanType || got.Operation != e.Operation {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}
	if got.Status != StatusOK {
		t.Fatalf("expected status ok after round trip, got %v", got.Status)
	}
	if region, _ := got.Metadata["region"].(string); region != "us-east-1" {
		t.Fatalf("expected metadata to survive round trip, got %+v", got.Metadata)
	}
}

func TestFromMapPreservesUnknownKeysInMetadata(t *testing.T) {
	m := map[string]any{
		"traceId":   "t1",
		"spanType":  "model",
		"operation": "chat",
		"status":    "ok",
		"extraKey":  "extraValue",
	}
	e, err := FromMap(m)
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if v, _ := e.Metadata["extraKey"].(string); v != "extraValue" {
		t.Fatalf("expected unknown key preserved under metadata, got %+v", e.Metadata)
	}
}

func TestFromMapRejectsBadStatus(t *testing.T) {
	m := map[string]any{
		"traceId":   "t1",
		"spanType":  "model",
		"operation": "chat",
		"status":    "pending",
	}
	if _, err := FromMap(m); !errors.Is(err, ErrInvalidAuditEntry) {
		t.Fatalf("expected ErrInvalidAuditEntry for bad status, got %v", err)
	}
}

func TestFromMapRejectsMissingRequiredFields(t *testing.T) {
	if _, err := FromMap(map[string]any{"status": "ok"}); !errors.Is(err, ErrInvalidAuditEntry) {
		t.Fatalf("expected ErrInvalidAuditEntry, got %v", err)
	}
}
