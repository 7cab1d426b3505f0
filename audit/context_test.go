package audit

import "testing"

func TestNewContextDefaults(t *testing.T) {
	c := NewContext("")
	if c.TraceID() == "" {
		t.Fatalf("expected a generated traceId")
	}
	if !c.IsRecording() {
		t.Fatalf("expected recording to start enabled")
	}
	if c.CurrentSpanID() != "" {
		t.Fatalf("expected no current span on a fresh context")
	}
}

func TestNestedSpansCompleteInnermostFirst(t *testing.T) {
	c := NewContext("t1")
	a := c.StartSpan("agent", "run", nil, nil)
	b := c.StartSpan("model", "chat", nil, nil)
	c.EndSpan("child", "", nil, nil)
	c.EndSpan("parent", "", nil, nil)

	entries := c.GetEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SpanID != b {
		t.Fatalf("expected B to complete (and appear) first, got %s", entries[0].SpanID)
	}
	if entries[0].ParentSpanID != a {
		t.Fatalf("expected B.parentSpanId == A.spanId, got %s vs %s", entries[0].ParentSpanID, a)
	}
	if entries[1].SpanID != a {
		t.Fatalf("expected A to complete second, got %s", entries[1].SpanID)
	}
	if entries[0].Output != "child" || entries[1].Output != "parent" {
		t.Fatalf("unexpected outputs: %v, %v", entries[0].Output, entries[1].Output)
	}
}

func TestTokenAggregationAcrossSpans(t *testing.T) {
	c := NewContext("t1")
	c.StartSpan("model", "chat", nil, nil)
	c.EndSpan("r1", "", map[string]any{"prompt": int64(100), "completion": int64(50), "total": int64(150)}, nil)
	c.StartSpan("model", "chat", nil, nil)
	c.EndSpan("r2", "", map[string]any{"prompt": int64(200), "completion": int64(100), "total": int64(300)}, nil)

	sum := c.GetSummary()
	if sum.SpanCount != 2 {
		t.Fatalf("expected spanCount 2, got %d", sum.SpanCount)
	}
	if sum.Tokens.Prompt != 300 || sum.Tokens.Completion != 150 || sum.Tokens.Total != 450 {
		t.Fatalf("unexpected token summary: %+v", sum.Tokens)
	}
}

func TestCostAggregationSumsAmountAndKeepsFirstCurrency(t *testing.T) {
	c := NewContext("t1")
	c.StartSpan("model", "chat", nil, nil)
	c.EndSpan(nil, "", nil, map[string]any{"amount": 0.5, "currency": "USD"})
	c.StartSpan("model", "chat", nil, nil)
	c.EndSpan(nil, "", nil, map[string]any{"amount": 0.25, "currency": "EUR"})

	sum := c.GetSummary()
	if sum.Cost.Amount != 0.75 {
		t.Fatalf("expected total cost 0.75, got %v", sum.Cost.Amount)
	}
	if sum.Cost.Currency != "USD" {
		t.Fatalf("expected first non-empty currency USD, got %q", sum.Cost.Currency)
	}
}

func TestEndSpanOnEmptyStackIsNoOp(t *testing.T) {
	c := NewContext("t1")
	c.EndSpan("output", "", nil, nil)
	if len(c.GetEntries()) != 0 {
		t.Fatalf("expected no entries recorded")
	}
}

func TestRecordingFalseSuppressesSpanState(t *testing.T) {
	c := NewContext("t1")
	c.SetRecording(false)
	if id := c.StartSpan("model", "chat", nil, nil); id != "" {
		t.Fatalf("expected empty span id while not recording, got %q", id)
	}
	c.EndSpan("output", "", nil, nil)
	if id := c.AddEntry("tool", "search", nil); id != "" {
		t.Fatalf("expected empty entry id while not recording, got %q", id)
	}
	if len(c.GetEntries()) != 0 {
		t.Fatalf("expected no entries recorded while not recording")
	}
}

func TestAddEntryCompletesImmediately(t *testing.T) {
	c := NewContext("t1")
	id := c.AddEntry("metrics", "snapshot", map[string]any{"cpu": 0.5})
	if id == "" {
		t.Fatalf("expected a span id")
	}
	entries := c.GetEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].IsCompleted() {
		t.Fatalf("expected standalone entry to be completed immediately")
	}
	if entries[0].DurationMs != 0 {
		t.Fatalf("expected zero duration for standalone entry, got %d", entries[0].DurationMs)
	}
}

func TestCompleteClosesOpenSpansInnermostFirstAndIsIdempotent(t *testing.T) {
	c := NewContext("t1")
	c.StartSpan("agent", "run", nil, nil)
	c.StartSpan("model", "chat", nil, nil)
	c.Complete()

	entries := c.GetEntries()
	if len(entries) != 2 {
		t.Fatalf("expected both open spans closed, got %d entries", len(entries))
	}
	if !c.GetSummary().Completed {
		t.Fatalf("expected summary.completed == true")
	}

	// Second Complete is a no-op; further mutations are no-ops too.
	c.Complete()
	if len(c.GetEntries()) != 2 {
		t.Fatalf("expected Complete to be idempotent")
	}
	if id := c.StartSpan("tool", "search", nil, nil); id != "" {
		t.Fatalf("expected StartSpan to no-op after Complete")
	}
}

func TestGetFullTraceGroupsChildrenByParent(t *testing.T) {
	c := NewContext("t1")
	c.StartSpan("agent", "run", nil, nil)
	c.StartSpan("model", "chat", nil, nil)
	c.EndSpan("child", "", nil, nil)
	c.EndSpan("parent", "", nil, nil)

	full := c.GetFullTrace()
	if full.TraceID != "t1" {
		t.Fatalf("expected traceId t1, got %s", full.TraceID)
	}
	if len(full.Entries) != 1 {
		t.Fatalf("expected 1 root entry, got %d", len(full.Entries))
	}
	root := full.Entries[0]
	if root.Operation != "run" {
		t.Fatalf("expected root to be the agent/run span, got %s", root.Operation)
	}
	if len(root.Children) != 1 || root.Children[0].Operation != "chat" {
		t.Fatalf("expected one model/chat child, got %+v", root.Children)
	}
}

func TestContextMetadataMergesIntoSubsequentSpans(t *testing.T) {
	c := NewContext("t1")
	c.SetContextMetadata(map[string]any{"env": "prod"})
	c.SetUserID("u1").SetConversationID("conv1").SetTenantID("tenant1")
	c.StartSpan("tool", "search", nil, map[string]any{"attempt": 1})
	c.EndSpan(nil, "", nil, nil)

	e := c.GetEntries()[0]
	if e.UserID != "u1" || e.ConversationID != "conv1" || e.TenantID != "tenant1" {
		t.Fatalf("expected tenant identifiers propagated, got %+v", e)
	}
	if env, _ := e.Metadata["env"].(string); env != "prod" {
		t.Fatalf("expected context metadata merged, got %+v", e.Metadata)
	}
	if attempt, _ := e.Metadata["attempt"].(int); attempt != 1 {
		t.Fatalf("expected span metadata merged, got %+v", e.Metadata)
	}
}

func TestExportProducesJSON(t *testing.T) {
	c := NewContext("t1")
	c.AddEntry("metrics", "snapshot", nil)
	out, err := c.Export("json")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out == "" {
		t.Fatalf("expected non-empty export output")
	}
	if _, err := c.Export("xml"); err == nil {
		t.Fatalf("expected unsupported format to error")
	}
}

func TestSanitizationAppliedOnSpanBoundaries(t *testing.T) {
	c := NewContext("t1")
	c.StartSpan("provider", "call", map[string]any{"apiKey": "sk-xxx", "prompt": "hi"}, nil)
	c.EndSpan(map[string]any{"password": "p", "text": "ok"}, "", nil, nil)

	e := c.GetEntries()[0]
	in, _ := e.Input.(map[string]any)
	if in["apiKey"] != "[REDACTED]" {
		t.Fatalf("expected apiKey redacted in input, got %+v", in)
	}
	if in["prompt"] != "hi" {
		t.Fatalf("expected prompt preserved, got %+v", in)
	}
	out, _ := e.Output.(map[string]any)
	if out["password"] != "[REDACTED]" {
		t.Fatalf("expected password redacted in output, got %+v", out)
	}
}
