package interceptor

import (
	"context"
	"testing"

	"github.com/chronos-ai/chronos/audit"
)

func TestBeforeAfterProducesWellFormedSpan(t *testing.T) {
	ic := New(context.Background(), WithStore("memory"))

	spanID := ic.Before("exec-1", "model", "chat", map[string]any{"prompt": "hi"}, nil)
	if spanID == "" {
		t.Fatalf("expected non-empty span id")
	}
	if got := ic.ActiveExecutions(); got != 1 {
		t.Fatalf("expected 1 active execution, got %d", got)
	}

	ic.After(context.Background(), "exec-1", map[string]any{"text": "hello"}, "", nil, nil)
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected execution to detach after matching After, got %d active", got)
	}
}

func TestErrorThenWellFormedPairCleansUpBetweenExecutions(t *testing.T) {
	ic := New(context.Background(), WithStore("memory"))
	ctx := context.Background()

	// Before, then OnError — the execution must fully detach even though
	// no matching After ever ran.
	ic.Before("exec-2", "model", "chat", nil, nil)
	ic.OnError(ctx, "exec-2", "boom")
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected execution to detach after OnError, got %d active", got)
	}

	// A subsequent, unrelated before/after pair on the same execution id
	// must still produce a well-formed span and detach cleanly.
	spanID := ic.Before("exec-2", "model", "chat", nil, nil)
	if spanID == "" {
		t.Fatalf("expected non-empty span id on second invocation")
	}
	ic.After(ctx, "exec-2", "ok", "", nil, nil)
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected execution to detach after second After, got %d active", got)
	}
}

func TestOnAIErrorClosesOpenSpanAndDetaches(t *testing.T) {
	ic := New(context.Background(), WithStore("memory"))
	ctx := context.Background()

	ic.Before("exec-6", "model", "chat", nil, nil)
	ic.OnAIError(ctx, "exec-6", AIErrorEvent{Operation: "chat", ErrorMessage: "boom"})
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected execution to detach after OnAIError, got %d active", got)
	}

	// A subsequent, unrelated before/after pair on the same execution id
	// must still produce a well-formed span and detach cleanly.
	spanID := ic.Before("exec-6", "model", "chat", nil, nil)
	if spanID == "" {
		t.Fatalf("expected non-empty span id on next invocation")
	}
	ic.After(ctx, "exec-6", "ok", "", nil, nil)
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected execution to detach after second After, got %d active", got)
	}
}

func TestNestedSpansOnlyDetachAtDepthZero(t *testing.T) {
	ic := New(context.Background(), WithStore("memory"))
	ctx := context.Background()

	ic.Before("exec-3", "agent", "run", nil, nil)
	ic.Before("exec-3", "tool", "search", nil, nil)
	if got := ic.ActiveExecutions(); got != 1 {
		t.Fatalf("expected 1 active execution while nested, got %d", got)
	}

	ic.After(ctx, "exec-3", "tool-result", "", nil, nil)
	if got := ic.ActiveExecutions(); got != 1 {
		t.Fatalf("expected execution to stay open after inner After, got %d", got)
	}

	ic.After(ctx, "exec-3", "agent-result", "", nil, nil)
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected execution to detach once outer span closes, got %d", got)
	}
}

func TestDisabledInterceptorIsNoop(t *testing.T) {
	ic := New(context.Background(), WithEnabled(false), WithStore("memory"))
	spanID := ic.Before("exec-4", "model", "chat", nil, nil)
	if spanID != "" {
		t.Fatalf("expected disabled interceptor to return empty span id, got %q", spanID)
	}
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected no active executions when disabled, got %d", got)
	}
}

func TestUnknownStoreFallsBackToMemory(t *testing.T) {
	ic := New(context.Background(), WithStore("not-a-real-store"))
	if !ic.FellBackToMemory() {
		t.Fatalf("expected interceptor to report fallback to memory store")
	}
	if ic.Store() == nil {
		t.Fatalf("expected a usable fallback store")
	}
}

func TestSetApplicationMetadataIsNoopWithoutOpenExecution(t *testing.T) {
	ic := New(context.Background(), WithStore("memory"))
	ic.SetApplicationMetadata("exec-5", "billing", map[string]any{"plan": "pro"})
	if got := ic.ActiveExecutions(); got != 0 {
		t.Fatalf("expected no execution created by SetApplicationMetadata alone, got %d", got)
	}
}

func TestCustomSanitizePatternIsAppliedToCapturedInput(t *testing.T) {
	ic := New(context.Background(), WithStore("memory"), WithSanitizePatterns([]string{"internalnote"}))
	ctx := context.Background()

	ic.Before("exec-7", "tool", "search", map[string]any{"internalNote": "do not log", "query": "weather"}, nil)
	ic.After(ctx, "exec-7", nil, "", nil, nil)

	entries, err := ic.Store().Query(ctx, audit.Query{Limit: 1000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	in, _ := entries[0].Input.(map[string]any)
	if in["internalNote"] != "[REDACTED]" {
		t.Fatalf("expected custom sanitize pattern applied to captured input, got %+v", in)
	}
	if in["query"] != "weather" {
		t.Fatalf("expected unrelated key preserved, got %+v", in)
	}
}
