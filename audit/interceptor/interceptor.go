// Package interceptor bridges a stream of ambient lifecycle events
// (before/after pairs around model invocations, tool executions, agent
// runs, MCP requests) into properly nested audit.Context spans, with
// per-execution isolation and depth tracking so concurrent executions
// never interleave their spans.
package interceptor

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/chronos-ai/chronos/audit"
	"github.com/chronos-ai/chronos/audit/filestore"
	"github.com/chronos-ai/chronos/audit/memstore"
	"github.com/chronos-ai/chronos/audit/sqlstore"
)

// envPrefix matches the external BOXLANG_MODULES_BXAI_AUDIT_<NAME>
// environment variable convention this module is embedded under.
const envPrefix = "BOXLANG_MODULES_BXAI_AUDIT_"

// Config is resolved once, at New time, from three sources in priority
// order: an explicit Config (via Option values), environment variable
// overrides, then built-in defaults. It is never mutated afterward.
//
// Every boolean field is a pointer so "unset" (fall through to env/
// defaults) is distinguishable from "explicitly false" — a plain bool
// can't represent that distinction since its zero value collides with a
// deliberate "disable this".
type Config struct {
	Enabled          *bool
	Store            string
	StoreConfig      map[string]any
	CaptureMessages  *bool
	CaptureToolArgs  *bool
	CaptureInput     *bool
	CaptureOutput    *bool
	SanitizePatterns []string
}

// Option configures an Interceptor at construction time.
type Option func(*Config)

func WithEnabled(v bool) Option         { return func(c *Config) { c.Enabled = &v } }
func WithStore(name string) Option      { return func(c *Config) { c.Store = name } }
func WithStoreConfig(m map[string]any) Option {
	return func(c *Config) { c.StoreConfig = m }
}
func WithCaptureMessages(v bool) Option { return func(c *Config) { c.CaptureMessages = &v } }
func WithCaptureToolArgs(v bool) Option { return func(c *Config) { c.CaptureToolArgs = &v } }
func WithCaptureInput(v bool) Option    { return func(c *Config) { c.CaptureInput = &v } }
func WithCaptureOutput(v bool) Option   { return func(c *Config) { c.CaptureOutput = &v } }
func WithSanitizePatterns(p []string) Option {
	return func(c *Config) { c.SanitizePatterns = p }
}

// resolved is the fully materialized, read-only configuration an
// Interceptor operates against.
type resolved struct {
	enabled          bool
	store            string
	storeConfig      map[string]any
	captureMessages  bool
	captureToolArgs  bool
	captureInput     bool
	captureOutput    bool
	sanitizePatterns []string
}

func resolveConfig(opts []Option) resolved {
	var explicit Config
	for _, opt := range opts {
		opt(&explicit)
	}

	r := resolved{
		enabled:         true,
		store:           "memory",
		captureMessages: true,
		captureToolArgs: true,
		captureInput:    true,
		captureOutput:   true,
	}

	if v, ok := lookupEnvBool("ENABLED"); ok {
		r.enabled = v
	}
	if v, ok := os.LookupEnv(envPrefix + "STORE"); ok && v != "" {
		r.store = v
	}
	if v, ok := lookupEnvBool("CAPTURE_MESSAGES"); ok {
		r.captureMessages = v
	}
	if v, ok := lookupEnvBool("CAPTURE_TOOL_ARGS"); ok {
		r.captureToolArgs = v
	}
	if v, ok := lookupEnvBool("CAPTURE_INPUT"); ok {
		r.captureInput = v
	}
	if v, ok := lookupEnvBool("CAPTURE_OUTPUT"); ok {
		r.captureOutput = v
	}
	if v, ok := os.LookupEnv(envPrefix + "SANITIZE_PATTERNS"); ok && v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				r.sanitizePatterns = append(r.sanitizePatterns, p)
			}
		}
	}

	if explicit.Enabled != nil {
		r.enabled = *explicit.Enabled
	}
	if explicit.Store != "" {
		r.store = explicit.Store
	}
	if explicit.StoreConfig != nil {
		r.storeConfig = explicit.StoreConfig
	}
	if explicit.CaptureMessages != nil {
		r.captureMessages = *explicit.CaptureMessages
	}
	if explicit.CaptureToolArgs != nil {
		r.captureToolArgs = *explicit.CaptureToolArgs
	}
	if explicit.CaptureInput != nil {
		r.captureInput = *explicit.CaptureInput
	}
	if explicit.CaptureOutput != nil {
		r.captureOutput = *explicit.CaptureOutput
	}
	if len(explicit.SanitizePatterns) > 0 {
		r.sanitizePatterns = explicit.SanitizePatterns
	}
	return r
}

func lookupEnvBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true, true
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b, true
	}
	return false, true
}

// storeAliases maps the accepted "store" option names to the canonical
// backend key.
var storeAliases = map[string]string{
	"memory":   "memory",
	"file":     "file",
	"jdbc":     "jdbc",
	"database": "jdbc",
	"db":       "jdbc",
}

// CustomStoreFactory constructs a Store for a fully-qualified custom
// store name not in storeAliases.
type CustomStoreFactory func(storeConfig map[string]any) (audit.Store, error)

var customFactories = map[string]CustomStoreFactory{}

// RegisterStore registers a constructor for a custom store name, so a
// Store option value can name a backend this package does not ship.
func RegisterStore(name string, factory CustomStoreFactory) {
	customFactories[name] = factory
}

type execState struct {
	ctx   *audit.Context
	depth int
}

// Interceptor bridges lifecycle events to audit.Context spans. It holds
// a map keyed by execution identity (supplied by the caller — a request
// ID, a goroutine-scoped token, whatever the host uses to distinguish
// concurrent executions) so independent executions never share state.
type Interceptor struct {
	mu         sync.Mutex
	config     resolved
	store      audit.Store
	sanitizer  *audit.Sanitizer
	fellBack   bool
	executions map[string]*execState
}

// New resolves configuration (explicit options > environment > defaults),
// constructs the configured store, and returns a ready Interceptor. If
// store construction fails, it falls back to an in-memory store so audit
// capture keeps working, and logs a warning.
func New(ctx context.Context, opts ...Option) *Interceptor {
	cfg := resolveConfig(opts)
	ic := &Interceptor{config: cfg, executions: map[string]*execState{}, sanitizer: buildSanitizer(cfg)}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Printf("audit: interceptor: configured store %q failed (%v); falling back to memory store", cfg.store, err)
		mem := memstore.New()
		_ = mem.Configure(ctx, memstore.Config{})
		ic.store = mem
		ic.fellBack = true
	} else {
		ic.store = store
	}
	return ic
}

// buildSanitizer constructs the Sanitizer every Context this interceptor
// creates is bound to: the documented defaults plus any additional
// patterns resolved from explicit config, environment, or YAML.
func buildSanitizer(cfg resolved) *audit.Sanitizer {
	s := audit.NewSanitizer()
	for _, p := range cfg.sanitizePatterns {
		s.AddPattern(p)
	}
	return s
}

func buildStore(ctx context.Context, cfg resolved) (audit.Store, error) {
	canonical, ok := storeAliases[strings.ToLower(cfg.store)]
	if !ok {
		if factory, ok := customFactories[cfg.store]; ok {
			return factory(cfg.storeConfig)
		}
		return nil, fmt.Errorf("%w: %q", audit.ErrInvalidStore, cfg.store)
	}

	switch canonical {
	case "memory":
		s := memstore.New()
		maxSize, _ := cfg.storeConfig["maxSize"].(int)
		if err := s.Configure(ctx, memstore.Config{MaxSize: maxSize}); err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		s := filestore.New()
		path, _ := cfg.storeConfig["path"].(string)
		if err := s.Configure(ctx, filestore.Config{Path: path}); err != nil {
			return nil, err
		}
		return s, nil
	case "jdbc":
		s := sqlstore.New()
		sqlCfg, _ := cfg.storeConfig["sqlConfig"].(sqlstore.Config)
		if err := s.Configure(ctx, sqlCfg); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", audit.ErrInvalidStore, cfg.store)
}

// FellBackToMemory reports whether store construction failed and the
// interceptor substituted a memory store.
func (ic *Interceptor) FellBackToMemory() bool { return ic.fellBack }

// Store returns the bound store, useful for direct query/export.
func (ic *Interceptor) Store() audit.Store { return ic.store }

func (ic *Interceptor) ctxFor(executionID string, create bool) *execState {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	st, ok := ic.executions[executionID]
	if !ok && create {
		st = &execState{ctx: audit.NewContext("").BindStore(ic.store).WithSanitizer(ic.sanitizer)}
		ic.executions[executionID] = st
	}
	return st
}

func (ic *Interceptor) detach(executionID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.executions, executionID)
}

// ActiveExecutions reports how many executions currently have an open
// Context, for tests asserting that error paths clean up correctly.
func (ic *Interceptor) ActiveExecutions() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.executions)
}

// Before records the start of a span for executionID, lazily creating
// that execution's Context (with a fresh traceId) if none exists yet. It
// is a no-op returning "" if the interceptor is disabled.
func (ic *Interceptor) Before(executionID, spanType, operation string, input any, metadata map[string]any) string {
	if !ic.config.enabled {
		return ""
	}
	if !ic.config.captureInput {
		input = nil
	}
	st := ic.ctxFor(executionID, true)
	spanID := st.ctx.StartSpan(spanType, operation, input, metadata)
	ic.mu.Lock()
	st.depth++
	ic.mu.Unlock()
	return spanID
}

// After records the end of the innermost open span for executionID. It
// decrements the execution's depth counter and, once it reaches zero,
// flushes the store and detaches the execution's Context — the same
// cleanup path taken on the error path, so no per-execution state leaks
// across failure boundaries.
func (ic *Interceptor) After(ctx context.Context, executionID string, output any, errMsg string, tokens, cost map[string]any) {
	if !ic.config.enabled {
		return
	}
	if !ic.config.captureOutput {
		output = nil
	}
	st := ic.ctxFor(executionID, false)
	if st == nil {
		return
	}
	st.ctx.EndSpan(output, errMsg, tokens, cost)

	ic.mu.Lock()
	st.depth--
	depth := st.depth
	ic.mu.Unlock()

	if depth <= 0 {
		if ic.store != nil {
			_ = ic.store.Flush(ctx)
		}
		ic.detach(executionID)
	}
}

// OnError treats an error event as After with a non-empty error message,
// guaranteeing the same depth-decrement and detach-at-zero cleanup.
func (ic *Interceptor) OnError(ctx context.Context, executionID, errMsg string) {
	ic.After(ctx, executionID, nil, errMsg, nil, nil)
}

// SetApplicationMetadata attaches a namespaced submap under "app" to the
// current execution's Context metadata. A no-op when disabled or when no
// execution is open yet.
func (ic *Interceptor) SetApplicationMetadata(executionID, namespace string, data map[string]any) {
	if !ic.config.enabled {
		return
	}
	st := ic.ctxFor(executionID, false)
	if st == nil {
		return
	}
	app := map[string]any{namespace: data}
	st.ctx.SetContextMetadata(map[string]any{"app": app})
}
