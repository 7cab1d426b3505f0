// Package cmd provides the audit CLI command tree: a thin binding-layer
// consumer of the audit packages, exposing trace creation, store query,
// trace export and status introspection as subcommands.
package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chronos-ai/chronos/audit"
	"github.com/chronos-ai/chronos/audit/filestore"
	"github.com/chronos-ai/chronos/audit/interceptor"
	"github.com/chronos-ai/chronos/audit/memstore"
	"github.com/chronos-ai/chronos/audit/sqlstore"
)

// Execute runs the root audit CLI command.
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}
	switch os.Args[1] {
	case "audit":
		return runAuditCmd(os.Args[2:])
	case "version":
		fmt.Println("aiauditctl v0.1.0")
		return nil
	case "help", "--help", "-h":
		return printUsage()
	default:
		return fmt.Errorf("unknown command: %s\nRun 'aiauditctl help' for usage.", os.Args[1])
	}
}

func printUsage() error {
	fmt.Println(`aiauditctl — AI-operation audit subsystem CLI

Usage:
  aiauditctl audit [--store memory|file|jdbc] [--path DIR] [--db PATH] [--table NAME]
  aiauditctl audit query [filters...] [--limit N] [--offset N] [--order-by FIELD] [--order-dir asc|desc]
  aiauditctl audit export --trace-id ID [--out PATH]
  aiauditctl audit status
  aiauditctl audit config [--store STORE] [--config PATH]
  aiauditctl version
  aiauditctl help

Store selection flags (shared across subcommands):
  --store STORE       memory (default), file, or jdbc/database/db
  --path DIR          file store directory (when --store file)
  --db PATH           sqlite datasource path (when --store jdbc), default :memory:
  --table NAME        jdbc table name, default audit_traces

Query filters:
  --trace-id, --span-type, --operation, --status, --user-id,
  --conversation-id, --tenant-id, --start-after, --start-before (unix millis)`)
	return nil
}

func runAuditCmd(args []string) error {
	if len(args) == 0 {
		return cmdAudit(args)
	}
	switch args[0] {
	case "query":
		return cmdAuditQuery(args[1:])
	case "export":
		return cmdAuditExport(args[1:])
	case "status":
		return cmdAuditStatus(args[1:])
	case "config":
		return cmdAuditConfig(args[1:])
	default:
		return cmdAudit(args)
	}
}

// parseFlags understands "--key value" and "--key=value" pairs; anything
// else is ignored (forward compatible with positional args future verbs
// might add).
func parseFlags(args []string) map[string]string {
	out := map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			continue
		}
		key := strings.TrimPrefix(a, "--")
		if eq := strings.Index(key, "="); eq >= 0 {
			out[key[:eq]] = key[eq+1:]
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			out[key] = args[i+1]
			i++
		} else {
			out[key] = "true"
		}
	}
	return out
}

// openStore builds a Store from the shared --store/--path/--db/--table
// flags, mirroring the alias table the interceptor package resolves at
// runtime (memory is the default so the CLI works with zero configuration).
func openStore(flags map[string]string) (audit.Store, error) {
	ctx := context.Background()
	switch strings.ToLower(flags["store"]) {
	case "", "memory":
		s := memstore.New()
		if err := s.Configure(ctx, memstore.Config{}); err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		path := flags["path"]
		if path == "" {
			path = "./audit-log"
		}
		s := filestore.New()
		if err := s.Configure(ctx, filestore.Config{Path: path}); err != nil {
			return nil, err
		}
		return s, nil
	case "jdbc", "database", "db":
		dbPath := flags["db"]
		if dbPath == "" {
			dbPath = ":memory:"
		}
		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite datasource %s: %w", dbPath, err)
		}
		s := sqlstore.New()
		if err := s.Configure(ctx, sqlstore.Config{Datasource: db, Table: flags["table"]}); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", audit.ErrInvalidStore, flags["store"])
	}
}

// cmdAudit creates a Context bound to the selected store and records a
// small demo trace. It is the runnable stand-in for what a host runtime
// would do on every real invocation: open a context, run nested spans,
// let it auto-persist.
func cmdAudit(args []string) error {
	flags := parseFlags(args)
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	ctx := audit.NewContext("").BindStore(store)
	ctx.StartSpan("agent", "demo-run", map[string]any{"prompt": "hello"}, nil)
	ctx.StartSpan("model", "chat", map[string]any{"messages": []any{"hi"}}, nil)
	ctx.EndSpan(map[string]any{"text": "hello there"}, "", map[string]any{"prompt": 5, "completion": 3, "total": 8}, nil)
	ctx.EndSpan(map[string]any{"result": "done"}, "", nil, nil)
	ctx.Complete()

	out, err := ctx.Export("json")
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// cmdAuditQuery runs filters/pagination/ordering against the selected
// store and prints the matching entries.
func cmdAuditQuery(args []string) error {
	flags := parseFlags(args)
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	q := audit.Query{
		Filter: audit.Filter{
			TraceID:        flags["trace-id"],
			SpanType:       flags["span-type"],
			Operation:      flags["operation"],
			Status:         audit.Status(flags["status"]),
			UserID:         flags["user-id"],
			ConversationID: flags["conversation-id"],
			TenantID:       flags["tenant-id"],
		},
		OrderBy:  flags["order-by"],
		OrderDir: audit.OrderDir(flags["order-dir"]),
	}
	if v, err := strconv.ParseInt(flags["start-after"], 10, 64); err == nil {
		q.Filter.StartTimeAfter = &v
	}
	if v, err := strconv.ParseInt(flags["start-before"], 10, 64); err == nil {
		q.Filter.StartTimeBefore = &v
	}
	if v, err := strconv.Atoi(flags["limit"]); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(flags["offset"]); err == nil {
		q.Offset = v
	}

	entries, err := store.Query(context.Background(), q)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

// cmdAuditExport fetches a full trace and, when --out is supplied,
// writes it atomically via a temp-file-then-rename, the same durability
// pattern the file store uses for JSON-format flushes and file rewrites.
func cmdAuditExport(args []string) error {
	flags := parseFlags(args)
	traceID := flags["trace-id"]
	if traceID == "" {
		return fmt.Errorf("aiauditctl audit export: --trace-id is required")
	}
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	trace, err := store.GetTrace(context.Background(), traceID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return err
	}

	dest := flags["out"]
	if dest == "" {
		fmt.Println(string(b))
		return nil
	}
	return writeFileAtomic(dest, b)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename export file into place: %w", err)
	}
	return nil
}

// statusReport is what cmdAuditStatus prints: store statistics plus
// whether the configured store fell back to memory during interceptor
// construction.
type statusReport struct {
	Enabled          bool        `json:"enabled"`
	Store            string      `json:"store"`
	FellBackToMemory bool        `json:"fellBackToMemory"`
	Stats            audit.Stats `json:"stats"`
}

// cmdAuditStatus introspects the resolved interceptor configuration and
// the store's current statistics.
func cmdAuditStatus(args []string) error {
	flags := parseFlags(args)
	storeName := flags["store"]
	if storeName == "" {
		storeName = "memory"
	}
	storeConfig := map[string]any{}
	if flags["path"] != "" {
		storeConfig["path"] = flags["path"]
	}

	ic := interceptor.New(context.Background(), interceptor.WithStore(storeName), interceptor.WithStoreConfig(storeConfig))
	stats, err := ic.Store().GetStats(context.Background())
	if err != nil {
		return err
	}
	report := statusReport{
		Enabled:          true,
		Store:            storeName,
		FellBackToMemory: ic.FellBackToMemory(),
		Stats:            stats,
	}
	return printJSON(report)
}

// cmdAuditConfig shows the resolved interceptor configuration as YAML,
// optionally seeded from a module-settings file via --config.
func cmdAuditConfig(args []string) error {
	flags := parseFlags(args)
	opts := []interceptor.Option{}
	if flags["store"] != "" {
		opts = append(opts, interceptor.WithStore(flags["store"]))
	}
	if path := flags["config"]; path != "" {
		fileOpt, err := interceptor.WithConfigFile(path)
		if err != nil {
			return err
		}
		opts = append(opts, fileOpt)
	}
	ic := interceptor.New(context.Background(), opts...)
	out, err := ic.Describe()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
