package cmd

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// captureStdout captures stdout output from fn, the same helper the
// Chronos CLI's own root_test.go uses.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{"space separated", []string{"--store", "file", "--path", "/tmp/x"}, map[string]string{"store": "file", "path": "/tmp/x"}},
		{"equals form", []string{"--store=memory"}, map[string]string{"store": "memory"}},
		{"bare flag", []string{"--enabled"}, map[string]string{"enabled": "true"}},
		{"empty", nil, map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseFlags(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("parseFlags(%v) = %v, want %v", tt.args, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("parseFlags(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestCmdAuditWritesDemoTraceToStdout(t *testing.T) {
	out := captureStdout(t, func() {
		if err := cmdAudit(nil); err != nil {
			t.Fatalf("cmdAudit: %v", err)
		}
	})
	if out == "" {
		t.Fatalf("expected non-empty export output")
	}
}

func TestCmdAuditQueryOnEmptyMemoryStore(t *testing.T) {
	out := captureStdout(t, func() {
		if err := cmdAuditQuery([]string{"--store", "memory"}); err != nil {
			t.Fatalf("cmdAuditQuery: %v", err)
		}
	})
	if out == "" {
		t.Fatalf("expected query output, even if an empty array")
	}
}

func TestCmdAuditExportRequiresTraceID(t *testing.T) {
	if err := cmdAuditExport(nil); err == nil {
		t.Fatalf("expected error when --trace-id is missing")
	}
}

func TestCmdAuditExportWritesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := dir + "/trace.json"
	err := cmdAuditExport([]string{"--trace-id", "nonexistent", "--out", dest})
	if err != nil {
		t.Fatalf("cmdAuditExport: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected export file to exist: %v", err)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, got err=%v", err)
	}
}

func TestCmdAuditStatusReportsStore(t *testing.T) {
	out := captureStdout(t, func() {
		if err := cmdAuditStatus([]string{"--store", "memory"}); err != nil {
			t.Fatalf("cmdAuditStatus: %v", err)
		}
	})
	if out == "" {
		t.Fatalf("expected status output")
	}
}

func TestUnknownStoreNameErrors(t *testing.T) {
	if _, err := openStore(map[string]string{"store": "bogus"}); err == nil {
		t.Fatalf("expected error for unknown store name")
	}
}
