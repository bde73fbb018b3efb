package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/turnstile/internal/audit"
	"github.com/basket/turnstile/internal/shared"
	"github.com/basket/turnstile/internal/store"
)

func TestRecordWritesJSONLAndTable(t *testing.T) {
	home := t.TempDir()
	st, err := store.Open(filepath.Join(home, "turnstile.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	trail, err := audit.New(home, st.DB(), nil)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	trail.Record(context.Background(), "org-1", "turn", "turn-1", "lease_acquired", "worker-a", "took lease")
	if trail.Count() != 1 {
		t.Fatalf("expected count 1, got %d", trail.Count())
	}

	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit.jsonl: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected one JSONL line")
	}
	var line struct {
		Organization string `json:"organization"`
		ObjectKind   string `json:"object_kind"`
		Action       string `json:"action"`
		Actor        string `json:"actor"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("parse line: %v", err)
	}
	if line.Organization != "org-1" || line.ObjectKind != "turn" || line.Action != "lease_acquired" || line.Actor != "worker-a" {
		t.Fatalf("unexpected line %+v", line)
	}

	var rows int
	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM audit_log WHERE object_id = 'turn-1' AND action = 'lease_acquired';`).Scan(&rows); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 audit_log row, got %d", rows)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	trail, err := audit.New(home, nil, nil)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	trail.Record(context.Background(), "org-1", "session", "sess-1", "config_changed", "operator",
		`api_key="sk-abcdef1234567890abcdef"`)

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit.jsonl: %v", err)
	}
	if strings.Contains(string(data), "sk-abcdef1234567890abcdef") {
		t.Fatalf("secret leaked into audit log: %s", data)
	}
}

func TestRecordWithoutDBOnlyFilesink(t *testing.T) {
	home := t.TempDir()
	trail, err := audit.New(home, nil, nil)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	trail.Record(context.Background(), "org-1", "turn", "turn-1", "turn_failed", "", "")
	if trail.Count() != 1 {
		t.Fatalf("expected count 1, got %d", trail.Count())
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := trail.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRecordFallsBackToContextActor(t *testing.T) {
	home := t.TempDir()
	trail, err := audit.New(home, nil, nil)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	ctx := shared.WithActor(context.Background(), shared.Actor{Type: "operator", ID: "op-7"})
	trail.Record(ctx, "org-1", "turn", "turn-1", "lease_released", "", "")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit.jsonl: %v", err)
	}
	var line struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("parse line: %v", err)
	}
	if line.Actor != "op-7" {
		t.Fatalf("expected context actor op-7, got %q", line.Actor)
	}
}
