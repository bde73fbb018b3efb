// Package audit appends an action record for every turn and lifecycle
// mutation, keyed by organization and object. Writes are best-effort: a
// failed audit write never rolls back the mutation it describes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turnstile/internal/shared"
)

type entry struct {
	Timestamp    string `json:"timestamp"`
	Organization string `json:"organization"`
	ObjectKind   string `json:"object_kind"`
	ObjectID     string `json:"object_id"`
	Action       string `json:"action"`
	Actor        string `json:"actor,omitempty"`
	Detail       string `json:"detail,omitempty"`
	TraceID      string `json:"trace_id"`
}

// Trail is the dual-sink audit recorder: a JSONL file plus the audit_log
// table in the primary database. Collaborators receive it once at startup;
// it satisfies store.AuditRecorder.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	db       *sql.DB // may be nil
	logger   *slog.Logger
	recorded atomic.Int64
}

// New opens (appending) homeDir/logs/audit.jsonl. The db handle may be nil;
// table writes are then skipped.
func New(homeDir string, db *sql.DB, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Trail{file: f, db: db, logger: logger}, nil
}

// Record appends one audit entry to both sinks. Secrets are redacted before
// persistence; failures are logged and swallowed.
func (t *Trail) Record(ctx context.Context, organization, objectKind, objectID, action, actor, detail string) {
	detail = shared.Redact(detail)
	traceID := shared.TraceID(ctx)
	if actor == "" {
		// The request context knows the acting principal even when the
		// mutation itself does not name one.
		if a := shared.ActorFrom(ctx); a.ID != "" {
			actor = a.ID
		} else if a.Type != "" {
			actor = a.Type
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		ev := entry{
			Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
			Organization: organization,
			ObjectKind:   objectKind,
			ObjectID:     objectID,
			Action:       action,
			Actor:        actor,
			Detail:       detail,
			TraceID:      traceID,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}

	if t.db != nil {
		_, err := t.db.ExecContext(ctx, `
			INSERT INTO audit_log (organization, object_kind, object_id, action, actor, detail, trace_id)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''));
		`, organization, objectKind, objectID, action, actor, detail, traceID)
		if err != nil {
			t.logger.Warn("audit table write failed",
				"object_kind", objectKind, "object_id", objectID, "error", err)
		}
	}
	t.recorded.Add(1)
}

// Count returns the number of entries recorded since startup.
func (t *Trail) Count() int64 {
	return t.recorded.Load()
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
