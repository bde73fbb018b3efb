package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/turnstile/internal/lifecycle"
)

// transitionSchema validates every emitted lifecycle transition event.
// Consumers downstream key on event + schema_version; an event that fails
// validation is still recorded, flagged invalid, so schema drift is
// observable instead of silent.
const transitionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event", "schema_version", "organization", "session_id", "actor_type", "from_state", "observed_from", "to_state", "checkpoint"],
	"properties": {
		"event": {"const": "lifecycle.transition"},
		"schema_version": {"type": "integer", "minimum": 1},
		"organization": {"type": "string", "minLength": 1},
		"session_id": {"type": "string", "minLength": 1},
		"actor_type": {"enum": ["agent", "operator", "system"]},
		"actor_id": {"type": "string"},
		"from_state": {"type": "string", "minLength": 1},
		"observed_from": {"type": "string", "minLength": 1},
		"to_state": {"type": "string", "minLength": 1},
		"checkpoint": {"type": "string", "minLength": 1},
		"reason": {"type": "string"},
		"gate": {"enum": ["pre_llm", "post_llm", "tool_failure", "not_applicable", ""]},
		"anomaly": {"type": "boolean"}
	}
}`

// Sink records lifecycle transition events to a JSONL file after schema
// validation. It satisfies lifecycle.EventSink.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	schema  *jsonschema.Schema
	logger  *slog.Logger
	emitted int64
	invalid int64
}

// NewSink opens (appending) the event log at path and compiles the
// transition schema.
func NewSink(path string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(transitionSchema)))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("parse transition schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("lifecycle_transition.json", doc); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("add transition schema: %w", err)
	}
	schema, err := compiler.Compile("lifecycle_transition.json")
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("compile transition schema: %w", err)
	}
	return &Sink{file: file, schema: schema, logger: logger}, nil
}

// Emit validates and appends one transition event. An invalid event is
// recorded with valid=false rather than dropped; only an I/O failure is an
// error, and the caller treats even that as best-effort.
func (s *Sink) Emit(ctx context.Context, ev lifecycle.TransitionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}

	valid := true
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		valid = false
	} else if err := s.schema.Validate(doc); err != nil {
		valid = false
		s.logger.Warn("transition event failed schema validation",
			"session_id", ev.SessionID, "error", err)
	}

	record := struct {
		ReceivedAt time.Time       `json:"received_at"`
		Valid      bool            `json:"valid"`
		Event      json.RawMessage `json:"payload"`
	}{
		ReceivedAt: time.Now().UTC(),
		Valid:      valid,
		Event:      raw,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event record: %w", err)
	}
	s.emitted++
	if !valid {
		s.invalid++
	}
	return nil
}

// Stats returns the emitted and invalid event counts.
func (s *Sink) Stats() (emitted, invalid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted, s.invalid
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
