package telemetry_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/turnstile/internal/lifecycle"
	"github.com/basket/turnstile/internal/telemetry"
)

type sinkRecord struct {
	ReceivedAt string                    `json:"received_at"`
	Valid      bool                      `json:"valid"`
	Payload    lifecycle.TransitionEvent `json:"payload"`
}

func readRecords(t *testing.T, path string) []sinkRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer f.Close()

	var out []sinkRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec sinkRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse record: %v", err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan event log: %v", err)
	}
	return out
}

func validEvent() lifecycle.TransitionEvent {
	return lifecycle.TransitionEvent{
		Event:         "lifecycle.transition",
		SchemaVersion: 1,
		Organization:  "org-1",
		SessionID:     "sess-1",
		ActorType:     "system",
		FromState:     "active",
		ObservedFrom:  "active",
		ToState:       "paused",
		Checkpoint:    "escalation_detected",
		Gate:          "tool_failure",
	}
}

func TestSinkRecordsValidEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	sink, err := telemetry.NewSink(path, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	if err := sink.Emit(context.Background(), validEvent()); err != nil {
		t.Fatalf("emit: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].Valid {
		t.Fatalf("expected record flagged valid")
	}
	if records[0].Payload.SessionID != "sess-1" || records[0].Payload.Gate != "tool_failure" {
		t.Fatalf("unexpected payload %+v", records[0].Payload)
	}

	emitted, invalid := sink.Stats()
	if emitted != 1 || invalid != 0 {
		t.Fatalf("expected stats 1/0, got %d/%d", emitted, invalid)
	}
}

func TestSinkFlagsInvalidEventButKeepsIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := telemetry.NewSink(path, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	bad := validEvent()
	bad.ActorType = "robot" // not in the actor_type enum
	if err := sink.Emit(context.Background(), bad); err != nil {
		t.Fatalf("emit: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("expected invalid record still written, got %d records", len(records))
	}
	if records[0].Valid {
		t.Fatalf("expected record flagged invalid")
	}

	emitted, invalid := sink.Stats()
	if emitted != 1 || invalid != 1 {
		t.Fatalf("expected stats 1/1, got %d/%d", emitted, invalid)
	}
}

func TestSinkAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := telemetry.NewSink(path, nil)
		if err != nil {
			t.Fatalf("new sink: %v", err)
		}
		if err := sink.Emit(context.Background(), validEvent()); err != nil {
			t.Fatalf("emit: %v", err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	if got := len(readRecords(t, path)); got != 2 {
		t.Fatalf("expected 2 appended records, got %d", got)
	}
}
