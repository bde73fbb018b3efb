package store

import (
	"errors"
	"fmt"
	"time"
)

// Not-found failures: the caller holds a stale or garbage id.
var (
	ErrTurnNotFound    = errors.New("turn not found")
	ErrSessionNotFound = errors.New("session not found")
)

// Precondition failures: recoverable by re-read-and-retry.
var (
	ErrInvalidLeaseToken = errors.New("invalid lease token")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrTurnNotRunning    = errors.New("turn not running")
)

// Invariant violations: the caller must re-derive intent, never retry blindly.
var (
	ErrTurnTerminal        = errors.New("turn in terminal state")
	ErrTurnContextMismatch = errors.New("turn context mismatch")
)

// VersionConflictError reports a compare-and-swap failure. CurrentVersion is
// the version actually stored, so the caller can re-read and retry without a
// second round trip.
type VersionConflictError struct {
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version %d", e.CurrentVersion)
}

// LeaseHeldError reports that the turn is running under an unexpired lease
// owned by someone else.
type LeaseHeldError struct {
	Owner     string
	ExpiresAt time.Time
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lease held by %s until %s", e.Owner, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// DualActiveTurnError reports that a sibling turn for the same (session,
// agent) pair already holds an unexpired running lease.
type DualActiveTurnError struct {
	SiblingTurnID string
}

func (e *DualActiveTurnError) Error() string {
	return fmt.Sprintf("dual active turn: sibling %s holds an unexpired lease", e.SiblingTurnID)
}

// DeliverableExistsError reports a second terminal-deliverable write. The
// first-recorded pointer is returned unchanged.
type DeliverableExistsError struct {
	Existing Deliverable
}

func (e *DeliverableExistsError) Error() string {
	return fmt.Sprintf("terminal deliverable already recorded: %s/%s", e.Existing.PointerType, e.Existing.PointerID)
}
