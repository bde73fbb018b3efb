package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/basket/turnstile/internal/lifecycle"
	"github.com/basket/turnstile/internal/store"
)

// apiError is the JSON error body. Code is the stable machine-readable
// failure name; Details carries failure-specific data (current version,
// lease owner, existing deliverable) so callers can branch without a second
// round trip.
type apiError struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, apiError{Error: message, Code: code, Details: details})
}

// writeDomainError maps the typed failure taxonomy onto HTTP statuses:
// not-found → 404, CAS/precondition failures → 409, invariant violations →
// 409, context mismatch and whitelist violations → 4xx caller bugs.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		versionConflict *store.VersionConflictError
		leaseHeld       *store.LeaseHeldError
		dualActive      *store.DualActiveTurnError
		delivExists     *store.DeliverableExistsError
		denied          *lifecycle.TransitionDeniedError
	)
	switch {
	case errors.Is(err, store.ErrTurnNotFound):
		writeError(w, http.StatusNotFound, "turn_not_found", err.Error(), nil)
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error(), nil)
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job_not_found", err.Error(), nil)
	case errors.As(err, &versionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"current_version": versionConflict.CurrentVersion,
		})
	case errors.As(err, &leaseHeld):
		writeError(w, http.StatusConflict, "lease_held_by_other_owner", err.Error(), map[string]any{
			"lease_owner":      leaseHeld.Owner,
			"lease_expires_at": leaseHeld.ExpiresAt.UTC().Format(time.RFC3339Nano),
		})
	case errors.As(err, &dualActive):
		writeError(w, http.StatusConflict, "dual_active_turn", err.Error(), map[string]any{
			"sibling_turn_id": dualActive.SiblingTurnID,
		})
	case errors.As(err, &delivExists):
		writeError(w, http.StatusConflict, "terminal_deliverable_already_recorded", err.Error(), map[string]any{
			"existing": delivExists.Existing,
		})
	case errors.As(err, &denied):
		writeError(w, http.StatusUnprocessableEntity, "transition_not_allowed", err.Error(), map[string]any{
			"from":       string(denied.From),
			"to":         string(denied.To),
			"actor":      denied.Actor,
			"checkpoint": denied.Checkpoint,
		})
	case errors.Is(err, store.ErrInvalidLeaseToken):
		writeError(w, http.StatusForbidden, "invalid_lease_token", err.Error(), nil)
	case errors.Is(err, store.ErrLeaseExpired):
		writeError(w, http.StatusConflict, "lease_expired", err.Error(), nil)
	case errors.Is(err, store.ErrTurnNotRunning):
		writeError(w, http.StatusConflict, "turn_not_running", err.Error(), nil)
	case errors.Is(err, store.ErrTurnTerminal):
		writeError(w, http.StatusConflict, "turn_terminal", err.Error(), nil)
	case errors.Is(err, store.ErrTurnContextMismatch):
		writeError(w, http.StatusBadRequest, "turn_context_mismatch", err.Error(), nil)
	case errors.Is(err, store.ErrLifecycleConflict):
		writeError(w, http.StatusConflict, "lifecycle_conflict", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}
