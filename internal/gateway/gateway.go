// Package gateway exposes turn coordination and lifecycle governance over
// HTTP, plus a WebSocket event stream fed from the in-process bus.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/lifecycle"
	"github.com/basket/turnstile/internal/otelx"
	"github.com/basket/turnstile/internal/policy"
	"github.com/basket/turnstile/internal/shared"
	"github.com/basket/turnstile/internal/store"
)

// Config holds the gateway's collaborators, wired once at startup.
type Config struct {
	Store    *store.Store
	Recorder *lifecycle.Recorder
	Policy   policy.Provider
	Events   *bus.Bus
	Logger   *slog.Logger

	// Tracer and Metrics may be nil; instrumentation is then skipped.
	Tracer  trace.Tracer
	Metrics *otelx.Metrics

	// AuthToken guards non-loopback requests. Empty means loopback-only
	// deployment: remote requests are rejected outright.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	start  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, start: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/policy", s.handlePolicy)
	mux.HandleFunc("/api/turns", s.handleTurns)
	mux.HandleFunc("/api/turns/", s.handleTurnByID)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/recover", s.handleRecover)
	mux.HandleFunc("/api/backup", s.handleBackup)
	return s.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument wraps the mux with trace id propagation, a server span and a
// request duration histogram keyed by route pattern, not raw path, so
// id-bearing paths do not explode metric cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every request carries a trace id through its context; audit
		// rows written downstream pick it up. Callers may supply their
		// own for cross-service correlation.
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)

		if s.cfg.Tracer == nil && s.cfg.Metrics == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		route := routePattern(r.URL.Path)
		start := time.Now()

		var span trace.Span
		if s.cfg.Tracer != nil {
			ctx, span = otelx.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+route)
			defer span.End()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if span != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", route),
					attribute.Int("http.response.status_code", rec.status),
				))
		}
	})
}

func routePattern(path string) string {
	collapse := func(prefix string) string {
		rest := strings.TrimPrefix(path, prefix)
		if _, op, ok := strings.Cut(rest, "/"); ok && op != "" {
			return prefix + "{id}/" + op
		}
		return prefix + "{id}"
	}
	switch {
	case strings.HasPrefix(path, "/api/turns/"):
		return collapse("/api/turns/")
	case strings.HasPrefix(path, "/api/sessions/"):
		return collapse("/api/sessions/")
	}
	return path
}

// authorize accepts loopback callers unconditionally; everyone else must
// present the configured bearer token.
func (s *Server) authorize(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return true
		}
	}
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
		dbOK = false
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"policy_version": policyVersion,
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	counts := map[string]int64{}
	rows, err := s.cfg.Store.DB().QueryContext(ctx, `
		SELECT state, COUNT(1) FROM turns GROUP BY state;
	`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var state string
			var n int64
			if err := rows.Scan(&state, &n); err == nil {
				counts[state] = n
			}
		}
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"turns_by_state":  counts,
		"bus_subscribers": s.cfg.Events.SubscriberCount(),
		"alloc_bytes":     mem.Alloc,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	organization := r.URL.Query().Get("organization")
	payload := map[string]any{
		"policy_version": s.cfg.Policy.PolicyVersion(),
		"session_policy": s.cfg.Policy.SessionPolicy(organization),
	}
	writeJSON(w, http.StatusOK, payload)
}

type createTurnRequest struct {
	Organization   string `json:"organization"`
	SessionID      string `json:"session_id"`
	AgentID        string `json:"agent_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	InboundHash    string `json:"inbound_hash,omitempty"`
	Metadata       string `json:"metadata,omitempty"`
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	result, err := s.cfg.Store.CreateInboundTurn(r.Context(), store.CreateTurnParams{
		Organization:   req.Organization,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		IdempotencyKey: req.IdempotencyKey,
		InboundHash:    req.InboundHash,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if m := s.cfg.Metrics; m != nil {
		if result.Duplicate {
			m.DuplicatesDropped.Add(r.Context(), 1)
		} else {
			m.TurnsCreated.Add(r.Context(), 1)
		}
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// handleTurnByID serves /api/turns/{id} and its operation subpaths:
// acquire, heartbeat, release, fail, deliverable, edges.
func (s *Server) handleTurnByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/turns/")
	turnID, op, _ := strings.Cut(path, "/")
	if turnID == "" {
		writeError(w, http.StatusBadRequest, "invalid_path", "turn id required", nil)
		return
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		turn, err := s.cfg.Store.GetTurn(r.Context(), turnID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, turn)
	case op == "edges" && r.Method == http.MethodGet:
		edges, err := s.cfg.Store.ListTurnEdges(r.Context(), turnID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
	case r.Method == http.MethodPost:
		s.handleTurnOperation(w, r, turnID, op)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type turnOperationRequest struct {
	Organization    string `json:"organization,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	LeaseOwner      string `json:"lease_owner,omitempty"`
	LeaseToken      string `json:"lease_token,omitempty"`
	ExpectedVersion int64  `json:"expected_version"`
	LeaseDurationMs int64  `json:"lease_duration_ms,omitempty"`
	NextState       string `json:"next_state,omitempty"`
	Reason          string `json:"reason,omitempty"`
	PointerType     string `json:"pointer_type,omitempty"`
	PointerID       string `json:"pointer_id,omitempty"`
	Status          string `json:"status,omitempty"`
	Metadata        string `json:"metadata,omitempty"`
}

func (s *Server) handleTurnOperation(w http.ResponseWriter, r *http.Request, turnID, op string) {
	var req turnOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	duration := time.Duration(req.LeaseDurationMs) * time.Millisecond

	ctx := r.Context()
	if req.LeaseOwner != "" {
		ctx = shared.WithActor(ctx, shared.Actor{Type: "agent", ID: req.LeaseOwner})
	}

	var (
		turn *store.Turn
		err  error
	)
	switch op {
	case "acquire":
		turn, err = s.cfg.Store.AcquireLease(ctx, store.AcquireParams{
			TurnID:          turnID,
			Organization:    req.Organization,
			SessionID:       req.SessionID,
			AgentID:         req.AgentID,
			LeaseOwner:      req.LeaseOwner,
			ExpectedVersion: req.ExpectedVersion,
			LeaseDuration:   duration,
		})
	case "heartbeat":
		turn, err = s.cfg.Store.HeartbeatLease(ctx, turnID, req.ExpectedVersion, req.LeaseToken, duration)
	case "release":
		turn, err = s.cfg.Store.ReleaseLease(ctx, store.ReleaseParams{
			TurnID:          turnID,
			ExpectedVersion: req.ExpectedVersion,
			LeaseToken:      req.LeaseToken,
			NextState:       store.TurnState(req.NextState),
		})
	case "fail":
		turn, err = s.cfg.Store.FailTurn(ctx, store.FailParams{
			TurnID:          turnID,
			ExpectedVersion: req.ExpectedVersion,
			LeaseToken:      req.LeaseToken,
			Reason:          req.Reason,
		})
	case "deliverable":
		turn, err = s.cfg.Store.RecordTerminalDeliverable(ctx, store.DeliverableParams{
			TurnID:      turnID,
			PointerType: req.PointerType,
			PointerID:   req.PointerID,
			Status:      req.Status,
			Metadata:    req.Metadata,
		})
	default:
		writeError(w, http.StatusNotFound, "unknown_operation", "unknown turn operation: "+op, nil)
		return
	}
	s.recordLeaseMetrics(r, op, turn, err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (s *Server) recordLeaseMetrics(r *http.Request, op string, turn *store.Turn, err error) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	ctx := r.Context()
	if err != nil {
		var held *store.LeaseHeldError
		var conflict *store.VersionConflictError
		if errors.As(err, &held) {
			m.LeaseConflicts.Add(ctx, 1)
		}
		if errors.As(err, &conflict) {
			m.VersionConflicts.Add(ctx, 1)
		}
		return
	}
	switch op {
	case "acquire":
		m.LeasesAcquired.Add(ctx, 1)
		m.ActiveLeases.Add(ctx, 1)
	case "release", "fail":
		m.ActiveLeases.Add(ctx, -1)
		if turn != nil && turn.State.Terminal() && turn.StartedAt != nil {
			m.TurnDuration.Record(ctx, time.Since(*turn.StartedAt).Seconds())
		}
	}
}

type lifecycleRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Actor      string `json:"actor"`
	Checkpoint string `json:"checkpoint"`
	ActorID    string `json:"actor_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Metadata   string `json:"metadata,omitempty"`
}

// handleSession serves /api/sessions/{id}, /api/sessions/{id}/lifecycle,
// /api/sessions/{id}/turns and /api/sessions/{id}/audit.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, op, _ := strings.Cut(path, "/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_path", "session id required", nil)
		return
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		session, err := s.cfg.Store.GetSession(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case op == "turns" && r.Method == http.MethodGet:
		turns, err := s.cfg.Store.ListTurnsBySession(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
	case op == "audit" && r.Method == http.MethodGet:
		entries, err := s.cfg.Store.ListLifecycleAudit(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lifecycle_audit": entries})
	case op == "lifecycle" && r.Method == http.MethodPost:
		var req lifecycleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		ctx := shared.WithActor(r.Context(), shared.Actor{Type: req.Actor, ID: req.ActorID})
		result, err := s.cfg.Recorder.RecordTransition(ctx, lifecycle.TransitionParams{
			SessionID:  sessionID,
			From:       lifecycle.State(req.From),
			To:         lifecycle.State(req.To),
			Actor:      req.Actor,
			Checkpoint: req.Checkpoint,
			ActorID:    req.ActorID,
			Reason:     req.Reason,
			Metadata:   req.Metadata,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if m := s.cfg.Metrics; m != nil && !result.NoOp {
			m.LifecycleMoves.Add(r.Context(), 1)
			if result.Anomaly {
				m.LifecycleAnomalies.Add(r.Context(), 1)
			}
		}
		writeJSON(w, http.StatusOK, result)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type enqueueJobRequest struct {
	Kind     string    `json:"kind"`
	Payload  string    `json:"payload,omitempty"`
	CronExpr string    `json:"cron_expr,omitempty"`
	RunAt    time.Time `json:"run_at"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	jobID, err := s.cfg.Store.EnqueueJob(r.Context(), req.Kind, req.Payload, req.CronExpr, runAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID})
}

type recoverRequest struct {
	Organization string `json:"organization"`
	SessionID    string `json:"session_id"`
	AgentID      string `json:"agent_id"`
	Reason       string `json:"reason,omitempty"`
}

// handleRecover triggers an on-demand stale lease sweep for one
// (session, agent) pair, the same recovery the reaper performs globally.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	recovered, err := s.cfg.Store.RecoverStaleRunningTurns(r.Context(), req.Organization, req.SessionID, req.AgentID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": recovered, "count": len(recovered)})
}

type backupRequest struct {
	DestPath string `json:"dest_path"`
}

// handleBackup snapshots the database to the given path via VACUUM INTO.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if req.DestPath == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "dest_path required", nil)
		return
	}
	if err := s.cfg.Store.Backup(r.Context(), req.DestPath); err != nil {
		writeError(w, http.StatusInternalServerError, "backup_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backed_up": true, "dest_path": req.DestPath})
}
