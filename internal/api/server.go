// Package api exposes the admin HTTP surface: entity CRUD, transitions,
// history, locks and the cost ledger, all as plain JSON over net/http.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/statekeeper/internal/catalog"
	"github.com/basket/statekeeper/internal/guard"
	"github.com/basket/statekeeper/internal/ledger"
	"github.com/basket/statekeeper/internal/lifecycle"
	"github.com/basket/statekeeper/internal/otel"
	"github.com/basket/statekeeper/internal/persistence"
	"github.com/basket/statekeeper/internal/shared"
)

// Config holds the dependencies for the admin API server.
type Config struct {
	Machine *lifecycle.Machine
	Guard   *guard.Guard
	Ledger  *ledger.Ledger
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// ConfigFingerprint is the hash of the active config, exposed on /healthz
	// so operators can tell which settings a daemon is running with.
	ConfigFingerprint string
	Version           string

	RateLimit *RateLimitMiddleware
}

// Server is the admin API HTTP server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// NewServer creates the admin API server.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, logger: cfg.Logger, started: time.Now()}
}

// Handler builds the full request handler, middleware included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/rules", s.handleRules)
	mux.HandleFunc("GET /v1/statuses/{category}", s.handleStatuses)

	mux.HandleFunc("POST /v1/entities", s.handleCreateEntity)
	mux.HandleFunc("GET /v1/entities", s.handleListEntities)
	mux.HandleFunc("GET /v1/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("DELETE /v1/entities/{id}", s.handleDeleteEntity)
	mux.HandleFunc("POST /v1/entities/{id}/transition", s.handleTransition)
	mux.HandleFunc("GET /v1/entities/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /v1/entities/{id}/lock", s.handleAcquireLock)
	mux.HandleFunc("DELETE /v1/entities/{id}/lock", s.handleReleaseLock)
	mux.HandleFunc("POST /v1/entities/{id}/cooldown", s.handleStartCooldown)

	mux.HandleFunc("POST /v1/runs/{id}/costs", s.handleRecordCost)
	mux.HandleFunc("GET /v1/runs/{id}/cost", s.handleRunCost)
	mux.HandleFunc("GET /v1/costs/monthly", s.handleMonthlyCosts)

	var h http.Handler = mux
	h = s.observe(h)
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	return h
}

// observe stamps a trace id on the request context, opens a server span and
// records the request duration.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if actor := r.Header.Get("X-Actor"); actor != "" {
			ctx = shared.WithActor(ctx, actor)
		}
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err.Error())
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// writeError maps the domain error taxonomy onto HTTP statuses. Unknown
// errors become 500 with the message redacted to a generic string; the full
// error goes to the log.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		invalidTransition *lifecycle.InvalidTransitionError
		entityDeleted     *lifecycle.EntityDeletedError
		notInitial        *lifecycle.NotInitialStatusError
		locked            *guard.LockedError
		cooldown          *guard.CooldownError
		invalidTokens     *ledger.InvalidTokenCountError
		invalidCost       *ledger.InvalidCostError
	)
	switch {
	case errors.Is(err, persistence.ErrEntityNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "entity_not_found"})
	case errors.As(err, &entityDeleted):
		s.writeJSON(w, http.StatusGone, errorBody{Error: err.Error(), Code: "entity_deleted"})
	case errors.As(err, &invalidTransition):
		s.writeJSON(w, http.StatusConflict, errorBody{
			Error: err.Error(),
			Code:  "invalid_transition",
			Details: map[string]string{
				"category": invalidTransition.Category,
				"from":     invalidTransition.From,
				"to":       invalidTransition.To,
			},
		})
	case errors.As(err, &cooldown):
		s.writeJSON(w, http.StatusConflict, errorBody{
			Error: err.Error(),
			Code:  "cooldown_active",
			Details: map[string]any{
				"until":                        cooldown.Until.UTC().Format(time.RFC3339),
				"failed_reactivation_attempts": cooldown.Attempts,
			},
		})
	case errors.Is(err, persistence.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "concurrent_update"})
	case errors.As(err, &locked):
		s.writeJSON(w, http.StatusLocked, errorBody{
			Error:   err.Error(),
			Code:    "entity_locked",
			Details: map[string]string{"holder": locked.Holder},
		})
	case errors.Is(err, persistence.ErrNotOwner):
		s.writeJSON(w, http.StatusLocked, errorBody{Error: err.Error(), Code: "not_lock_owner"})
	case errors.As(err, &notInitial),
		errors.As(err, &invalidTokens),
		errors.As(err, &invalidCost),
		errors.Is(err, guard.ErrPastDeadline),
		errors.Is(err, catalog.ErrNotFound):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, persistence.ErrAlreadyLocked):
		s.writeJSON(w, http.StatusLocked, errorBody{Error: err.Error(), Code: "entity_locked"})
	default:
		s.logger.Error("internal error",
			"trace_id", shared.TraceID(ctx),
			"error", shared.Redact(err.Error()))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

// actor pulls the acting identity from the X-Actor header. Mutating
// endpoints refuse unattributed requests so every history entry and audit
// line names a responsible party.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "X-Actor header is required", Code: "missing_actor"})
		return "", false
	}
	return actor, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	})
}
