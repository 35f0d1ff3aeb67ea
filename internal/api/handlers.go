package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/statekeeper/internal/catalog"
	"github.com/basket/statekeeper/internal/ledger"
	"github.com/basket/statekeeper/internal/lifecycle"
	"github.com/basket/statekeeper/internal/persistence"
)

type entityResponse struct {
	*persistence.Entity
	Lock *persistence.LockState `json:"lock,omitempty"`
}

func (s *Server) entityWithLock(r *http.Request, ent *persistence.Entity) entityResponse {
	state, err := s.cfg.Guard.State(r.Context(), ent.ID)
	if err != nil {
		// Lock state is advisory on reads; the entity itself is the answer.
		return entityResponse{Entity: ent}
	}
	return entityResponse{Entity: ent, Lock: &state}
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body struct {
		ID       string `json:"id"`
		Category string `json:"category"`
		Status   string `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	ent, err := s.cfg.Machine.CreateEntity(r.Context(), lifecycle.CreateRequest{
		ID:       body.ID,
		Category: body.Category,
		Status:   body.Status,
		Actor:    actor,
	})
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entityResponse{Entity: ent})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer", Code: "bad_request"})
			return
		}
		limit = n
	}
	entities, err := s.cfg.Machine.List(r.Context(), r.URL.Query().Get("category"), limit)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.cfg.Machine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.entityWithLock(r, ent))
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Machine.Delete(r.Context(), r.PathValue("id"), actor); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body struct {
		To     string `json:"to"`
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.To == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "to is required", Code: "bad_request"})
		return
	}

	ent, err := s.cfg.Machine.Transition(r.Context(), lifecycle.TransitionRequest{
		EntityID: r.PathValue("id"),
		To:       body.To,
		Actor:    actor,
		Reason:   body.Reason,
	})
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entityResponse{Entity: ent})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "after must be an integer", Code: "bad_request"})
			return
		}
		afterID = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer", Code: "bad_request"})
			return
		}
		limit = n
	}

	entries, err := s.cfg.Machine.History(r.Context(), r.PathValue("id"), afterID, limit)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries, "count": len(entries)})
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := s.cfg.Machine.Get(r.Context(), id); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if err := s.cfg.Guard.Acquire(r.Context(), id, actor); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Guard.Release(r.Context(), r.PathValue("id"), actor); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartCooldown(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r); !ok {
		return
	}
	var body struct {
		Until string `json:"until"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	var until time.Time
	if body.Until != "" {
		t, err := time.Parse(time.RFC3339, body.Until)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "until must be RFC 3339", Code: "bad_request"})
			return
		}
		until = t
	}

	id := r.PathValue("id")
	if _, err := s.cfg.Machine.Get(r.Context(), id); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	applied, err := s.cfg.Guard.StartCooldown(r.Context(), id, until)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": id,
		"until":     applied.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRecordCost(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r); !ok {
		return
	}
	var body struct {
		ProviderID   string           `json:"provider_id"`
		ModelID      string           `json:"model_id"`
		InputTokens  int64            `json:"input_tokens"`
		OutputTokens int64            `json:"output_tokens"`
		CostUSD      *decimal.Decimal `json:"cost_usd"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	runID := r.PathValue("id")
	if _, err := s.cfg.Machine.Get(r.Context(), runID); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	// The AI-call layer knows what it paid; its figure is authoritative.
	// Without one, fall back to the rate-table estimate.
	var cost decimal.Decimal
	if body.CostUSD != nil {
		cost = *body.CostUSD
	} else {
		cost, _ = s.cfg.Ledger.Estimate(body.ProviderID, body.ModelID, body.InputTokens, body.OutputTokens)
	}

	entry, err := s.cfg.Ledger.Record(r.Context(), ledger.Usage{
		RunID:        runID,
		ProviderID:   body.ProviderID,
		ModelID:      body.ModelID,
		InputTokens:  body.InputTokens,
		OutputTokens: body.OutputTokens,
		CostUSD:      cost,
	})
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRunCost(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.cfg.Machine.Get(r.Context(), runID); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	total, tokens, err := s.cfg.Ledger.TotalCostFor(r.Context(), runID)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":         runID,
		"total_cost_usd": total.String(),
		"total_tokens":   tokens,
	})
}

func (s *Server) handleMonthlyCosts(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "month must be formatted YYYY-MM", Code: "bad_request"})
		return
	}
	summary, err := s.cfg.Ledger.MonthlySummary(r.Context(), month, r.URL.Query().Get("provider"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"month": month, "providers": summary})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": s.cfg.Machine.Rules()})
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	category, err := catalog.ParseCategory(r.PathValue("category"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"statuses": s.cfg.Machine.Statuses(category),
	})
}
