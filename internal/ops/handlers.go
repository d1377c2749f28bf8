package ops

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/gate"
	"github.com/xela07ax/opsgate/internal/infra/auth"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := s.authService.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// StatusResponse — сводка по движку для дашборда.
type StatusResponse struct {
	Counts  map[domain.Status]int `json:"counts"`
	Invalid []string              `json:"invalid,omitempty"` // записи в карантине
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.items.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count items", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	invalid, err := s.invalid.InvalidIDs(r.Context())
	if err != nil {
		s.logger.Error("failed to list quarantined records", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{Counts: counts, Invalid: invalid})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	decision := domain.Decision(r.URL.Query().Get("status"))
	if decision == "" {
		decision = domain.DecisionPending // Дефолт: очередь на решение
	}

	recs, err := s.approvals.ListApprovals(r.Context(), decision)
	if err != nil {
		s.logger.Error("failed to list approvals", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.approvals.GetApproval(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "approval not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load approval", zap.String("id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

// DecideRequest — решение оператора по заявке.
type DecideRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if !auth.HasScope(r.Context(), "approvals.decide") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	id := chi.URLParam(r, "id")
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	actor := auth.UserID(r.Context())
	var (
		item *domain.ActionItem
		err  error
	)
	if req.Approved {
		item, err = s.gate.Approve(r.Context(), id, actor, req.Reason)
	} else {
		item, err = s.gate.Reject(r.Context(), id, actor, req.Reason)
	}
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrInvalidDecision), errors.Is(err, gate.ErrInvalidState):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.logger.Error("decision failed", zap.String("record_id", id), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := audit.Summarize(s.auditDir)
	if err != nil {
		s.logger.Error("failed to summarize audit log", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// SubmitEventRequest — ручной ввод события в обход коннекторов.
type SubmitEventRequest struct {
	Kind    domain.Kind    `json:"kind"`
	Payload domain.Payload `json:"payload"`
}

// SubmitEventResponse сообщает, породило ли событие новый элемент.
type SubmitEventResponse struct {
	Item    *domain.ActionItem `json:"item,omitempty"`
	Created bool               `json:"created"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}

	item, created, err := s.producer.SubmitEvent(r.Context(), req.Kind, req.Payload)
	if err != nil {
		s.logger.Error("failed to submit event", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, SubmitEventResponse{Item: item, Created: created})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
