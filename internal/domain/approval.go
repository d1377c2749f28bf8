package domain

import (
	"errors"
	"time"
)

// Decision — статусы решения по заявке HITL.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

var (
	ErrAlreadyDecided = errors.New("approval record already decided")
	ErrRecordExpired  = errors.New("approval record expired")
)

// ApprovalRecord — конверт решения вокруг ActionItem на время ожидания
// человека/политики. Ссылается на элемент по ID, но не владеет им.
// После принятия решения запись становится неизменяемой историей.
type ApprovalRecord struct {
	ID           string     `json:"id"`
	ActionItemID string     `json:"action_item_id"`
	Decision     Decision   `json:"decision"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	Reason       string     `json:"decision_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// CanDecide проверяет правила конечного автомата заявки.
func (r *ApprovalRecord) CanDecide(now time.Time) error {
	if r.Decision != DecisionPending {
		return ErrAlreadyDecided
	}
	if r.Expired(now) {
		return ErrRecordExpired
	}
	return nil
}

// Expired — true, когда задан дедлайн и он прошел.
func (r *ApprovalRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
