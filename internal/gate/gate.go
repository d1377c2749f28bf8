package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidState — элемент не в том состоянии, чтобы пройти через шлюз
	ErrInvalidState = errors.New("gate: invalid item state")

	// ErrInvalidDecision — заявка отсутствует, уже решена или истекла;
	// никакое состояние при этом не меняется
	ErrInvalidDecision = errors.New("gate: invalid decision")
)

// Gate — контрольная точка human-in-the-loop между triage и исполнением.
//
// Успешные approve/reject пишут ровно одну запись аудита до возврата:
// запись аудита и переход элемента — одна логическая единица. Если аудит
// не записался, решение откатывается целиком (конверт и элемент).
type Gate struct {
	items     store.Store
	approvals store.ApprovalStore
	auditor   audit.Auditor
	logger    *zap.Logger
	now       func() time.Time
}

func New(items store.Store, approvals store.ApprovalStore, auditor audit.Auditor, logger *zap.Logger) *Gate {
	return &Gate{
		items:     items,
		approvals: approvals,
		auditor:   auditor,
		logger:    logger.Named("gate"),
		now:       time.Now,
	}
}

// Submit заводит конверт решения для pending-элемента и переводит его в
// awaiting_decision. Идемпотентен: если живой конверт уже существует
// (например, после падения между записью конверта и переходом), он
// переиспользуется — на элемент в ожидании решения всегда ровно один
// живой конверт.
func (g *Gate) Submit(ctx context.Context, item *domain.ActionItem, ttl time.Duration) (*domain.ApprovalRecord, error) {
	if item.Status != domain.StatusPending || !item.ApprovalRequired {
		return nil, fmt.Errorf("%w: submit requires pending item with approval_required (got status=%s approval_required=%v)",
			ErrInvalidState, item.Status, item.ApprovalRequired)
	}

	rec, err := g.findLive(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		now := g.now().UTC()
		rec = &domain.ApprovalRecord{
			ID:           uuid.NewString(),
			ActionItemID: item.ID,
			Decision:     domain.DecisionPending,
			CreatedAt:    now,
		}
		if ttl > 0 {
			expires := now.Add(ttl)
			rec.ExpiresAt = &expires
		}
		if err := g.approvals.SaveApproval(ctx, rec); err != nil {
			return nil, fmt.Errorf("gate: failed to persist approval record: %w", err)
		}
	}

	// Результат triage уезжает на диск вместе с переходом
	if _, err := g.items.Transition(ctx, item.ID, domain.StatusAwaitingDecision, func(it *domain.ActionItem) {
		it.Priority = item.Priority
		it.RiskLevel = item.RiskLevel
		it.ApprovalRequired = item.ApprovalRequired
	}); err != nil {
		// Конверт остается живым; следующий тик повторит переход
		return nil, fmt.Errorf("gate: failed to move item to awaiting_decision: %w", err)
	}

	g.logger.Info("item submitted for approval",
		zap.String("item_id", item.ID), zap.String("record_id", rec.ID))
	return rec, nil
}

// Approve фиксирует положительное решение оператора.
func (g *Gate) Approve(ctx context.Context, recordID, actor, reason string) (*domain.ActionItem, error) {
	return g.decide(ctx, recordID, domain.DecisionApproved, actor, reason)
}

// Reject фиксирует отрицательное решение оператора.
func (g *Gate) Reject(ctx context.Context, recordID, actor, reason string) (*domain.ActionItem, error) {
	return g.decide(ctx, recordID, domain.DecisionRejected, actor, reason)
}

// IsExpired — просрочен ли конверт на текущий момент.
func (g *Gate) IsExpired(rec *domain.ApprovalRecord) bool {
	return rec.Expired(g.now())
}

func (g *Gate) decide(ctx context.Context, recordID string, decision domain.Decision, actor, reason string) (*domain.ActionItem, error) {
	// Валидация целиком до каких-либо изменений: нарушение контракта
	// не оставляет частично примененного состояния.
	rec, err := g.approvals.GetApproval(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: record %s not found", ErrInvalidDecision, recordID)
		}
		return nil, fmt.Errorf("gate: failed to load approval record: %w", err)
	}
	now := g.now().UTC()
	if err := rec.CanDecide(now); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDecision, err)
	}

	item, err := g.items.Get(ctx, rec.ActionItemID)
	if err != nil {
		return nil, fmt.Errorf("%w: action item %s not found", ErrInvalidDecision, rec.ActionItemID)
	}

	target := domain.StatusApproved
	eventType := audit.EventApproved
	if decision == domain.DecisionRejected {
		target = domain.StatusRejected
		eventType = audit.EventRejected
	}
	if err := domain.CanTransition(item.Status, target); err != nil {
		return nil, fmt.Errorf("%w: item %s is %s", ErrInvalidState, item.ID, item.Status)
	}

	// 1. Решение в конверт (при любом сбое дальше вернем как было)
	orig := *rec
	rec.Decision = decision
	rec.DecidedBy = actor
	rec.Reason = reason
	rec.DecidedAt = &now
	if err := g.approvals.SaveApproval(ctx, rec); err != nil {
		return nil, fmt.Errorf("gate: failed to persist decision: %w", err)
	}

	// 2. Переход элемента
	updated, err := g.items.Transition(ctx, item.ID, target, func(it *domain.ActionItem) {
		it.DecidedAt = &now
	})
	if err != nil {
		if rbErr := g.approvals.SaveApproval(ctx, &orig); rbErr != nil {
			g.logger.Error("rollback of approval record failed", zap.String("record_id", rec.ID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("gate: failed to transition item: %w", err)
	}

	// 3. Аудит — часть той же логической единицы
	if _, err := g.auditor.Record(eventType, item.ID, item.Kind, actor, map[string]interface{}{
		"record_id": rec.ID,
		"reason":    reason,
		"payload": map[string]interface{}{
			"sender":  item.Payload.Sender,
			"subject": item.Payload.Subject,
			"target":  item.Payload.Target,
		},
	}); err != nil {
		if _, rbErr := g.items.Revert(ctx, item.ID, domain.StatusAwaitingDecision, func(it *domain.ActionItem) {
			it.DecidedAt = nil
		}); rbErr != nil {
			g.logger.Error("rollback of item transition failed", zap.String("item_id", item.ID), zap.Error(rbErr))
		}
		if rbErr := g.approvals.SaveApproval(ctx, &orig); rbErr != nil {
			g.logger.Error("rollback of approval record failed", zap.String("record_id", rec.ID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("gate: audit write failed, decision rolled back: %w", err)
	}

	g.logger.Info("decision recorded",
		zap.String("item_id", item.ID),
		zap.String("record_id", rec.ID),
		zap.String("decision", string(decision)),
		zap.String("actor", actor))
	return updated, nil
}

// findLive ищет недорешенный конверт для элемента.
func (g *Gate) findLive(ctx context.Context, itemID string) (*domain.ApprovalRecord, error) {
	recs, err := g.approvals.ListApprovals(ctx, domain.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("gate: failed to list approvals: %w", err)
	}
	for _, rec := range recs {
		if rec.ActionItemID == itemID && !g.IsExpired(rec) {
			return rec, nil
		}
	}
	return nil, nil
}
