package triage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

// Decision — результат triage: риск и приоритет вычисляются здесь один раз
// и дальше по жизненному циклу не пересматриваются.
type Decision struct {
	Priority         domain.Level
	RiskLevel        domain.Level
	ApprovalRequired bool

	// TTL заявки HITL; 0 — без дедлайна
	ApprovalTTL time.Duration
}

// Triage — внешний коллаборатор, решающий судьбу pending-элемента.
// Вызов синхронный; таймаут задает вызывающая сторона через ctx.
type Triage interface {
	Assess(ctx context.Context, item *domain.ActionItem) (Decision, error)
}

// KindPolicy — базовый риск/приоритет для одного типа событий плюс
// опциональное динамическое условие эскалации.
type KindPolicy struct {
	Risk     domain.Level
	Priority domain.Level

	// Conditions — JSON вида {"risk_field": "amount", "threshold": 1000}:
	// если числовое поле payload.extra превышает порог, риск поднимается
	// до high независимо от базового уровня.
	Conditions json.RawMessage
}

// PolicyTriage — табличная политика: kind -> базовый уровень, условия ->
// эскалация. Подтверждение человеком требуется начиная с minApprovalRisk.
type PolicyTriage struct {
	policies        map[domain.Kind]KindPolicy
	minApprovalRisk domain.Level
	approvalTTL     time.Duration
	logger          *zap.Logger
}

var _ Triage = (*PolicyTriage)(nil)

// DefaultPolicies — политика по умолчанию: сообщения трогают внешних
// людей и идут через HITL, файловые и плановые события — низкий риск.
func DefaultPolicies() map[domain.Kind]KindPolicy {
	return map[domain.Kind]KindPolicy{
		domain.KindMessage:   {Risk: domain.LevelMedium, Priority: domain.LevelMedium},
		domain.KindFileDrop:  {Risk: domain.LevelLow, Priority: domain.LevelLow},
		domain.KindScheduled: {Risk: domain.LevelLow, Priority: domain.LevelMedium},
	}
}

func NewPolicyTriage(policies map[domain.Kind]KindPolicy, minApprovalRisk domain.Level, approvalTTL time.Duration, logger *zap.Logger) *PolicyTriage {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &PolicyTriage{
		policies:        policies,
		minApprovalRisk: minApprovalRisk,
		approvalTTL:     approvalTTL,
		logger:          logger.Named("triage"),
	}
}

func (t *PolicyTriage) Assess(ctx context.Context, item *domain.ActionItem) (Decision, error) {
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	default:
	}

	pol, ok := t.policies[item.Kind]
	if !ok {
		// Неизвестный тип — максимальная осторожность
		t.logger.Warn("no policy for kind, defaulting to high risk", zap.String("kind", string(item.Kind)))
		pol = KindPolicy{Risk: domain.LevelHigh, Priority: domain.LevelHigh}
	}

	risk := pol.Risk
	priority := pol.Priority

	if t.conditionTriggered(pol, item) {
		risk = domain.LevelHigh
		priority = domain.LevelHigh
	}

	return Decision{
		Priority:         priority,
		RiskLevel:        risk,
		ApprovalRequired: levelRank(risk) >= levelRank(t.minApprovalRisk),
		ApprovalTTL:      t.approvalTTL,
	}, nil
}

// conditionTriggered проверяет динамический лимит из политики
// (например, amount > threshold у счета на оплату).
func (t *PolicyTriage) conditionTriggered(pol KindPolicy, item *domain.ActionItem) bool {
	if len(pol.Conditions) == 0 {
		return false
	}

	var cond struct {
		RiskField string  `json:"risk_field"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(pol.Conditions, &cond); err != nil || cond.RiskField == "" {
		// Битые или пустые условия — работаем по базовому уровню
		return false
	}

	raw, ok := item.Payload.Extra[cond.RiskField]
	if !ok {
		return false
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}

	if val > cond.Threshold {
		t.logger.Warn("dynamic risk escalation triggered",
			zap.String("item_id", item.ID),
			zap.String("field", cond.RiskField),
			zap.Float64("value", val),
			zap.Float64("threshold", cond.Threshold),
		)
		return true
	}
	return false
}

func levelRank(l domain.Level) int {
	switch l {
	case domain.LevelLow:
		return 0
	case domain.LevelMedium:
		return 1
	case domain.LevelHigh:
		return 2
	}
	return 1
}
