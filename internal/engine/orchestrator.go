package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/gate"
	"github.com/xela07ax/opsgate/internal/store"
	"github.com/xela07ax/opsgate/internal/triage"
	"go.uber.org/zap"
)

// Orchestrator — однопоточный кооперативный цикл с фиксированным
// интервалом: сперва разбор executing-следов упавшего процесса, затем
// pending -> triage -> gate, approved -> dispatcher,
// failed -> проверка зрелости -> повтор. Элементы обрабатываются
// независимо: отказ или паника на одном не останавливает ни тик,
// ни цикл в целом.
type Orchestrator struct {
	items      store.Store
	triage     triage.Triage
	gate       *gate.Gate
	dispatcher *Dispatcher
	auditor    audit.Auditor
	metrics    *Metrics
	logger     *zap.Logger

	tick time.Duration
	now  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewOrchestrator(items store.Store, tr triage.Triage, g *gate.Gate, d *Dispatcher, auditor audit.Auditor, metrics *Metrics, tick time.Duration, logger *zap.Logger) *Orchestrator {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Orchestrator{
		items:      items,
		triage:     tr,
		gate:       g,
		dispatcher: d,
		auditor:    auditor,
		metrics:    metrics,
		logger:     logger.Named("orchestrator"),
		tick:       tick,
		now:        time.Now,
	}
}

// Start запускает цикл. Повторный Start без Stop — no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		o.logger.Info("orchestrator started", zap.Duration("tick", o.tick))

		ticker := time.NewTicker(o.tick)
		defer ticker.Stop()

		o.Tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				o.logger.Info("orchestrator stopped")
				return
			case <-ticker.C:
				o.Tick(runCtx)
			}
		}
	}()
}

// Stop останавливает цикл и дожидается завершения текущего тика:
// элемент в полете доезжает до конца, метаданные не остаются
// полузаписанными.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	o.wg.Wait()
}

// Tick — один проход по всем фазам. Экспортирован для тестов и для
// ручного прогона из операционного API.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.scanExecuting(ctx)
	o.scanPending(ctx)
	o.scanApproved(ctx)
	o.scanFailed(ctx)
}

// scanExecuting: восстановление после падения. Элемент, оставшийся в
// executing дольше таймаута вызова, брошен умершим процессом: попытка
// списывается, элемент уходит в failed (или dead при исчерпании
// бюджета). Фаза идет первой, чтобы тик не раздал новых попыток поверх
// неразобранных следов.
func (o *Orchestrator) scanExecuting(ctx context.Context) {
	items, err := o.items.List(ctx, domain.StatusExecuting)
	if err != nil {
		o.logger.Error("failed to list executing items", zap.Error(err))
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}

	now := o.now()
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if !o.dispatcher.StaleExecuting(item, now) {
			continue
		}
		o.safeProcess(ctx, item.ID, "recover", func() error {
			return o.dispatcher.RecoverExecuting(ctx, item)
		})
	}
}

// scanPending: новые элементы через triage — в шлюз или сразу в approved.
func (o *Orchestrator) scanPending(ctx context.Context) {
	items, err := o.items.List(ctx, domain.StatusPending)
	if err != nil {
		o.logger.Error("failed to list pending items", zap.Error(err))
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		o.safeProcess(ctx, item.ID, "triage", func() error {
			return o.processPending(ctx, item)
		})
	}
}

func (o *Orchestrator) processPending(ctx context.Context, item *domain.ActionItem) error {
	decision, err := o.triage.Assess(ctx, item)
	if err != nil {
		return fmt.Errorf("triage assess: %w", err)
	}

	// Риск и приоритет вычисляются один раз и дальше не пересматриваются
	item.Priority = decision.Priority
	item.RiskLevel = decision.RiskLevel
	item.ApprovalRequired = decision.ApprovalRequired

	if decision.ApprovalRequired {
		if _, err := o.gate.Submit(ctx, item, decision.ApprovalTTL); err != nil {
			return fmt.Errorf("gate submit: %w", err)
		}
		return nil
	}

	// Низкий риск минует шлюз: pending -> approved решением политики
	now := o.now().UTC()
	if _, err := o.items.Transition(ctx, item.ID, domain.StatusApproved, func(it *domain.ActionItem) {
		it.Priority = decision.Priority
		it.RiskLevel = decision.RiskLevel
		it.ApprovalRequired = false
		it.DecidedAt = &now
	}); err != nil {
		return fmt.Errorf("auto-approve transition: %w", err)
	}
	o.metrics.Transitions.WithLabelValues(string(domain.StatusApproved)).Inc()

	if _, err := o.auditor.Record(audit.EventApproved, item.ID, item.Kind, "policy", map[string]interface{}{
		"risk_level": string(decision.RiskLevel),
		"priority":   string(decision.Priority),
		"auto":       true,
	}); err != nil {
		// Одобрение без следа в журнале не считается состоявшимся
		if _, rbErr := o.items.Revert(ctx, item.ID, domain.StatusPending, func(it *domain.ActionItem) {
			it.DecidedAt = nil
		}); rbErr != nil {
			o.logger.Error("rollback of auto-approve failed", zap.String("item_id", item.ID), zap.Error(rbErr))
		}
		return fmt.Errorf("audit write for auto-approve: %w", err)
	}
	return nil
}

// scanApproved: одобренные элементы — в диспетчер.
func (o *Orchestrator) scanApproved(ctx context.Context) {
	items, err := o.items.List(ctx, domain.StatusApproved)
	if err != nil {
		o.logger.Error("failed to list approved items", zap.Error(err))
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		o.safeProcess(ctx, item.ID, "dispatch", func() error {
			return o.dispatcher.Dispatch(ctx, item)
		})
	}
}

// scanFailed: созревшие по бэкоффу — снова в диспетчер через retrying.
func (o *Orchestrator) scanFailed(ctx context.Context) {
	items, err := o.items.List(ctx, domain.StatusFailed)
	if err != nil {
		o.logger.Error("failed to list failed items", zap.Error(err))
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}

	now := o.now()
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if !RetryEligible(item, now) {
			continue
		}
		o.safeProcess(ctx, item.ID, "retry", func() error {
			retried, err := o.items.Transition(ctx, item.ID, domain.StatusRetrying, nil)
			if err != nil {
				return fmt.Errorf("mark retrying: %w", err)
			}
			o.metrics.Transitions.WithLabelValues(string(domain.StatusRetrying)).Inc()
			return o.dispatcher.Dispatch(ctx, retried)
		})
	}
}

// safeProcess изолирует обработку одного элемента: ошибка или паника
// логируется, элемент остается в текущем состоянии до следующего тика,
// остальные элементы тика обрабатываются как ни в чем не бывало.
func (o *Orchestrator) safeProcess(ctx context.Context, itemID, phase string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while processing item",
				zap.String("item_id", itemID),
				zap.String("phase", phase),
				zap.Any("panic", r))
			o.metrics.ErrorTotal.WithLabelValues("panic").Inc()
		}
	}()

	o.metrics.ItemsProcessed.WithLabelValues(phase).Inc()
	if err := fn(); err != nil {
		o.logger.Error("failed to process item",
			zap.String("item_id", itemID),
			zap.String("phase", phase),
			zap.Error(err))
		o.metrics.ErrorTotal.WithLabelValues(phase).Inc()
	}
}
