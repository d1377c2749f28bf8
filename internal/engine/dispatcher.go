package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/executor"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

// backoffSchedule — задержки перед повтором по номеру попытки:
// немедленно, ~25 секунд, 2 часа. Исчерпание бюджета — терминальный dead.
var backoffSchedule = []time.Duration{0, 25 * time.Second, 2 * time.Hour}

// RetryEligible — созрел ли failed-элемент для повтора. Проверка идет на
// каждом тике, а не по отдельному таймеру, поэтому фактическая задержка
// может превышать номинальную на величину до одного интервала опроса.
func RetryEligible(item *domain.ActionItem, now time.Time) bool {
	if item.LastAttemptAt == nil {
		return true
	}
	idx := item.RetryCount
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return !now.Before(item.LastAttemptAt.Add(backoffSchedule[idx]))
}

// Dispatcher гонит одобренный элемент через внешнего исполнителя:
// approved/retrying -> executing -> executed | failed | dead.
type Dispatcher struct {
	items       store.Store
	registry    *executor.Registry
	auditor     audit.Auditor
	metrics     *Metrics
	logger      *zap.Logger
	maxAttempts int
	callTimeout time.Duration
	now         func() time.Time
}

func NewDispatcher(items store.Store, registry *executor.Registry, auditor audit.Auditor, metrics *Metrics, maxAttempts int, callTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = len(backoffSchedule)
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Dispatcher{
		items:       items,
		registry:    registry,
		auditor:     auditor,
		metrics:     metrics,
		logger:      logger.Named("dispatcher"),
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// Dispatch выполняет одну попытку для элемента в approved или retrying.
// Номер попытки (retry_count) передается исполнителю: после падения между
// внешним side effect и локальным переходом повторный вызов придет с тем
// же attempt, и внешняя система сможет дедуплицировать его сама.
func (d *Dispatcher) Dispatch(ctx context.Context, item *domain.ActionItem) error {
	// Метка старта попытки: по ней распознается элемент, зависший в
	// executing после падения процесса
	startedAt := d.now().UTC()
	item, err := d.items.Transition(ctx, item.ID, domain.StatusExecuting, func(it *domain.ActionItem) {
		it.LastAttemptAt = &startedAt
	})
	if err != nil {
		return fmt.Errorf("dispatcher: failed to mark item executing: %w", err)
	}
	d.metrics.Transitions.WithLabelValues(string(domain.StatusExecuting)).Inc()

	ex, err := d.registry.Lookup(item.Kind)
	if err != nil {
		// Нечем исполнять — терминальный отказ
		return d.finishFailed(ctx, item, item.RetryCount, err, true)
	}

	attempt := item.RetryCount
	start := d.now()
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	res, execErr := ex.Execute(callCtx, item, attempt)
	cancel()
	elapsed := d.now().Sub(start)

	if execErr != nil || !res.Success {
		if execErr == nil {
			execErr = fmt.Errorf("executor reported failure: %s", res.Error)
		}
		d.metrics.DispatchDuration.WithLabelValues(string(item.Kind), "error").Observe(elapsed.Seconds())

		terminal := executor.IsPermanent(execErr) || attempt+1 >= d.maxAttempts
		return d.finishFailed(ctx, item, attempt, execErr, terminal)
	}

	d.metrics.DispatchDuration.WithLabelValues(string(item.Kind), "ok").Observe(elapsed.Seconds())

	now := d.now().UTC()
	if _, err := d.items.Transition(ctx, item.ID, domain.StatusExecuted, func(it *domain.ActionItem) {
		it.ExecutedAt = &now
		it.LastAttemptAt = &now
		it.LastError = ""
	}); err != nil {
		return fmt.Errorf("dispatcher: failed to mark item executed: %w", err)
	}
	d.metrics.Transitions.WithLabelValues(string(domain.StatusExecuted)).Inc()

	// Сбой аудита здесь не откатывает executed: внешний side effect уже
	// случился, и откат состояния был бы ложью. Факт теряется только из
	// журнала, об этом громко в логе.
	if _, err := d.auditor.Record(audit.EventExecuted, item.ID, item.Kind, "engine", map[string]interface{}{
		"attempt":    attempt,
		"result_ref": res.ResultRef,
		"elapsed_ms": elapsed.Milliseconds(),
	}); err != nil {
		d.logger.Error("audit write failed for executed item", zap.String("item_id", item.ID), zap.Error(err))
		d.metrics.ErrorTotal.WithLabelValues("audit").Inc()
	}

	d.logger.Info("item executed",
		zap.String("item_id", item.ID),
		zap.Int("attempt", attempt),
		zap.String("result_ref", res.ResultRef),
		zap.Duration("elapsed", elapsed))
	return nil
}

// StaleExecuting сообщает, что элемент в executing брошен упавшим
// процессом. Вызов исполнителя ограничен callTimeout, так что живая
// попытка не может быть старше него; диспетчер в процессе один, и фаза
// восстановления идет до раздачи новых попыток внутри тика.
func (d *Dispatcher) StaleExecuting(item *domain.ActionItem, now time.Time) bool {
	if item.Status != domain.StatusExecuting {
		return false
	}
	if item.LastAttemptAt == nil {
		// Записи без метки старта оставил процесс до ее введения
		return true
	}
	return now.Sub(*item.LastAttemptAt) > d.callTimeout
}

// RecoverExecuting добивает брошенную попытку: executing -> failed | dead.
// Попытка считается потраченной — внешний вызов мог уйти до падения,
// и повтор придет со следующим номером attempt.
func (d *Dispatcher) RecoverExecuting(ctx context.Context, item *domain.ActionItem) error {
	attempt := item.RetryCount
	cause := fmt.Errorf("attempt %d interrupted: process crashed while executing", attempt)
	terminal := attempt+1 >= d.maxAttempts

	d.logger.Warn("recovering item stranded in executing",
		zap.String("item_id", item.ID),
		zap.Int("attempt", attempt),
		zap.Bool("terminal", terminal))
	return d.finishFailed(ctx, item, attempt, cause, terminal)
}

// finishFailed фиксирует неудачную попытку: failed для повторяемых,
// dead при исчерпании бюджета или невосстановимом отказе.
func (d *Dispatcher) finishFailed(ctx context.Context, item *domain.ActionItem, attempt int, cause error, terminal bool) error {
	now := d.now().UTC()
	target := domain.StatusFailed
	if terminal {
		target = domain.StatusDead
	}

	if _, err := d.items.Transition(ctx, item.ID, target, func(it *domain.ActionItem) {
		it.RetryCount = attempt + 1
		it.LastAttemptAt = &now
		it.LastError = cause.Error()
	}); err != nil {
		return fmt.Errorf("dispatcher: failed to mark item %s: %w", target, err)
	}
	d.metrics.Transitions.WithLabelValues(string(target)).Inc()
	if terminal {
		d.metrics.DeadItems.Inc()
	}

	if _, err := d.auditor.Record(audit.EventFailed, item.ID, item.Kind, "engine", map[string]interface{}{
		"attempt":  attempt,
		"error":    cause.Error(),
		"terminal": terminal,
	}); err != nil {
		d.logger.Error("audit write failed for failed item", zap.String("item_id", item.ID), zap.Error(err))
		d.metrics.ErrorTotal.WithLabelValues("audit").Inc()
	}

	d.logger.Warn("dispatch attempt failed",
		zap.String("item_id", item.ID),
		zap.Int("attempt", attempt),
		zap.Bool("terminal", terminal),
		zap.Error(cause))
	return nil
}
