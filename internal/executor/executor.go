package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/opsgate/internal/domain"
)

// Result — исход одного вызова внешнего исполнителя.
type Result struct {
	Success   bool   `json:"success"`
	ResultRef string `json:"result_ref,omitempty"` // ID/ссылка на артефакт во внешней системе
	Error     string `json:"error,omitempty"`
}

// Executor — внешний per-kind исполнитель. Вызов синхронный, ограничен
// таймаутом вызывающей стороны. attempt — текущий retry_count элемента:
// он включается в вызов, чтобы внешняя система могла дедуплицировать
// повтор после падения между side effect и локальным переходом.
type Executor interface {
	Execute(ctx context.Context, item *domain.ActionItem, attempt int) (Result, error)
}

// PermanentError — внешняя система явно отвергла действие (кривой
// получатель, несуществующий ресурс). Повторы бессмысленны: элемент
// уходит в dead без расхода оставшихся попыток.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// Retryable сообщает диспетчеру, что попытки продолжать не нужно.
func (e *PermanentError) Retryable() bool { return false }

// ThrottleError — внешняя система попросила притормозить (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// IsPermanent — является ли ошибка невосстановимой (Retryable()==false).
func IsPermanent(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}

// ErrUnknownKind — для типа элемента не зарегистрирован исполнитель.
var ErrUnknownKind = errors.New("executor: no executor registered for kind")

// Registry — таблица исполнителей по типу элемента.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.Kind]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.Kind]Executor)}
}

func (r *Registry) Register(kind domain.Kind, ex Executor) {
	r.mu.Lock()
	r.executors[kind] = ex
	r.mu.Unlock()
}

func (r *Registry) Lookup(kind domain.Kind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return ex, nil
}
