package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xela07ax/opsgate/internal/domain"
)

// MockExecutor — имитация внешних систем для локальных запусков и тестов.
// Поведение зависит от payload.target:
//
//	"unstable"  — всегда транзиентный отказ
//	"forbidden" — PermanentError, повторы не нужны
//	"busy"      — ThrottleError с Retry-After
//
// остальные цели отвечают успехом с canned-результатом по типу элемента.
type MockExecutor struct {
	// Latency имитирует сетевую задержку; 0 — мгновенный ответ (тесты)
	Latency time.Duration
}

var _ Executor = (*MockExecutor)(nil)

func (m *MockExecutor) Execute(ctx context.Context, item *domain.ActionItem, attempt int) (Result, error) {
	if m.Latency > 0 {
		// Джиттер 0.5x..1.5x заявленной задержки
		jitter := m.Latency/2 + time.Duration(rand.Int64N(int64(m.Latency)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	switch item.Payload.Target {
	case "unstable":
		return Result{}, fmt.Errorf("target system internal error")
	case "forbidden":
		return Result{}, &PermanentError{Cause: fmt.Errorf("recipient rejected by target system")}
	case "busy":
		return Result{}, &ThrottleError{RetryAfter: 50 * time.Millisecond, Cause: fmt.Errorf("429 too many requests")}
	}

	switch item.Kind {
	case domain.KindMessage:
		return Result{Success: true, ResultRef: fmt.Sprintf("msg-%s-%d", item.ID, attempt)}, nil
	case domain.KindFileDrop:
		return Result{Success: true, ResultRef: fmt.Sprintf("file-%s", item.ID)}, nil
	case domain.KindScheduled:
		return Result{Success: true, ResultRef: fmt.Sprintf("job-%s-%d", item.ID, attempt)}, nil
	default:
		return Result{}, &PermanentError{Cause: fmt.Errorf("kind %s not supported", item.Kind)}
	}
}

// RegisterMocks заполняет реестр имитациями для всех известных типов.
func RegisterMocks(reg *Registry, latency time.Duration) {
	mock := &MockExecutor{Latency: latency}
	for _, k := range []domain.Kind{domain.KindMessage, domain.KindFileDrop, domain.KindScheduled} {
		reg.Register(k, mock)
	}
}
