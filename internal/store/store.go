package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/opsgate/internal/domain"
)

var (
	ErrNotFound      = errors.New("store: item not found")
	ErrAlreadyExists = errors.New("store: item already exists")
)

// CorruptRecordError — метаданные на диске не читаются или не проходят схему.
// Такая запись уходит в карантин invalid, но никогда не валит скан целиком.
type CorruptRecordError struct {
	Path  string
	Cause error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("store: corrupt record at %s: %v", e.Path, e.Cause)
}

func (e *CorruptRecordError) Unwrap() error { return e.Cause }

// Store — durable-представление ActionItem. Текущее состояние элемента
// принадлежит стору целиком: физическое размещение и есть статус.
// Бэкенд (директории, KV, реляционная таблица) — деталь реализации.
type Store interface {
	// Create сохраняет новый элемент в состоянии pending.
	Create(ctx context.Context, item *domain.ActionItem) error

	// Get находит элемент по ID независимо от текущего состояния.
	Get(ctx context.Context, id string) (*domain.ActionItem, error)

	// Transition атомарно переводит элемент в новое состояние, применяя patch
	// к метаданным. Порядок: записать новое представление, удалить старое —
	// падение посредине оставляет элемент видимым в обоих местах, и
	// следующий скан сам восстановится (авторитетна более поздняя копия).
	Transition(ctx context.Context, id string, to domain.Status, patch func(*domain.ActionItem)) (*domain.ActionItem, error)

	// Revert — компенсация: возврат элемента в предыдущее состояние в обход
	// графа переходов. Используется только для отката решения, которое не
	// удалось зафиксировать в аудите; обычный код обязан ходить через
	// Transition.
	Revert(ctx context.Context, id string, to domain.Status, patch func(*domain.ActionItem)) (*domain.ActionItem, error)

	// List возвращает все элементы в данном состоянии в порядке листинга
	// директории. Глобальный порядок по приоритету не гарантируется.
	List(ctx context.Context, status domain.Status) ([]*domain.ActionItem, error)

	// Counts — сводка по состояниям для операционного API.
	Counts(ctx context.Context) (map[domain.Status]int, error)
}

// ApprovalStore — durable-хранилище конвертов решений HITL.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, rec *domain.ApprovalRecord) error
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRecord, error)
	// ListApprovals фильтрует по состоянию решения; пустая строка — все.
	ListApprovals(ctx context.Context, decision domain.Decision) ([]*domain.ApprovalRecord, error)
}
