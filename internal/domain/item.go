package domain

import (
	"errors"
	"time"
)

// Kind — тип источника, породившего единицу работы.
type Kind string

const (
	KindFileDrop  Kind = "file_drop"
	KindMessage   Kind = "message"
	KindScheduled Kind = "scheduled"
)

// Status — состояния State Machine жизненного цикла ActionItem
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingDecision Status = "awaiting_decision"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusExecuting        Status = "executing"
	StatusExecuted         Status = "executed"
	StatusFailed           Status = "failed"
	StatusRetrying         Status = "retrying"
	StatusDead             Status = "dead"

	// StatusInvalid — не участвует в графе переходов: карантин для записей
	// с битыми метаданными, которые ждут ручного разбора.
	StatusInvalid Status = "invalid"
)

// Level — шкала для приоритета и риска.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminalStatus    = errors.New("item is in terminal status")
)

// transitions — табличное описание графа жизненного цикла.
// Любой переход, которого нет в таблице, запрещен: состояния не перескакиваются.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingDecision, StatusApproved, StatusRejected},
	StatusAwaitingDecision: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusExecuted, StatusFailed, StatusDead},
	StatusFailed:           {StatusRetrying, StatusDead},
	StatusRetrying:         {StatusExecuting},
}

// Terminal сообщает, является ли статус конечным (дальше движения нет).
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusDead, StatusInvalid:
		return true
	}
	return false
}

// Known проверяет, что строка вообще является статусом жизненного цикла.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusAwaitingDecision, StatusApproved, StatusRejected,
		StatusExecuting, StatusExecuted, StatusFailed, StatusRetrying, StatusDead, StatusInvalid:
		return true
	}
	return false
}

// Rank — позиция статуса вдоль жизненного цикла при равном retry_count.
// Сам по себе ранг не упорядочивает цикл повторов (failed -> retrying ->
// executing -> failed): авторитетность дисковой копии решает Newer, где
// главный признак — счетчик попыток, а ранг добивает остальные пары.
func (s Status) Rank() int {
	order := []Status{
		StatusPending, StatusAwaitingDecision, StatusApproved, StatusRejected,
		StatusFailed, StatusRetrying, StatusExecuting, StatusExecuted, StatusDead,
	}
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Newer сообщает, является ли копия a более поздней, чем копия b того же
// элемента. Нужна стору для самовосстановления: после падения посреди
// перехода элемент виден в двух директориях, и выживает более поздняя
// копия. Переходы executing -> failed/dead увеличивают retry_count,
// поэтому счетчик сравнивается первым; внутри одного витка цикла повторов
// счетчик не меняется, и пару упорядочивает Rank (failed < retrying <
// executing).
func Newer(a, b *ActionItem) bool {
	if a.RetryCount != b.RetryCount {
		return a.RetryCount > b.RetryCount
	}
	return a.Status.Rank() > b.Status.Rank()
}

// CanTransition проверяет правила конечного автомата.
func CanTransition(from, to Status) error {
	if from.Terminal() {
		return ErrTerminalStatus
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Payload — типо-специфичные поля события плюс свободный текст (Body).
// Структура версионируется (SchemaVersion) вместо динамического разбора
// key/value блоков: при несовпадении схемы запись уходит в карантин.
type Payload struct {
	Sender  string            `json:"sender,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Target  string            `json:"target,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// PayloadSchemaVersion — текущая версия схемы метаданных ActionItem на диске.
const PayloadSchemaVersion = 1

// ActionItem — одна единица работы, проходящая весь жизненный цикл.
type ActionItem struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	Status        Status `json:"status"`

	// Priority и RiskLevel вычисляются один раз на этапе triage и дальше
	// не пересчитываются.
	Priority         Level `json:"priority"`
	RiskLevel        Level `json:"risk_level"`
	ApprovalRequired bool  `json:"approval_required"`

	Payload Payload `json:"payload"`

	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`

	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}
