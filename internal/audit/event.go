package audit

import (
	"time"

	"github.com/xela07ax/opsgate/internal/domain"
)

// EventType — типы фактов жизненного цикла, попадающих в журнал.
type EventType string

const (
	EventRequested EventType = "requested"
	EventApproved  EventType = "approved"
	EventRejected  EventType = "rejected"
	EventExecuted  EventType = "executed"
	EventFailed    EventType = "failed"
)

// Entry — один неизменяемый факт об одном событии жизненного цикла.
// Журнал — независимый от стора источник правды: элементы можно удалять
// из стора, след остается.
type Entry struct {
	EntryID      string                 `json:"entry_id"` // Сортируемый по времени: ts + случайный суффикс
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	ActionItemID string                 `json:"action_item_id"`
	ActionKind   domain.Kind            `json:"action_kind,omitempty"`
	Actor        string                 `json:"actor"`
	Details      map[string]interface{} `json:"details,omitempty"` // Всегда после санитайзера
}
