package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xela07ax/opsgate/internal/domain"
)

// Tracker помнит, какие идентичности уже превращались в ActionItem.
//
// Гарантия подавления дубликатов — best-effort, а не строгий exactly-once:
// последовательность check-then-mark не атомарна между процессами, поэтому
// при гонке конкурентных продюсеров возможен дубликат (но не потеря события).
type Tracker interface {
	IsKnown(ctx context.Context, id string) (bool, error)

	// MarkKnown персистит идентичность сквозной записью (write-through),
	// не батчингом: падение после mark никогда не теряет отметку.
	MarkKnown(ctx context.Context, id string) error

	// Reset — административный сброс всего множества.
	Reset(ctx context.Context) error
}

// Identity вычисляет стабильную content-derived идентичность события.
// Функция чистая: повторная доставка того же логического события дает тот же
// ID, изменение содержимого (перезаписанный файл, другой текст) — другой.
func Identity(kind domain.Kind, p domain.Payload) string {
	var parts []string
	switch kind {
	case domain.KindFileDrop:
		// Путь + размер + mtime: перезапись файла меняет идентичность
		parts = []string{string(kind), p.Target, p.Extra["size"], p.Extra["mtime"]}
	case domain.KindMessage:
		// Если источник выдал свой message id — он и есть идентичность
		if mid := p.Extra["message_id"]; mid != "" {
			parts = []string{string(kind), mid}
		} else {
			parts = []string{string(kind), p.Sender, p.Subject, p.Body}
		}
	case domain.KindScheduled:
		// У планового события нет ни файла, ни провайдера: ключ — что,
		// кому и на какую дату
		parts = []string{string(kind), p.Target, p.Subject, p.Extra["scheduled_for"]}
	default:
		parts = []string{string(kind), p.Sender, p.Subject, p.Target, p.Body}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return fmt.Sprintf("%s-%s", kind, hex.EncodeToString(sum[:])[:24])
}
