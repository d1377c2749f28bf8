package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

// Auditor — контракт для компонентов, фиксирующих факты жизненного цикла.
type Auditor interface {
	Record(eventType EventType, itemID string, kind domain.Kind, actor string, details map[string]interface{}) (string, error)
}

// Logger — дневной append-only журнал: одна запись = одна JSON-строка в
// файле audit-YYYY-MM-DD.jsonl. Запись синхронная: ошибка возвращается
// вызывающему (переход, не сумевший записать аудит, не должен примениться).
// Уже записанные строки никогда не перезаписываются и не переупорядочиваются.
type Logger struct {
	dir       string
	sanitizer *Sanitizer
	logger    *zap.Logger

	// Опциональное асинхронное зеркало (Postgres). Сбои зеркала не влияют
	// на результат Record.
	mirror *Mirror

	mu     sync.Mutex
	f      *os.File
	curDay string
	closed bool
}

// ErrClosed возвращается при Record после Close.
var ErrClosed = errors.New("audit: logger is closed")

var _ Auditor = (*Logger)(nil)

// Open создает журнал и директорию под него.
func Open(dir string, sanitizer *Sanitizer, logger *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: failed to create log dir: %w", err)
	}
	return &Logger{
		dir:       dir,
		sanitizer: sanitizer,
		logger:    logger.Named("audit"),
	}, nil
}

// AttachMirror подключает асинхронное зеркало (best-effort).
func (l *Logger) AttachMirror(m *Mirror) {
	l.mu.Lock()
	l.mirror = m
	l.mu.Unlock()
}

// Record санитизирует details и дописывает запись в журнал текущего дня.
func (l *Logger) Record(eventType EventType, itemID string, kind domain.Kind, actor string, details map[string]interface{}) (string, error) {
	now := time.Now().UTC()
	entry := Entry{
		// Временная метка + случайный суффикс: ID монотонно обнаруживаемы
		// при последовательном чтении журнала
		EntryID:      fmt.Sprintf("%s-%s", now.Format("20060102T150405.000000000Z"), uuid.NewString()[:8]),
		Timestamp:    now,
		EventType:    eventType,
		ActionItemID: itemID,
		ActionKind:   kind,
		Actor:        actor,
		Details:      l.sanitizer.Sanitize(details),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("audit: failed to marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(now); err != nil {
		return "", err
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("audit: failed to append entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return "", fmt.Errorf("audit: failed to sync log: %w", err)
	}

	if l.mirror != nil {
		l.mirror.Log(entry)
	}
	return entry.EntryID, nil
}

// rotateLocked открывает файл нужного дня при первом обращении и при
// смене даты.
func (l *Logger) rotateLocked(now time.Time) error {
	if l.closed {
		return ErrClosed
	}
	day := now.Format("2006-01-02")
	if l.f != nil && day == l.curDay {
		return nil
	}
	if l.f != nil {
		_ = l.f.Close()
	}

	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: failed to open day file: %w", err)
	}
	l.f = f
	l.curDay = day
	l.logger.Info("audit day file opened", zap.String("path", path))
	return nil
}

// Close завершает работу журнала. Новые Record после Close возвращают
// ErrClosed, файл заново не открывается.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	l.curDay = ""
	return err
}
