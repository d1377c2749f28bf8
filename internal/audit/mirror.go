package audit

/*
Mirror — асинхронное зеркало журнала аудита во внешнее хранилище (Postgres).

Первичный журнал — дневные файлы (Logger): только их запись участвует в
логической транзакции перехода. Зеркало живет сбоку и по построению
best-effort:
- Non-blocking: передача событий через буферизованный канал, задержки
  внешнего хранилища не влияют на горячий путь движка.
- Batching: накопление в памяти и пакетная запись по таймеру или при
  достижении лимита.
- Drain Pattern: при остановке канал запирается, воркер вычитывает остатки
  и делает финальный flush, затем выходит.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const mirrorBatchSize = 100

// BatchSink определяет, куда физически уезжают пачки записей.
type BatchSink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

type Mirror struct {
	ch       chan Entry
	sink     BatchSink
	logger   *zap.Logger
	flushIv  time.Duration
	wg       sync.WaitGroup
	isClosed int32 // Атомарный флаг: защита от Log после остановки
}

func NewMirror(sink BatchSink, bufferSize int, flushInterval time.Duration, logger *zap.Logger) *Mirror {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Mirror{
		ch:      make(chan Entry, bufferSize),
		sink:    sink,
		logger:  logger.Named("audit-mirror"),
		flushIv: flushInterval,
	}
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет.
func (m *Mirror) Stop() {
	atomic.StoreInt32(&m.isClosed, 1)

	// Крошечная пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	m.logger.Info("stopping mirror: closing channel and flushing buffer...")
	close(m.ch)
	m.wg.Wait()
	m.logger.Info("mirror stopped gracefully")
}

// Log неблокирующе передает запись воркеру. При переполнении буфера
// применяется Load Shedding: событие дропается с пометкой в логе — зеркало
// не имеет права тормозить или валить основной журнал.
func (m *Mirror) Log(entry Entry) {
	if atomic.LoadInt32(&m.isClosed) == 1 {
		m.logger.Warn("mirror event dropped: mirror is stopping", zap.String("entry_id", entry.EntryID))
		return
	}

	select {
	case m.ch <- entry:
	default:
		m.logger.Error("mirror_buffer_overflow",
			zap.String("entry_id", entry.EntryID),
			zap.String("action_item_id", entry.ActionItemID),
		)
	}
}

// Fill — текущая заполненность буфера (для метрик).
func (m *Mirror) Fill() int {
	return len(m.ch)
}

func (m *Mirror) worker() {
	defer m.wg.Done()

	batch := make([]Entry, 0, mirrorBatchSize)
	ticker := time.NewTicker(m.flushIv)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к моменту финального flush
			// может быть уже закрыт
			if err := m.sink.WriteBatch(context.Background(), batch); err != nil {
				m.logger.Error("mirror flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-m.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный flush
				flush()
				m.logger.Info("mirror worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= mirrorBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
