package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func newItem(id string) *domain.ActionItem {
	return &domain.ActionItem{
		ID:   id,
		Kind: domain.KindMessage,
		Payload: domain.Payload{
			Sender:  "a@example.com",
			Subject: "hello",
			Body:    "please reply",
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestFSStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := newItem("item-1")
	require.NoError(t, s.Create(ctx, item))
	assert.Equal(t, domain.StatusPending, item.Status)

	got, err := s.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "a@example.com", got.Payload.Sender)
	assert.Equal(t, domain.PayloadSchemaVersion, got.SchemaVersion)

	assert.ErrorIs(t, s.Create(ctx, newItem("item-1")), ErrAlreadyExists)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreTransitionMovesRepresentation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newItem("item-1")))

	got, err := s.Transition(ctx, "item-1", domain.StatusAwaitingDecision, func(it *domain.ActionItem) {
		it.RiskLevel = domain.LevelMedium
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingDecision, got.Status)
	assert.Equal(t, domain.LevelMedium, got.RiskLevel)

	// Файл уехал из pending в awaiting_decision, имя сохранилось
	assert.NoFileExists(t, s.itemPath(domain.StatusPending, "item-1"))
	assert.FileExists(t, s.itemPath(domain.StatusAwaitingDecision, "item-1"))

	// Переход со скачком через состояния запрещен
	_, err = s.Transition(ctx, "item-1", domain.StatusExecuted, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFSStorePatchCannotOverrideStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newItem("item-1")))
	got, err := s.Transition(ctx, "item-1", domain.StatusApproved, func(it *domain.ActionItem) {
		it.Status = domain.StatusExecuted // игнорируется
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
}

func TestFSStoreSelfHealsAfterCrashMidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newItem("item-1")))
	_, err := s.Transition(ctx, "item-1", domain.StatusApproved, nil)
	require.NoError(t, err)

	// Имитируем падение между записью и удалением: старая копия осталась
	stale := newItem("item-1")
	stale.SchemaVersion = domain.PayloadSchemaVersion
	stale.Status = domain.StatusPending
	require.NoError(t, s.writeItem(s.itemPath(domain.StatusPending, "item-1"), stale))

	// Get видит авторитетную (более позднюю) копию
	got, err := s.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)

	// Скан pending вычищает отставший след и не возвращает дубликат
	items, err := s.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoFileExists(t, s.itemPath(domain.StatusPending, "item-1"))

	items, err = s.List(ctx, domain.StatusApproved)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)
}

func TestFSStoreSelfHealsInsideRetryCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Доводим элемент до failed первого витка (retry_count не меняется
	// на шаге failed -> retrying, ранги решают пару без счетчика)
	require.NoError(t, s.Create(ctx, newItem("item-1")))
	_, err := s.Transition(ctx, "item-1", domain.StatusApproved, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "item-1", domain.StatusExecuting, nil)
	require.NoError(t, err)
	failed, err := s.Transition(ctx, "item-1", domain.StatusFailed, func(it *domain.ActionItem) {
		it.RetryCount = 1
		it.LastError = "boom"
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, "item-1", domain.StatusRetrying, nil)
	require.NoError(t, err)

	// Падение между записью retrying и удалением failed: старая копия
	// с тем же retry_count вернулась на диск
	stale := *failed
	require.NoError(t, s.writeItem(s.itemPath(domain.StatusFailed, "item-1"), &stale))

	// Авторитетна копия retrying, а не failed
	got, err := s.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)

	// Скан failed вычищает отставший след, retrying остается
	items, err := s.List(ctx, domain.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoFileExists(t, s.itemPath(domain.StatusFailed, "item-1"))

	items, err = s.List(ctx, domain.StatusRetrying)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)

	// Следующий виток: failed со счетчиком 2 бьет retrying со счетчиком 1
	next := *failed
	next.RetryCount = 2
	require.NoError(t, s.writeItem(s.itemPath(domain.StatusFailed, "item-1"), &next))

	got, err = s.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestFSStoreQuarantinesCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newItem("good")))
	// Подкладываем мусор прямо в директорию состояния
	bad := s.itemPath(domain.StatusPending, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	items, err := s.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "good", items[0].ID)

	// Битая запись не потеряна: лежит в карантине для ручного разбора
	ids, err := s.InvalidIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "bad")
}

func TestFSStoreRejectsFutureSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := newItem("future")
	require.NoError(t, s.Create(ctx, item))

	// Поднимаем версию схемы выше поддерживаемой
	path := s.itemPath(domain.StatusPending, "future")
	raw := `{"schema_version": 99, "id": "future", "kind": "message", "status": "pending", "payload": {}, "created_at": "2026-01-01T00:00:00Z", "retry_count": 0}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	items, err := s.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, items)

	ids, err := s.InvalidIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "future")
}

func TestFSStoreCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newItem("a")))
	require.NoError(t, s.Create(ctx, newItem("b")))
	_, err := s.Transition(ctx, "a", domain.StatusApproved, nil)
	require.NoError(t, err)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusPending])
	assert.Equal(t, 1, counts[domain.StatusApproved])
	assert.Equal(t, 0, counts[domain.StatusDead])
}

func TestFSStoreApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.ApprovalRecord{
		ID:           "rec-1",
		ActionItemID: "item-1",
		Decision:     domain.DecisionPending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveApproval(ctx, rec))

	got, err := s.GetApproval(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", got.ActionItemID)

	_, err = s.GetApproval(ctx, "rec-404")
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := s.ListApprovals(ctx, domain.DecisionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	approved, err := s.ListApprovals(ctx, domain.DecisionApproved)
	require.NoError(t, err)
	assert.Empty(t, approved)

	// Нечитаемый конверт пропускается, листинг не падает
	require.NoError(t, os.WriteFile(filepath.Join(s.root, approvalsDir, "junk.json"), []byte("???"), 0o644))
	pending, err = s.ListApprovals(ctx, domain.DecisionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
