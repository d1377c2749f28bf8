package producer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/dedup"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

type memAuditor struct {
	requested int
}

func (a *memAuditor) Record(et audit.EventType, itemID string, kind domain.Kind, actor string, details map[string]interface{}) (string, error) {
	if et == audit.EventRequested {
		a.requested++
	}
	return "e", nil
}

func newProducerFixture(t *testing.T, tracker dedup.Tracker) (*Producer, *store.FSStore, *memAuditor) {
	t.Helper()
	fs, err := store.NewFSStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	if tracker == nil {
		tracker, err = dedup.NewFileTracker(filepath.Join(t.TempDir(), "known.ids"), zap.NewNop())
		require.NoError(t, err)
	}
	auditor := &memAuditor{}
	return New("mail", fs, tracker, auditor, zap.NewNop()), fs, auditor
}

// Одно и то же логическое событие N раз подряд дает ровно один элемент.
func TestSubmitEventDeduplicates(t *testing.T) {
	p, fs, auditor := newProducerFixture(t, nil)
	ctx := context.Background()

	payload := domain.Payload{Sender: "a@example.com", Subject: "invoice", Body: "URGENT please help"}

	item, created, err := p.SubmitEvent(ctx, domain.KindMessage, payload)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, item)
	assert.Equal(t, domain.StatusPending, item.Status)

	for i := 0; i < 5; i++ {
		dup, created, err := p.SubmitEvent(ctx, domain.KindMessage, payload)
		require.NoError(t, err)
		assert.False(t, created)
		require.NotNil(t, dup)
		assert.Equal(t, item.ID, dup.ID)
	}

	pending, err := fs.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, 1, auditor.requested)
}

func TestSubmitEventDistinctPayloads(t *testing.T) {
	p, fs, _ := newProducerFixture(t, nil)
	ctx := context.Background()

	_, created, err := p.SubmitEvent(ctx, domain.KindMessage, domain.Payload{Sender: "a@x.test", Subject: "one", Body: "b"})
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = p.SubmitEvent(ctx, domain.KindMessage, domain.Payload{Sender: "a@x.test", Subject: "two", Body: "b"})
	require.NoError(t, err)
	require.True(t, created)

	pending, err := fs.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

// brokenTracker имитирует отказавший бэкенд дедупликации.
type brokenTracker struct{}

func (brokenTracker) IsKnown(ctx context.Context, id string) (bool, error) {
	return false, errors.New("backend down")
}
func (brokenTracker) MarkKnown(ctx context.Context, id string) error { return errors.New("backend down") }
func (brokenTracker) Reset(ctx context.Context) error                { return errors.New("backend down") }

// Отказ трекера не блокирует прием событий (fail open), а стор все равно
// не дает расплодить дубликаты одного ID.
func TestSubmitEventFailsOpenOnTrackerError(t *testing.T) {
	p, fs, _ := newProducerFixture(t, brokenTracker{})
	ctx := context.Background()

	payload := domain.Payload{Sender: "a@x.test", Subject: "s", Body: "b"}

	_, created, err := p.SubmitEvent(ctx, domain.KindMessage, payload)
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := p.SubmitEvent(ctx, domain.KindMessage, payload)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, dup)

	pending, err := fs.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
