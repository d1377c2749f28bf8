package dedup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

func TestIdentityStableAndContentSensitive(t *testing.T) {
	msg := domain.Payload{Sender: "a@example.com", Subject: "hi", Body: "text"}

	// Повторная доставка того же события — та же идентичность
	assert.Equal(t, Identity(domain.KindMessage, msg), Identity(domain.KindMessage, msg))

	// Изменение содержимого меняет идентичность
	changed := msg
	changed.Body = "text v2"
	assert.NotEqual(t, Identity(domain.KindMessage, msg), Identity(domain.KindMessage, changed))

	// Provider message id перекрывает содержимое
	withID := msg
	withID.Extra = map[string]string{"message_id": "m-42"}
	redelivered := domain.Payload{Sender: "a@example.com", Subject: "edited", Body: "other",
		Extra: map[string]string{"message_id": "m-42"}}
	assert.Equal(t, Identity(domain.KindMessage, withID), Identity(domain.KindMessage, redelivered))

	// file_drop: перезапись файла (другой mtime/size) — другая идентичность
	f1 := domain.Payload{Target: "/drop/report.csv", Extra: map[string]string{"size": "10", "mtime": "1000"}}
	f2 := domain.Payload{Target: "/drop/report.csv", Extra: map[string]string{"size": "12", "mtime": "2000"}}
	assert.NotEqual(t, Identity(domain.KindFileDrop, f1), Identity(domain.KindFileDrop, f2))

	// Разные kind не пересекаются даже при похожем содержимом
	assert.NotEqual(t, Identity(domain.KindMessage, msg), Identity(domain.KindScheduled, msg))
}

func TestFileTrackerWriteThrough(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "known_ids")

	tr, err := NewFileTracker(path, zap.NewNop())
	require.NoError(t, err)

	known, err := tr.IsKnown(ctx, "id-1")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, tr.MarkKnown(ctx, "id-1"))
	require.NoError(t, tr.MarkKnown(ctx, "id-1")) // повторный mark безвреден

	known, err = tr.IsKnown(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, known)
	require.NoError(t, tr.Close())

	// Состояние переживает рестарт процесса
	tr2, err := NewFileTracker(path, zap.NewNop())
	require.NoError(t, err)
	defer tr2.Close()

	known, err = tr2.IsKnown(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, known)

	require.NoError(t, tr2.MarkKnown(ctx, "id-2"))
	require.NoError(t, tr2.Reset(ctx))

	for _, id := range []string{"id-1", "id-2"} {
		known, err = tr2.IsKnown(ctx, id)
		require.NoError(t, err)
		assert.False(t, known, id)
	}
}
