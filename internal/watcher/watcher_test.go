package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/dedup"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/producer"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

type nopAuditor struct{}

func (nopAuditor) Record(et audit.EventType, itemID string, kind domain.Kind, actor string, details map[string]interface{}) (string, error) {
	return "e", nil
}

func newWatcherFixture(t *testing.T) (*DropWatcher, *store.FSStore, string) {
	t.Helper()
	fs, err := store.NewFSStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	tracker, err := dedup.NewFileTracker(filepath.Join(t.TempDir(), "known.ids"), zap.NewNop())
	require.NoError(t, err)
	p := producer.New("dropwatch", fs, tracker, nopAuditor{}, zap.NewNop())

	dropDir := t.TempDir()
	dw, err := NewDropWatcher(dropDir, p, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dw.Close() })
	return dw, fs, dropDir
}

func pendingCount(t *testing.T, fs *store.FSStore) int {
	t.Helper()
	items, err := fs.List(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	return len(items)
}

func TestDropWatcherPicksUpNewFile(t *testing.T) {
	_, fs, dropDir := newWatcherFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "report.csv"), []byte("a,b,c\n"), 0o644))

	require.Eventually(t, func() bool {
		items, err := fs.List(context.Background(), domain.StatusPending)
		return err == nil && len(items) == 1
	}, 3*time.Second, 50*time.Millisecond)

	items, err := fs.List(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	item := items[0]
	assert.Equal(t, domain.KindFileDrop, item.Kind)
	assert.Equal(t, "report.csv", item.Payload.Subject)
	assert.Equal(t, "6", item.Payload.Extra["size"])
	assert.NotEmpty(t, item.Payload.Extra["mtime"])
}

func TestDropWatcherIgnoresTempFiles(t *testing.T) {
	_, fs, dropDir := newWatcherFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "draft.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, ".hidden"), []byte("x"), 0o644))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, pendingCount(t, fs))
}

func TestDropWatcherScanExisting(t *testing.T) {
	dw, fs, dropDir := newWatcherFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "old-1.csv"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "old-2.csv"), []byte("2"), 0o644))

	require.NoError(t, dw.ScanExisting(context.Background()))

	require.Eventually(t, func() bool {
		return pendingCountQuiet(fs) == 2
	}, 3*time.Second, 50*time.Millisecond)

	// Повторный скан не плодит дубликатов
	require.NoError(t, dw.ScanExisting(context.Background()))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, pendingCount(t, fs))
}

func pendingCountQuiet(fs *store.FSStore) int {
	items, err := fs.List(context.Background(), domain.StatusPending)
	if err != nil {
		return -1
	}
	return len(items)
}
