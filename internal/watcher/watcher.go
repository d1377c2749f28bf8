package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/producer"
	"go.uber.org/zap"
)

const debounceDelay = 200 * time.Millisecond

// DropWatcher следит за входной директорией и превращает появившиеся
// файлы в file_drop события. Идентичность события = путь + размер +
// mtime, поэтому дозапись в файл после дебаунса породит новое событие,
// а повторный скан того же файла — нет.
type DropWatcher struct {
	dir      string
	producer *producer.Producer
	watcher  *fsnotify.Watcher
	logger   *zap.Logger

	mu       sync.Mutex
	debounce map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDropWatcher создает директорию при необходимости и начинает слушать.
func NewDropWatcher(dir string, p *producer.Producer, logger *zap.Logger) (*DropWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("watcher: failed to create drop dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watcher: failed to watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dw := &DropWatcher{
		dir:      dir,
		producer: p,
		watcher:  fw,
		logger:   logger.Named("dropwatcher"),
		debounce: make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}

	dw.wg.Add(1)
	go dw.run()

	return dw, nil
}

// ScanExisting прогоняет файлы, лежавшие в директории до старта.
// Дедупликация отсеет уже известные.
func (dw *DropWatcher) ScanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(dw.dir)
	if err != nil {
		return fmt.Errorf("watcher: failed to scan drop dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || ignored(e.Name()) {
			continue
		}
		dw.submit(ctx, filepath.Join(dw.dir, e.Name()))
	}
	return nil
}

func (dw *DropWatcher) Close() error {
	dw.cancel()

	dw.mu.Lock()
	for _, timer := range dw.debounce {
		timer.Stop()
	}
	dw.mu.Unlock()

	err := dw.watcher.Close()
	dw.wg.Wait()
	return err
}

func (dw *DropWatcher) run() {
	defer dw.wg.Done()

	for {
		select {
		case <-dw.ctx.Done():
			return
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			dw.handleEvent(event)
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (dw *DropWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	if ignored(filepath.Base(event.Name)) {
		return
	}

	// Дебаунс: пишущий процесс может дергать Write много раз подряд,
	// событие уходит после паузы в записи
	dw.mu.Lock()
	if timer, exists := dw.debounce[event.Name]; exists {
		timer.Stop()
	}
	path := event.Name
	dw.debounce[path] = time.AfterFunc(debounceDelay, func() {
		dw.mu.Lock()
		delete(dw.debounce, path)
		dw.mu.Unlock()
		dw.submit(dw.ctx, path)
	})
	dw.mu.Unlock()
}

func (dw *DropWatcher) submit(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		// Файл успел исчезнуть — события нет
		return
	}

	payload := domain.Payload{
		Subject: filepath.Base(path),
		Target:  path,
		Extra: map[string]string{
			"size":  strconv.FormatInt(info.Size(), 10),
			"mtime": info.ModTime().UTC().Format(time.RFC3339Nano),
		},
	}

	item, created, err := dw.producer.SubmitEvent(ctx, domain.KindFileDrop, payload)
	if err != nil {
		dw.logger.Error("failed to submit file drop", zap.String("path", path), zap.Error(err))
		return
	}
	if created {
		dw.logger.Info("file drop registered", zap.String("path", path), zap.String("item_id", item.ID))
	}
}

// ignored отсекает служебные и временные файлы.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".lock") ||
		strings.HasSuffix(name, "~")
}
