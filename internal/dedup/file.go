package dedup

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileTracker — множество известных идентичностей в append-only файле,
// по одной на строку. Каждый продюсер владеет своим файлом, поэтому
// межпроцессный лок не нужен.
type FileTracker struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}
	f     *os.File
}

var _ Tracker = (*FileTracker)(nil)

// NewFileTracker загружает существующее множество и держит файл открытым
// на дозапись.
func NewFileTracker(path string, logger *zap.Logger) (*FileTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dedup: failed to create state dir: %w", err)
	}

	known := make(map[string]struct{})
	if data, err := os.ReadFile(path); err == nil {
		sc := bufio.NewScanner(strings.NewReader(string(data)))
		for sc.Scan() {
			if id := strings.TrimSpace(sc.Text()); id != "" {
				known[id] = struct{}{}
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("dedup: failed to read state file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dedup: failed to open state file: %w", err)
	}

	return &FileTracker{
		path:   path,
		logger: logger.Named("dedup"),
		known:  known,
		f:      f,
	}, nil
}

func (t *FileTracker) IsKnown(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.known[id]
	return ok, nil
}

func (t *FileTracker) MarkKnown(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.known[id]; ok {
		return nil
	}

	// Сначала диск, потом память: падение между ними оставит отметку на
	// диске, и после рестарта дубликат не проскочит
	if _, err := t.f.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("dedup: failed to append id: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("dedup: failed to sync state file: %w", err)
	}
	t.known[id] = struct{}{}
	return nil
}

func (t *FileTracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.f.Truncate(0); err != nil {
		return fmt.Errorf("dedup: failed to truncate state file: %w", err)
	}
	if _, err := t.f.Seek(0, 0); err != nil {
		return fmt.Errorf("dedup: failed to rewind state file: %w", err)
	}
	t.known = make(map[string]struct{})
	t.logger.Info("dedup state reset", zap.String("path", t.path))
	return nil
}

func (t *FileTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
