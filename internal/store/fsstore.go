package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

const (
	itemExt      = ".json"
	approvalsDir = "approvals"
)

// lifecycleDirs — директории-состояния. Имя директории и есть статус.
var lifecycleDirs = []domain.Status{
	domain.StatusPending,
	domain.StatusAwaitingDecision,
	domain.StatusApproved,
	domain.StatusRejected,
	domain.StatusExecuting,
	domain.StatusExecuted,
	domain.StatusFailed,
	domain.StatusRetrying,
	domain.StatusDead,
	domain.StatusInvalid,
}

// FSStore — реализация Store поверх дерева директорий.
// Один элемент = один файл <id>.json; переход = запись в новую директорию
// и удаление из старой. Центральный лок не нужен между процессами:
// переходы идемпотентны при повторном скане. Мьютекс защищает только
// конкурентные горутины внутри одного процесса.
type FSStore struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

var _ Store = (*FSStore)(nil)
var _ ApprovalStore = (*FSStore)(nil)

// NewFSStore создает дерево директорий-состояний, если его еще нет.
func NewFSStore(root string, logger *zap.Logger) (*FSStore, error) {
	for _, st := range lifecycleDirs {
		if err := os.MkdirAll(filepath.Join(root, string(st)), 0o755); err != nil {
			return nil, fmt.Errorf("store: failed to create state dir %s: %w", st, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, approvalsDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: failed to create approvals dir: %w", err)
	}
	return &FSStore{root: root, logger: logger.Named("fsstore")}, nil
}

func (s *FSStore) itemPath(status domain.Status, id string) string {
	return filepath.Join(s.root, string(status), id+itemExt)
}

func (s *FSStore) Create(ctx context.Context, item *domain.ActionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		return fmt.Errorf("store: item id is required")
	}
	if _, _, err := s.locate(item.ID); err == nil {
		return ErrAlreadyExists
	}

	item.SchemaVersion = domain.PayloadSchemaVersion
	item.Status = domain.StatusPending
	return s.writeItem(s.itemPath(domain.StatusPending, item.ID), item)
}

func (s *FSStore) Get(ctx context.Context, id string) (*domain.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, _, err := s.locate(id)
	return item, err
}

func (s *FSStore) Transition(ctx context.Context, id string, to domain.Status, patch func(*domain.ActionItem)) (*domain.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}

	if err := domain.CanTransition(from, to); err != nil {
		return nil, fmt.Errorf("store: %s -> %s: %w", from, to, err)
	}

	item.Status = to
	if patch != nil {
		patch(item)
		// Статус принадлежит переходу, патч его не переопределяет
		item.Status = to
	}

	// 1. Пишем новое представление
	if err := s.writeItem(s.itemPath(to, id), item); err != nil {
		return nil, err
	}
	// 2. Удаляем старое. Сбой здесь не откатывает переход: элемент виден
	// в обоих местах, следующий скан удалит отставшую копию.
	if err := os.Remove(s.itemPath(from, id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove old representation, will self-heal on next scan",
			zap.String("id", id), zap.String("from", string(from)), zap.Error(err))
	}

	return item, nil
}

func (s *FSStore) Revert(ctx context.Context, id string, to domain.Status, patch func(*domain.ActionItem)) (*domain.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if !to.Known() || to == domain.StatusInvalid {
		return nil, fmt.Errorf("store: cannot revert to %q", to)
	}

	item.Status = to
	if patch != nil {
		patch(item)
		item.Status = to
	}

	s.logger.Warn("reverting item outside transition graph",
		zap.String("id", id), zap.String("from", string(from)), zap.String("to", string(to)))

	if err := s.writeItem(s.itemPath(to, id), item); err != nil {
		return nil, err
	}
	if err := os.Remove(s.itemPath(from, id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove old representation after revert",
			zap.String("id", id), zap.Error(err))
	}
	return item, nil
}

func (s *FSStore) List(ctx context.Context, status domain.Status) ([]*domain.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(status)
}

func (s *FSStore) listLocked(status domain.Status) ([]*domain.ActionItem, error) {
	dir := filepath.Join(s.root, string(status))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: failed to read state dir %s: %w", status, err)
	}

	items := make([]*domain.ActionItem, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), itemExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), itemExt)
		item, err := s.readItem(filepath.Join(dir, e.Name()))
		if err != nil {
			// Битая запись: в карантин, скан продолжается
			s.quarantine(filepath.Join(dir, e.Name()), err)
			continue
		}

		// Самовосстановление: если та же запись есть в более поздней
		// директории, эта копия — осиротевший след прерванного перехода.
		if _, authStatus := s.findAuthoritative(id); authStatus != status {
			// Авторитетную копию вернет листинг её собственной директории
			s.logger.Info("healing stale representation",
				zap.String("id", id),
				zap.String("stale", string(status)),
				zap.String("authoritative", string(authStatus)))
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}

		items = append(items, item)
	}

	// Детерминированный порядок внутри тика: сортировка по имени файла,
	// как его возвращает листинг директории.
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *FSStore) Counts(ctx context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.Status]int, len(lifecycleDirs))
	for _, st := range lifecycleDirs {
		entries, err := os.ReadDir(filepath.Join(s.root, string(st)))
		if err != nil {
			return nil, fmt.Errorf("store: failed to read state dir %s: %w", st, err)
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), itemExt) {
				n++
			}
		}
		counts[st] = n
	}
	return counts, nil
}

// locate находит элемент по ID, сканируя директории-состояния.
// При расщеплении после падения авторитетность решает domain.Newer.
func (s *FSStore) locate(id string) (*domain.ActionItem, domain.Status, error) {
	item, status := s.findAuthoritative(id)
	if item == nil {
		return nil, "", ErrNotFound
	}
	return item, status, nil
}

// findAuthoritative выбирает более позднюю копию по правилу domain.Newer:
// сначала retry_count (цикл повторов ранга не упорядочивает), затем ранг.
func (s *FSStore) findAuthoritative(id string) (*domain.ActionItem, domain.Status) {
	var (
		best       *domain.ActionItem
		bestStatus domain.Status
	)
	for _, st := range lifecycleDirs {
		if st == domain.StatusInvalid {
			continue
		}
		path := s.itemPath(st, id)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		item, err := s.readItem(path)
		if err != nil {
			s.quarantine(path, err)
			continue
		}
		if best == nil || domain.Newer(item, best) {
			best, bestStatus = item, st
		}
	}
	return best, bestStatus
}

func (s *FSStore) readItem(path string) (*domain.ActionItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CorruptRecordError{Path: path, Cause: err}
	}
	var item domain.ActionItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, &CorruptRecordError{Path: path, Cause: err}
	}
	if item.ID == "" || !item.Status.Known() {
		return nil, &CorruptRecordError{Path: path, Cause: fmt.Errorf("missing required fields")}
	}
	if item.SchemaVersion > domain.PayloadSchemaVersion {
		return nil, &CorruptRecordError{Path: path, Cause: fmt.Errorf("unsupported schema version %d", item.SchemaVersion)}
	}
	return &item, nil
}

// writeItem пишет метаданные атомарно: во временный файл, затем rename.
func (s *FSStore) writeItem(path string, item *domain.ActionItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("store: failed to marshal item %s: %w", item.ID, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: failed to write item %s: %w", item.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: failed to commit item %s: %w", item.ID, err)
	}
	return nil
}

// quarantine перемещает нечитаемый файл в invalid для ручного разбора.
func (s *FSStore) quarantine(path string, cause error) {
	dst := filepath.Join(s.root, string(domain.StatusInvalid), filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine corrupt record", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Warn("corrupt record quarantined", zap.String("path", dst), zap.NamedError("cause", cause))
}

// InvalidIDs возвращает имена записей в карантине (операционный API).
func (s *FSStore) InvalidIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(domain.StatusInvalid)))
	if err != nil {
		return nil, fmt.Errorf("store: failed to read invalid dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			ids = append(ids, strings.TrimSuffix(e.Name(), itemExt))
		}
	}
	return ids, nil
}
