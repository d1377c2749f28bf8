package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

// Конверты решений живут в отдельной директории approvals/ и ссылаются на
// ActionItem по ID. Имя файла стабильно, поэтому обратная ссылка остается
// разрешимой при любых перемещениях самого элемента.

func (s *FSStore) approvalPath(id string) string {
	return filepath.Join(s.root, approvalsDir, id+itemExt)
}

func (s *FSStore) SaveApproval(ctx context.Context, rec *domain.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" || rec.ActionItemID == "" {
		return fmt.Errorf("store: approval id and action_item_id are required")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: failed to marshal approval %s: %w", rec.ID, err)
	}

	path := s.approvalPath(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: failed to write approval %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: failed to commit approval %s: %w", rec.ID, err)
	}
	return nil
}

func (s *FSStore) GetApproval(ctx context.Context, id string) (*domain.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readApproval(s.approvalPath(id))
}

func (s *FSStore) ListApprovals(ctx context.Context, decision domain.Decision) ([]*domain.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, approvalsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: failed to read approvals dir: %w", err)
	}

	recs := make([]*domain.ApprovalRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), itemExt) {
			continue
		}
		rec, err := s.readApproval(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable approval record",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if decision != "" && rec.Decision != decision {
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (s *FSStore) readApproval(path string) (*domain.ApprovalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &CorruptRecordError{Path: path, Cause: err}
	}
	var rec domain.ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptRecordError{Path: path, Cause: err}
	}
	return &rec, nil
}
