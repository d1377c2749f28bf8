package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/dedup"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

// Producer превращает события источников в pending-элементы. Каждый
// источник (почтовый коннектор, watcher, ручной ввод оператора) держит
// свой Producer со своим трекером дедупликации и пишет в общий стор.
type Producer struct {
	name    string
	items   store.Store
	tracker dedup.Tracker
	auditor audit.Auditor
	logger  *zap.Logger
	now     func() time.Time
}

func New(name string, items store.Store, tracker dedup.Tracker, auditor audit.Auditor, logger *zap.Logger) *Producer {
	return &Producer{
		name:    name,
		items:   items,
		tracker: tracker,
		auditor: auditor,
		logger:  logger.Named("producer").With(zap.String("source", name)),
		now:     time.Now,
	}
}

// SubmitEvent регистрирует событие источника. Возвращает элемент и
// признак created: false — событие уже известно, дубликат отброшен.
//
// Отказ трекера никогда не блокирует прием: лучше возможный дубликат,
// чем потерянное событие. Последняя линия обороны — стор, который не
// даст создать второй элемент с тем же ID.
func (p *Producer) SubmitEvent(ctx context.Context, kind domain.Kind, payload domain.Payload) (*domain.ActionItem, bool, error) {
	id := dedup.Identity(kind, payload)

	known, err := p.tracker.IsKnown(ctx, id)
	if err != nil {
		p.logger.Warn("dedup lookup failed, failing open", zap.String("id", id), zap.Error(err))
	} else if known {
		p.logger.Debug("duplicate event skipped", zap.String("id", id))
		existing, err := p.items.Get(ctx, id)
		if err != nil {
			// Трекер помнит, стора нет (элемент вычищен вручную) — след
			// остается в трекере, событие считаем дубликатом
			return nil, false, nil
		}
		return existing, false, nil
	}

	item := &domain.ActionItem{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: p.now().UTC(),
	}
	if err := p.items.Create(ctx, item); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Гонка двух продьюсеров: кто-то успел первым
			p.markKnown(ctx, id)
			existing, getErr := p.items.Get(ctx, id)
			if getErr != nil {
				return nil, false, nil
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("producer: failed to create item: %w", err)
	}

	p.markKnown(ctx, id)

	if _, err := p.auditor.Record(audit.EventRequested, item.ID, item.Kind, p.name, map[string]interface{}{
		"payload": map[string]interface{}{
			"sender":  payload.Sender,
			"subject": payload.Subject,
			"target":  payload.Target,
			"body":    payload.Body,
		},
	}); err != nil {
		// Элемент уже создан; факт приема потерян только для журнала
		p.logger.Error("audit write failed for requested item", zap.String("id", item.ID), zap.Error(err))
	}

	p.logger.Info("event accepted", zap.String("id", item.ID), zap.String("kind", string(kind)))
	return item, true, nil
}

func (p *Producer) markKnown(ctx context.Context, id string) {
	if err := p.tracker.MarkKnown(ctx, id); err != nil {
		p.logger.Warn("failed to persist dedup mark", zap.String("id", id), zap.Error(err))
	}
}
