package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/opsgate/internal/audit"
)

// AuditRepo — приемник пачек записей журнала для зеркала аудита.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

// Ping проверяет доступность базы при старте.
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

// WriteBatch сохраняет пачку записей за один INSERT.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_entries
	numFields := 7
	placeholderStr := ""
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		details, _ := json.Marshal(e.Details)

		vals = append(vals,
			e.EntryID, e.Timestamp, string(e.EventType),
			e.ActionItemID, string(e.ActionKind), e.Actor, details,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_entries (entry_id, ts, event_type, action_item_id, action_kind, actor, details) VALUES %s ON CONFLICT (entry_id) DO NOTHING",
		strings.TrimSuffix(placeholderStr, ","),
	)

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to insert audit batch: %w", err)
	}
	return nil
}
