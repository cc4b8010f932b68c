package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inboxpilot/triage-api/internal/models"
)

const itemColumns = `id, owner_id, message_id, thread_id, subject, sender, snippet, status, category,
       priority_score, proposed_target, draft_text, draft_language, draft_tone, classification_reason,
       created_at, updated_at`

// ItemRepository persists processing items.
type ItemRepository struct {
	db *sqlx.DB
}

// NewItemRepository constructs the repository.
func NewItemRepository(db *sqlx.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create inserts a new item row.
func (r *ItemRepository) Create(ctx context.Context, item *models.ProcessingItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.StatusNew
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	const query = `INSERT INTO items
	(id, owner_id, message_id, thread_id, subject, sender, snippet, status, category, priority_score,
	 proposed_target, draft_text, draft_language, draft_tone, classification_reason, created_at, updated_at)
	VALUES (:id, :owner_id, :message_id, :thread_id, :subject, :sender, :snippet, :status, :category, :priority_score,
	 :proposed_target, :draft_text, :draft_language, :draft_tone, :classification_reason, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

// GetByID fetches an item by identifier.
func (r *ItemRepository) GetByID(ctx context.Context, id string) (*models.ProcessingItem, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`
	var item models.ProcessingItem
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// Exists reports whether an item row is present.
func (r *ItemRepository) Exists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT 1 FROM items WHERE id = $1`
	var one int
	if err := r.db.GetContext(ctx, &one, query, id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check item exists: %w", err)
	}
	return true, nil
}

// ListByStatus returns items in the given statuses, oldest first. Used
// by the poller to pick up new work and by operators to re-drive
// halted items.
func (r *ItemRepository) ListByStatus(ctx context.Context, statuses []models.ItemStatus, limit int) ([]models.ProcessingItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, status := range statuses {
		args = append(args, status)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM items WHERE status IN (%s) ORDER BY created_at ASC LIMIT $%d`,
		itemColumns, strings.Join(placeholders, ","), len(args))
	var items []models.ProcessingItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items by status: %w", err)
	}
	return items, nil
}

// MarkStatus flips only the status column. Refuses to touch rows that
// already reached a terminal status; callers get sql.ErrNoRows.
func (r *ItemRepository) MarkStatus(ctx context.Context, id string, status models.ItemStatus) error {
	const query = `UPDATE items SET status = $2, updated_at = $3
	WHERE id = $1 AND status NOT IN ('sent', 'rejected', 'filed')`
	result, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark item status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check item status rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
