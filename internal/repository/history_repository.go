package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inboxpilot/triage-api/internal/models"
)

const historyColumns = `id, item_id, owner_id, action, actor, resulting_status, created_at`

// HistoryRepository appends and reads the approval audit trail. The
// table is append-only: no update or delete paths exist.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository constructs the repository.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record appends one entry for a terminal action.
func (r *HistoryRepository) Record(ctx context.Context, entry *models.ApprovalHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO approval_history (id, item_id, owner_id, action, actor, resulting_status, created_at)
	VALUES (:id, :item_id, :owner_id, :action, :actor, :resulting_status, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record approval history: %w", err)
	}
	return nil
}

// ListByItem returns the last N actions for an item, newest first.
func (r *HistoryRepository) ListByItem(ctx context.Context, itemID string, limit int) ([]models.ApprovalHistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + historyColumns + ` FROM approval_history WHERE item_id = $1 ORDER BY created_at DESC LIMIT $2`
	var entries []models.ApprovalHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, itemID, limit); err != nil {
		return nil, fmt.Errorf("list history by item: %w", err)
	}
	return entries, nil
}

// ListByOwner returns the last N actions across an owner's items,
// newest first. Feeds the activity view.
func (r *HistoryRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.ApprovalHistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + historyColumns + ` FROM approval_history WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	var entries []models.ApprovalHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, ownerID, limit); err != nil {
		return nil, fmt.Errorf("list history by owner: %w", err)
	}
	return entries, nil
}
