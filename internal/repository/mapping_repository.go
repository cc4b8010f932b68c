package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inboxpilot/triage-api/internal/models"
)

const mappingColumns = `id, item_id, owner_id, thread_id, external_handle, coarse_state, created_at, updated_at`

// MappingRepository is the callback bridge: it maps external
// notification handles to suspended workflow threads.
type MappingRepository struct {
	db *sqlx.DB
}

// NewMappingRepository constructs the repository.
func NewMappingRepository(db *sqlx.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// Register inserts a mapping row after validating the item exists.
// Suspension-time registration rides the StepStore transaction instead;
// this standalone path serves re-registration after a skipped dispatch
// is retried.
func (r *MappingRepository) Register(ctx context.Context, mapping *models.CallbackMapping) error {
	var one int
	if err := r.db.GetContext(ctx, &one, `SELECT 1 FROM items WHERE id = $1`, mapping.ItemID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("register mapping: item %s not found", mapping.ItemID)
		}
		return fmt.Errorf("register mapping: %w", err)
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now
	const query = `INSERT INTO callback_mappings (id, item_id, owner_id, thread_id, external_handle, coarse_state, created_at, updated_at)
	VALUES (:id, :item_id, :owner_id, :thread_id, :external_handle, :coarse_state, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, mapping); err != nil {
		return fmt.Errorf("register mapping: %w", err)
	}
	return nil
}

// Resolve returns the mapping for an external handle.
func (r *MappingRepository) Resolve(ctx context.Context, externalHandle string) (*models.CallbackMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM callback_mappings WHERE external_handle = $1`
	var mapping models.CallbackMapping
	if err := r.db.GetContext(ctx, &mapping, query, externalHandle); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// GetByItemID returns the mapping for an item, if any.
func (r *MappingRepository) GetByItemID(ctx context.Context, itemID string) (*models.CallbackMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM callback_mappings WHERE item_id = $1`
	var mapping models.CallbackMapping
	if err := r.db.GetContext(ctx, &mapping, query, itemID); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// UpdateCoarseState refreshes the human-readable phase label.
func (r *MappingRepository) UpdateCoarseState(ctx context.Context, externalHandle, coarseState string) error {
	const query = `UPDATE callback_mappings SET coarse_state = $2, updated_at = $3 WHERE external_handle = $1`
	result, err := r.db.ExecContext(ctx, query, externalHandle, coarseState, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update coarse state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check coarse state rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
