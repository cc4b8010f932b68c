package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inboxpilot/triage-api/internal/models"
)

const checkpointColumns = `thread_id, item_id, version, current_node, scratch, transitions, updated_at`

// CheckpointRepository reads durable workflow snapshots. All writes go
// through StepStore so they stay transactional with the item delta.
type CheckpointRepository struct {
	db *sqlx.DB
}

// NewCheckpointRepository constructs the repository.
func NewCheckpointRepository(db *sqlx.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Create inserts the initial checkpoint for a new workflow instance.
func (r *CheckpointRepository) Create(ctx context.Context, record *models.CheckpointRecord) error {
	if record.Version == 0 {
		record.Version = 1
	}
	record.UpdatedAt = time.Now().UTC()
	if record.Scratch == nil {
		record.Scratch = models.Scratch{}
	}
	if record.Transitions == nil {
		record.Transitions = models.TransitionLog{}
	}
	const query = `INSERT INTO checkpoints (thread_id, item_id, version, current_node, scratch, transitions, updated_at)
	VALUES (:thread_id, :item_id, :version, :current_node, :scratch, :transitions, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

// GetByThreadID returns the latest checkpoint for a thread.
func (r *CheckpointRepository) GetByThreadID(ctx context.Context, threadID string) (*models.CheckpointRecord, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE thread_id = $1`
	var record models.CheckpointRecord
	if err := r.db.GetContext(ctx, &record, query, threadID); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByItemID returns the checkpoint for an item's workflow instance.
func (r *CheckpointRepository) GetByItemID(ctx context.Context, itemID string) (*models.CheckpointRecord, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE item_id = $1`
	var record models.CheckpointRecord
	if err := r.db.GetContext(ctx, &record, query, itemID); err != nil {
		return nil, err
	}
	return &record, nil
}
