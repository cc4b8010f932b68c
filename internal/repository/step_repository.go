package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inboxpilot/triage-api/internal/models"
)

// ErrVersionConflict signals a concurrent writer advanced the
// checkpoint first; the caller must reload and retry.
var ErrVersionConflict = errors.New("checkpoint version conflict")

// ErrItemFinalized signals an attempt to mutate an item that already
// reached a terminal status.
var ErrItemFinalized = errors.New("item is in a terminal status")

// StepCommit bundles everything one workflow step must persist. The
// whole struct is written in a single transaction so a crash can never
// leave the item store ahead of the checkpoint or vice versa.
type StepCommit struct {
	ItemID          string
	Delta           models.ItemDelta
	ThreadID        string
	ExpectedVersion int
	CurrentNode     string
	Scratch         models.Scratch
	Transitions     models.TransitionLog
	Mapping         *models.CallbackMapping
	History         *models.ApprovalHistoryEntry
}

// StepStore is the single write path for the item, checkpoint, mapping
// and history tables during workflow execution.
type StepStore struct {
	db *sqlx.DB
}

// NewStepStore constructs the store.
func NewStepStore(db *sqlx.DB) *StepStore {
	return &StepStore{db: db}
}

// CommitStep atomically persists the item delta, bumps the checkpoint
// version with an optimistic guard, and upserts the callback mapping
// and history entry when present.
func (s *StepStore) CommitStep(ctx context.Context, commit StepCommit) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step commit: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()

	if !commit.Delta.Empty() {
		if err := applyItemDelta(ctx, tx, commit.ItemID, commit.Delta, now); err != nil {
			return err
		}
	}

	if err := advanceCheckpoint(ctx, tx, commit, now); err != nil {
		return err
	}

	if commit.Mapping != nil {
		if err := upsertMapping(ctx, tx, commit.Mapping, now); err != nil {
			return err
		}
	}

	if commit.History != nil {
		if err := appendHistory(ctx, tx, commit.History, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

func applyItemDelta(ctx context.Context, tx *sqlx.Tx, itemID string, delta models.ItemDelta, now time.Time) error {
	set := make([]string, 0, 9)
	args := make([]interface{}, 0, 10)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if delta.Status != nil {
		add("status", *delta.Status)
	}
	if delta.Category != nil {
		add("category", *delta.Category)
	}
	if delta.PriorityScore != nil {
		add("priority_score", *delta.PriorityScore)
	}
	if delta.ProposedTarget != nil {
		add("proposed_target", *delta.ProposedTarget)
	}
	if delta.DraftText != nil {
		add("draft_text", *delta.DraftText)
	}
	if delta.DraftLanguage != nil {
		add("draft_language", *delta.DraftLanguage)
	}
	if delta.DraftTone != nil {
		add("draft_tone", *delta.DraftTone)
	}
	if delta.ClassificationReason != nil {
		add("classification_reason", *delta.ClassificationReason)
	}
	add("updated_at", now)

	args = append(args, itemID)
	query := fmt.Sprintf(`UPDATE items SET %s WHERE id = $%d AND status NOT IN ('sent', 'rejected', 'filed')`,
		strings.Join(set, ", "), len(args))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply item delta: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check item delta rows: %w", err)
	}
	if rows == 0 {
		return ErrItemFinalized
	}
	return nil
}

func advanceCheckpoint(ctx context.Context, tx *sqlx.Tx, commit StepCommit, now time.Time) error {
	scratch := commit.Scratch
	if scratch == nil {
		scratch = models.Scratch{}
	}
	transitions := commit.Transitions
	if transitions == nil {
		transitions = models.TransitionLog{}
	}
	const query = `UPDATE checkpoints
	SET version = version + 1, current_node = $3, scratch = $4, transitions = $5, updated_at = $6
	WHERE thread_id = $1 AND version = $2`
	result, err := tx.ExecContext(ctx, query,
		commit.ThreadID, commit.ExpectedVersion, commit.CurrentNode, scratch, transitions, now)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check checkpoint rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func upsertMapping(ctx context.Context, tx *sqlx.Tx, mapping *models.CallbackMapping, now time.Time) error {
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	// Foreign-key style guard: the mapping must point at a real item.
	var one int
	if err := tx.GetContext(ctx, &one, `SELECT 1 FROM items WHERE id = $1`, mapping.ItemID); err != nil {
		return fmt.Errorf("mapping item check: %w", err)
	}

	const query = `INSERT INTO callback_mappings (id, item_id, owner_id, thread_id, external_handle, coarse_state, created_at, updated_at)
	VALUES (:id, :item_id, :owner_id, :thread_id, :external_handle, :coarse_state, :created_at, :updated_at)
	ON CONFLICT (item_id) DO UPDATE
	SET external_handle = EXCLUDED.external_handle, coarse_state = EXCLUDED.coarse_state, updated_at = EXCLUDED.updated_at`
	if _, err := tx.NamedExecContext(ctx, query, mapping); err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sqlx.Tx, entry *models.ApprovalHistoryEntry, now time.Time) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	const query = `INSERT INTO approval_history (id, item_id, owner_id, action, actor, resulting_status, created_at)
	VALUES (:id, :item_id, :owner_id, :action, :actor, :resulting_status, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}
