package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/triage-api/internal/models"
)

func statusPtr(s models.ItemStatus) *models.ItemStatus { return &s }
func strPtr(s string) *string                          { return &s }

func TestStepStoreCommitStep(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	store := NewStepStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE items SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.CommitStep(context.Background(), StepCommit{
		ItemID:          "item-1",
		Delta:           models.ItemDelta{Status: statusPtr(models.StatusClassified), Category: strPtr("billing")},
		ThreadID:        "thr-1",
		ExpectedVersion: 3,
		CurrentNode:     "extract_context",
		Scratch:         models.Scratch{"classifier": "rules-v2"},
		Transitions:     models.TransitionLog{{From: "classify", To: "extract_context"}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStepStoreCommitStepWithMappingAndHistory(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	store := NewStepStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE items SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM items")).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO callback_mappings")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_history")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.CommitStep(context.Background(), StepCommit{
		ItemID:          "item-1",
		Delta:           models.ItemDelta{Status: statusPtr(models.StatusAwaitingApproval)},
		ThreadID:        "thr-1",
		ExpectedVersion: 5,
		CurrentNode:     "awaiting_approval",
		Mapping: &models.CallbackMapping{
			ItemID:         "item-1",
			OwnerID:        "owner-1",
			ThreadID:       "thr-1",
			ExternalHandle: "tg-msg-42",
			CoarseState:    models.CoarseStateAwaitingApproval,
		},
		History: &models.ApprovalHistoryEntry{
			ItemID:          "item-1",
			OwnerID:         "owner-1",
			Action:          models.ActionApprove,
			Actor:           "owner-1",
			ResultingStatus: models.StatusSent,
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStepStoreVersionConflictRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	store := NewStepStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CommitStep(context.Background(), StepCommit{
		ItemID:          "item-1",
		ThreadID:        "thr-1",
		ExpectedVersion: 2,
		CurrentNode:     "classify",
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStepStoreFinalizedItemRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	store := NewStepStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE items SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CommitStep(context.Background(), StepCommit{
		ItemID:          "item-1",
		Delta:           models.ItemDelta{Category: strPtr("late")},
		ThreadID:        "thr-1",
		ExpectedVersion: 9,
		CurrentNode:     "classify",
	})
	require.ErrorIs(t, err, ErrItemFinalized)
	require.NoError(t, mock.ExpectationsWereMet())
}
