package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/triage-api/internal/models"
)

func TestHistoryRepositoryRecordAndList(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewHistoryRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_history")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.ApprovalHistoryEntry{
		ItemID:          "item-1",
		OwnerID:         "owner-1",
		Action:          models.ActionReject,
		Actor:           "owner-1",
		ResultingStatus: models.StatusRejected,
	}
	require.NoError(t, repo.Record(context.Background(), entry))
	require.NotEmpty(t, entry.ID)

	rows := sqlmock.NewRows([]string{"id", "item_id", "owner_id", "action", "actor", "resulting_status", "created_at"}).
		AddRow(entry.ID, "item-1", "owner-1", "reject", "owner-1", "rejected", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, item_id, owner_id, action")).
		WithArgs("item-1", 50).
		WillReturnRows(rows)

	entries, err := repo.ListByItem(context.Background(), "item-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, models.ActionReject, entries[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryListByOwner(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewHistoryRepository(db)
	rows := sqlmock.NewRows([]string{"id", "item_id", "owner_id", "action", "actor", "resulting_status", "created_at"}).
		AddRow("h-1", "item-1", "owner-1", "approve", "owner-1", "sent", time.Now()).
		AddRow("h-2", "item-2", "owner-1", "reject", "owner-1", "rejected", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, item_id, owner_id, action")).
		WithArgs("owner-1", 10).
		WillReturnRows(rows)

	entries, err := repo.ListByOwner(context.Background(), "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
