package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/triage-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func itemRows(id string, status models.ItemStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner_id", "message_id", "thread_id", "subject", "sender", "snippet",
		"status", "category", "priority_score", "proposed_target", "draft_text", "draft_language", "draft_tone",
		"classification_reason", "created_at", "updated_at"}).
		AddRow(id, "owner-1", "msg-1", "thr-1", "Invoice overdue", "billing@example.com", "Please pay",
			status, nil, 0, nil, nil, nil, nil, nil, time.Now(), time.Now())
}

func TestItemRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewItemRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO items")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	item := &models.ProcessingItem{
		OwnerID:   "owner-1",
		MessageID: "msg-1",
		ThreadID:  "thr-1",
		Subject:   "Invoice overdue",
		Sender:    "billing@example.com",
		Snippet:   "Please pay",
	}
	require.NoError(t, repo.Create(context.Background(), item))
	require.NotEmpty(t, item.ID)
	require.Equal(t, models.StatusNew, item.Status)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id, message_id")).
		WithArgs(item.ID).
		WillReturnRows(itemRows(item.ID, models.StatusNew))

	found, err := repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, item.ID, found.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemRepositoryListByStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewItemRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id, message_id")).
		WithArgs("new", "processing_failed", 50).
		WillReturnRows(itemRows("item-1", models.StatusNew))

	items, err := repo.ListByStatus(context.Background(), []models.ItemStatus{models.StatusNew, models.StatusProcessingFailed}, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemRepositoryMarkStatusRefusesTerminal(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewItemRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE items SET status")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkStatus(context.Background(), "item-1", models.StatusProcessingFailed)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
