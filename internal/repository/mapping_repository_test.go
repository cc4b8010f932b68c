package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/triage-api/internal/models"
)

func mappingRows(handle string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "item_id", "owner_id", "thread_id", "external_handle", "coarse_state", "created_at", "updated_at"}).
		AddRow("map-1", "item-1", "owner-1", "thr-1", handle, models.CoarseStateAwaitingApproval, time.Now(), time.Now())
}

func TestMappingRepositoryRegisterChecksItem(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMappingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM items")).
		WithArgs("missing-item").
		WillReturnError(sql.ErrNoRows)

	err := repo.Register(context.Background(), &models.CallbackMapping{
		ItemID:         "missing-item",
		OwnerID:        "owner-1",
		ThreadID:       "thr-1",
		ExternalHandle: "tg-msg-1",
		CoarseState:    models.CoarseStateAwaitingApproval,
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMappingRepositoryResolve(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMappingRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, item_id, owner_id")).
		WithArgs("tg-msg-7").
		WillReturnRows(mappingRows("tg-msg-7"))

	mapping, err := repo.Resolve(context.Background(), "tg-msg-7")
	require.NoError(t, err)
	require.Equal(t, "thr-1", mapping.ThreadID)
	require.Equal(t, "owner-1", mapping.OwnerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMappingRepositoryUpdateCoarseState(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMappingRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE callback_mappings SET coarse_state")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateCoarseState(context.Background(), "tg-msg-7", models.CoarseStateDone))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE callback_mappings SET coarse_state")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateCoarseState(context.Background(), "unknown", models.CoarseStateDone)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
