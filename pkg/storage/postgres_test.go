package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/types"
)

func TestTransitionInstance_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instances SET").
		WithArgs("inst-1", string(types.InstanceStatusBooting), string(types.InstanceStatusReady), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO instance_state_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO action_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.TransitionInstance(context.Background(), TransitionInput{
		InstanceID:   "inst-1",
		ExpectedFrom: types.InstanceStatusBooting,
		To:           types.InstanceStatusReady,
		Reason:       "health check converged",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionInstance_ConcurrentTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instances SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = store.TransitionInstance(context.Background(), TransitionInput{
		InstanceID:   "inst-1",
		ExpectedFrom: types.InstanceStatusBooting,
		To:           types.InstanceStatusReady,
	})
	assert.ErrorIs(t, err, ErrNoRowsUpdated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionInstance_Failed_SetsErrorFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instances SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO instance_state_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO action_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.TransitionInstance(context.Background(), TransitionInput{
		InstanceID:   "inst-1",
		ExpectedFrom: types.InstanceStatusBooting,
		To:           types.InstanceStatusStartupFailed,
		Reason:       "deadline exceeded",
		Metadata: map[string]any{
			"error_code":    "STARTUP_TIMEOUT",
			"error_message": "booting deadline exceeded",
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInstance_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.|\n)* FROM instances WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = store.GetInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVolumeReconciliation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE instance_volumes SET").
		WithArgs("vol-1", &now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.RecordVolumeReconciliation(context.Background(), VolumeReconciliationUpdate{
		VolumeID:     "vol-1",
		ReconciledAt: &now,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountInstancesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow(string(types.InstanceStatusReady), 3).
		AddRow(string(types.InstanceStatusBooting), 1)
	mock.ExpectQuery("SELECT status, count\\(\\*\\) FROM instances GROUP BY status").
		WillReturnRows(rows)

	counts, err := store.CountInstancesByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.InstanceStatusReady])
	assert.Equal(t, 1, counts[types.InstanceStatusBooting])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountVolumesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow(string(types.VolumeStatusAttached), 5)
	mock.ExpectQuery("SELECT status, count\\(\\*\\) FROM instance_volumes GROUP BY status").
		WillReturnRows(rows)

	counts, err := store.CountVolumesByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[types.VolumeStatusAttached])
	assert.NoError(t, mock.ExpectationsWereMet())
}
