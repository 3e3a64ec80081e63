package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ledger/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	cfg := DefaultDBConfig()
	db := NewDBFromConn(sqlx.NewDb(mockDB, "postgres"), cfg)
	return NewPostgresStore(db), mock
}

var taskRowColumns = []string{
	"task_id", "ledger_id", "user_id", "capability_id", "external_task_id", "status",
	"planned_cost", "credit_cost", "charged_amount", "is_free", "refunded",
	"payload", "result_params", "error_info", "version", "created_at", "completed_at",
}

var ledgerRowColumns = []string{
	"id", "user_id", "capability_id", "usage_count", "total_credits_consumed",
	"version", "created_at", "updated_at",
}

var refundRowColumns = []string{"id", "task_id", "ledger_id", "user_id", "amount", "reason", "source", "created_at"}

func TestPostgresStore_Debit(t *testing.T) {
	t.Run("debits when balance suffices", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`UPDATE credit_accounts SET balance = balance - \$2`).
			WithArgs("user-1", int64(66)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Debit(context.Background(), "user-1", 66)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns ErrInsufficientFunds when no row matches", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`UPDATE credit_accounts SET balance = balance - \$2`).
			WithArgs("user-1", int64(100)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Debit(context.Background(), "user-1", 100)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amounts without touching the database", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		assert.ErrorIs(t, store.Debit(context.Background(), "user-1", 0), ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Credit(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO credit_accounts .* ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs("user-1", int64(66)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Credit(context.Background(), "user-1", 66))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBalance(t *testing.T) {
	t.Run("returns balance", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectQuery(`SELECT balance FROM credit_accounts WHERE user_id = \$1`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))

		balance, err := store.GetBalance(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance)
	})

	t.Run("maps missing account to ErrNotFound", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectQuery(`SELECT balance FROM credit_accounts`).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := store.GetBalance(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_InsertTask(t *testing.T) {
	task := &models.TaskRecord{
		TaskID:       "task-1",
		LedgerID:     "ledger-1",
		UserID:       "user-1",
		CapabilityID: "upscale",
		Status:       models.TaskPending,
		PlannedCost:  66,
		Payload:      models.JSONB{"pixels": 2},
	}

	t.Run("inserts with version 1", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`INSERT INTO task_records`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		tr := task.Clone()
		require.NoError(t, store.InsertTask(context.Background(), tr))
		assert.Equal(t, int64(1), tr.Version)
		assert.False(t, tr.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violation to ErrTaskExists", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`INSERT INTO task_records`).
			WillReturnError(&pq.Error{Code: pqUniqueViolation})

		err := store.InsertTask(context.Background(), task.Clone())
		assert.ErrorIs(t, err, ErrTaskExists)
	})
}

func TestPostgresStore_UpdateTask(t *testing.T) {
	t.Run("bumps version on success", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`UPDATE task_records SET .* WHERE task_id = \$1 AND version = \$2`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		task := &models.TaskRecord{TaskID: "task-1", Status: models.TaskCompleted, Version: 3}
		require.NoError(t, store.UpdateTask(context.Background(), task))
		assert.Equal(t, int64(4), task.Version)
	})

	t.Run("returns ErrConflict when the version moved", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`UPDATE task_records`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT 1 FROM task_records WHERE task_id = \$1`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		task := &models.TaskRecord{TaskID: "task-1", Version: 1}
		err := store.UpdateTask(context.Background(), task)
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, int64(1), task.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns ErrNotFound when the row is gone", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectExec(`UPDATE task_records`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT 1 FROM task_records`).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

		err := store.UpdateTask(context.Background(), &models.TaskRecord{TaskID: "task-1", Version: 1})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_GetLedgerUsesCache(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Now()

	ledgerRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(ledgerRowColumns).
			AddRow("ledger-1", "user-1", "upscale", int64(1), int64(66), int64(2), now, now)
	}
	taskRows := func() *sqlmock.Rows {
		return sqlmock.NewRows(taskRowColumns).
			AddRow("task-1", "ledger-1", "user-1", "upscale", nil, "completed",
				int64(66), int64(66), int64(66), false, false,
				[]byte(`{"pixels":2}`), nil, nil, int64(2), now, now)
	}

	mock.ExpectQuery(`FROM usage_ledgers WHERE user_id = \$1 AND capability_id = \$2`).
		WithArgs("user-1", "upscale").
		WillReturnRows(ledgerRow())
	mock.ExpectQuery(`FROM task_records WHERE ledger_id = \$1 ORDER BY seq`).
		WithArgs("ledger-1").
		WillReturnRows(taskRows())
	mock.ExpectQuery(`FROM refund_records WHERE ledger_id = \$1`).
		WithArgs("ledger-1").
		WillReturnRows(sqlmock.NewRows(refundRowColumns))

	ledger, err := store.GetLedger(context.Background(), "user-1", "upscale")
	require.NoError(t, err)
	assert.Equal(t, "ledger-1", ledger.ID)
	assert.Equal(t, int64(66), ledger.TotalCreditsConsumed)
	require.Len(t, ledger.Tasks, 1)
	assert.Equal(t, models.TaskCompleted, ledger.Tasks[0].Status)
	assert.Equal(t, float64(2), ledger.Tasks[0].Payload["pixels"])

	// Second read resolves the ledger id from the cache
	mock.ExpectQuery(`FROM usage_ledgers WHERE id = \$1`).
		WithArgs("ledger-1").
		WillReturnRows(ledgerRow())
	mock.ExpectQuery(`FROM task_records WHERE ledger_id = \$1`).
		WillReturnRows(taskRows())
	mock.ExpectQuery(`FROM refund_records WHERE ledger_id = \$1`).
		WillReturnRows(sqlmock.NewRows(refundRowColumns))

	_, err = store.GetLedger(context.Background(), "user-1", "upscale")
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.db.GetStats().LedgerCacheStats.Hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE credit_accounts`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO task_records`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if err := tx.Debit(ctx, "user-1", 66); err != nil {
				return err
			}
			return tx.InsertTask(ctx, &models.TaskRecord{TaskID: "task-1", LedgerID: "ledger-1", Status: models.TaskPending})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE credit_accounts`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO task_records`).WillReturnError(&pq.Error{Code: pqUniqueViolation})
		mock.ExpectRollback()

		err := store.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if err := tx.Debit(ctx, "user-1", 66); err != nil {
				return err
			}
			return tx.InsertTask(ctx, &models.TaskRecord{TaskID: "task-1", LedgerID: "ledger-1", Status: models.TaskPending})
		})
		assert.True(t, errors.Is(err, ErrTaskExists))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ListPendingTasks(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM task_records WHERE status = 'pending' ORDER BY created_at, task_id LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("task-1", "ledger-1", "user-1", "upscale", "ext-1", "pending",
				int64(10), int64(0), int64(0), false, false,
				nil, nil, nil, int64(1), now, nil))

	tasks, err := store.ListPendingTasks(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "ext-1", tasks[0].StatusKey())
	assert.Nil(t, tasks[0].CompletedAt)
}

func TestPostgresStore_Migrate(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	for range schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
