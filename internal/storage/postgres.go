package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"usage_ledger/internal/models"
	"usage_ledger/internal/utils"
)

const pqUniqueViolation = "23505"

const taskColumns = `
	task_id, ledger_id, user_id, capability_id, external_task_id, status,
	planned_cost, credit_cost, charged_amount, is_free, refunded,
	payload, result_params, error_info, version, created_at, completed_at`

const ledgerColumns = `
	id, user_id, capability_id, usage_count, total_credits_consumed,
	version, created_at, updated_at`

const refundColumns = `id, task_id, ledger_id, user_id, amount, reason, source, created_at`

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id    TEXT PRIMARY KEY,
		balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_ledgers (
		id                     UUID PRIMARY KEY,
		user_id                TEXT NOT NULL,
		capability_id          TEXT NOT NULL,
		usage_count            BIGINT NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
		total_credits_consumed BIGINT NOT NULL DEFAULT 0,
		version                BIGINT NOT NULL DEFAULT 1,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, capability_id)
	)`,
	`CREATE TABLE IF NOT EXISTS task_records (
		seq              BIGSERIAL,
		task_id          TEXT PRIMARY KEY,
		ledger_id        UUID NOT NULL REFERENCES usage_ledgers(id),
		user_id          TEXT NOT NULL,
		capability_id    TEXT NOT NULL,
		external_task_id TEXT,
		status           TEXT NOT NULL,
		planned_cost     BIGINT NOT NULL DEFAULT 0,
		credit_cost      BIGINT NOT NULL DEFAULT 0 CHECK (credit_cost >= 0),
		charged_amount   BIGINT NOT NULL DEFAULT 0 CHECK (charged_amount >= 0),
		is_free          BOOLEAN NOT NULL DEFAULT FALSE,
		refunded         BOOLEAN NOT NULL DEFAULT FALSE,
		payload          JSONB,
		result_params    JSONB,
		error_info       TEXT,
		version          BIGINT NOT NULL DEFAULT 1,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_records_ledger ON task_records (ledger_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_task_records_pending ON task_records (created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_task_records_unrefunded ON task_records (created_at)
		WHERE status = 'failed' AND charged_amount > 0 AND NOT refunded`,
	`CREATE TABLE IF NOT EXISTS refund_records (
		id         UUID PRIMARY KEY,
		task_id    TEXT NOT NULL UNIQUE REFERENCES task_records(task_id),
		ledger_id  UUID NOT NULL REFERENCES usage_ledgers(id),
		user_id    TEXT NOT NULL,
		amount     BIGINT NOT NULL CHECK (amount > 0),
		reason     TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore is the Store backed by PostgreSQL
type PostgresStore struct {
	*pgTx
	db     *DB
	logger *utils.Logger
}

// NewPostgresStore creates a store on top of an open database
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		pgTx:   &pgTx{q: db.conn, db: db},
		db:     db,
		logger: utils.NewLogger("storage"),
	}
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Info("Schema migrated", "statements", len(schema))
	return nil
}

// RunInTx executes fn inside a database transaction
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &pgTx{q: tx, db: s.db}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListPendingTasks returns pending tasks, oldest first
func (s *PostgresStore) ListPendingTasks(ctx context.Context, limit int) ([]*models.TaskRecord, error) {
	query := `SELECT` + taskColumns + `
		FROM task_records
		WHERE status = 'pending'
		ORDER BY created_at, task_id
		LIMIT $1`
	return s.listTasks(ctx, query, limit)
}

// ListUnrefundedFailures returns failed tasks that still hold a debit
func (s *PostgresStore) ListUnrefundedFailures(ctx context.Context, limit int) ([]*models.TaskRecord, error) {
	query := `SELECT` + taskColumns + `
		FROM task_records
		WHERE status = 'failed' AND charged_amount > 0 AND NOT refunded
		ORDER BY created_at, task_id
		LIMIT $1`
	return s.listTasks(ctx, query, limit)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, limit int) ([]*models.TaskRecord, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	var tasks []*models.TaskRecord
	if err := s.db.conn.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// EnsureAccount creates an account with the initial balance if none exists
func (s *PostgresStore) EnsureAccount(ctx context.Context, userID string, initial int64) error {
	if initial < 0 {
		return ErrInvalidAmount
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := s.db.conn.ExecContext(ctx, query, userID, initial); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// pgTx implements Tx on a connection or an open transaction
type pgTx struct {
	q  queryer
	db *DB
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	var balance int64
	err := t.q.GetContext(ctx, &balance, `SELECT balance FROM credit_accounts WHERE user_id = $1`, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("account %s: %w", userID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (t *pgTx) Debit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE credit_accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2`
	res, err := t.q.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()`
	if _, err := t.q.ExecContext(ctx, query, userID, amount); err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	return nil
}

func (t *pgTx) GetOrCreateLedger(ctx context.Context, userID, capabilityID string) (*models.UsageLedger, error) {
	if l, err := t.GetLedger(ctx, userID, capabilityID); err == nil || !errors.Is(err, ErrNotFound) {
		return l, err
	}

	qctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	query := `
		INSERT INTO usage_ledgers (id, user_id, capability_id, usage_count, total_credits_consumed, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 1, $4, $4)
		ON CONFLICT (user_id, capability_id) DO NOTHING`
	if _, err := t.q.ExecContext(qctx, query, uuid.NewString(), userID, capabilityID, now); err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	// Either our insert or a concurrent one won; read whichever row exists
	return t.GetLedger(ctx, userID, capabilityID)
}

func (t *pgTx) GetLedger(ctx context.Context, userID, capabilityID string) (*models.UsageLedger, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	key := ledgerKey(userID, capabilityID)
	var ledger models.UsageLedger

	if id, ok := t.db.ledgerCache.Get(key); ok {
		err := t.q.GetContext(ctx, &ledger, `SELECT`+ledgerColumns+` FROM usage_ledgers WHERE id = $1`, id)
		if err == nil {
			return t.loadLedger(ctx, &ledger)
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to get ledger: %w", err)
		}
		t.db.ledgerCache.Delete(key)
	}

	query := `SELECT` + ledgerColumns + ` FROM usage_ledgers WHERE user_id = $1 AND capability_id = $2`
	if err := t.q.GetContext(ctx, &ledger, query, userID, capabilityID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ledger %s/%s: %w", userID, capabilityID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}
	if _, inTx := t.q.(*sqlx.Tx); !inTx {
		t.db.ledgerCache.Set(key, ledger.ID)
	}
	return t.loadLedger(ctx, &ledger)
}

func (t *pgTx) loadLedger(ctx context.Context, ledger *models.UsageLedger) (*models.UsageLedger, error) {
	tasksQuery := `SELECT` + taskColumns + ` FROM task_records WHERE ledger_id = $1 ORDER BY seq`
	if err := t.q.SelectContext(ctx, &ledger.Tasks, tasksQuery, ledger.ID); err != nil {
		return nil, fmt.Errorf("failed to load ledger tasks: %w", err)
	}

	refundsQuery := `SELECT ` + refundColumns + ` FROM refund_records WHERE ledger_id = $1 ORDER BY created_at, id`
	if err := t.q.SelectContext(ctx, &ledger.Refunds, refundsQuery, ledger.ID); err != nil {
		return nil, fmt.Errorf("failed to load ledger refunds: %w", err)
	}
	return ledger, nil
}

func (t *pgTx) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	var task models.TaskRecord
	err := t.q.GetContext(ctx, &task, `SELECT`+taskColumns+` FROM task_records WHERE task_id = $1`, taskID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (t *pgTx) InsertTask(ctx context.Context, task *models.TaskRecord) error {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO task_records (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)`
	_, err := t.q.ExecContext(ctx, query,
		task.TaskID, task.LedgerID, task.UserID, task.CapabilityID, task.ExternalTaskID, task.Status,
		task.PlannedCost, task.CreditCost, task.ChargedAmount, task.IsFree, task.Refunded,
		task.Payload, task.ResultParams, task.ErrorInfo, task.CreatedAt, task.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	task.Version = 1
	return nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task *models.TaskRecord) error {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE task_records
		SET external_task_id = $3, status = $4, planned_cost = $5, credit_cost = $6,
			charged_amount = $7, is_free = $8, refunded = $9, result_params = $10,
			error_info = $11, completed_at = $12, version = version + 1
		WHERE task_id = $1 AND version = $2`
	res, err := t.q.ExecContext(ctx, query,
		task.TaskID, task.Version, task.ExternalTaskID, task.Status, task.PlannedCost, task.CreditCost,
		task.ChargedAmount, task.IsFree, task.Refunded, task.ResultParams,
		task.ErrorInfo, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if err := t.checkVersioned(ctx, res, `SELECT 1 FROM task_records WHERE task_id = $1`, task.TaskID); err != nil {
		return err
	}
	task.Version++
	return nil
}

func (t *pgTx) SaveLedger(ctx context.Context, ledger *models.UsageLedger) error {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE usage_ledgers
		SET usage_count = $3, total_credits_consumed = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`
	res, err := t.q.ExecContext(ctx, query, ledger.ID, ledger.Version, ledger.UsageCount, ledger.TotalCreditsConsumed)
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	if err := t.checkVersioned(ctx, res, `SELECT 1 FROM usage_ledgers WHERE id = $1`, ledger.ID); err != nil {
		return err
	}
	ledger.Version++
	return nil
}

// checkVersioned maps a zero-row conditional update to ErrConflict or ErrNotFound
func (t *pgTx) checkVersioned(ctx context.Context, res sql.Result, existsQuery string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var one int
	if err := t.q.GetContext(ctx, &one, existsQuery, id); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to check record: %w", err)
	}
	return ErrConflict
}

func (t *pgTx) InsertRefund(ctx context.Context, refund *models.RefundRecord) error {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO refund_records (` + refundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.q.ExecContext(ctx, query,
		refund.ID, refund.TaskID, refund.LedgerID, refund.UserID,
		refund.Amount, refund.Reason, refund.Source, refund.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRefundExists
		}
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
