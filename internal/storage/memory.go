package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"usage_ledger/internal/models"
)

// MemoryStore implements Store in process memory. It has no persistence and
// is meant for development and tests. A single mutex serializes all access;
// RunInTx rolls back through an undo log.
type MemoryStore struct {
	mu sync.Mutex

	accounts    map[string]*models.CreditAccount
	ledgers     map[string]*models.UsageLedger // by ledger id, without tasks/refunds
	ledgerIndex map[string]string              // ledgerKey -> ledger id
	tasks       map[string]*models.TaskRecord
	ledgerTasks map[string][]string // ledger id -> task ids in admission order
	refunds     map[string]*models.RefundRecord
	ledgerRefs  map[string][]string // ledger id -> refunded task ids

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*models.CreditAccount),
		ledgers:     make(map[string]*models.UsageLedger),
		ledgerIndex: make(map[string]string),
		tasks:       make(map[string]*models.TaskRecord),
		ledgerTasks: make(map[string][]string),
		refunds:     make(map[string]*models.RefundRecord),
		ledgerRefs:  make(map[string][]string),
		now:         time.Now,
	}
}

// memTx performs mutations on the store; the caller holds s.mu.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memTx) record(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// RunInTx executes fn atomically
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) auto(fn func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (balance int64, err error) {
	err = s.auto(func(tx *memTx) error {
		balance, err = tx.GetBalance(ctx, userID)
		return err
	})
	return balance, err
}

func (s *MemoryStore) Debit(ctx context.Context, userID string, amount int64) error {
	return s.auto(func(tx *memTx) error { return tx.Debit(ctx, userID, amount) })
}

func (s *MemoryStore) Credit(ctx context.Context, userID string, amount int64) error {
	return s.auto(func(tx *memTx) error { return tx.Credit(ctx, userID, amount) })
}

func (s *MemoryStore) GetOrCreateLedger(ctx context.Context, userID, capabilityID string) (l *models.UsageLedger, err error) {
	err = s.auto(func(tx *memTx) error {
		l, err = tx.GetOrCreateLedger(ctx, userID, capabilityID)
		return err
	})
	return l, err
}

func (s *MemoryStore) GetLedger(ctx context.Context, userID, capabilityID string) (l *models.UsageLedger, err error) {
	err = s.auto(func(tx *memTx) error {
		l, err = tx.GetLedger(ctx, userID, capabilityID)
		return err
	})
	return l, err
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (t *models.TaskRecord, err error) {
	err = s.auto(func(tx *memTx) error {
		t, err = tx.GetTask(ctx, taskID)
		return err
	})
	return t, err
}

func (s *MemoryStore) InsertTask(ctx context.Context, task *models.TaskRecord) error {
	return s.auto(func(tx *memTx) error { return tx.InsertTask(ctx, task) })
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *models.TaskRecord) error {
	return s.auto(func(tx *memTx) error { return tx.UpdateTask(ctx, task) })
}

func (s *MemoryStore) SaveLedger(ctx context.Context, ledger *models.UsageLedger) error {
	return s.auto(func(tx *memTx) error { return tx.SaveLedger(ctx, ledger) })
}

func (s *MemoryStore) InsertRefund(ctx context.Context, refund *models.RefundRecord) error {
	return s.auto(func(tx *memTx) error { return tx.InsertRefund(ctx, refund) })
}

// ListPendingTasks returns pending tasks, oldest first
func (s *MemoryStore) ListPendingTasks(ctx context.Context, limit int) ([]*models.TaskRecord, error) {
	return s.listTasks(limit, func(t *models.TaskRecord) bool {
		return t.Status == models.TaskPending
	})
}

// ListUnrefundedFailures returns failed tasks still holding a debit
func (s *MemoryStore) ListUnrefundedFailures(ctx context.Context, limit int) ([]*models.TaskRecord, error) {
	return s.listTasks(limit, func(t *models.TaskRecord) bool {
		return t.Status == models.TaskFailed && t.Debited() && !t.Refunded
	})
}

func (s *MemoryStore) listTasks(limit int, match func(*models.TaskRecord) bool) ([]*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TaskRecord
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnsureAccount creates an account with the initial balance if none exists
func (s *MemoryStore) EnsureAccount(ctx context.Context, userID string, initial int64) error {
	if initial < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil
	}
	now := s.now()
	s.accounts[userID] = &models.CreditAccount{UserID: userID, Balance: initial, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- memTx: the actual mutations ---

func (tx *memTx) GetBalance(ctx context.Context, userID string) (int64, error) {
	acct, ok := tx.s.accounts[userID]
	if !ok {
		return 0, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return acct.Balance, nil
}

func (tx *memTx) Debit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, ok := tx.s.accounts[userID]
	if !ok || acct.Balance < amount {
		return ErrInsufficientFunds
	}
	prev, prevAt := acct.Balance, acct.UpdatedAt
	acct.Balance -= amount
	acct.UpdatedAt = tx.s.now()
	tx.record(func() { acct.Balance, acct.UpdatedAt = prev, prevAt })
	return nil
}

func (tx *memTx) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, ok := tx.s.accounts[userID]
	if !ok {
		now := tx.s.now()
		tx.s.accounts[userID] = &models.CreditAccount{UserID: userID, Balance: amount, CreatedAt: now, UpdatedAt: now}
		tx.record(func() { delete(tx.s.accounts, userID) })
		return nil
	}
	prev, prevAt := acct.Balance, acct.UpdatedAt
	acct.Balance += amount
	acct.UpdatedAt = tx.s.now()
	tx.record(func() { acct.Balance, acct.UpdatedAt = prev, prevAt })
	return nil
}

func (tx *memTx) GetOrCreateLedger(ctx context.Context, userID, capabilityID string) (*models.UsageLedger, error) {
	key := ledgerKey(userID, capabilityID)
	if _, ok := tx.s.ledgerIndex[key]; !ok {
		now := tx.s.now()
		l := &models.UsageLedger{
			ID:           uuid.NewString(),
			UserID:       userID,
			CapabilityID: capabilityID,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		tx.s.ledgers[l.ID] = l
		tx.s.ledgerIndex[key] = l.ID
		tx.record(func() {
			delete(tx.s.ledgers, l.ID)
			delete(tx.s.ledgerIndex, key)
		})
	}
	return tx.GetLedger(ctx, userID, capabilityID)
}

func (tx *memTx) GetLedger(ctx context.Context, userID, capabilityID string) (*models.UsageLedger, error) {
	id, ok := tx.s.ledgerIndex[ledgerKey(userID, capabilityID)]
	if !ok {
		return nil, fmt.Errorf("ledger %s/%s: %w", userID, capabilityID, ErrNotFound)
	}
	return tx.s.loadLedger(id), nil
}

func (s *MemoryStore) loadLedger(id string) *models.UsageLedger {
	stored := s.ledgers[id]
	l := *stored
	l.Tasks = make([]*models.TaskRecord, 0, len(s.ledgerTasks[id]))
	for _, taskID := range s.ledgerTasks[id] {
		l.Tasks = append(l.Tasks, s.tasks[taskID].Clone())
	}
	l.Refunds = make([]*models.RefundRecord, 0, len(s.ledgerRefs[id]))
	for _, taskID := range s.ledgerRefs[id] {
		r := *s.refunds[taskID]
		l.Refunds = append(l.Refunds, &r)
	}
	return &l
}

func (tx *memTx) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t.Clone(), nil
}

func (tx *memTx) InsertTask(ctx context.Context, task *models.TaskRecord) error {
	if _, ok := tx.s.tasks[task.TaskID]; ok {
		return ErrTaskExists
	}
	if _, ok := tx.s.ledgers[task.LedgerID]; !ok {
		return fmt.Errorf("ledger %s: %w", task.LedgerID, ErrNotFound)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = tx.s.now()
	}
	task.Version = 1

	stored := task.Clone()
	tx.s.tasks[task.TaskID] = stored
	prevOrder := tx.s.ledgerTasks[task.LedgerID]
	tx.s.ledgerTasks[task.LedgerID] = append(append([]string(nil), prevOrder...), task.TaskID)
	tx.record(func() {
		delete(tx.s.tasks, task.TaskID)
		tx.s.ledgerTasks[task.LedgerID] = prevOrder
	})
	return nil
}

func (tx *memTx) UpdateTask(ctx context.Context, task *models.TaskRecord) error {
	current, ok := tx.s.tasks[task.TaskID]
	if !ok {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrNotFound)
	}
	if current.Version != task.Version {
		return ErrConflict
	}

	next := task.Clone()
	next.Version = task.Version + 1
	tx.s.tasks[task.TaskID] = next
	task.Version = next.Version
	tx.record(func() { tx.s.tasks[task.TaskID] = current })
	return nil
}

func (tx *memTx) SaveLedger(ctx context.Context, ledger *models.UsageLedger) error {
	current, ok := tx.s.ledgers[ledger.ID]
	if !ok {
		return fmt.Errorf("ledger %s: %w", ledger.ID, ErrNotFound)
	}
	if current.Version != ledger.Version {
		return ErrConflict
	}

	next := *current
	next.UsageCount = ledger.UsageCount
	next.TotalCreditsConsumed = ledger.TotalCreditsConsumed
	next.Version = ledger.Version + 1
	next.UpdatedAt = tx.s.now()
	tx.s.ledgers[ledger.ID] = &next
	ledger.Version = next.Version
	tx.record(func() { tx.s.ledgers[ledger.ID] = current })
	return nil
}

func (tx *memTx) InsertRefund(ctx context.Context, refund *models.RefundRecord) error {
	if _, ok := tx.s.refunds[refund.TaskID]; ok {
		return ErrRefundExists
	}
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = tx.s.now()
	}

	r := *refund
	tx.s.refunds[refund.TaskID] = &r
	prev := tx.s.ledgerRefs[refund.LedgerID]
	tx.s.ledgerRefs[refund.LedgerID] = append(append([]string(nil), prev...), refund.TaskID)
	tx.record(func() {
		delete(tx.s.refunds, refund.TaskID)
		tx.s.ledgerRefs[refund.LedgerID] = prev
	})
	return nil
}
