package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/metrics"
	"usage_ledger/internal/models"
	"usage_ledger/internal/utils"
)

// ErrRunInProgress is returned by RunOnce while another run is active
var ErrRunInProgress = errors.New("reconcile: run already in progress")

// Config holds poller settings
type Config struct {
	// Interval between scheduled runs
	Interval time.Duration `mapstructure:"interval"`

	// Lookback is the age after which a pending task is settled as expired
	Lookback time.Duration `mapstructure:"lookback"`

	// NotFoundGrace is how long an unknown task is still treated as pending.
	// Zero keeps it pending until Lookback expires it.
	NotFoundGrace time.Duration `mapstructure:"not_found_grace"`

	// BatchSize caps the pending tasks examined per run
	BatchSize int `mapstructure:"batch_size"`

	// MaxConcurrency caps parallel status queries
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// QueryTimeout bounds a single status query
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// RateLimit is the sustained status query rate per second; Burst is the bucket size
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`

	// BackoffBase and BackoffMax shape the per-task retry delay after an
	// unavailable upstream or a failed settle
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`

	// SweepGrace is how long a failed debited task is left to its automatic
	// refund before the sweep refunds it
	SweepGrace time.Duration `mapstructure:"sweep_grace"`
}

// DefaultConfig returns default poller settings
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		Lookback:       24 * time.Hour,
		NotFoundGrace:  0,
		BatchSize:      500,
		MaxConcurrency: 8,
		QueryTimeout:   10 * time.Second,
		RateLimit:      20,
		Burst:          5,
		BackoffBase:    30 * time.Second,
		BackoffMax:     30 * time.Minute,
		SweepGrace:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.NotFoundGrace <= 0 || c.NotFoundGrace > c.Lookback {
		c.NotFoundGrace = c.Lookback
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.SweepGrace < 0 {
		c.SweepGrace = 0
	}
	return c
}

// TaskSource lists the tasks a run examines
type TaskSource interface {
	ListPendingTasks(ctx context.Context, limit int) ([]*models.TaskRecord, error)
	ListUnrefundedFailures(ctx context.Context, limit int) ([]*models.TaskRecord, error)
}

// ReconcileRefunder refunds failed tasks the automatic path missed
type ReconcileRefunder interface {
	RefundReconciled(ctx context.Context, taskID, reason string) error
}

// RunReport counts what one run did
type RunReport struct {
	Examined     int           `json:"examined"`
	Settled      int           `json:"settled"`
	Expired      int           `json:"expired"`
	StillPending int           `json:"still_pending"`
	BackedOff    int           `json:"backed_off"`
	Errors       int           `json:"errors"`
	Refunded     int           `json:"refunded"`
	Duration     time.Duration `json:"duration"`
}

type backoffState struct {
	attempts int
	until    time.Time
}

// Poller periodically settles pending tasks from upstream status
type Poller struct {
	checker  *Checker
	tasks    TaskSource
	refunder ReconcileRefunder
	metrics  metrics.Recorder
	logger   *utils.Logger
	config   Config
	limiter  *rate.Limiter
	now      func() time.Time

	running atomic.Bool

	mu      sync.Mutex
	backoff map[string]backoffState

	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewPoller creates a poller. refunder may be nil to disable the refund sweep.
func NewPoller(checker *Checker, tasks TaskSource, refunder ReconcileRefunder, cfg Config, rec metrics.Recorder) *Poller {
	cfg = cfg.withDefaults()
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Poller{
		checker:     checker,
		tasks:       tasks,
		refunder:    refunder,
		metrics:     rec,
		logger:      utils.NewLogger("reconcile-poller"),
		config:      cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		now:         time.Now,
		backoff:     make(map[string]backoffState),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start runs the poller loop in a goroutine until Stop or ctx is done
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() { go p.run(ctx) })
}

// Stop signals the loop to exit and waits for the current run to finish
func (p *Poller) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopChan) })
	select {
	case <-p.stoppedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.stoppedChan)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Info("Reconciliation poller started", "interval", p.config.Interval, "lookback", p.config.Lookback)
	for {
		select {
		case <-p.stopChan:
			p.logger.Info("Reconciliation poller stopping")
			return
		case <-ctx.Done():
			p.logger.Info("Reconciliation poller context cancelled")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-p.stopChan:
					cancel()
				case <-runCtx.Done():
				}
			}()
			if _, err := p.RunOnce(runCtx); err != nil && !errors.Is(err, ErrRunInProgress) {
				p.logger.Error("Reconciliation run failed", "error", err)
			}
			cancel()
		}
	}
}

// RunOnce performs one reconciliation pass. Overlapping calls return
// ErrRunInProgress without doing anything.
func (p *Poller) RunOnce(ctx context.Context) (*RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.ReconcileRun("skipped", 0)
		p.logger.Warn("Reconciliation run skipped, previous run still active")
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	report := &RunReport{}

	pending, err := p.tasks.ListPendingTasks(ctx, p.config.BatchSize)
	if err != nil {
		p.metrics.ReconcileRun("error", time.Since(start))
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	p.pruneBackoff(pending)

	var mu sync.Mutex
	count := func(outcome string, field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
		p.metrics.ReconcileTask(outcome)
	}

	g := new(errgroup.Group)
	g.SetLimit(p.config.MaxConcurrency)

	for _, task := range pending {
		if ctx.Err() != nil {
			break
		}
		report.Examined++
		task := task

		if p.now().Sub(task.CreatedAt) > p.config.Lookback {
			g.Go(func() error {
				if err := p.expire(ctx, task); err != nil {
					p.logger.Error("Failed to expire task", "task_id", task.TaskID, "error", err)
					p.scheduleBackoff(task.TaskID)
					count("error", &report.Errors)
					return nil
				}
				p.clearBackoff(task.TaskID)
				count("expired", &report.Expired)
				return nil
			})
			continue
		}

		if p.inBackoff(task.TaskID) {
			count("backoff", &report.BackedOff)
			continue
		}

		g.Go(func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			result, err := p.checker.check(ctx, task)
			switch {
			case err != nil:
				p.scheduleBackoff(task.TaskID)
				if errors.Is(err, billing.ErrExternalUnavailable) {
					count("unavailable", &report.BackedOff)
				} else {
					p.logger.Error("Failed to reconcile task", "task_id", task.TaskID, "error", err)
					count("error", &report.Errors)
				}
			case result.Settled():
				p.clearBackoff(task.TaskID)
				count("settled", &report.Settled)
			default:
				p.clearBackoff(task.TaskID)
				count("pending", &report.StillPending)
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.refunder != nil && ctx.Err() == nil {
		report.Refunded = p.sweepRefunds(ctx)
	}

	report.Duration = time.Since(start)
	result := "ok"
	if report.Errors > 0 {
		result = "partial"
	}
	p.metrics.ReconcileRun(result, report.Duration)
	p.logger.Info("Reconciliation run finished",
		"examined", report.Examined,
		"settled", report.Settled,
		"expired", report.Expired,
		"pending", report.StillPending,
		"backed_off", report.BackedOff,
		"errors", report.Errors,
		"refunded", report.Refunded,
		"duration", report.Duration,
	)
	return report, nil
}

// expire force-settles a task that outlived the lookback window
func (p *Poller) expire(ctx context.Context, task *models.TaskRecord) error {
	_, err := p.checker.settler.Settle(ctx, billing.SettleRequest{
		TaskID:    task.TaskID,
		Outcome:   billing.OutcomeFailure,
		ErrorInfo: reasonExpired,
	})
	return err
}

// sweepRefunds refunds failed tasks still holding a debit
func (p *Poller) sweepRefunds(ctx context.Context) int {
	failures, err := p.tasks.ListUnrefundedFailures(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("Failed to list unrefunded failures", "error", err)
		return 0
	}

	refunded := 0
	for _, task := range failures {
		if task.CompletedAt != nil && p.now().Sub(*task.CompletedAt) < p.config.SweepGrace {
			continue
		}
		if err := p.refunder.RefundReconciled(ctx, task.TaskID, "reconciliation sweep"); err != nil {
			p.logger.Error("Sweep refund failed", "task_id", task.TaskID, "error", err)
			continue
		}
		refunded++
	}
	return refunded
}

func (p *Poller) inBackoff(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.backoff[taskID]
	return ok && p.now().Before(st.until)
}

func (p *Poller) scheduleBackoff(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.backoff[taskID]
	st.attempts++
	delay := p.config.BackoffBase
	for i := 1; i < st.attempts && delay < p.config.BackoffMax; i++ {
		delay *= 2
	}
	if delay > p.config.BackoffMax {
		delay = p.config.BackoffMax
	}
	st.until = p.now().Add(delay)
	p.backoff[taskID] = st
}

// pruneBackoff drops entries for tasks settled elsewhere since the last run
func (p *Poller) pruneBackoff(pending []*models.TaskRecord) {
	ids := make(map[string]struct{}, len(pending))
	for _, task := range pending {
		ids[task.TaskID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.backoff {
		if _, ok := ids[id]; !ok {
			delete(p.backoff, id)
		}
	}
}

func (p *Poller) clearBackoff(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backoff, taskID)
}

// BackoffLen returns the number of tasks currently backed off
func (p *Poller) BackoffLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backoff)
}
