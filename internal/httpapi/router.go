package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"usage_ledger/internal/auth"
	"usage_ledger/internal/billing"
	"usage_ledger/internal/catalog"
	"usage_ledger/internal/config"
	"usage_ledger/internal/lock"
	"usage_ledger/internal/metrics"
	"usage_ledger/internal/middleware"
	"usage_ledger/internal/providers"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/reconcile"
	"usage_ledger/internal/refund"
	"usage_ledger/internal/storage"
	"usage_ledger/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Store       storage.Store
	Redis       *redis.Client
	Catalog     *catalog.FileSource
	Engine      *billing.Engine
	Refunds     *refund.Coordinator
	Providers   *providers.Registry
	Checker     *reconcile.Checker
	Queue       queue.Queue
	DeadLetters queue.DeadLetterQueue
	Worker      *reconcile.SettlementWorker
	Poller      *reconcile.Poller
	Metrics     *metrics.Prometheus

	watchCatalog bool
	started      bool
	logger       *utils.Logger
}

// OpenStore opens the ledger store: PostgreSQL when database.url is set,
// otherwise an in-memory store. The PostgreSQL schema is migrated.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.URL == "" {
		return storage.NewMemoryStore(), nil
	}

	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
		LedgerCacheSize: cfg.Cache.LedgerCacheSize,
		LedgerCacheTTL:  cfg.Cache.LedgerCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewDependencies builds every component from configuration. Background
// workers are not running until Start is called.
func NewDependencies(ctx context.Context, cfg *config.Config) (_ *Dependencies, err error) {
	deps := &Dependencies{
		Metrics:      metrics.NewPrometheus(),
		watchCatalog: cfg.Catalog.Watch,
		logger:       utils.NewLogger("dependencies"),
	}
	// Release whatever was opened before a failure
	defer func() {
		if err != nil {
			if closeErr := deps.close(); closeErr != nil {
				deps.logger.Warn("Failed to release dependencies after init error", "error", closeErr)
			}
		}
	}()

	// Initialize store
	deps.Store, err = OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Initialize Redis client only when a backend needs it
	if cfg.UsesRedis() {
		deps.Redis, err = storage.NewRedisClient(ctx, storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.Backend == queue.BackendRedis {
		locker = lock.NewRedisLocker(deps.Redis, lock.RedisConfig{
			KeyPrefix: cfg.Lock.KeyPrefix,
			TTL:       cfg.Lock.TTL,
		})
	}

	deps.Catalog, err = catalog.NewFileSource(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	deps.Engine = billing.NewEngine(deps.Catalog, deps.Store, billing.Config{
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
		LockTimeout:        cfg.Engine.LockTimeout,
	}, billing.WithLocker(locker), billing.WithMetrics(deps.Metrics))

	deps.Refunds = refund.NewCoordinator(deps.Engine)
	deps.Engine.SetFailureRefunder(deps.Refunds)

	deps.Providers, err = providers.NewRegistryFromConfig(cfg.Upstream.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize status providers: %w", err)
	}
	deps.Checker = reconcile.NewChecker(deps.Engine, deps.Providers, cfg.Reconcile, deps.Metrics)

	// Initialize settlement queue
	queueCfg := cfg.Queue
	if queueCfg.Backend == queue.BackendRedis {
		q, err := queue.NewRedisQueue(deps.Redis, &queueCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create settlement queue: %w", err)
		}
		deps.Queue = q
		dlq, err := queue.NewRedisDeadLetterQueue(deps.Redis, &queueCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create settlement DLQ: %w", err)
		}
		deps.DeadLetters = dlq
	} else {
		deps.Queue = queue.NewMemoryQueue(&queueCfg)
		deps.DeadLetters = queue.NewMemoryDeadLetterQueue()
	}

	deps.Worker = reconcile.NewSettlementWorker(deps.Queue, deps.DeadLetters, deps.Engine, &queueCfg, deps.Metrics)
	deps.Poller = reconcile.NewPoller(deps.Checker, deps.Store, deps.Refunds, cfg.Reconcile, deps.Metrics)

	deps.logger.Info("Dependencies initialized",
		"store", storeKind(cfg),
		"lock_backend", cfg.Lock.Backend,
		"queue_backend", queueCfg.Backend,
		"capabilities", deps.Catalog.Snapshot().Len(),
		"status_providers", len(cfg.Upstream.Providers),
	)
	return deps, nil
}

func storeKind(cfg *config.Config) string {
	if cfg.Database.URL == "" {
		return "memory"
	}
	return "postgres"
}

// Start launches the settlement worker, the reconciliation poller and the
// catalog watcher
func (d *Dependencies) Start(ctx context.Context) {
	if d.started {
		return
	}
	d.started = true

	if d.Catalog != nil && d.watchCatalog {
		d.Catalog.Watch()
	}
	d.Worker.Start(ctx)
	d.Poller.Start(ctx)
}

// Shutdown stops background work and releases connections
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var errs []error
	if d.started {
		if err := d.Poller.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("poller: %w", err))
		}
		if err := d.Worker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("settlement worker: %w", err))
		}
		d.started = false
	}
	if err := d.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Dependencies) close() error {
	var errs []error
	if d.Queue != nil {
		errs = append(errs, d.Queue.Close())
	}
	if d.DeadLetters != nil {
		errs = append(errs, d.DeadLetters.Close())
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}

// NewRouter creates the HTTP handler. The /admin routes are mounted only
// when an operator token secret is configured.
func NewRouter(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)
	return middleware.RequestLogger(utils.NewLogger("http"))(mux)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	tasks := NewTasksHandler(deps.Engine, deps.Checker, deps.Worker)
	mux.HandleFunc("POST /v1/admissions", tasks.Admit)
	mux.HandleFunc("GET /v1/tasks/{id}", tasks.GetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/external", tasks.BindExternal)
	mux.HandleFunc("POST /v1/tasks/{id}/settle", tasks.Settle)
	mux.HandleFunc("GET /v1/tasks/{id}/status", tasks.Status)
	mux.HandleFunc("POST /v1/signals", tasks.Signal)
	mux.HandleFunc("GET /v1/usage", tasks.Usage)
	mux.HandleFunc("GET /v1/users/{id}/balance", tasks.Balance)

	// Health check endpoint - public
	mux.HandleFunc("GET /healthz", deps.handleHealth)

	// Metrics endpoint - public
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	if cfg.Auth.JWTSecret == "" {
		utils.NewLogger("http").Warn("auth.jwt_secret is empty, operator endpoints are disabled")
		return
	}

	secret := []byte(cfg.Auth.JWTSecret)
	viewer := middleware.OperatorJWTMiddleware(secret, auth.RoleViewer)
	admin := middleware.OperatorJWTMiddleware(secret, auth.RoleAdmin)

	ops := NewAdminHandler(deps.Refunds, deps.Engine, deps.Worker, deps.Poller)
	mux.Handle("POST /admin/tasks/{id}/refund", admin(http.HandlerFunc(ops.Refund)))
	mux.Handle("POST /admin/users/{id}/credits", admin(http.HandlerFunc(ops.GrantCredits)))
	mux.Handle("GET /admin/dead-letters", viewer(http.HandlerFunc(ops.ListDeadLetters)))
	mux.Handle("POST /admin/dead-letters/{id}/retry", admin(http.HandlerFunc(ops.RetryDeadLetter)))
	mux.Handle("POST /admin/reconcile/run", admin(http.HandlerFunc(ops.RunReconcile)))
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"store": "ok"}
	code := http.StatusOK

	if err := d.Store.Ping(r.Context()); err != nil {
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if d.Redis != nil {
		status["redis"] = "ok"
		if err := d.Redis.Ping(r.Context()).Err(); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	utils.RespondWithJSON(w, code, status)
}
