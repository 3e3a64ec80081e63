package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/catalog"
	"usage_ledger/internal/config"
	"usage_ledger/internal/httpapi"
	"usage_ledger/internal/lock"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/storage"
	"usage_ledger/internal/utils"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator tool for the usage ledger",
	Long: `ledgerctl works directly against the ledger database: it migrates the
schema, grants credits, issues administrative refunds, prints usage
summaries, runs a reconciliation pass and mints operator tokens.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.ConfigureLogging(utils.Warning, "console")
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $LEDGER_CONFIG)")
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// ledger bundles what the commands operate on
type ledger struct {
	cfg     *config.Config
	store   storage.Store
	catalog *catalog.FileSource
	engine  *billing.Engine
	closers []func() error
}

func (l *ledger) Close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
}

// openLedger connects to the database and builds an engine. A Redis lock
// backend is honored so the tool serializes with running daemons.
func openLedger(ctx context.Context) (*ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	l := &ledger{cfg: cfg}
	store, err := httpapi.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l.store = store
	l.closers = append(l.closers, store.Close)

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.Backend == queue.BackendRedis {
		client, err := storage.NewRedisClient(ctx, storage.RedisConfig{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			l.Close()
			return nil, err
		}
		l.closers = append(l.closers, client.Close)
		locker = lock.NewRedisLocker(client, lock.RedisConfig{KeyPrefix: cfg.Lock.KeyPrefix, TTL: cfg.Lock.TTL})
	}

	l.catalog, err = catalog.NewFileSource(cfg.Catalog.Path)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	l.engine = billing.NewEngine(l.catalog, store, billing.Config{
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
		LockTimeout:        cfg.Engine.LockTimeout,
	}, billing.WithLocker(locker))
	return l, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
