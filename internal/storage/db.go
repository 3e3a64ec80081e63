package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	queryTimeout time.Duration

	// Cache of (user, capability) -> ledger id. Ledger ids never change once
	// assigned, so entries are never invalidated by writes.
	ledgerCache *LRUCache[string]
}

// DBConfig holds database configuration
type DBConfig struct {
	// URL takes precedence over the discrete connection settings when set
	URL string

	// Connection settings
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeouts
	QueryTimeout time.Duration

	// Cache settings
	LedgerCacheSize int
	LedgerCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "usage_ledger",
		User:     "postgres",
		Password: "",
		SSLMode:  "disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		QueryTimeout: 5 * time.Second,

		LedgerCacheSize: 10000,
		LedgerCacheTTL:  30 * time.Minute,
	}
}

// DSN returns the connection string for lib/pq
func (cfg DBConfig) DSN() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return NewDBFromConn(conn, cfg), nil
}

// NewDBFromConn wraps an existing connection, e.g. one backed by sqlmock
func NewDBFromConn(conn *sqlx.DB, cfg DBConfig) *DB {
	return &DB{
		conn:         conn,
		queryTimeout: cfg.QueryTimeout,
		ledgerCache:  NewLRUCache[string](cfg.LedgerCacheSize, cfg.LedgerCacheTTL),
	}
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.ledgerCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// DBStats holds connection pool and cache statistics
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration

	LedgerCacheStats CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		LedgerCacheStats: db.ledgerCache.Stats(),
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}
