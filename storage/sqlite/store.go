// Package sqlite provides the SQLite implementation of storage.Store used for
// the local replica.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/sqlstore"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Placeholder: func(int) string { return "?" },
	SeqColumn:   "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	ColumnType: func(t storage.IndexType) string {
		switch t {
		case storage.IndexNumber:
			return "REAL"
		case storage.IndexBoolean:
			return "INTEGER"
		}
		return "TEXT"
	},
	ListColumns: `SELECT name FROM pragma_table_info('objects')`,
}

// Config holds configuration options for the SQLite store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the path of the database file, or ":memory:".
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Ignored for in-memory databases.
	EnableWAL bool

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration

	// Logger receives internal diagnostics. Defaults to the "sqlite-store"
	// component logger.
	Logger *slog.Logger

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int           // Default: 25 - Maximum number of open connections
	MaxIdleConns    int           // Default: 5  - Maximum number of idle connections
	ConnMaxLifetime time.Duration // Default: 1h - Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Default: 5m - Maximum idle time before closing
}

func (c *Config) inMemory() bool {
	return c.DataSourceName == MemoryDSN || strings.Contains(c.DataSourceName, "mode=memory")
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-store")).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	// Every connection to ":memory:" is a separate database.
	if c.inMemory() {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
}

// dsn renders the data source with driver parameters appended.
func (c *Config) dsn() string {
	if c.inMemory() {
		return c.DataSourceName
	}
	var params []string
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	if !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
	if !strings.Contains(c.DataSourceName, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return c.DataSourceName
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is the SQLite-backed storage.Store.
type Store struct {
	*sqlstore.Store
}

var _ storage.Store = (*Store)(nil)

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(context.Background(), DefaultConfig(dataSourceName))
}

// New opens the database described by config and prepares the schema.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.InfoContext(ctx, "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL && !config.inMemory()),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.DebugContext(ctx, "Connection pool configured",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", config.ConnMaxIdleTime),
	)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	inner, err := sqlstore.New(ctx, db, Dialect, "storage/sqlite", logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(ctx, "SQLite store successfully initialized")
	return &Store{Store: inner}, nil
}
