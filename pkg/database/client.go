// Package database opens the relational store and applies embedded
// migrations. Two backends are supported: sqlite (the default, suitable
// for single-node deployments) and postgres via the pgx driver.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "github.com/mattn/go-sqlite3"    // register sqlite3 driver
)

//go:embed migrations/sqlite3 migrations/postgres
var migrationsFS embed.FS

// Dialects.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Config holds database connection settings.
type Config struct {
	// URL is either a postgres URL ("postgres://...") or a sqlite file
	// path (optionally prefixed with "file:").
	URL string

	// Connection pool settings. Zero values get sensible defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the sql.DB together with the dialect it speaks.
type Client struct {
	db      *sql.DB
	dialect string
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Dialect returns DialectSQLite or DialectPostgres.
func (c *Client) Dialect() string {
	return c.dialect
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the database, configures the pool and applies all
// pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dialect, dsn := resolveDSN(cfg.URL)

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{db: db, dialect: dialect}
	if err := client.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return client, nil
}

// resolveDSN maps the configured URL to a driver name and DSN. For sqlite
// the WAL journal, a busy timeout, foreign keys and immediate write
// transactions are switched on via DSN options.
func resolveDSN(url string) (dialect, dsn string) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DialectPostgres, url
	}
	path := strings.TrimPrefix(url, "file:")
	if !strings.Contains(path, "?") {
		path += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	}
	return DialectSQLite, path
}

// migrate applies the embedded migrations for the active dialect.
//
// Migration files live in pkg/database/migrations/<dialect>/ and are
// embedded into the binary, so production deployments need no external
// files. The app applies pending migrations on startup.
func (c *Client) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+c.dialect)
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	var m *migrate.Migrate
	switch c.dialect {
	case DialectPostgres:
		driver, err := migratepg.WithInstance(c.db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "arena", driver)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	case DialectSQLite:
		driver, err := migratesqlite.WithInstance(c.db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "arena", driver)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	default:
		return fmt.Errorf("unknown dialect %q", c.dialect)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Vacuum reclaims storage space. Both backends accept the plain VACUUM
// statement; it must run outside a transaction.
func (c *Client) Vacuum(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}
