package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"time"

	_ "github.com/lib/pq"
)

// Migrations holds the schema shipped with the binary.
//
//go:embed migrations/*.up.sql
var Migrations embed.FS

const (
	// MaxStatementTimeoutMS caps the server side statement_timeout.
	MaxStatementTimeoutMS = 3_600_000

	// DefaultQueryTimeout bounds single non-transactional queries.
	DefaultQueryTimeout = 30 * time.Second

	migrationTimeout     = 5 * time.Minute
	defaultConnIdleTime  = 2 * time.Minute
	connectTimeout       = 10 * time.Second
	migrationAdvisoryKey = 0x6469737472 // "distr"
)

// DB is the shared connection pool of the distributor binaries.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// StatementTimeoutMS > 0 sets statement_timeout on every pooled session.
	StatementTimeoutMS int
	Logger             *slog.Logger
}

// New opens the pool and checks that the server answers.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.StatementTimeoutMS < 0 || cfg.StatementTimeoutMS > MaxStatementTimeoutMS {
		return nil, fmt.Errorf("statement timeout %dms out of allowed range [0, %d]", cfg.StatementTimeoutMS, MaxStatementTimeoutMS)
	}
	dsn, err := withStatementTimeout(cfg.URL, cfg.StatementTimeoutMS)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = defaultConnIdleTime
	}
	sqlDB.SetConnMaxIdleTime(idle)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{DB: sqlDB, logger: logger.With("component", "postgres")}, nil
}

// withStatementTimeout adds a statement_timeout startup option to a URL DSN
// so it applies to every session in the pool.
func withStatementTimeout(dsn string, timeoutMS int) (string, error) {
	if timeoutMS == 0 {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DB URL: %w", err)
	}
	q := u.Query()
	q.Set("options", fmt.Sprintf("-c statement_timeout=%d", timeoutMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RunMigrations applies the migrations/*.up.sql files of fsys that are not
// yet recorded in schema_migrations, in name order, one transaction per
// file. A session advisory lock keeps concurrent callers from racing.
func (db *DB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	files, err := fs.Glob(fsys, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationAdvisoryKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationAdvisoryKey); err != nil {
			db.logger.Warn("unlock migrations failed", "error", err)
		}
	}()

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	for _, f := range files {
		version := path.Base(f)
		if applied[version] {
			continue
		}
		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		start := time.Now()
		if err := applyMigration(ctx, conn, version, string(content)); err != nil {
			return err
		}
		db.logger.Info("migration applied", "version", version, "elapsed", time.Since(start))
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, conn *sql.Conn, version, content string) error {
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}
