package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Supported drivers, as named in DB_DRIVER.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
	MySQL    = "mysql"
)

// DB wraps a sqlx handle together with the dialect it speaks.
type DB struct {
	Client  *sqlx.DB
	Dialect string
}

// NewDB opens a pool for driver and pings it.
func NewDB(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		name string
		err  error
	)
	switch driver {
	case Postgres:
		name = "pgx"
	case SQLite:
		name = "sqlite3"
		dsn, err = sqliteDSN(dsn)
	case MySQL:
		name = "mysql"
		dsn, err = mysqlDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{Client: db, Dialect: driver}, nil
}

// Wrap adopts an existing handle, mainly for tests.
func Wrap(db *sqlx.DB, dialect string) *DB {
	return &DB{Client: db, Dialect: dialect}
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// SupportsRowLocks reports whether SELECT ... FOR UPDATE is available.
// SQLite serialises writers through BEGIN IMMEDIATE instead.
func (d *DB) SupportsRowLocks() bool {
	return d.Dialect != SQLite
}

// IsUniqueViolation reports whether err is a duplicate-key error from any
// supported driver.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func sqliteDSN(path string) (string, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if path == "" {
		return "", errors.New("sqlite path required")
	}
	if strings.Contains(path, "?") {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", nil
}

func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
