package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
)

// Dialect names the SQL flavour behind a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(driver string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(driver)); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Placeholder returns the bind parameter for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

type DB struct {
	conn    *sql.DB
	dialect Dialect
	logger  logger.Logger
}

func New(ctx context.Context, driver, dsn string, log logger.Logger) (*DB, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	dsn, err = prepareDSN(dialect, dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dialect == SQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info("Database connection established", "dialect", string(dialect))

	return &DB{
		conn:    conn,
		dialect: dialect,
		logger:  log,
	}, nil
}

func prepareDSN(dialect Dialect, dsn string) (string, error) {
	switch dialect {
	case MySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parsing mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		if _, ok := cfg.Params["charset"]; !ok {
			cfg.Params["charset"] = "utf8mb4"
		}
		return cfg.FormatDSN(), nil
	case SQLite:
		if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
			return dsn, nil
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
	}
	return dsn, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// Conn exposes the pool for queries outside a transaction.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Logger returns the logger instance
func (db *DB) Logger() logger.Logger {
	return db.logger
}
