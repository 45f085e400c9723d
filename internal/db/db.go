// Package db opens the SQL database shared by the audit log and the backup index.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
)

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// Open connects to the configured database and returns an sqlx handle plus a
// cleanup func for shutdown.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, func() error, error) {
	switch cfg.Driver {
	case "", "sqlite":
		conn, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_driver", "sqlite"), zap.String("db_path", cfg.Path))
		cleanup := func() error {
			_, _ = conn.Exec("PRAGMA optimize")
			return conn.Close()
		}
		return sqlx.NewDb(conn, SQLite3), cleanup, nil
	case "postgres":
		conn, err := openPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
		return sqlx.NewDb(conn, PGX), conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func openPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open(PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
