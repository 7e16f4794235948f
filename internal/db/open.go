package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db/dialect"
)

// Open creates the connection pool backing the search index.
//
// The driver is selected by cfg.Driver: "sqlite3" (default) opens a
// single-writer/multi-reader pair on cfg.Path, "pgx" connects to cfg.DSN
// and uses the same pool for both roles.
func Open(cfg config.IndexConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case "", dialect.SQLite3:
		writerConn, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerConn, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerConn.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}

		pool := NewPool(
			sqlx.NewDb(writerConn, dialect.SQLite3),
			sqlx.NewDb(readerConn, dialect.SQLite3),
		)
		if log != nil {
			log.Info("Index database initialized",
				zap.String("db_path", cfg.Path),
				zap.String("db_driver", dialect.SQLite3))
		}
		cleanup := func() error {
			// Refresh query planner statistics on the way out, per the
			// SQLite guidance for long-lived connections.
			_, _ = writerConn.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case dialect.PGX:
		conn, err := OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		// pgx pools internally, so a single *sqlx.DB serves both roles.
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		pool := NewPool(sqlxDB, sqlxDB)
		if log != nil {
			log.Info("Index database initialized", zap.String("db_driver", dialect.PGX))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported index driver: %s", cfg.Driver)
	}
}
