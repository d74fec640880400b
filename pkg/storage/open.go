package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

// Open connects to the configured relational backend. It returns a nil *sql.DB for
// the memory storage type.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	switch cfg.Type {
	case TypeMemory:
		return nil, Dialect{}, nil
	case TypePostgres:
		cm, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
			PrimaryURL:  cfg.PostgresURL,
			MaxConns:    cfg.PostgresMaxConns,
			MinConns:    cfg.PostgresMinConns,
			Timeout:     cfg.PostgresTimeout,
			MaxLifetime: cfg.PostgresMaxLifetime,
		})
		if err != nil {
			return nil, Dialect{}, err
		}
		return cm.Primary(), Postgres, nil
	case TypeSQLite:
		db, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, Dialect{}, err
		}
		return db, SQLite, nil
	default:
		return nil, Dialect{}, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// OpenSQLite opens a SQLite database with immediate transactions so that a
// transaction takes the write lock before its first read.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate&_busy_timeout=5000"
	} else {
		dsn += "?_txlock=immediate&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// In-memory databases exist per connection.
	if strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}
