package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

// Schema returns the DDL for the dialect.
func Schema(d Dialect) string {
	if d.Name == SQLite.Name {
		return sqliteSchema
	}
	return postgresSchema
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	if _, err := db.ExecContext(ctx, Schema(d)); err != nil {
		return fmt.Errorf("failed to apply %s schema: %w", d.Name, err)
	}
	return nil
}
