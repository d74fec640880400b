// Package storage opens the relational and cache backends used by tollgate.
//
// # Overview
//
// Key records, plans, subscriptions, invoices and the processed-event log live in a
// relational database. Two engines are supported:
//
//   - postgres: the production engine; row locks via SELECT ... FOR UPDATE
//   - sqlite3: single-node deployments and tests; writers serialize through
//     immediate transactions
//
// The "memory" storage type skips the database entirely and is used by tests and
// throwaway local runs.
//
// # Dialects
//
// SQL in tollgate is written once with $N placeholders. A Dialect rewrites the
// placeholders for engines that need it and supplies the row-lock clause:
//
//	db, dialect, err := storage.Open(ctx, cfg)
//	row := db.QueryRowContext(ctx, dialect.Rebind(query), args...)
//
// # Schema
//
// Migrate applies the embedded schema for the selected dialect. Statements are
// idempotent (CREATE ... IF NOT EXISTS) so Migrate runs on every start.
//
// # Redis
//
// NewRedisClient builds the client shared by the distributed rate limiter and the
// readiness probe.
package storage
