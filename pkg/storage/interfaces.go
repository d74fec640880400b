package storage

import (
	"regexp"
	"time"
)

// Storage types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Config for storage backends
type Config struct {
	Type string // "memory", "postgres", "sqlite"

	// PostgreSQL config
	PostgresURL         string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration

	// SQLite config
	SQLitePath string

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		SQLitePath:          "tollgate.db",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}

// Dialect captures the differences between the SQL engines tollgate runs on.
type Dialect struct {
	Name string
	// ForUpdate is appended to reads that precede a write in the same transaction.
	ForUpdate string

	positional bool
}

var (
	// Postgres uses native $N placeholders and row locks.
	Postgres = Dialect{Name: "postgres", ForUpdate: " FOR UPDATE"}
	// SQLite takes ? placeholders; immediate transactions lock the database instead of rows.
	SQLite = Dialect{Name: "sqlite3", positional: true}
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders for engines that only understand ?.
// Queries must reference each placeholder once and in ascending order.
func (d Dialect) Rebind(query string) string {
	if !d.positional {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}
