package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

const keyColumns = `id, owner_id, plan_id, name, key_hash, key_prefix, status,
	daily_usage, monthly_usage, last_reset_at, created_at, updated_at`

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore is a Store backed by the api_keys table
type SQLStore struct {
	db      *sql.DB
	dialect storage.Dialect
	now     func() time.Time
}

// NewSQLStore creates a SQL key store
func NewSQLStore(db *sql.DB, dialect storage.Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var status string
	if err := row.Scan(&k.ID, &k.OwnerID, &k.PlanID, &k.Name, &k.KeyHash, &k.KeyPrefix, &status,
		&k.DailyUsage, &k.MonthlyUsage, &k.LastResetAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	k.Status = Status(status)
	return &k, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

// Create inserts a key and assigns its id
func (s *SQLStore) Create(ctx context.Context, key *APIKey) error {
	if err := validateNew(key); err != nil {
		return err
	}
	now := s.now()
	if key.LastResetAt.IsZero() {
		key.LastResetAt = now
	}

	query := s.dialect.Rebind(`
		INSERT INTO api_keys (owner_id, plan_id, name, key_hash, key_prefix, status,
			daily_usage, monthly_usage, last_reset_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query, key.OwnerID, key.PlanID, key.Name, key.KeyHash, key.KeyPrefix,
		string(key.Status), key.DailyUsage, key.MonthlyUsage, key.LastResetAt, now, now).Scan(&key.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	key.CreatedAt, key.UpdatedAt = now, now
	return nil
}

// Lookup finds a key by hash
func (s *SQLStore) Lookup(ctx context.Context, hash string) (*APIKey, error) {
	query := s.dialect.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = $1`)
	k, err := scanKey(s.db.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup api key: %w", err)
	}
	return k, nil
}

// Get finds a key by id
func (s *SQLStore) Get(ctx context.Context, id int64) (*APIKey, error) {
	return s.get(ctx, s.db, id, "")
}

func (s *SQLStore) get(ctx context.Context, q Querier, id int64, lock string) (*APIKey, error) {
	query := s.dialect.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE id = $1` + lock)
	k, err := scanKey(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// ListByOwner returns the owner's keys ordered by id
func (s *SQLStore) ListByOwner(ctx context.Context, ownerID int64) ([]*APIKey, error) {
	return s.listByOwner(ctx, s.db, ownerID, "")
}

func (s *SQLStore) listByOwner(ctx context.Context, q Querier, ownerID int64, lock string) ([]*APIKey, error) {
	query := s.dialect.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE owner_id = $1 ORDER BY id` + lock)
	rows, err := q.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return out, nil
}

// SetStatus changes a key's status
func (s *SQLStore) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	_, err := s.Update(ctx, id, func(k *APIKey) error {
		k.Status = status
		return nil
	})
	return err
}

// IncrementUsage bumps a counter in a single statement
func (s *SQLStore) IncrementUsage(ctx context.Context, id int64, kind UsageKind) (int64, error) {
	var set, returning string
	switch kind {
	case UsageDaily:
		set, returning = "daily_usage = daily_usage + 1", "daily_usage"
	case UsageMonthly:
		set, returning = "monthly_usage = monthly_usage + 1", "monthly_usage"
	case UsageAll:
		set, returning = "daily_usage = daily_usage + 1, monthly_usage = monthly_usage + 1", "monthly_usage"
	default:
		return 0, ErrInvalidUsageKind
	}

	query := s.dialect.Rebind(`UPDATE api_keys SET ` + set + `, updated_at = $1 WHERE id = $2 RETURNING ` + returning)
	var value int64
	err := s.db.QueryRowContext(ctx, query, s.now(), id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return value, nil
}

func resetClause(kind UsageKind) (string, bool) {
	switch kind {
	case UsageDaily:
		return "daily_usage = 0", false
	case UsageMonthly:
		return "monthly_usage = 0", true
	case UsageAll:
		return "daily_usage = 0, monthly_usage = 0", true
	}
	return "", false
}

// ResetUsage zeroes counters of one key
func (s *SQLStore) ResetUsage(ctx context.Context, id int64, kind UsageKind) error {
	if !kind.Valid() {
		return ErrInvalidUsageKind
	}
	now := s.now()
	_, err := s.Update(ctx, id, func(k *APIKey) error {
		k.resetUsage(kind, now)
		return nil
	})
	return err
}

// ResetAllUsage zeroes counters of every key in one statement
func (s *SQLStore) ResetAllUsage(ctx context.Context, kind UsageKind, unblock bool) (int64, error) {
	set, monthly := resetClause(kind)
	if set == "" {
		return 0, ErrInvalidUsageKind
	}

	now := s.now()
	args := []interface{}{now}
	if monthly {
		set += ", last_reset_at = $2"
		args = append(args, now)
	}
	if unblock {
		set += fmt.Sprintf(", status = CASE WHEN status = '%s' THEN '%s' ELSE status END", StatusBlocked, StatusActive)
	}

	query := s.dialect.Rebind(`UPDATE api_keys SET updated_at = $1, ` + set)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage: %w", err)
	}
	return n, nil
}

func (s *SQLStore) write(ctx context.Context, q Querier, k *APIKey) error {
	query := s.dialect.Rebind(`
		UPDATE api_keys
		SET plan_id = $1, name = $2, status = $3, daily_usage = $4, monthly_usage = $5,
			last_reset_at = $6, updated_at = $7
		WHERE id = $8
	`)
	if _, err := q.ExecContext(ctx, query, k.PlanID, k.Name, string(k.Status), k.DailyUsage, k.MonthlyUsage,
		k.LastResetAt, k.UpdatedAt, k.ID); err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return nil
}

func (s *SQLStore) applyTx(ctx context.Context, tx Querier, current *APIKey, fn func(*APIKey) error) (*APIKey, bool, error) {
	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, false, err
	}
	if *working == *current {
		return working, false, nil
	}
	if err := checkInvariants(current, working); err != nil {
		return nil, false, err
	}
	working.UpdatedAt = s.now()
	if err := s.write(ctx, tx, working); err != nil {
		return nil, false, err
	}
	return working, true, nil
}

// Update performs an atomic read-modify-write of one key
func (s *SQLStore) Update(ctx context.Context, id int64, fn func(*APIKey) error) (*APIKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, id, s.dialect.ForUpdate)
	if err != nil {
		return nil, err
	}
	updated, changed, err := s.applyTx(ctx, tx, current, fn)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
	}
	return updated, nil
}

// UpdateOwner applies fn to every key of ownerID in one transaction
func (s *SQLStore) UpdateOwner(ctx context.Context, ownerID int64, fn func(*APIKey) error) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	changed, err := s.UpdateOwnerTx(ctx, tx, ownerID, fn)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return changed, nil
}

// UpdateOwnerTx is UpdateOwner inside a caller-owned transaction, so billing can
// commit derived key changes together with the event that caused them.
func (s *SQLStore) UpdateOwnerTx(ctx context.Context, tx Querier, ownerID int64, fn func(*APIKey) error) (int, error) {
	current, err := s.listByOwner(ctx, tx, ownerID, s.dialect.ForUpdate)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, k := range current {
		_, ok, err := s.applyTx(ctx, tx, k, fn)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}
