package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

const planColumns = `id, tier, name, rate_limit_per_minute, daily_limit, monthly_limit,
	price_ref, price_cents, currency, active`

// SQLSource reads and writes the plans table
type SQLSource struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewSQLSource creates a plan source over db
func NewSQLSource(db *sql.DB, dialect storage.Dialect) *SQLSource {
	return &SQLSource{db: db, dialect: dialect}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var p Plan
	var tier string
	if err := row.Scan(&p.ID, &tier, &p.Name, &p.RateLimitPerMinute, &p.DailyLimit, &p.MonthlyLimit,
		&p.PriceRef, &p.PriceCents, &p.Currency, &p.Active); err != nil {
		return nil, err
	}
	p.Tier = Tier(tier)
	return &p, nil
}

// Get loads one plan by id
func (s *SQLSource) Get(ctx context.Context, id string) (*Plan, error) {
	query := s.dialect.Rebind(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)
	p, err := scanPlan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// ByPriceRef loads the plan sold at priceRef
func (s *SQLSource) ByPriceRef(ctx context.Context, priceRef string) (*Plan, error) {
	query := s.dialect.Rebind(`SELECT ` + planColumns + ` FROM plans WHERE price_ref = $1 AND price_ref <> ''`)
	p, err := scanPlan(s.db.QueryRowContext(ctx, query, priceRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: price %s", ErrPlanNotFound, priceRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan by price: %w", err)
	}
	return p, nil
}

// List loads every plan ordered by id
func (s *SQLSource) List(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a plan definition
func (s *SQLSource) Upsert(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	query := s.dialect.Rebind(`
		INSERT INTO plans (id, tier, name, rate_limit_per_minute, daily_limit, monthly_limit,
			price_ref, price_cents, currency, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			tier = excluded.tier,
			name = excluded.name,
			rate_limit_per_minute = excluded.rate_limit_per_minute,
			daily_limit = excluded.daily_limit,
			monthly_limit = excluded.monthly_limit,
			price_ref = excluded.price_ref,
			price_cents = excluded.price_cents,
			currency = excluded.currency,
			active = excluded.active,
			updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, query, p.ID, string(p.Tier), p.Name, p.RateLimitPerMinute, p.DailyLimit,
		p.MonthlyLimit, p.PriceRef, p.PriceCents, p.Currency, p.Active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}

// Seed inserts plans that do not exist yet and leaves existing rows alone
func (s *SQLSource) Seed(ctx context.Context, all []*Plan) error {
	query := s.dialect.Rebind(`
		INSERT INTO plans (id, tier, name, rate_limit_per_minute, daily_limit, monthly_limit,
			price_ref, price_cents, currency, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`)
	now := time.Now().UTC()
	for _, p := range all {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, p.ID, string(p.Tier), p.Name, p.RateLimitPerMinute,
			p.DailyLimit, p.MonthlyLimit, p.PriceRef, p.PriceCents, p.Currency, p.Active, now); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.ID, err)
		}
	}
	return nil
}
