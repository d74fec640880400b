package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

const (
	subscriptionColumns = `id, owner_id, plan_id, provider_subscription_id, provider_customer_id, status,
		current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at,
		created_at, updated_at`
	invoiceColumns = `id, provider_invoice_id, owner_id, provider_subscription_id, amount_cents, currency,
		refunded_cents, status, payment_ref, hosted_url, issued_at, paid_at, created_at, updated_at`
)

// SQLStore keeps billing state in the relational schema. Derived key changes
// are written through the key store inside the same transaction.
type SQLStore struct {
	db      *sql.DB
	dialect storage.Dialect
	keys    *keys.SQLStore
	now     func() time.Time
}

// NewSQLStore creates a SQL billing store
func NewSQLStore(db *sql.DB, dialect storage.Dialect, keyStore *keys.SQLStore) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		keys:    keyStore,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// InTx runs fn inside a database transaction
func (s *SQLStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{s: s, q: tx, lock: s.dialect.ForUpdate}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View runs fn against the database without a transaction
func (s *SQLStore) View(ctx context.Context, fn func(Tx) error) error {
	return fn(&sqlTx{s: s, q: s.db, readOnly: true})
}

type sqlTx struct {
	s        *SQLStore
	q        keys.Querier
	lock     string
	readOnly bool
}

func (t *sqlTx) rebind(query string) string {
	return t.s.dialect.Rebind(query)
}

func (t *sqlTx) writable() error {
	if t.readOnly {
		return fmt.Errorf("write attempted in read-only billing view")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

func (t *sqlTx) RecordEvent(ctx context.Context, id string, eventType EventType, created time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, t.rebind(`
		INSERT INTO billing_events (provider_event_id, event_type, event_created_at, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING
	`), id, string(eventType), created.UTC(), t.s.now())
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", id, err)
	}
	if n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.OwnerID, &c.ProviderCustomerID, &c.Email, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}

func (t *sqlTx) CustomerByOwner(ctx context.Context, ownerID int64) (*Customer, error) {
	return scanCustomer(t.q.QueryRowContext(ctx, t.rebind(`
		SELECT owner_id, provider_customer_id, email, created_at FROM billing_customers WHERE owner_id = $1
	`), ownerID))
}

func (t *sqlTx) CustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error) {
	return scanCustomer(t.q.QueryRowContext(ctx, t.rebind(`
		SELECT owner_id, provider_customer_id, email, created_at FROM billing_customers WHERE provider_customer_id = $1
	`), providerCustomerID))
}

func (t *sqlTx) SaveCustomer(ctx context.Context, c *Customer) error {
	if err := t.writable(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.s.now()
	}
	_, err := t.q.ExecContext(ctx, t.rebind(`
		INSERT INTO billing_customers (owner_id, provider_customer_id, email, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE
		SET provider_customer_id = EXCLUDED.provider_customer_id, email = EXCLUDED.email
	`), c.OwnerID, c.ProviderCustomerID, c.Email, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save customer for owner %d: %w", c.OwnerID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var start, end, canceled sql.NullTime
	if err := row.Scan(&sub.ID, &sub.OwnerID, &sub.PlanID, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID,
		&status, &start, &end, &sub.CancelAtPeriodEnd, &canceled, &sub.LastEventAt,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = SubscriptionStatus(status)
	sub.CurrentPeriodStart = nullTime(start)
	sub.CurrentPeriodEnd = nullTime(end)
	sub.CanceledAt = nullTime(canceled)
	return &sub, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (t *sqlTx) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	row := t.q.QueryRowContext(ctx, t.rebind(`SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE provider_subscription_id = $1`+t.lock), providerSubscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", providerSubscriptionID, err)
	}
	return sub, nil
}

func (t *sqlTx) SubscriptionsByOwner(ctx context.Context, ownerID int64) ([]*Subscription, error) {
	rows, err := t.q.QueryContext(ctx, t.rebind(`SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE owner_id = $1 ORDER BY id`+t.lock), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (t *sqlTx) CurrentSubscription(ctx context.Context, ownerID int64) (*Subscription, error) {
	subs, err := t.SubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return pickCurrent(subs)
}

func (t *sqlTx) SaveSubscription(ctx context.Context, sub *Subscription) error {
	if err := t.writable(); err != nil {
		return err
	}
	now := t.s.now()
	sub.UpdatedAt = now
	if sub.ID == 0 {
		sub.CreatedAt = now
		err := t.q.QueryRowContext(ctx, t.rebind(`
			INSERT INTO subscriptions (owner_id, plan_id, provider_subscription_id, provider_customer_id, status,
				current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		`), sub.OwnerID, sub.PlanID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, string(sub.Status),
			toNull(sub.CurrentPeriodStart), toNull(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, toNull(sub.CanceledAt),
			sub.LastEventAt.UTC(), sub.CreatedAt, sub.UpdatedAt).Scan(&sub.ID)
		if err != nil {
			return fmt.Errorf("failed to insert subscription %s: %w", sub.ProviderSubscriptionID, err)
		}
		return nil
	}

	_, err := t.q.ExecContext(ctx, t.rebind(`
		UPDATE subscriptions
		SET plan_id = $1, provider_customer_id = $2, status = $3, current_period_start = $4,
			current_period_end = $5, cancel_at_period_end = $6, canceled_at = $7, last_event_at = $8,
			updated_at = $9
		WHERE id = $10
	`), sub.PlanID, sub.ProviderCustomerID, string(sub.Status), toNull(sub.CurrentPeriodStart),
		toNull(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, toNull(sub.CanceledAt), sub.LastEventAt.UTC(),
		sub.UpdatedAt, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription %d: %w", sub.ID, err)
	}
	return nil
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var status string
	var paid sql.NullTime
	if err := row.Scan(&inv.ID, &inv.ProviderInvoiceID, &inv.OwnerID, &inv.ProviderSubscriptionID,
		&inv.AmountCents, &inv.Currency, &inv.RefundedCents, &status, &inv.PaymentRef, &inv.HostedURL,
		&inv.IssuedAt, &paid, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	inv.PaidAt = nullTime(paid)
	return &inv, nil
}

func (t *sqlTx) loadItems(ctx context.Context, inv *Invoice) error {
	rows, err := t.q.QueryContext(ctx, t.rebind(`
		SELECT id, description, amount_cents, quantity, period_start, period_end
		FROM invoice_items WHERE invoice_id = $1 ORDER BY id
	`), inv.ID)
	if err != nil {
		return fmt.Errorf("failed to load invoice items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item InvoiceItem
		var start, end sql.NullTime
		if err := rows.Scan(&item.ID, &item.Description, &item.AmountCents, &item.Quantity, &start, &end); err != nil {
			return fmt.Errorf("failed to scan invoice item: %w", err)
		}
		item.PeriodStart, item.PeriodEnd = nullTime(start), nullTime(end)
		inv.Items = append(inv.Items, item)
	}
	return rows.Err()
}

func (t *sqlTx) getInvoice(ctx context.Context, where string, arg interface{}) (*Invoice, error) {
	row := t.q.QueryRowContext(ctx, t.rebind(`SELECT `+invoiceColumns+` FROM invoices WHERE `+where+t.lock), arg)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if err := t.loadItems(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (t *sqlTx) InvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*Invoice, error) {
	return t.getInvoice(ctx, "provider_invoice_id = $1", providerInvoiceID)
}

func (t *sqlTx) Invoice(ctx context.Context, id int64) (*Invoice, error) {
	return t.getInvoice(ctx, "id = $1", id)
}

func (t *sqlTx) InvoicesByOwner(ctx context.Context, ownerID int64, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.q.QueryContext(ctx, t.rebind(`SELECT `+invoiceColumns+`
		FROM invoices WHERE owner_id = $1 ORDER BY issued_at DESC, id DESC LIMIT $2`), ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	var invs []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invs = append(invs, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	// items are loaded after the cursor closes; sqlite runs on one connection
	for _, inv := range invs {
		if err := t.loadItems(ctx, inv); err != nil {
			return nil, err
		}
	}
	return invs, nil
}

func (t *sqlTx) SaveInvoice(ctx context.Context, inv *Invoice) error {
	if err := t.writable(); err != nil {
		return err
	}
	now := t.s.now()
	inv.UpdatedAt = now
	if inv.ID != 0 {
		_, err := t.q.ExecContext(ctx, t.rebind(`
			UPDATE invoices
			SET owner_id = $1, provider_subscription_id = $2, amount_cents = $3, currency = $4,
				refunded_cents = $5, status = $6, payment_ref = $7, hosted_url = $8, paid_at = $9,
				updated_at = $10
			WHERE id = $11
		`), inv.OwnerID, inv.ProviderSubscriptionID, inv.AmountCents, inv.Currency, inv.RefundedCents,
			string(inv.Status), inv.PaymentRef, inv.HostedURL, toNull(inv.PaidAt), inv.UpdatedAt, inv.ID)
		if err != nil {
			return fmt.Errorf("failed to update invoice %d: %w", inv.ID, err)
		}
		return nil
	}

	inv.CreatedAt = now
	err := t.q.QueryRowContext(ctx, t.rebind(`
		INSERT INTO invoices (provider_invoice_id, owner_id, provider_subscription_id, amount_cents, currency,
			refunded_cents, status, payment_ref, hosted_url, issued_at, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`), inv.ProviderInvoiceID, inv.OwnerID, inv.ProviderSubscriptionID, inv.AmountCents, inv.Currency,
		inv.RefundedCents, string(inv.Status), inv.PaymentRef, inv.HostedURL, inv.IssuedAt.UTC(), toNull(inv.PaidAt),
		inv.CreatedAt, inv.UpdatedAt).Scan(&inv.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice %s already exists: %w", inv.ProviderInvoiceID, err)
		}
		return fmt.Errorf("failed to insert invoice %s: %w", inv.ProviderInvoiceID, err)
	}

	for i := range inv.Items {
		item := &inv.Items[i]
		err := t.q.QueryRowContext(ctx, t.rebind(`
			INSERT INTO invoice_items (invoice_id, description, amount_cents, quantity, period_start, period_end)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`), inv.ID, item.Description, item.AmountCents, item.Quantity, toNull(item.PeriodStart),
			toNull(item.PeriodEnd)).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert invoice item: %w", err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateOwnerKeys(ctx context.Context, ownerID int64, fn func(*keys.APIKey) error) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.s.keys.UpdateOwnerTx(ctx, t.q, ownerID, fn)
}
