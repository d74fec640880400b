package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/keys"
)

// MemoryStore keeps billing state in maps. One mutex serializes units of work;
// writes are staged and applied only when fn succeeds.
type MemoryStore struct {
	mu   sync.Mutex
	keys keys.Store
	now  func() time.Time

	customers map[int64]*Customer
	subs      map[int64]*Subscription
	invoices  map[int64]*Invoice
	events    map[string]time.Time
	nextSub   int64
	nextInv   int64
	nextItem  int64
}

// NewMemoryStore creates an empty store whose derived key updates go to keyStore
func NewMemoryStore(keyStore keys.Store) *MemoryStore {
	return &MemoryStore{
		keys:      keyStore,
		now:       func() time.Time { return time.Now().UTC() },
		customers: make(map[int64]*Customer),
		subs:      make(map[int64]*Subscription),
		invoices:  make(map[int64]*Invoice),
		events:    make(map[string]time.Time),
	}
}

type keyOp struct {
	ownerID int64
	fn      func(*keys.APIKey) error
}

type memoryTx struct {
	s        *MemoryStore
	readOnly bool

	customers map[int64]*Customer
	subs      map[int64]*Subscription
	invoices  map[int64]*Invoice
	events    map[string]time.Time
	keyOps    []keyOp
	nextSub   int64
	nextInv   int64
	nextItem  int64
}

func (s *MemoryStore) begin(readOnly bool) *memoryTx {
	return &memoryTx{
		s:         s,
		readOnly:  readOnly,
		customers: make(map[int64]*Customer),
		subs:      make(map[int64]*Subscription),
		invoices:  make(map[int64]*Invoice),
		events:    make(map[string]time.Time),
		nextSub:   s.nextSub,
		nextInv:   s.nextInv,
		nextItem:  s.nextItem,
	}
}

// InTx runs fn in a unit of work
func (s *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin(false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

// View runs fn against committed state
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.begin(true))
}

func (tx *memoryTx) commit(ctx context.Context) error {
	// key updates go first: a failure there leaves billing state as it was
	for _, op := range tx.keyOps {
		if _, err := tx.s.keys.UpdateOwner(ctx, op.ownerID, op.fn); err != nil {
			return fmt.Errorf("failed to update keys for owner %d: %w", op.ownerID, err)
		}
	}
	for id, c := range tx.customers {
		tx.s.customers[id] = c
	}
	for id, sub := range tx.subs {
		tx.s.subs[id] = sub
	}
	for id, inv := range tx.invoices {
		tx.s.invoices[id] = inv
	}
	for id, at := range tx.events {
		tx.s.events[id] = at
	}
	tx.s.nextSub, tx.s.nextInv, tx.s.nextItem = tx.nextSub, tx.nextInv, tx.nextItem
	return nil
}

func (tx *memoryTx) writable() error {
	if tx.readOnly {
		return fmt.Errorf("write attempted in read-only billing view")
	}
	return nil
}

func (tx *memoryTx) RecordEvent(ctx context.Context, id string, eventType EventType, created time.Time) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.s.events[id]; ok {
		return ErrDuplicateEvent
	}
	if _, ok := tx.events[id]; ok {
		return ErrDuplicateEvent
	}
	tx.events[id] = tx.s.now()
	return nil
}

func (tx *memoryTx) customer(ownerID int64) (*Customer, bool) {
	if c, ok := tx.customers[ownerID]; ok {
		return c, true
	}
	c, ok := tx.s.customers[ownerID]
	return c, ok
}

func (tx *memoryTx) CustomerByOwner(ctx context.Context, ownerID int64) (*Customer, error) {
	c, ok := tx.customer(ownerID)
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (tx *memoryTx) CustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error) {
	for _, c := range tx.allCustomers() {
		if c.ProviderCustomerID == providerCustomerID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCustomerNotFound
}

func (tx *memoryTx) allCustomers() map[int64]*Customer {
	all := make(map[int64]*Customer, len(tx.s.customers)+len(tx.customers))
	for id, c := range tx.s.customers {
		all[id] = c
	}
	for id, c := range tx.customers {
		all[id] = c
	}
	return all
}

func (tx *memoryTx) SaveCustomer(ctx context.Context, c *Customer) error {
	if err := tx.writable(); err != nil {
		return err
	}
	for id, other := range tx.allCustomers() {
		if id != c.OwnerID && other.ProviderCustomerID == c.ProviderCustomerID {
			return fmt.Errorf("provider customer %s already belongs to owner %d", c.ProviderCustomerID, id)
		}
	}
	cp := *c
	if existing, ok := tx.customer(c.OwnerID); ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = tx.s.now()
	}
	tx.customers[c.OwnerID] = &cp
	return nil
}

func (tx *memoryTx) allSubs() []*Subscription {
	merged := make(map[int64]*Subscription, len(tx.s.subs)+len(tx.subs))
	for id, s := range tx.s.subs {
		merged[id] = s
	}
	for id, s := range tx.subs {
		merged[id] = s
	}
	out := make([]*Subscription, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *memoryTx) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	for _, s := range tx.allSubs() {
		if s.ProviderSubscriptionID == providerSubscriptionID {
			return s.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (tx *memoryTx) SubscriptionsByOwner(ctx context.Context, ownerID int64) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range tx.allSubs() {
		if s.OwnerID == ownerID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (tx *memoryTx) CurrentSubscription(ctx context.Context, ownerID int64) (*Subscription, error) {
	subs, _ := tx.SubscriptionsByOwner(ctx, ownerID)
	return pickCurrent(subs)
}

// pickCurrent expects subs ordered by id
func pickCurrent(subs []*Subscription) (*Subscription, error) {
	var newest *Subscription
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].Status != SubscriptionStatusCanceled {
			return subs[i], nil
		}
		if newest == nil {
			newest = subs[i]
		}
	}
	if newest == nil {
		return nil, ErrSubscriptionNotFound
	}
	return newest, nil
}

func (tx *memoryTx) SaveSubscription(ctx context.Context, s *Subscription) error {
	if err := tx.writable(); err != nil {
		return err
	}
	now := tx.s.now()
	cp := s.Clone()
	if cp.ID == 0 {
		if _, err := tx.SubscriptionByProviderID(ctx, cp.ProviderSubscriptionID); err == nil {
			return fmt.Errorf("subscription %s already exists", cp.ProviderSubscriptionID)
		}
		tx.nextSub++
		cp.ID = tx.nextSub
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	tx.subs[cp.ID] = cp
	s.ID, s.CreatedAt, s.UpdatedAt = cp.ID, cp.CreatedAt, cp.UpdatedAt
	return nil
}

func (tx *memoryTx) invoice(id int64) (*Invoice, bool) {
	if inv, ok := tx.invoices[id]; ok {
		return inv, true
	}
	inv, ok := tx.s.invoices[id]
	return inv, ok
}

func (tx *memoryTx) allInvoices() []*Invoice {
	merged := make(map[int64]*Invoice, len(tx.s.invoices)+len(tx.invoices))
	for id, inv := range tx.s.invoices {
		merged[id] = inv
	}
	for id, inv := range tx.invoices {
		merged[id] = inv
	}
	out := make([]*Invoice, 0, len(merged))
	for _, inv := range merged {
		out = append(out, inv)
	}
	return out
}

func (tx *memoryTx) InvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*Invoice, error) {
	for _, inv := range tx.allInvoices() {
		if inv.ProviderInvoiceID == providerInvoiceID {
			return inv.Clone(), nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (tx *memoryTx) Invoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, ok := tx.invoice(id)
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (tx *memoryTx) InvoicesByOwner(ctx context.Context, ownerID int64, limit int) ([]*Invoice, error) {
	var out []*Invoice
	for _, inv := range tx.allInvoices() {
		if inv.OwnerID == ownerID {
			out = append(out, inv.Clone())
		}
	}
	sortInvoices(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortInvoices orders newest first, matching the SQL listing
func sortInvoices(invs []*Invoice) {
	sort.Slice(invs, func(i, j int) bool {
		if !invs[i].IssuedAt.Equal(invs[j].IssuedAt) {
			return invs[i].IssuedAt.After(invs[j].IssuedAt)
		}
		return invs[i].ID > invs[j].ID
	})
}

func (tx *memoryTx) SaveInvoice(ctx context.Context, inv *Invoice) error {
	if err := tx.writable(); err != nil {
		return err
	}
	now := tx.s.now()
	cp := inv.Clone()
	if cp.ID == 0 {
		if _, err := tx.InvoiceByProviderID(ctx, cp.ProviderInvoiceID); err == nil {
			return fmt.Errorf("invoice %s already exists", cp.ProviderInvoiceID)
		}
		tx.nextInv++
		cp.ID = tx.nextInv
		cp.CreatedAt = now
		for i := range cp.Items {
			tx.nextItem++
			cp.Items[i].ID = tx.nextItem
		}
	} else {
		existing, ok := tx.invoice(cp.ID)
		if !ok {
			return ErrInvoiceNotFound
		}
		cp.Items = existing.Clone().Items
	}
	cp.UpdatedAt = now
	tx.invoices[cp.ID] = cp
	inv.ID, inv.CreatedAt, inv.UpdatedAt, inv.Items = cp.ID, cp.CreatedAt, cp.UpdatedAt, cp.Clone().Items
	return nil
}

// UpdateOwnerKeys dry-runs fn now so errors surface before commit, then stages it
func (tx *memoryTx) UpdateOwnerKeys(ctx context.Context, ownerID int64, fn func(*keys.APIKey) error) (int, error) {
	if err := tx.writable(); err != nil {
		return 0, err
	}
	current, err := tx.s.keys.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list keys for owner %d: %w", ownerID, err)
	}
	changed := 0
	for _, k := range current {
		working := k.Clone()
		if err := fn(working); err != nil {
			return changed, err
		}
		if *working != *k {
			changed++
		}
	}
	tx.keyOps = append(tx.keyOps, keyOp{ownerID: ownerID, fn: fn})
	return changed, nil
}
