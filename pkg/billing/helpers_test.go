package billing

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

const (
	proPrice        = "price_pro"
	enterprisePrice = "price_enterprise"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) (keys.Store, Store)

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) (keys.Store, Store) {
			ks := keys.NewMemoryStore()
			return ks, NewMemoryStore(ks)
		},
		"sqlite": func(t *testing.T) (keys.Store, Store) {
			ctx := context.Background()
			db, err := storage.OpenSQLite(ctx, ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			require.NoError(t, storage.Migrate(ctx, db, storage.SQLite))
			ks := keys.NewSQLStore(db, storage.SQLite)
			return ks, NewSQLStore(db, storage.SQLite, ks)
		},
	}
}

func testCatalog(t *testing.T) *plans.Registry {
	t.Helper()
	all := plans.Defaults()
	for _, p := range all {
		switch p.ID {
		case plans.ProPlanID:
			p.PriceRef = proPrice
		case plans.EnterprisePlanID:
			p.PriceRef = enterprisePrice
		}
	}
	reg, err := plans.NewRegistry(all)
	require.NoError(t, err)
	return reg
}

type fixture struct {
	keys       keys.Store
	store      Store
	catalog    *plans.Registry
	reconciler *Reconciler
}

func newFixture(t *testing.T, factory storeFactory) *fixture {
	t.Helper()
	ks, store := factory(t)
	catalog := testCatalog(t)
	return &fixture{
		keys:       ks,
		store:      store,
		catalog:    catalog,
		reconciler: NewReconciler(store, catalog, observability.NopLogger(), nil),
	}
}

func (f *fixture) issueKey(t *testing.T, ownerID int64) *keys.APIKey {
	t.Helper()
	issued, err := keys.NewIssuer(f.keys).Issue(context.Background(), ownerID, plans.FreePlanID, "test")
	require.NoError(t, err)
	return issued.Key
}

func (f *fixture) key(t *testing.T, id int64) *keys.APIKey {
	t.Helper()
	k, err := f.keys.Get(context.Background(), id)
	require.NoError(t, err)
	return k
}

func (f *fixture) apply(t *testing.T, ev *Event) Outcome {
	t.Helper()
	outcome, err := f.reconciler.Apply(context.Background(), ev)
	require.NoError(t, err)
	return outcome
}

func (f *fixture) subscription(t *testing.T, providerID string) *Subscription {
	t.Helper()
	var sub *Subscription
	require.NoError(t, f.store.View(context.Background(), func(tx Tx) error {
		var err error
		sub, err = tx.SubscriptionByProviderID(context.Background(), providerID)
		return err
	}))
	return sub
}

func (f *fixture) invoice(t *testing.T, providerID string) *Invoice {
	t.Helper()
	var inv *Invoice
	require.NoError(t, f.store.View(context.Background(), func(tx Tx) error {
		var err error
		inv, err = tx.InvoiceByProviderID(context.Background(), providerID)
		return err
	}))
	return inv
}

// subscribe runs a completed checkout for ownerID onto planID
func (f *fixture) subscribe(t *testing.T, ownerID int64, planID string) {
	t.Helper()
	require.Equal(t, OutcomeApplied, f.apply(t, checkoutEvent("evt_checkout", ownerID, planID)))
}

func checkoutEvent(id string, ownerID int64, planID string) *Event {
	md := map[string]string{MetadataPlanID: planID}
	if ownerID > 0 {
		md[MetadataOwnerID] = itoa(ownerID)
	}
	return &Event{
		ID:      id,
		Type:    EventCheckoutCompleted,
		Created: baseTime,
		Checkout: &CheckoutSnapshot{
			ID:             "cs_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Email:          "owner@example.com",
			Metadata:       md,
		},
	}
}

func subscriptionEvent(id string, typ EventType, created time.Time, status, priceRef string) *Event {
	return &Event{
		ID:      id,
		Type:    typ,
		Created: created,
		Subscription: &SubscriptionSnapshot{
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			Status:             status,
			PriceRef:           priceRef,
			CurrentPeriodStart: baseTime,
			CurrentPeriodEnd:   baseTime.AddDate(0, 1, 0),
		},
	}
}

func invoiceEvent(id string, typ EventType, created time.Time, invoiceID string, amount int64) *Event {
	return &Event{
		ID:      id,
		Type:    typ,
		Created: created,
		Invoice: &InvoiceSnapshot{
			ID:             invoiceID,
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			AmountCents:    amount,
			Currency:       "usd",
			Status:         "open",
			PaymentRef:     "ch_" + invoiceID,
			IssuedAt:       created,
			Items: []InvoiceItem{
				{Description: "Pro", AmountCents: amount, Quantity: 1},
			},
		},
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
