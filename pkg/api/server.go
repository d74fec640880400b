package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// BillingService is the account-facing billing surface
type BillingService interface {
	StartCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error)
	GetSubscription(ctx context.Context, ownerID int64) (*billing.Subscription, error)
	CancelSubscription(ctx context.Context, ownerID int64) (*billing.Subscription, error)
	ReactivateSubscription(ctx context.Context, ownerID int64) (*billing.Subscription, error)
	ChangePlan(ctx context.Context, ownerID int64, planID string) (*billing.Subscription, error)
	ProcessRefund(ctx context.Context, req billing.RefundRequest) (*billing.RefundResult, error)
	ListInvoices(ctx context.Context, ownerID int64, limit int) ([]*billing.Invoice, error)
	GetInvoice(ctx context.Context, ownerID, invoiceID int64) (*billing.Invoice, error)
}

// EventApplier applies verified webhook events
type EventApplier interface {
	Apply(ctx context.Context, ev *billing.Event) (billing.Outcome, error)
}

// UsageResetter zeroes usage counters across all keys
type UsageResetter interface {
	ResetAll(ctx context.Context, kind keys.UsageKind) (int64, error)
}

// Dependencies wires the server to the rest of tollgate
type Dependencies struct {
	Billing    BillingService
	Reconciler EventApplier
	Verifier   billing.Verifier
	Keys       keys.Store
	Usage      UsageResetter
	Catalog    plans.Catalog
	Logger     *observability.Logger
	// Notifier receives key.unblocked and key.revoked events; nil discards them
	Notifier notify.Notifier
	// Audit records account and admin mutations; nil discards them
	Audit audit.Logger
	// AdminToken protects account and admin routes; empty disables the check
	AdminToken string
}

// Server serves the billing webhook, account and admin routes
type Server struct {
	deps   Dependencies
	router *mux.Router
	issuer *keys.Issuer
	admin  *keys.Admin
	logger *observability.Logger
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		issuer: keys.NewIssuer(deps.Keys),
		admin:  keys.NewAdmin(deps.Keys, deps.Logger),
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/billing/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/plans", s.listPlans).Methods(http.MethodGet)

	requireToken := middleware.RequireAdminToken(s.deps.AdminToken)
	// outermost, so denied requests are recorded too
	auditLog := audit.Middleware(s.deps.Audit, s.logger)

	accounts := s.router.PathPrefix("/accounts/{owner}").Subrouter()
	accounts.Use(auditLog, requireToken)
	accounts.HandleFunc("/checkout", s.startCheckout).Methods(http.MethodPost)
	accounts.HandleFunc("/subscription", s.getSubscription).Methods(http.MethodGet)
	accounts.HandleFunc("/subscription/cancel", s.cancelSubscription).Methods(http.MethodPost)
	accounts.HandleFunc("/subscription/reactivate", s.reactivateSubscription).Methods(http.MethodPost)
	accounts.HandleFunc("/subscription/plan", s.changePlan).Methods(http.MethodPut)
	accounts.HandleFunc("/invoices", s.listInvoices).Methods(http.MethodGet)
	accounts.HandleFunc("/invoices/{id}", s.getInvoice).Methods(http.MethodGet)
	accounts.HandleFunc("/invoices/{id}/refund", s.refundInvoice).Methods(http.MethodPost)
	accounts.HandleFunc("/keys", s.issueKey).Methods(http.MethodPost)
	accounts.HandleFunc("/keys", s.listKeys).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(auditLog, requireToken)
	admin.HandleFunc("/keys/{id}/unblock", s.unblockKey).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{id}/revoke", s.revokeKey).Methods(http.MethodPost)
	admin.HandleFunc("/usage/reset", s.resetUsage).Methods(http.MethodPost)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
