package api

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

const (
	defaultInvoiceLimit = 20
	maxInvoiceLimit     = 100
)

// CheckoutRequest starts a subscription purchase
type CheckoutRequest struct {
	PlanID     string `json:"plan_id" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	SuccessURL string `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// ChangePlanRequest moves a subscription to another plan
type ChangePlanRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

// RefundRequest refunds part of an invoice. Omitting amount_cents refunds
// the remaining balance.
type RefundRequest struct {
	AmountCents *int64 `json:"amount_cents,omitempty" validate:"omitempty,gt=0"`
}

func (s *Server) startCheckout(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	var req CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, err := s.deps.Billing.StartCheckout(r.Context(), billing.CheckoutRequest{
		OwnerID:    ownerID,
		Email:      req.Email,
		PlanID:     req.PlanID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, session)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	sub, err := s.deps.Billing.GetSubscription(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	sub, err := s.deps.Billing.CancelSubscription(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) reactivateSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	sub, err := s.deps.Billing.ReactivateSubscription(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) changePlan(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	var req ChangePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	sub, err := s.deps.Billing.ChangePlan(r.Context(), ownerID, req.PlanID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultInvoiceLimit, maxInvoiceLimit)
	if err != nil {
		httputil.WriteRequestError(w, err)
		return
	}
	invs, err := s.deps.Billing.ListInvoices(r.Context(), ownerID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if invs == nil {
		invs = []*billing.Invoice{}
	}
	_ = httputil.WriteSuccess(w, invs)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	invoiceID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	inv, err := s.deps.Billing.GetInvoice(r.Context(), ownerID, invoiceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, inv)
}

func (s *Server) refundInvoice(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	invoiceID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req RefundRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := s.deps.Billing.ProcessRefund(r.Context(), billing.RefundRequest{
		OwnerID:     ownerID,
		InvoiceID:   invoiceID,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, res)
}
