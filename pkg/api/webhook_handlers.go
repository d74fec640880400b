package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// MaxWebhookBytes caps webhook payloads
const MaxWebhookBytes = 64 << 10

// StripeSignatureHeader carries the webhook signature
const StripeSignatureHeader = "Stripe-Signature"

type webhookResponse struct {
	Received bool            `json:"received"`
	Outcome  billing.Outcome `json:"outcome"`
}

// handleWebhook verifies and applies one provider event. Any failure to
// apply answers 500 so the provider redelivers; redelivery is safe because
// nothing was recorded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBytes+1))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}
	if len(payload) > MaxWebhookBytes {
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "webhook payload too large")
		return
	}

	ev, err := s.deps.Verifier.Verify(payload, r.Header.Get(StripeSignatureHeader))
	if err != nil {
		log := observability.FromContext(r.Context()).WithError(err)
		if errors.Is(err, billing.ErrWebhookSignatureInvalid) {
			log.Warn("webhook signature rejected")
			httputil.WriteBadRequest(w, "invalid webhook signature")
			return
		}
		log.Warn("webhook payload rejected")
		httputil.WriteBadRequest(w, "invalid webhook payload")
		return
	}

	outcome, err := s.deps.Reconciler.Apply(r.Context(), ev)
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	_ = httputil.WriteSuccess(w, webhookResponse{Received: true, Outcome: outcome})
}
