package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// writeServiceError maps domain errors onto HTTP responses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *billing.ValidationError
		perr *billing.ProviderError
		rerr *httputil.RequestError
	)
	switch {
	case errors.As(err, &rerr):
		httputil.WriteRequestError(w, err)
	case errors.As(err, &verr):
		httputil.WriteValidationError(w, verr.Message, map[string]string{verr.Field: verr.Message})
	case errors.Is(err, billing.ErrPlanNotPurchasable):
		httputil.WriteBadRequest(w, err.Error())
	case errors.As(err, &perr):
		observability.FromContext(r.Context()).WithError(err).Warn("payment provider error")
		httputil.WriteBadGateway(w, perr.Error())
	case billing.IsNotFound(err), errors.Is(err, keys.ErrKeyNotFound), errors.Is(err, plans.ErrPlanNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, keys.ErrNotBlocked), errors.Is(err, keys.ErrKeyRevoked):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteInternalError(w)
	}
}
