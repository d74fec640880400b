// Package httputil provides the JSON response and request helpers used by every
// tollgate handler, plus the generic middleware chain.
//
// # Responses
//
// Every error body is an ErrorResponse:
//
//	httputil.WriteErrorResponse(w, http.StatusTooManyRequests, httputil.ErrorResponse{
//		Error: "rate limit exceeded", Kind: "rate_limit_exceeded", RetryAfter: 12,
//	})
//
// # Requests
//
// ParseJSON rejects unknown fields and runs go-playground/validator tags:
//
//	var req CheckoutRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
