// Package middleware holds tollgate's HTTP boundary: admission control in front
// of the protected upstream and the admin bearer-token check in front of the
// account API.
//
// # Admission
//
//	adm := middleware.NewAdmissionMiddleware(pipeline, "X-API-Key", logger)
//	router.PathPrefix("/").Handler(adm.Handler(proxy))
//
// The key is read from the configured header, falling back to
// "Authorization: Bearer". Rejections map to statuses:
//
//	missing key          401
//	invalid or revoked   403
//	rate limit           429 with Retry-After
//	quota exceeded       403
//	suspended            402
//	backend failure      503
//
// Admitted responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset, plus X-Quota-Notice on the request that exhausted the
// monthly quota. Handlers read the decision with AdmissionFromContext.
package middleware
