// Package api exposes tollgate's billing and key management over HTTP.
//
// Routes:
//
//	POST /billing/webhook                            provider events
//	GET  /plans                                      active plans
//	POST /accounts/{owner}/checkout                  start a subscription purchase
//	GET  /accounts/{owner}/subscription
//	POST /accounts/{owner}/subscription/cancel       cancel at period end
//	POST /accounts/{owner}/subscription/reactivate
//	PUT  /accounts/{owner}/subscription/plan
//	GET  /accounts/{owner}/invoices[?limit=N]
//	GET  /accounts/{owner}/invoices/{id}
//	POST /accounts/{owner}/invoices/{id}/refund
//	POST /accounts/{owner}/keys                      issue; the raw key is returned once
//	GET  /accounts/{owner}/keys
//	POST /admin/keys/{id}/unblock
//	POST /admin/keys/{id}/revoke
//	POST /admin/usage/reset
//
// Account and admin routes require the admin bearer token when one is
// configured. tollgate has no user sessions; it expects the account service
// in front of it to authenticate users and forward on their behalf.
//
// Errors are JSON bodies of the form {"error": "..."}. Payment provider
// failures map to 502, validation failures to 400 and missing records to 404.
// The webhook answers 400 for a bad signature and 500 when the event could
// not be applied, which makes the provider deliver it again.
package api
