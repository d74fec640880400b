// Package notify delivers key lifecycle notifications to an operator endpoint.
//
// When a key exhausts its monthly quota, or an operator unblocks or revokes it,
// tollgate POSTs a JSON event to the configured URL:
//
//	{"id":"6c1f...","type":"key.blocked","timestamp":"2026-03-01T12:00:00Z",
//	 "owner_id":7,"key_id":42,"plan_id":"free","message":"..."}
//
// # Signing
//
// With a secret configured every request carries
//
//	X-Tollgate-Signature: sha256=<hex hmac of the body>
//
// Receivers check it with VerifySignature.
//
// # Delivery
//
// Notify never blocks the request path. Events are queued and sent by a single
// worker with exponential backoff; when the queue is full the event is dropped
// and counted. Delivery is at most once per attempt budget: a receiver that is
// down for longer than the retry window misses the event.
package notify
