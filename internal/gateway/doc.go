// Package gateway serves switchboard's HTTP surface.
//
// # Endpoints
//
// Provider and internal:
//
//   - POST /webhook/{tenantID} - inbound phone message, answered with TwiML
//   - POST /process/{tenantID}/{conversationID} - answer a conversation now
//
// Web widget (public, scoped by visitor_id):
//
//   - POST /widget/{tenantID}/messages
//   - GET /widget/{tenantID}/conversations/{id}/messages?visitor_id=
//   - GET /widget/{tenantID}/conversations/{id}/stream?visitor_id= (SSE)
//
// Operators (X-Webhook-Secret of the conversation's tenant):
//
//   - GET /api/tenants/{tenantID}/conversations?status=
//   - GET /api/conversations/{id}/messages
//   - POST /api/conversations/{id}/join, /return, /close
//   - POST /api/conversations/{id}/reply
//
// Operations: GET /health, GET /health/ready, GET /metrics.
//
// # Webhook
//
// The webhook always answers 200 so the provider does not retry. Failures
// become the tenant's generic error text. The one exception is a secret
// mismatch on a tenant with require_secret set, which gets 403.
//
// Before the relay sees a message the webhook drops provider redeliveries
// (by MessageSid) and rate-limits each sender.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, then waits for background agent tasks so
// answers already in flight still reach the customer.
package gateway
