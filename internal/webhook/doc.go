// Package webhook serves the Slack-facing HTTP endpoint.
//
// Every POST to the events path goes through the same pipeline. The body is
// read once, and verification, parsing and routing all share those bytes.
//
//  1. Body size checked (413 if it exceeds max_body_size)
//  2. v0 signature and timestamp verified (403, no details in the response)
//  3. Body normalized into a Challenge, Callback or Unknown event (400 on parse errors)
//  4. Event routed; the outcome decides the status code
//  5. Delivery recorded when a DeliveryStore is configured
//
// # Responses
//
//   - 200 {"challenge": "..."}: url_verification handshake
//   - 200 {"status": "ok"}: handled, reply sent
//   - 200 {"status": "ignored", "reason": "..."}: nothing to do, Slack must not retry
//   - 500 {"status": "error", "message": "..."}: handler or reply failed, Slack will retry
//
// GET /healthz is always served. GET /metrics is mounted with WithMetrics.
// The admin endpoints under /admin/deliveries exist only when both
// WithDeliveries and WithAdminTokens are given.
//
// # Example Usage
//
//	srv := webhook.New(webhook.Config{Listen: "127.0.0.1:3000"},
//		signature.New(os.Getenv("SLACK_SIGNING_SECRET")), r, logger)
//	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//		return err
//	}
package webhook
