// Package metrics provides interfaces and implementations for collecting
// tempmaild metrics across the SMTP, IMAP, HTTP, fanout and webhook
// components, and for exposing them over an HTTP endpoint.
package metrics

import "context"

// Collector defines the interface for recording tempmaild metrics.
type Collector interface {
	// SMTP session metrics.
	SMTPConnectionOpened(mode string)
	SMTPConnectionClosed(mode string)
	TLSConnectionEstablished()
	MessageIngested(domain string, sizeBytes int64)
	MessageRejected(reason string)

	// Fanout bus metrics.
	EventPublished(kind string)
	EventDropped(kind string)

	// Webhook dispatcher metrics.
	WebhookAttempt(event string)
	WebhookSucceeded(event string)
	WebhookFailed(event string)

	// Retention sweeper metrics.
	MessagesSwept(count int)

	// Rate-limit gate metrics.
	RateLimitRejected(address string)

	// HTTP/IMAP surface metrics.
	HTTPRequest(route string, status int)
	IMAPSessionOpened()
	IMAPSessionClosed()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
