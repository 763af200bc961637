// Package webhook delivers fanout events to registered HTTP subscribers,
// retrying transient failures without ever blocking ingestion.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/retry"
	"github.com/infodancer/pop3d/internal/store"
)

const (
	maxAttempts   = 3
	attemptTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// payload is the JSON body posted to a subscriber's webhook URL.
type payload struct {
	Event     model.WebhookEvent `json:"event"`
	Mailbox   string             `json:"mailbox"`
	WebhookID string             `json:"webhook_id"`
	Timestamp time.Time          `json:"timestamp"`
	Email     *model.Message     `json:"email,omitempty"`
}

// Dispatcher subscribes to the fanout bus and posts matching events to
// every registered, enabled webhook for the affected mailbox.
type Dispatcher struct {
	backend   store.Backend
	client    *http.Client
	logger    *slog.Logger
	collector metrics.Collector
}

// New constructs a Dispatcher. logger may be nil (defaults to slog.Default()).
func New(backend store.Backend, collector metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		backend:   backend,
		client:    &http.Client{Timeout: requestTimeout},
		logger:    logger,
		collector: collector,
	}
}

// Run subscribes to bus and dispatches every event it observes until ctx
// is cancelled. Each delivery runs in its own goroutine so a slow or
// unreachable subscriber never delays other deliveries or the bus itself.
func (d *Dispatcher) Run(ctx context.Context, bus *fanout.Bus) {
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev fanout.Event) {
	var (
		address string
		email   *model.Message
		event   model.WebhookEvent
	)
	switch ev.Kind {
	case fanout.KindArrival:
		address = ev.Message.To
		msg := ev.Message
		email = &msg
		event = model.EventArrival
	case fanout.KindDeletion:
		address = ev.Address
		event = model.EventDeletion
	default:
		return
	}

	hooks, err := d.backend.ActiveWebhooks(ctx, localPart(address), event)
	if err != nil {
		d.logger.Error("failed to look up webhooks", "address", address, "error", err.Error())
		return
	}

	for _, wh := range hooks {
		go d.deliver(ctx, wh, event, address, email)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, wh model.Webhook, event model.WebhookEvent, address string, email *model.Message) {
	body := payload{
		Event:     event,
		Mailbox:   address,
		WebhookID: wh.ID,
		Timestamp: time.Now().UTC(),
		Email:     email,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("failed to encode webhook payload", "webhook_id", wh.ID, "error", err.Error())
		return
	}

	url := normalizeURL(wh.URL)
	d.collector.WebhookAttempt(string(event))

	err = retry.Do(ctx, retry.Config{MaxAttempts: maxAttempts, Delays: retryDelays}, func() error {
		return d.post(ctx, url, encoded)
	})

	if err != nil {
		d.collector.WebhookFailed(string(event))
		d.logger.Warn("webhook delivery failed", "webhook_id", wh.ID, "url", url, "error", err.Error())
		return
	}
	d.collector.WebhookSucceeded(string(event))
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// SendTest posts a synthetic "test" payload to wh regardless of its
// subscribed event set, for the /webhook/:id/test admin endpoint.
func (d *Dispatcher) SendTest(ctx context.Context, wh model.Webhook) bool {
	body := payload{
		Event:     model.EventTest,
		Mailbox:   wh.Address,
		WebhookID: wh.ID,
		Timestamp: time.Now().UTC(),
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return false
	}
	err = retry.Do(ctx, retry.Config{MaxAttempts: maxAttempts, Delays: retryDelays}, func() error {
		return d.post(ctx, normalizeURL(wh.URL), encoded)
	})
	return err == nil
}

// localPart strips the domain from a full address, since webhooks are
// registered and matched by mailbox local-part only.
func localPart(address string) string {
	if i := strings.Index(address, "@"); i >= 0 {
		return address[:i]
	}
	return address
}

func normalizeURL(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}
