package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/store"
)

// fakeBackend implements store.Backend with everything unimplemented
// except the webhook lookups the dispatcher actually exercises.
type fakeBackend struct {
	mu     sync.Mutex
	hooks  map[string][]model.Webhook
}

func newFakeBackend() *fakeBackend { return &fakeBackend{hooks: map[string][]model.Webhook{}} }

func (f *fakeBackend) addHook(address string, wh model.Webhook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[address] = append(f.hooks[address], wh)
}

func (f *fakeBackend) ActiveWebhooks(_ context.Context, address string, event model.WebhookEvent) ([]model.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []model.Webhook
	for _, wh := range f.hooks[address] {
		if wh.HasEvent(event) {
			active = append(active, wh)
		}
	}
	return active, nil
}

func (f *fakeBackend) StoreMessage(context.Context, model.Message) error          { return nil }
func (f *fakeBackend) ListByAddress(context.Context, string) ([]model.Message, error) { return nil, nil }
func (f *fakeBackend) GetByID(context.Context, string) (model.Message, error)     { return model.Message{}, store.ErrNotFound }
func (f *fakeBackend) DeleteByID(context.Context, string) error                   { return nil }
func (f *fakeBackend) DeleteOlderThan(context.Context, int) ([]store.RemovedMessage, error) {
	return nil, nil
}
func (f *fakeBackend) CreateWebhook(context.Context, model.Webhook) error { return nil }
func (f *fakeBackend) GetWebhook(context.Context, string) (model.Webhook, error) {
	return model.Webhook{}, store.ErrNotFound
}
func (f *fakeBackend) UpdateWebhook(context.Context, model.Webhook) error { return nil }
func (f *fakeBackend) DeleteWebhook(context.Context, string) error        { return nil }
func (f *fakeBackend) ListWebhooksForAddress(context.Context, string) ([]model.Webhook, error) {
	return nil, nil
}
func (f *fakeBackend) GetMailbox(context.Context, string) (model.Mailbox, error) {
	return model.Mailbox{}, nil
}
func (f *fakeBackend) SetMailboxPassword(context.Context, string, string) error { return nil }
func (f *fakeBackend) ClearMailboxPassword(context.Context, string) error       { return nil }
func (f *fakeBackend) VerifyMailboxPassword(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeBackend) IsMailboxLocked(context.Context, string) (bool, error) { return false, nil }
func (f *fakeBackend) CreateUser(context.Context, model.User) error         { return nil }
func (f *fakeBackend) GetUserByEmail(context.Context, string) (model.User, error) {
	return model.User{}, store.ErrNotFound
}
func (f *fakeBackend) GetRateLimit(context.Context, string) (model.RateLimit, bool, error) {
	return model.RateLimit{}, false, nil
}
func (f *fakeBackend) SetRateLimit(context.Context, model.RateLimit) error { return nil }
func (f *fakeBackend) DeleteRateLimit(context.Context, string) error       { return nil }
func (f *fakeBackend) AppendRequest(context.Context, string, time.Time) error { return nil }
func (f *fakeBackend) CountRequestsSince(context.Context, string, time.Time) (int, error) {
	return 0, nil
}
func (f *fakeBackend) OldestRequestSince(context.Context, string, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeBackend) PurgeRequestsBefore(context.Context, time.Time) error { return nil }
func (f *fakeBackend) Close() error                                        { return nil }

var _ store.Backend = (*fakeBackend)(nil)

func TestDispatcherDeliversArrivalToMatchingWebhook(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		if body.Event != model.EventArrival || body.Mailbox != "alice@example.test" {
			t.Errorf("unexpected payload: %+v", body)
		}
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	backend.addHook("alice", model.Webhook{
		ID: "w1", Address: "alice", URL: srv.URL,
		Events: []model.WebhookEvent{model.EventArrival}, Enabled: true,
	})

	bus := fanout.New(nil, nil)
	d := New(backend, &metrics.NoopCollector{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, bus)

	bus.PublishArrival(model.Message{ID: "m1", To: "alice@example.test"})

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&received) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for webhook delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
}

func TestDispatcherSkipsWebhooksNotSubscribed(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	backend.addHook("alice", model.Webhook{
		ID: "w1", Address: "alice", URL: srv.URL,
		Events: []model.WebhookEvent{model.EventDeletion}, Enabled: true,
	})

	bus := fanout.New(nil, nil)
	d := New(backend, &metrics.NoopCollector{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, bus)

	bus.PublishArrival(model.Message{ID: "m1", To: "alice@example.test"})
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("expected no delivery for unsubscribed event")
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := normalizeURL("example.test/hook"); got != "http://example.test/hook" {
		t.Fatalf("unexpected normalization: %q", got)
	}
	if got := normalizeURL("https://example.test/hook"); got != "https://example.test/hook" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}
