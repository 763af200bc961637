package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/store"
	"github.com/infodancer/pop3d/internal/webhook"
)

type fakeBackend struct {
	mu        sync.Mutex
	messages  map[string]model.Message
	byAddress map[string][]model.Message
	webhooks  map[string]model.Webhook
	mailboxes map[string]model.Mailbox
	limits    map[string]model.RateLimit
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:  map[string]model.Message{},
		byAddress: map[string][]model.Message{},
		webhooks:  map[string]model.Webhook{},
		mailboxes: map[string]model.Mailbox{},
		limits:    map[string]model.RateLimit{},
	}
}

func (f *fakeBackend) StoreMessage(_ context.Context, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ID] = msg
	f.byAddress[msg.To] = append(f.byAddress[msg.To], msg)
	return nil
}

func (f *fakeBackend) ListByAddress(_ context.Context, address string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byAddress[address], nil
}

func (f *fakeBackend) GetByID(_ context.Context, id string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return model.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (f *fakeBackend) DeleteByID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, id)
	return nil
}

func (f *fakeBackend) DeleteOlderThan(context.Context, int) ([]store.RemovedMessage, error) {
	return nil, nil
}

func (f *fakeBackend) CreateWebhook(_ context.Context, wh model.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[wh.ID] = wh
	return nil
}

func (f *fakeBackend) GetWebhook(_ context.Context, id string) (model.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh, ok := f.webhooks[id]
	if !ok {
		return model.Webhook{}, store.ErrNotFound
	}
	return wh, nil
}

func (f *fakeBackend) UpdateWebhook(_ context.Context, wh model.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[wh.ID] = wh
	return nil
}

func (f *fakeBackend) DeleteWebhook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.webhooks[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.webhooks, id)
	return nil
}

func (f *fakeBackend) ListWebhooksForAddress(_ context.Context, address string) ([]model.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Webhook
	for _, wh := range f.webhooks {
		if wh.Address == address {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (f *fakeBackend) ActiveWebhooks(context.Context, string, model.WebhookEvent) ([]model.Webhook, error) {
	return nil, nil
}

func (f *fakeBackend) GetMailbox(_ context.Context, address string) (model.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mb, ok := f.mailboxes[address]; ok {
		return mb, nil
	}
	return model.Mailbox{Address: address}, nil
}

func (f *fakeBackend) SetMailboxPassword(_ context.Context, address, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mb := f.mailboxes[address]
	mb.Address = address
	mb.PasswordHash = &passwordHash
	mb.IsLocked = true
	f.mailboxes[address] = mb
	return nil
}

func (f *fakeBackend) ClearMailboxPassword(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mailboxes, address)
	return nil
}

func (f *fakeBackend) VerifyMailboxPassword(_ context.Context, address, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mb, ok := f.mailboxes[address]
	if !ok || mb.PasswordHash == nil {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(*mb.PasswordHash), []byte(password)) == nil, nil
}

func (f *fakeBackend) IsMailboxLocked(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mailboxes[address].IsLocked, nil
}

func (f *fakeBackend) CreateUser(context.Context, model.User) error { return nil }
func (f *fakeBackend) GetUserByEmail(context.Context, string) (model.User, error) {
	return model.User{}, store.ErrNotFound
}

func (f *fakeBackend) GetRateLimit(_ context.Context, address string) (model.RateLimit, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rl, ok := f.limits[address]
	return rl, ok, nil
}

func (f *fakeBackend) SetRateLimit(_ context.Context, rl model.RateLimit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits[rl.Address] = rl
	return nil
}

func (f *fakeBackend) DeleteRateLimit(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.limits, address)
	return nil
}

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

func newTestServer() (*Server, *fakeBackend) {
	backend := newFakeBackend()
	bus := fanout.New(nil, nil)
	dispatcher := webhook.New(backend, &metrics.NoopCollector{}, nil)
	return New(backend, bus, dispatcher, &metrics.NoopCollector{}, "", "example.test", nil), backend
}

func TestListEmailsReturnsStoredMessages(t *testing.T) {
	s, backend := newTestServer()
	backend.messages["m1"] = model.Message{ID: "m1", To: "alice@example.test", Subject: "hi"}
	backend.byAddress["alice@example.test"] = []model.Message{backend.messages["m1"]}

	req := httptest.NewRequest(http.MethodGet, "/api/emails/alice@example.test", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []model.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestListEmailsRejectsWrongPasswordOnLockedMailbox(t *testing.T) {
	s, backend := newTestServer()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	hash := string(hashed)
	backend.mailboxes["alice@example.test"] = model.Mailbox{Address: "alice@example.test", IsLocked: true, PasswordHash: &hash}

	req := httptest.NewRequest(http.MethodGet, "/api/emails/alice@example.test?password=wrong", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetEmailNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/email/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteEmailPublishesDeletionEvent(t *testing.T) {
	s, backend := newTestServer()
	backend.messages["m1"] = model.Message{ID: "m1", To: "alice@example.test"}

	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	req := httptest.NewRequest(http.MethodDelete, "/api/email/m1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != fanout.KindDeletion || ev.MessageID != "m1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a deletion event to be published")
	}
}

func TestClaimAndReleaseMailbox(t *testing.T) {
	s, _ := newTestServer()

	claimReq := httptest.NewRequest(http.MethodPost, "/api/mailbox/alice@example.test/claim", strings.NewReader(`{"password":"hunter2"}`))
	claimRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(claimRec, claimReq)
	if claimRec.Code != http.StatusOK {
		t.Fatalf("expected claim to succeed, got %d: %s", claimRec.Code, claimRec.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/mailbox/alice@example.test/status", nil)
	statusRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(statusRec, statusReq)
	var status map[string]bool
	_ = json.Unmarshal(statusRec.Body.Bytes(), &status)
	if !status["is_locked"] {
		t.Fatal("expected mailbox to be locked after claim")
	}

	releaseReq := httptest.NewRequest(http.MethodPost, "/api/mailbox/alice@example.test/release", strings.NewReader(`{"password":"hunter2"}`))
	releaseRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(releaseRec, releaseReq)
	if releaseRec.Code != http.StatusOK {
		t.Fatalf("expected release to succeed, got %d: %s", releaseRec.Code, releaseRec.Body.String())
	}
}

func TestCreateAndListWebhooks(t *testing.T) {
	s, _ := newTestServer()

	createReq := httptest.NewRequest(http.MethodPost, "/api/webhooks", strings.NewReader(
		`{"mailbox_address":"alice@example.test","url":"https://hooks.example.test/x","events":["arrival"]}`))
	createRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/webhooks/alice@example.test", nil)
	listRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(listRec, listReq)
	var hooks []model.Webhook
	_ = json.Unmarshal(listRec.Body.Bytes(), &hooks)
	if len(hooks) != 1 || hooks[0].URL != "https://hooks.example.test/x" {
		t.Fatalf("unexpected webhooks: %+v", hooks)
	}
}

func TestSetAndGetRateLimit(t *testing.T) {
	s, _ := newTestServer()

	setReq := httptest.NewRequest(http.MethodPost, "/api/admin/rate-limit/alice@example.test", strings.NewReader(
		`{"requests_per_hour":5,"requests_per_day":50}`))
	setRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(setRec, setReq)
	if setRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", setRec.Code, setRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/admin/rate-limit/alice@example.test", nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	var limit model.RateLimit
	_ = json.Unmarshal(getRec.Body.Bytes(), &limit)
	if limit.RequestsPerHour != 5 || limit.RequestsPerDay != 50 {
		t.Fatalf("unexpected rate limit: %+v", limit)
	}
}

func TestSetRateLimitRejectsInvalidBounds(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/rate-limit/alice@example.test", strings.NewReader(
		`{"requests_per_hour":50,"requests_per_day":5}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
