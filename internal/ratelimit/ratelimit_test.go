package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/store"
)

type fakeLimitBackend struct {
	store.Backend
	limit      model.RateLimit
	found      bool
	hourly     int
	daily      int
	oldest     time.Time
	appendCalls int
}

func (f *fakeLimitBackend) GetRateLimit(context.Context, string) (model.RateLimit, bool, error) {
	return f.limit, f.found, nil
}
func (f *fakeLimitBackend) SetRateLimit(context.Context, model.RateLimit) error { f.found = true; return nil }
func (f *fakeLimitBackend) CountRequestsSince(_ context.Context, _ string, since time.Time) (int, error) {
	if since.Before(time.Now().Add(-2 * time.Hour)) {
		return f.daily, nil
	}
	return f.hourly, nil
}
func (f *fakeLimitBackend) OldestRequestSince(context.Context, string, time.Time) (time.Time, bool, error) {
	return f.oldest, !f.oldest.IsZero(), nil
}
func (f *fakeLimitBackend) AppendRequest(context.Context, string, time.Time) error {
	f.appendCalls++
	return nil
}

func TestMiddlewareRejectsWhenHourlyCapReached(t *testing.T) {
	backend := &fakeLimitBackend{
		limit: model.RateLimit{Address: "alice@example.test", RequestsPerHour: 10, RequestsPerDay: 100},
		found: true,
		hourly: 10,
		daily:  5,
		oldest: time.Now().Add(-30 * time.Minute),
	}

	handler := Middleware(backend, &metrics.NoopCollector{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/emails/alice@example.test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if backend.appendCalls != 0 {
		t.Fatal("expected no usage recorded on rejection")
	}
}

func TestMiddlewareAllowsWithinLimits(t *testing.T) {
	backend := &fakeLimitBackend{
		limit: model.RateLimit{Address: "alice@example.test", RequestsPerHour: 10, RequestsPerDay: 100},
		found: true,
		hourly: 2,
		daily:  2,
	}

	called := false
	handler := Middleware(backend, &metrics.NoopCollector{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/emails/alice@example.test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected request to pass through, got code=%d called=%v", rec.Code, called)
	}
	if backend.appendCalls != 1 {
		t.Fatalf("expected usage recorded, got %d calls", backend.appendCalls)
	}
}

func TestMiddlewareExemptsNonGatedPaths(t *testing.T) {
	backend := &fakeLimitBackend{}
	called := false
	handler := Middleware(backend, &metrics.NoopCollector{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected exempt path to pass through without rate-limit lookups")
	}
}

func TestExtractMailbox(t *testing.T) {
	cases := map[string]string{
		"/api/emails/alice@example.test":         "alice@example.test",
		"/api/mailbox/alice@example.test/status":  "alice@example.test",
		"/api/webhooks/alice@example.test":        "alice@example.test",
		"/api/auth/login":                         "",
		"/api/mailbox":                            "",
		"/api/admin/rate-limit/alice@example.test": "",
	}
	for path, want := range cases {
		if got := extractMailbox(path); got != want {
			t.Fatalf("extractMailbox(%q) = %q, want %q", path, got, want)
		}
	}
}
