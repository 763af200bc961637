package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	token, err := issuer.Issue("alice@example.test")
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	email, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verifying token: %v", err)
	}
	if email != "alice@example.test" {
		t.Fatalf("unexpected email: %q", email)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	token, _ := issuer.Issue("alice@example.test")
	if _, err := issuer.Verify(token + "x"); err == nil {
		t.Fatal("expected tampered token to fail verification")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := &Issuer{secret: []byte("test-secret"), ttl: -time.Hour}
	token, _ := issuer.Issue("alice@example.test")
	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestRequireBearerRejectsMissingHeader(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	handler := RequireBearer(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/rate-limit/alice@example.test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireBearerAllowsValidToken(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	token, _ := issuer.Issue("alice@example.test")

	var gotEmail string
	handler := RequireBearer(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEmail = EmailFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/rate-limit/alice@example.test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || gotEmail != "alice@example.test" {
		t.Fatalf("unexpected result: code=%d email=%q", rec.Code, gotEmail)
	}
}
