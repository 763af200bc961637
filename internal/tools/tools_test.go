package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/store"
)

type fakeBackend struct {
	store.Backend
	messages map[string]model.Message
}

func (f *fakeBackend) ListByAddress(_ context.Context, address string) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.To == address {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) GetByID(_ context.Context, id string) (model.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return model.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (f *fakeBackend) DeleteByID(_ context.Context, id string) error {
	if _, ok := f.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.messages, id)
	return nil
}

func call(t *testing.T, srv *Server, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return rec.Code, decoded
}

func TestListMessagesReturnsMatchingAddress(t *testing.T) {
	backend := &fakeBackend{messages: map[string]model.Message{
		"m1": {ID: "m1", To: "alice@example.test", Subject: "hi"},
		"m2": {ID: "m2", To: "bob@example.test", Subject: "not alice"},
	}}
	srv := New(backend, nil)

	status, body := call(t, srv, `{"method":"list_messages","params":{"address":"alice@example.test"}}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	result, ok := body["result"].([]any)
	if !ok || len(result) != 1 {
		t.Fatalf("expected one matching message, got %+v", body)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	srv := New(&fakeBackend{messages: map[string]model.Message{}}, nil)

	status, body := call(t, srv, `{"method":"get_message","params":{"id":"missing"}}`)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %+v", status, body)
	}
}

func TestDeleteMessageRemovesIt(t *testing.T) {
	backend := &fakeBackend{messages: map[string]model.Message{
		"m1": {ID: "m1", To: "alice@example.test"},
	}}
	srv := New(backend, nil)

	status, body := call(t, srv, `{"method":"delete_message","params":{"id":"m1"}}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", status, body)
	}
	if _, ok := backend.messages["m1"]; ok {
		t.Fatalf("expected message to be removed")
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	srv := New(&fakeBackend{}, nil)
	status, _ := call(t, srv, `{"method":"bogus","params":{}}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}
