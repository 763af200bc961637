package wsapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/model"
)

func newTestServer(t *testing.T, bus *fanout.Bus) (*httptest.Server, string) {
	t.Helper()
	hub := New(bus, "example.test", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{address}", hub.Handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+path, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding websocket message: %v", err)
	}
	return msg
}

func TestConnectMessageSentEagerly(t *testing.T) {
	bus := fanout.New(nil, nil)
	_, wsURL := newTestServer(t, bus)
	conn := dial(t, wsURL, "/ws/alice@example.test")

	msg := readMessage(t, conn)
	if msg.Type != "Connected" || msg.Address != "alice@example.test" {
		t.Fatalf("unexpected first message: %+v", msg)
	}
}

func TestBareLocalPartIsNormalizedWithDomain(t *testing.T) {
	bus := fanout.New(nil, nil)
	_, wsURL := newTestServer(t, bus)
	conn := dial(t, wsURL, "/ws/alice")

	msg := readMessage(t, conn)
	if msg.Address != "alice@example.test" {
		t.Fatalf("expected normalized address, got %q", msg.Address)
	}
}

func TestArrivalIsDeliveredOnlyToMatchingAddress(t *testing.T) {
	bus := fanout.New(nil, nil)
	_, wsURL := newTestServer(t, bus)
	conn := dial(t, wsURL, "/ws/alice@example.test")
	_ = readMessage(t, conn) // Connected

	bus.PublishArrival(model.Message{ID: "m1", To: "bob@example.test", Subject: "not for alice"})
	bus.PublishArrival(model.Message{ID: "m2", To: "alice@example.test", Subject: "for alice"})

	msg := readMessage(t, conn)
	if msg.Type != "Email" || msg.ID != "m2" || msg.Subject != "for alice" {
		t.Fatalf("expected only the matching arrival, got %+v", msg)
	}
}

func TestDeletionIsDeliveredToMatchingAddress(t *testing.T) {
	bus := fanout.New(nil, nil)
	_, wsURL := newTestServer(t, bus)
	conn := dial(t, wsURL, "/ws/alice@example.test")
	_ = readMessage(t, conn) // Connected

	bus.PublishDeletion("m1", "alice@example.test")

	msg := readMessage(t, conn)
	if msg.Type != "EmailDeleted" || msg.ID != "m1" || msg.Address != "alice@example.test" {
		t.Fatalf("unexpected deletion message: %+v", msg)
	}
}
