// Package wsapi implements the live WebSocket push surface: one
// connection per mailbox address, fed from the fanout bus.
package wsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the tagged JSON union pushed to clients: Connected,
// Email or EmailDeleted, discriminated by Type.
type wsMessage struct {
	Type        string             `json:"type"`
	Address     string             `json:"address,omitempty"`
	ID          string             `json:"id,omitempty"`
	To          string             `json:"to,omitempty"`
	From        string             `json:"from,omitempty"`
	Subject     string             `json:"subject,omitempty"`
	Body        string             `json:"body,omitempty"`
	Timestamp   string             `json:"timestamp,omitempty"`
	Raw         *string            `json:"raw,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

func connectedMessage(address string) wsMessage {
	return wsMessage{Type: "Connected", Address: address}
}

func emailMessage(msg model.Message) wsMessage {
	return wsMessage{
		Type:        "Email",
		ID:          msg.ID,
		To:          msg.To,
		From:        msg.From,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
		Raw:         msg.Raw,
		Attachments: msg.Attachments,
	}
}

func deletedMessage(id, address string) wsMessage {
	return wsMessage{Type: "EmailDeleted", ID: id, Address: address}
}

// Hub serves the WebSocket upgrade endpoint mounted at /api/ws/{address}.
type Hub struct {
	bus        *fanout.Bus
	domainName string
	logger     *slog.Logger
}

// New constructs a Hub bound to bus, normalizing bare local-parts against
// domainName.
func New(bus *fanout.Bus, domainName string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: bus, domainName: domainName, logger: logger}
}

// normalizeAddress appends the configured domain to a bare local-part.
func (h *Hub) normalizeAddress(input string) string {
	input = strings.TrimSpace(input)
	if strings.Contains(input, "@") {
		return input
	}
	return input + "@" + h.domainName
}

// Handler upgrades the request and serves the target address named by
// the {address} path value.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	address := h.normalizeAddress(r.PathValue("address"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "address", address, "error", err.Error())
		return
	}
	h.serve(conn, address)
}

func (h *Hub) serve(conn *websocket.Conn, address string) {
	defer conn.Close()

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := h.writeJSON(conn, connectedMessage(address)); err != nil {
		h.logger.Warn("failed to send connected message", "address", address, "error", err.Error())
		return
	}

	done := make(chan struct{})
	go h.readLoop(conn, address, done)
	h.writeLoop(conn, sub, address, done)
}

// readLoop drains inbound frames (pings are answered by gorilla's pong
// handler automatically; anything else, including close, ends the loop).
func (h *Hub) readLoop(conn *websocket.Conn, address string, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop fans out matching bus events and periodic pings until the
// read side closes or the bus subscription is torn down.
func (h *Hub) writeLoop(conn *websocket.Conn, sub *fanout.Subscription, address string, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !h.matches(ev, address) {
				continue
			}
			msg := h.toWsMessage(ev)
			if err := h.writeJSON(conn, msg); err != nil {
				h.logger.Warn("failed to write websocket message", "address", address, "error", err.Error())
				return
			}
		}
	}
}

func (h *Hub) matches(ev fanout.Event, address string) bool {
	switch ev.Kind {
	case fanout.KindArrival:
		return ev.Message.To == address
	case fanout.KindDeletion:
		return ev.Address == address
	default:
		return false
	}
}

func (h *Hub) toWsMessage(ev fanout.Event) wsMessage {
	if ev.Kind == fanout.KindArrival {
		return emailMessage(ev.Message)
	}
	return deletedMessage(ev.MessageID, ev.Address)
}

func (h *Hub) writeJSON(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
