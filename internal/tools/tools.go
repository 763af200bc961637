// Package tools implements the JSON-RPC-style adapter used by external
// collaborators to list, fetch and delete Message Store messages without
// the mailbox-password gate the public HTTP API enforces.
package tools

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/infodancer/pop3d/internal/store"
)

// Server dispatches POST /tools/call requests to store.Backend methods.
type Server struct {
	backend store.Backend
	logger  *slog.Logger
}

// New constructs a tools Server bound to backend.
func New(backend store.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

// Handler returns the /tools/call endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/call", s.call)
	return mux
}

type callRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) call(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}

	switch req.Method {
	case "list_messages":
		s.listMessages(w, r, req.Params)
	case "get_message":
		s.getMessage(w, r, req.Params)
	case "delete_message":
		s.deleteMessage(w, r, req.Params)
	default:
		http.Error(w, `{"error":"unknown method"}`, http.StatusBadRequest)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	var p struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
		http.Error(w, `{"error":"address is required"}`, http.StatusBadRequest)
		return
	}
	messages, err := s.backend.ListByAddress(r.Context(), p.Address)
	if err != nil {
		s.logger.Error("tools list_messages failed", "address", p.Address, "error", err.Error())
		http.Error(w, `{"error":"failed to list messages"}`, http.StatusInternalServerError)
		return
	}
	writeResult(w, messages)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
		return
	}
	msg, err := s.backend.GetByID(r.Context(), p.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("tools get_message failed", "id", p.ID, "error", err.Error())
		http.Error(w, `{"error":"failed to fetch message"}`, http.StatusInternalServerError)
		return
	}
	writeResult(w, msg)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
		return
	}
	if err := s.backend.DeleteByID(r.Context(), p.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("tools delete_message failed", "id", p.ID, "error", err.Error())
		http.Error(w, `{"error":"failed to delete message"}`, http.StatusInternalServerError)
		return
	}
	writeResult(w, map[string]bool{"deleted": true})
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}
