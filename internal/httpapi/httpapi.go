// Package httpapi implements the JSON read/admin surface: mailbox
// listing, message fetch/delete, mailbox claim/release, webhook CRUD,
// and rate-limit administration.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/pop3d/internal/apierr"
	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/store"
	"github.com/infodancer/pop3d/internal/webhook"
)

// Server wires the Backend, fanout bus and webhook dispatcher into an
// http.Handler implementing the mailbox listing, message fetch/delete,
// mailbox claim/release, webhook CRUD and rate-limit admin routes.
type Server struct {
	backend    store.Backend
	bus        *fanout.Bus
	dispatcher *webhook.Dispatcher
	collector  metrics.Collector
	logger     *slog.Logger
	staticDir  string
	domainName string
}

// New constructs the HTTP API server. staticDir, if non-empty, is served
// at the root for the bundled web client; logger may be nil. domainName
// is appended to bare local-part addresses supplied by clients, mirroring
// wsapi.Hub's normalization.
func New(backend store.Backend, bus *fanout.Bus, dispatcher *webhook.Dispatcher, collector metrics.Collector, staticDir, domainName string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, bus: bus, dispatcher: dispatcher, collector: collector, logger: logger, staticDir: staticDir, domainName: domainName}
}

// normalizeAddress appends the configured domain to a bare local-part,
// matching the address format messages are stored under.
func (s *Server) normalizeAddress(input string) string {
	input = strings.TrimSpace(input)
	if strings.Contains(input, "@") {
		return input
	}
	return input + "@" + s.domainName
}

// localPart strips the domain from a full address, since webhooks are
// registered and matched by mailbox local-part only.
func localPart(address string) string {
	if i := strings.Index(address, "@"); i >= 0 {
		return address[:i]
	}
	return address
}

// Handler builds the full route table, wrapped in the metrics-recording
// and CORS middleware every route shares.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/emails/{address}", s.listEmails)
	mux.HandleFunc("GET /api/email/{id}", s.getEmail)
	mux.HandleFunc("DELETE /api/email/{id}", s.deleteEmail)

	mux.HandleFunc("GET /api/mailbox/{address}/status", s.mailboxStatus)
	mux.HandleFunc("POST /api/mailbox/{address}/claim", s.claimMailbox)
	mux.HandleFunc("POST /api/mailbox/{address}/release", s.releaseMailbox)

	mux.HandleFunc("POST /api/webhooks", s.createWebhook)
	mux.HandleFunc("GET /api/webhooks/{address}", s.listWebhooks)
	mux.HandleFunc("GET /api/webhook/{id}", s.getWebhook)
	mux.HandleFunc("PUT /api/webhook/{id}", s.updateWebhook)
	mux.HandleFunc("DELETE /api/webhook/{id}", s.deleteWebhook)
	mux.HandleFunc("POST /api/webhook/{id}/test", s.testWebhook)

	mux.HandleFunc("GET /api/admin/rate-limit/{address}", s.getRateLimit)
	mux.HandleFunc("POST /api/admin/rate-limit/{address}", s.setRateLimit)
	mux.HandleFunc("DELETE /api/admin/rate-limit/{address}", s.deleteRateLimit)
	mux.HandleFunc("GET /api/admin/rate-limit/{address}/stats", s.rateLimitStats)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.collector.HTTPRequest(r.Pattern, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- Emails ---

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	if !s.authorizeMailboxAccess(w, r, address) {
		return
	}
	messages, err := s.backend.ListByAddress(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to list messages", err))
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) getEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := s.backend.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.KindNotFound, "message not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch message", err))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) deleteEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := s.backend.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.KindNotFound, "message not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch message", err))
		return
	}

	if err := s.backend.DeleteByID(r.Context(), id); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to delete message", err))
		return
	}

	s.bus.PublishDeletion(id, msg.To)
	s.collector.EventPublished("deletion")
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Mailboxes ---

func (s *Server) mailboxStatus(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	locked, err := s.backend.IsMailboxLocked(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to check mailbox status", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_locked": locked})
}

func (s *Server) claimMailbox(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		writeError(w, apierr.New(apierr.KindMalformed, "password is required"))
		return
	}

	locked, err := s.backend.IsMailboxLocked(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to check mailbox status", err))
		return
	}
	if locked {
		writeError(w, apierr.New(apierr.KindConflict, "mailbox already claimed"))
		return
	}

	hash, err := hashPassword(body.Password)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindMalformed, "failed to hash password", err))
		return
	}
	if err := s.backend.SetMailboxPassword(r.Context(), address, hash); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to claim mailbox", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"claimed": true})
}

func (s *Server) releaseMailbox(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.KindMalformed, "password is required"))
		return
	}

	ok, err := s.backend.VerifyMailboxPassword(r.Context(), address, body.Password)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to verify password", err))
		return
	}
	if !ok {
		writeError(w, apierr.New(apierr.KindUnauthorized, "invalid password"))
		return
	}
	if err := s.backend.ClearMailboxPassword(r.Context(), address); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to release mailbox", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

// authorizeMailboxAccess enforces the password contract: if the mailbox
// is locked, the caller must supply the matching password as ?password=.
func (s *Server) authorizeMailboxAccess(w http.ResponseWriter, r *http.Request, address string) bool {
	locked, err := s.backend.IsMailboxLocked(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to check mailbox status", err))
		return false
	}
	if !locked {
		return true
	}
	password := r.URL.Query().Get("password")
	ok, err := s.backend.VerifyMailboxPassword(r.Context(), address, password)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to verify password", err))
		return false
	}
	if !ok {
		writeError(w, apierr.New(apierr.KindUnauthorized, "mailbox is locked"))
		return false
	}
	return true
}

// --- Webhooks ---

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address  string               `json:"mailbox_address"`
		URL      string               `json:"url"`
		Events   []model.WebhookEvent `json:"events"`
		Password string               `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Address == "" || body.URL == "" {
		writeError(w, apierr.New(apierr.KindMalformed, "mailbox_address and url are required"))
		return
	}
	if !s.authorizeWithPassword(w, r, s.normalizeAddress(body.Address), body.Password) {
		return
	}

	wh := model.Webhook{
		ID:      uuid.NewString(),
		Address: localPart(body.Address),
		URL:     body.URL,
		Events:  body.Events,
		Created: time.Now().UTC(),
		Enabled: true,
	}
	if err := s.backend.CreateWebhook(r.Context(), wh); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to create webhook", err))
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

// authorizeWithPassword mirrors authorizeMailboxAccess but reads the
// password from a request body field rather than a query parameter.
func (s *Server) authorizeWithPassword(w http.ResponseWriter, r *http.Request, address, password string) bool {
	locked, err := s.backend.IsMailboxLocked(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to check mailbox status", err))
		return false
	}
	if !locked {
		return true
	}
	ok, err := s.backend.VerifyMailboxPassword(r.Context(), address, password)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to verify password", err))
		return false
	}
	if !ok {
		writeError(w, apierr.New(apierr.KindUnauthorized, "mailbox is locked"))
		return false
	}
	return true
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	address := localPart(r.PathValue("address"))
	hooks, err := s.backend.ListWebhooksForAddress(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to list webhooks", err))
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.backend.GetWebhook(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.KindNotFound, "webhook not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch webhook", err))
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.backend.GetWebhook(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.KindNotFound, "webhook not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch webhook", err))
		return
	}

	var body struct {
		URL     *string              `json:"url"`
		Events  []model.WebhookEvent `json:"events"`
		Enabled *bool                `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.KindMalformed, "invalid request body"))
		return
	}
	if body.URL != nil {
		existing.URL = *body.URL
	}
	if body.Events != nil {
		existing.Events = body.Events
	}
	if body.Enabled != nil {
		existing.Enabled = *body.Enabled
	}

	if err := s.backend.UpdateWebhook(r.Context(), existing); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to update webhook", err))
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteWebhook(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "webhook not found"))
			return
		}
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to delete webhook", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.backend.GetWebhook(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.KindNotFound, "webhook not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch webhook", err))
		return
	}
	success := s.dispatcher.SendTest(r.Context(), wh)
	writeJSON(w, http.StatusOK, map[string]bool{"success": success})
}

// --- Rate limit administration ---

func (s *Server) getRateLimit(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	limit, found, err := s.backend.GetRateLimit(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch rate limit", err))
		return
	}
	if !found {
		limit = model.DefaultRateLimit(address, time.Now().UTC())
	}
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	var body struct {
		RequestsPerHour int `json:"requests_per_hour"`
		RequestsPerDay  int `json:"requests_per_day"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.KindMalformed, "invalid request body"))
		return
	}
	if body.RequestsPerHour <= 0 || body.RequestsPerDay <= 0 || body.RequestsPerHour > body.RequestsPerDay {
		writeError(w, apierr.New(apierr.KindMalformed, "limits must be positive and hourly must not exceed daily"))
		return
	}

	now := time.Now().UTC()
	existing, found, err := s.backend.GetRateLimit(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch rate limit", err))
		return
	}
	created := now
	if found {
		created = existing.Created
	}

	limit := model.RateLimit{
		Address:         address,
		RequestsPerHour: body.RequestsPerHour,
		RequestsPerDay:  body.RequestsPerDay,
		Created:         created,
		Updated:         now,
	}
	if err := s.backend.SetRateLimit(r.Context(), limit); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to set rate limit", err))
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) deleteRateLimit(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteRateLimit(r.Context(), s.normalizeAddress(r.PathValue("address"))); err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to reset rate limit", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	address := s.normalizeAddress(r.PathValue("address"))
	now := time.Now().UTC()

	limit, found, err := s.backend.GetRateLimit(r.Context(), address)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to fetch rate limit", err))
		return
	}
	if !found {
		limit = model.DefaultRateLimit(address, now)
	}

	hourly, err := s.backend.CountRequestsSince(r.Context(), address, now.Add(-time.Hour))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to count hourly usage", err))
		return
	}
	daily, err := s.backend.CountRequestsSince(r.Context(), address, now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindStorage, "failed to count daily usage", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hourly_count":      hourly,
		"hourly_limit":      limit.RequestsPerHour,
		"hourly_remaining":  maxInt(limit.RequestsPerHour-hourly, 0),
		"hourly_percentage": percentage(hourly, limit.RequestsPerHour),
		"daily_count":       daily,
		"daily_limit":       limit.RequestsPerDay,
		"daily_remaining":   maxInt(limit.RequestsPerDay-daily, 0),
		"daily_percentage":  percentage(daily, limit.RequestsPerDay),
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func percentage(count, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(count) / float64(limit) * 100
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	status := apierr.StatusCode(err)
	writeJSON(w, status, map[string]any{"status": status, "message": err.Message})
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
