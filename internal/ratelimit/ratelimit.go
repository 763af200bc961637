// Package ratelimit implements the outermost HTTP gate on read routes,
// capping hourly and daily request volume per mailbox.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/store"
)

var gatedPrefixes = map[string]bool{
	"emails":   true,
	"mailbox":  true,
	"webhooks": true,
}

// extractMailbox returns the target mailbox address from a request path
// shaped /api/{emails,mailbox,webhooks}/{address}/..., or "" if the path
// is exempt (auth endpoints, the mailbox index, or anything else).
func extractMailbox(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || !gatedPrefixes[parts[1]] {
		return ""
	}
	return parts[2]
}

type rejectionBody struct {
	Error        string `json:"error"`
	HourlyCount  int    `json:"hourly_count"`
	HourlyLimit  int    `json:"hourly_limit"`
	DailyCount   int    `json:"daily_count"`
	DailyLimit   int    `json:"daily_limit"`
	RetryAfter   int    `json:"retry_after"`
}

// Middleware wraps next with the rate-limit gate described above.
func Middleware(backend store.Backend, collector metrics.Collector, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			address := extractMailbox(r.URL.Path)
			if address == "" {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now().UTC()

			limit, found, err := backend.GetRateLimit(r.Context(), address)
			if err != nil {
				logger.Error("rate limit lookup failed", "address", address, "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if !found {
				limit = model.DefaultRateLimit(address, now)
				if err := backend.SetRateLimit(r.Context(), limit); err != nil {
					logger.Error("failed to persist default rate limit", "address", address, "error", err.Error())
				}
			}

			hourAgo := now.Add(-time.Hour)
			dayAgo := now.Add(-24 * time.Hour)

			hourlyCount, err := backend.CountRequestsSince(r.Context(), address, hourAgo)
			if err != nil {
				logger.Error("counting hourly requests failed", "address", address, "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			dailyCount, err := backend.CountRequestsSince(r.Context(), address, dayAgo)
			if err != nil {
				logger.Error("counting daily requests failed", "address", address, "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}

			if hourlyCount >= limit.RequestsPerHour || dailyCount >= limit.RequestsPerDay {
				window, since := hourAgo, limit.RequestsPerHour
				if dailyCount >= limit.RequestsPerDay {
					window, since = dayAgo, limit.RequestsPerDay
				}
				_ = since
				retryAfter := computeRetryAfter(backend, r, address, window, now)
				collector.RateLimitRejected(address)
				writeRejection(w, rejectionBody{
					Error:       "rate limit exceeded",
					HourlyCount: hourlyCount,
					HourlyLimit: limit.RequestsPerHour,
					DailyCount:  dailyCount,
					DailyLimit:  limit.RequestsPerDay,
					RetryAfter:  retryAfter,
				})
				return
			}

			if err := backend.AppendRequest(r.Context(), address, now); err != nil {
				logger.Warn("failed to record rate limit usage", "address", address, "error", err.Error())
			}

			next.ServeHTTP(w, r)
		})
	}
}

func computeRetryAfter(backend store.Backend, r *http.Request, address string, windowStart time.Time, now time.Time) int {
	oldest, found, err := backend.OldestRequestSince(r.Context(), address, windowStart)
	if err != nil || !found {
		return 0
	}
	windowLen := now.Sub(windowStart)
	retryAt := oldest.Add(windowLen)
	remaining := retryAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining.Seconds())
}

func writeRejection(w http.ResponseWriter, body rejectionBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}
