// Package store defines the durable persistence surface used by every
// other component, and its SQLite-backed implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/infodancer/pop3d/internal/model"
)

// ErrStorage wraps any underlying storage failure; callers surface a
// single abstract storage-failure kind regardless of driver detail.
var ErrStorage = errors.New("storage error")

// ErrNotFound is returned by lookups that find nothing, so callers can
// map directly to a 404 without inspecting driver-specific errors.
var ErrNotFound = errors.New("not found")

// RemovedMessage is one row deleted by a purge operation.
type RemovedMessage struct {
	ID      string
	Address string
}

// Backend is the capability set every component depends on. Callers must
// depend only on this interface — never a concrete driver — so storage
// may be swapped (embedded SQL, memory, future document store) without
// touching ingestion, HTTP or IMAP code.
type Backend interface {
	// Messages
	StoreMessage(ctx context.Context, msg model.Message) error
	ListByAddress(ctx context.Context, address string) ([]model.Message, error)
	GetByID(ctx context.Context, id string) (model.Message, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, hours int) ([]RemovedMessage, error)

	// Webhooks
	CreateWebhook(ctx context.Context, wh model.Webhook) error
	GetWebhook(ctx context.Context, id string) (model.Webhook, error)
	UpdateWebhook(ctx context.Context, wh model.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooksForAddress(ctx context.Context, address string) ([]model.Webhook, error)
	ActiveWebhooks(ctx context.Context, address string, event model.WebhookEvent) ([]model.Webhook, error)

	// Mailboxes
	GetMailbox(ctx context.Context, address string) (model.Mailbox, error)
	SetMailboxPassword(ctx context.Context, address, passwordHash string) error
	ClearMailboxPassword(ctx context.Context, address string) error
	VerifyMailboxPassword(ctx context.Context, address, password string) (bool, error)
	IsMailboxLocked(ctx context.Context, address string) (bool, error)

	// Users (auth collaborator)
	CreateUser(ctx context.Context, u model.User) error
	GetUserByEmail(ctx context.Context, email string) (model.User, error)

	// Rate limits
	GetRateLimit(ctx context.Context, address string) (model.RateLimit, bool, error)
	SetRateLimit(ctx context.Context, rl model.RateLimit) error
	DeleteRateLimit(ctx context.Context, address string) error
	AppendRequest(ctx context.Context, address string, at time.Time) error
	CountRequestsSince(ctx context.Context, address string, since time.Time) (int, error)
	OldestRequestSince(ctx context.Context, address string, since time.Time) (time.Time, bool, error)
	PurgeRequestsBefore(ctx context.Context, before time.Time) error

	Close() error
}
