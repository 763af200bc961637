package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/infodancer/pop3d/internal/model"
)

// SQLiteBackend is the reference Backend implementation: a single-file
// embedded SQL engine configured for single-writer, multi-reader access.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a SQLiteBackend at dbPath and runs any pending migrations.
func Open(dbPath string, logger *slog.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}

	// SQLite is single-writer; one shared connection lets database/sql
	// serialize callers instead of fighting for the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: setting pragma %q: %v", ErrStorage, p, err)
		}
	}

	backend := &SQLiteBackend{db: db, logger: logger}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: running migrations: %v", ErrStorage, err)
	}

	return backend, nil
}

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error { return s.db.Close() }

// --- Messages ---

func (s *SQLiteBackend) StoreMessage(ctx context.Context, msg model.Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("%w: marshaling attachments: %v", ErrStorage, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, to_address, from_address, subject, body, timestamp, raw, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.To, msg.From, msg.Subject, msg.Body, msg.Timestamp.UTC().Format(time.RFC3339Nano), msg.Raw, string(attachments))
	if err != nil {
		return fmt.Errorf("%w: storing message: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) ListByAddress(ctx context.Context, address string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, to_address, from_address, subject, body, timestamp, raw, attachments
		FROM messages WHERE to_address = ? ORDER BY timestamp DESC
	`, address)
	if err != nil {
		return nil, fmt.Errorf("%w: listing messages: %v", ErrStorage, err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteBackend) GetByID(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, to_address, from_address, subject, body, timestamp, raw, attachments
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (s *SQLiteBackend) DeleteByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting message: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteBackend) DeleteOlderThan(ctx context.Context, hours int) ([]RemovedMessage, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `SELECT id, to_address FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting aged messages: %v", ErrStorage, err)
	}
	var removed []RemovedMessage
	for rows.Next() {
		var r RemovedMessage
		if err := rows.Scan(&r.ID, &r.Address); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		removed = append(removed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("%w: deleting aged messages: %v", ErrStorage, err)
	}

	return removed, nil
}

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var (
		msg            model.Message
		timestamp      string
		raw            sql.NullString
		attachmentsRaw string
	)
	if err := row.Scan(&msg.ID, &msg.To, &msg.From, &msg.Subject, &msg.Body, &timestamp, &raw, &attachmentsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, err
		}
		return model.Message{}, fmt.Errorf("%w: scanning message: %v", ErrStorage, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	msg.Timestamp = ts

	if raw.Valid {
		msg.Raw = &raw.String
	}

	if attachmentsRaw != "" {
		if err := json.Unmarshal([]byte(attachmentsRaw), &msg.Attachments); err != nil {
			return model.Message{}, fmt.Errorf("%w: unmarshaling attachments: %v", ErrStorage, err)
		}
	}

	return msg, nil
}

// --- Webhooks ---

func (s *SQLiteBackend) CreateWebhook(ctx context.Context, wh model.Webhook) error {
	events, err := json.Marshal(wh.Events)
	if err != nil {
		return fmt.Errorf("%w: marshaling events: %v", ErrStorage, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, mailbox_address, url, events, created, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
	`, wh.ID, wh.Address, wh.URL, string(events), wh.Created.UTC().Format(time.RFC3339Nano), boolToInt(wh.Enabled))
	if err != nil {
		return fmt.Errorf("%w: creating webhook: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) GetWebhook(ctx context.Context, id string) (model.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mailbox_address, url, events, created, enabled FROM webhooks WHERE id = ?
	`, id)
	wh, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Webhook{}, ErrNotFound
	}
	return wh, err
}

func (s *SQLiteBackend) UpdateWebhook(ctx context.Context, wh model.Webhook) error {
	events, err := json.Marshal(wh.Events)
	if err != nil {
		return fmt.Errorf("%w: marshaling events: %v", ErrStorage, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET url = ?, events = ?, enabled = ? WHERE id = ?
	`, wh.URL, string(events), boolToInt(wh.Enabled), wh.ID)
	if err != nil {
		return fmt.Errorf("%w: updating webhook: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteBackend) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting webhook: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteBackend) ListWebhooksForAddress(ctx context.Context, address string) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mailbox_address, url, events, created, enabled FROM webhooks WHERE mailbox_address = ?
	`, address)
	if err != nil {
		return nil, fmt.Errorf("%w: listing webhooks: %v", ErrStorage, err)
	}
	defer rows.Close()

	var hooks []model.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, wh)
	}
	return hooks, rows.Err()
}

func (s *SQLiteBackend) ActiveWebhooks(ctx context.Context, address string, event model.WebhookEvent) ([]model.Webhook, error) {
	all, err := s.ListWebhooksForAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	var active []model.Webhook
	for _, wh := range all {
		if wh.HasEvent(event) {
			active = append(active, wh)
		}
	}
	return active, nil
}

func scanWebhook(row interface{ Scan(...any) error }) (model.Webhook, error) {
	var (
		wh         model.Webhook
		eventsRaw  string
		created    string
		enabledInt int
	)
	if err := row.Scan(&wh.ID, &wh.Address, &wh.URL, &eventsRaw, &created, &enabledInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Webhook{}, err
		}
		return model.Webhook{}, fmt.Errorf("%w: scanning webhook: %v", ErrStorage, err)
	}
	if err := json.Unmarshal([]byte(eventsRaw), &wh.Events); err != nil {
		return model.Webhook{}, fmt.Errorf("%w: unmarshaling events: %v", ErrStorage, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		ts = time.Now().UTC()
	}
	wh.Created = ts
	wh.Enabled = enabledInt != 0
	return wh, nil
}

// --- Mailboxes ---

func (s *SQLiteBackend) GetMailbox(ctx context.Context, address string) (model.Mailbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT address, password_hash, created FROM mailboxes WHERE address = ?`, address)

	var (
		mb       model.Mailbox
		hash     sql.NullString
		created  string
	)
	err := row.Scan(&mb.Address, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		// A mailbox implicitly exists for every local-part; an absent
		// row just means it has never been claimed.
		return model.Mailbox{Address: address, IsLocked: false, Created: time.Now().UTC()}, nil
	}
	if err != nil {
		return model.Mailbox{}, fmt.Errorf("%w: fetching mailbox: %v", ErrStorage, err)
	}

	if hash.Valid {
		mb.PasswordHash = &hash.String
		mb.IsLocked = true
	}
	ts, perr := time.Parse(time.RFC3339Nano, created)
	if perr == nil {
		mb.Created = ts
	}
	return mb, nil
}

func (s *SQLiteBackend) SetMailboxPassword(ctx context.Context, address, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (address, password_hash, created) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET password_hash = excluded.password_hash
	`, address, passwordHash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: claiming mailbox: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) ClearMailboxPassword(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mailboxes SET password_hash = NULL WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("%w: releasing mailbox: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) VerifyMailboxPassword(ctx context.Context, address, password string) (bool, error) {
	mb, err := s.GetMailbox(ctx, address)
	if err != nil {
		return false, err
	}
	if mb.PasswordHash == nil {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(*mb.PasswordHash), []byte(password))
	return err == nil, nil
}

func (s *SQLiteBackend) IsMailboxLocked(ctx context.Context, address string) (bool, error) {
	mb, err := s.GetMailbox(ctx, address)
	if err != nil {
		return false, err
	}
	return mb.IsLocked, nil
}

// --- Users ---

func (s *SQLiteBackend) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created) VALUES (?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: creating user: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, created FROM users WHERE email = ?`, email)
	var (
		u       model.User
		created string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("%w: fetching user: %v", ErrStorage, err)
	}
	ts, perr := time.Parse(time.RFC3339Nano, created)
	if perr == nil {
		u.Created = ts
	}
	return u, nil
}

// --- Rate limits ---

func (s *SQLiteBackend) GetRateLimit(ctx context.Context, address string) (model.RateLimit, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, requests_per_hour, requests_per_day, created, updated FROM rate_limits WHERE address = ?
	`, address)
	var (
		rl      model.RateLimit
		created string
		updated string
	)
	err := row.Scan(&rl.Address, &rl.RequestsPerHour, &rl.RequestsPerDay, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RateLimit{}, false, nil
	}
	if err != nil {
		return model.RateLimit{}, false, fmt.Errorf("%w: fetching rate limit: %v", ErrStorage, err)
	}
	rl.Created, _ = time.Parse(time.RFC3339Nano, created)
	rl.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return rl, true, nil
}

func (s *SQLiteBackend) SetRateLimit(ctx context.Context, rl model.RateLimit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (address, requests_per_hour, requests_per_day, created, updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			requests_per_hour = excluded.requests_per_hour,
			requests_per_day = excluded.requests_per_day,
			updated = excluded.updated
	`, rl.Address, rl.RequestsPerHour, rl.RequestsPerDay,
		rl.Created.UTC().Format(time.RFC3339Nano), rl.Updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: setting rate limit: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) DeleteRateLimit(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("%w: deleting rate limit: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) AppendRequest(ctx context.Context, address string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_requests (address, timestamp) VALUES (?, ?)
	`, address, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: appending rate limit request: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteBackend) CountRequestsSince(ctx context.Context, address string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_requests WHERE address = ? AND timestamp >= ?
	`, address, since.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting rate limit requests: %v", ErrStorage, err)
	}
	return count, nil
}

func (s *SQLiteBackend) OldestRequestSince(ctx context.Context, address string, since time.Time) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp) FROM rate_limit_requests WHERE address = ? AND timestamp >= ?
	`, address, since.UTC().Format(time.RFC3339Nano)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) || ts == "" {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: finding oldest request: %v", ErrStorage, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, nil
	}
	return parsed, true, nil
}

func (s *SQLiteBackend) PurgeRequestsBefore(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_requests WHERE timestamp < ?
	`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: purging rate limit requests: %v", ErrStorage, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Backend = (*SQLiteBackend)(nil)
