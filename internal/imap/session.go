// Package imap implements the read-only IMAP projection of the message
// store: CAPABILITY/LOGIN/AUTHENTICATE PLAIN/LIST/LSUB/SELECT/EXAMINE/
// FETCH/SEARCH/UID/CLOSE/LOGOUT, with INBOX as the only mailbox.
package imap

import "github.com/infodancer/pop3d/internal/model"

// State is the IMAP session state machine: NotAuthenticated →
// Authenticated → Selected → Authenticated (on CLOSE) → closed (LOGOUT).
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	default:
		return "UNKNOWN"
	}
}

// Session tracks one IMAP connection's authentication and selection
// state. Only INBOX is ever selectable; there are no IMAP writes.
type Session struct {
	domainName string

	state    State
	user     string // authenticated mailbox local-part
	selected []model.Message
}

// NewSession creates a session bound to domainName, used to build the
// full address from an authenticated local-part.
func NewSession(domainName string) *Session {
	return &Session{domainName: domainName, state: StateNotAuthenticated}
}

func (s *Session) State() State { return s.state }

// Authenticate transitions NotAuthenticated → Authenticated for the
// given mailbox local-part.
func (s *Session) Authenticate(localPart string) {
	s.user = localPart
	s.state = StateAuthenticated
}

// IsAuthenticated reports whether a mailbox identity is bound.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateAuthenticated || s.state == StateSelected
}

// User returns the authenticated mailbox local-part, or "" if none.
func (s *Session) User() string { return s.user }

// Address returns the authenticated user's full mail address.
func (s *Session) Address() string {
	return s.user + "@" + s.domainName
}

// Select transitions to Selected with the given message snapshot,
// numbered 1..N in the order given (newest-first, per the store's
// list order).
func (s *Session) Select(messages []model.Message) {
	s.selected = messages
	s.state = StateSelected
}

// Close transitions Selected → Authenticated, per the read-only CLOSE
// contract (no expunge is ever performed).
func (s *Session) Close() {
	if s.state == StateSelected {
		s.state = StateAuthenticated
		s.selected = nil
	}
}

// Messages returns the snapshot captured by the last Select.
func (s *Session) Messages() []model.Message {
	return s.selected
}

// MessageAt returns the message at 1-based sequence number n, or false
// if n is out of range.
func (s *Session) MessageAt(n int) (model.Message, bool) {
	if n < 1 || n > len(s.selected) {
		return model.Message{}, false
	}
	return s.selected[n-1], true
}

// localPart strips everything from the first '@' onward.
func localPart(address string) string {
	for i, c := range address {
		if c == '@' {
			return address[:i]
		}
	}
	return address
}
