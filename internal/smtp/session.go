// Package smtp implements the SMTP ingestion surface: a session state
// machine, command registry, and the listener wiring that turns raw
// envelopes into stored messages and fanout events.
package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/infodancer/pop3d/internal/config"
)

// State is a step in the SMTP session state machine.
type State int

const (
	StateConnected State = iota
	StateGreeted
	StateHaveFrom
	StateHaveRcpt
	StateDataBuffering
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateGreeted:
		return "GREETED"
	case StateHaveFrom:
		return "HAVE_FROM"
	case StateHaveRcpt:
		return "HAVE_RCPT"
	case StateDataBuffering:
		return "DATA_BUFFERING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TLSState tracks whether the connection is currently protected by TLS.
type TLSState int

const (
	TLSStateNone TLSState = iota
	TLSStateActive
)

func (ts TLSState) String() string {
	if ts == TLSStateActive {
		return "ACTIVE"
	}
	return "NONE"
}

// Session holds the per-connection state for one SMTP transaction cycle.
// A session is never shared across goroutines; each accepted connection
// owns exactly one.
type Session struct {
	hostname        string
	domainName      string
	rejectNonDomain bool
	maxMessageSize  int64

	listenerMode config.ListenerMode
	tlsConfig    *tls.Config

	state    State
	tlsState TLSState

	mailFrom string
	rcpts    []string
	dataBuf  bytes.Buffer
}

// NewSession creates a fresh SMTP session for one accepted connection.
func NewSession(hostname, domainName string, rejectNonDomain bool, maxMessageSize int64, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool) *Session {
	tlsState := TLSStateNone
	if mode == config.ModeSMTPS || isTLS {
		tlsState = TLSStateActive
	}
	return &Session{
		hostname:        hostname,
		domainName:      domainName,
		rejectNonDomain: rejectNonDomain,
		maxMessageSize:  maxMessageSize,
		listenerMode:    mode,
		tlsConfig:       tlsConfig,
		state:           StateConnected,
		tlsState:        tlsState,
	}
}

func (s *Session) State() State       { return s.state }
func (s *Session) TLSState() TLSState { return s.tlsState }
func (s *Session) TLSConfig() *tls.Config { return s.tlsConfig }

// SetTLSActive marks the session as TLS-protected, called after a
// successful STARTTLS handshake.
func (s *Session) SetTLSActive() { s.tlsState = TLSStateActive }

// CanSTARTTLS reports whether STARTTLS may be offered right now.
func (s *Session) CanSTARTTLS() bool {
	return s.listenerMode == config.ModeSubmission &&
		s.tlsState == TLSStateNone &&
		s.tlsConfig != nil
}

// Greet transitions Connected -> Greeted on HELO/EHLO.
func (s *Session) Greet() { s.state = StateGreeted }

// Greeted reports whether HELO/EHLO has been processed.
func (s *Session) Greeted() bool { return s.state >= StateGreeted }

// MailFrom returns the accumulated envelope sender, if any.
func (s *Session) MailFrom() string { return s.mailFrom }

// SetMailFrom records the envelope sender and advances to HaveFrom.
func (s *Session) SetMailFrom(address string) {
	s.mailFrom = address
	s.state = StateHaveFrom
}

// Rcpts returns the accumulated envelope recipients.
func (s *Session) Rcpts() []string { return s.rcpts }

// AddRcpt appends a recipient and advances to HaveRcpt.
func (s *Session) AddRcpt(address string) {
	s.rcpts = append(s.rcpts, address)
	s.state = StateHaveRcpt
}

// RejectNonDomainEmails reports the configured recipient domain policy.
func (s *Session) RejectNonDomainEmails() bool { return s.rejectNonDomain }

// DomainName returns the configured serving domain.
func (s *Session) DomainName() string { return s.domainName }

// BeginData transitions HaveRcpt -> DataBuffering.
func (s *Session) BeginData() { s.state = StateDataBuffering }

// AppendData appends a chunk of message body, enforcing the configured
// size cap. It returns an error once the cap would be exceeded; the
// caller is expected to reply 552 and abandon the transaction.
func (s *Session) AppendData(chunk []byte) error {
	if int64(s.dataBuf.Len()+len(chunk)) > s.maxMessageSize {
		return fmt.Errorf("message exceeds maximum size of %d bytes", s.maxMessageSize)
	}
	s.dataBuf.Write(chunk)
	return nil
}

// DataBytes returns the accumulated DATA payload.
func (s *Session) DataBytes() []byte { return s.dataBuf.Bytes() }

// FinishTransaction resets mail-transaction state back to Greeted,
// ready for the next MAIL FROM. Called after DATA completes, on RSET,
// and after a failed DATA delivery.
func (s *Session) FinishTransaction() {
	s.mailFrom = ""
	s.rcpts = nil
	s.dataBuf.Reset()
	if s.state != StateError {
		s.state = StateGreeted
	}
}

// Quit marks the session as finished.
func (s *Session) Quit() { s.state = StateDone }

// parseMailboxArg extracts the angle-bracketed address following a
// "FROM:"/"TO:" prefix, tolerating the trailing ESMTP parameters (e.g.
// "SIZE=1024") that real clients append.
func parseMailboxArg(args []string, prefix string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("missing address")
	}
	joined := strings.Join(args, " ")
	upper := strings.ToUpper(joined)
	if !strings.HasPrefix(upper, prefix) {
		return "", fmt.Errorf("expected %s prefix", prefix)
	}
	rest := strings.TrimSpace(joined[len(prefix):])

	// Drop trailing ESMTP parameters after the closing '>' or first space.
	if idx := strings.IndexByte(rest, '>'); idx >= 0 {
		rest = rest[:idx+1]
	} else if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		rest = rest[:idx]
	}

	addr := strings.TrimSpace(rest)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return addr, nil
}

func addressDomain(address string) string {
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}
