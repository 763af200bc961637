package imap

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/infodancer/pop3d/internal/logging"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/model"
	"github.com/infodancer/pop3d/internal/server"
	"github.com/infodancer/pop3d/internal/store"
)

// Handler builds the IMAP connection handler bound to backend and
// domainName.
func Handler(domainName string, backend store.Backend, collector metrics.Collector) server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, domainName, backend, collector)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, domainName string, backend store.Backend, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	collector.IMAPSessionOpened()
	defer collector.IMAPSessionClosed()

	sess := NewSession(domainName)
	h := &connHandler{ctx: ctx, conn: conn, backend: backend, logger: logger, sess: sess}

	if err := h.send("* OK IMAP4rev1 Service Ready"); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if conn.IsClosed() {
			return
		}
		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logger.Debug("imap read error", "error", err.Error())
			}
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		tag, verb, args := parseTagged(line)
		if tag == "" {
			continue
		}

		shouldClose := h.dispatch(tag, verb, args)
		if shouldClose {
			return
		}
	}
}

type connHandler struct {
	ctx     context.Context
	conn    *server.Connection
	backend store.Backend
	logger  *slog.Logger
	sess    *Session
}

func (h *connHandler) send(line string) error {
	if _, err := h.conn.Writer().WriteString(line + "\r\n"); err != nil {
		return err
	}
	return h.conn.Flush()
}

func (h *connHandler) ok(tag, text string) error   { return h.send(tag + " OK " + text) }
func (h *connHandler) no(tag, text string) error    { return h.send(tag + " NO " + text) }
func (h *connHandler) bad(tag, text string) error   { return h.send(tag + " BAD " + text) }

// dispatch handles one tagged command, returning true if the connection
// should close (LOGOUT or a transport failure).
func (h *connHandler) dispatch(tag, verb, args string) bool {
	var err error
	switch verb {
	case "CAPABILITY":
		err = h.cmdCapability(tag)
	case "NOOP":
		err = h.ok(tag, "NOOP completed")
	case "LOGOUT":
		_ = h.send("* BYE IMAP4rev1 Server logging out")
		_ = h.ok(tag, "LOGOUT completed")
		return true
	case "LOGIN":
		err = h.cmdLogin(tag, args)
	case "AUTHENTICATE":
		err = h.cmdAuthenticate(tag, args)
	case "LIST":
		err = h.cmdList(tag, "LIST")
	case "LSUB":
		err = h.cmdList(tag, "LSUB")
	case "SELECT", "EXAMINE":
		err = h.cmdSelect(tag, args)
	case "FETCH":
		err = h.cmdFetch(tag, args, false)
	case "SEARCH":
		err = h.cmdSearch(tag, args, false)
	case "UID":
		err = h.cmdUID(tag, args)
	case "CLOSE":
		err = h.cmdClose(tag)
	case "":
		return false
	default:
		err = h.bad(tag, "Unknown command")
	}
	return err != nil
}

func (h *connHandler) cmdCapability(tag string) error {
	if err := h.send("* CAPABILITY IMAP4rev1 AUTH=PLAIN LOGIN"); err != nil {
		return err
	}
	return h.ok(tag, "CAPABILITY completed")
}

func (h *connHandler) cmdLogin(tag, args string) error {
	username, password, ok := parseLoginArgs(args)
	if !ok {
		return h.bad(tag, "Invalid LOGIN arguments")
	}
	return h.authenticate(tag, username, password, "LOGIN")
}

func (h *connHandler) cmdAuthenticate(tag, args string) error {
	mechanism := strings.ToUpper(strings.TrimSpace(args))
	if mechanism != "PLAIN" {
		return h.no(tag, "Unsupported authentication mechanism")
	}
	if err := h.send("+"); err != nil {
		return err
	}

	line, err := h.conn.Reader().ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)

	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return h.no(tag, "Invalid base64 encoding")
	}
	parts := strings.Split(string(decoded), "\x00")

	var username, password string
	switch {
	case len(parts) >= 3:
		username, password = parts[1], parts[2]
	case len(parts) == 2:
		username, password = parts[0], parts[1]
	default:
		return h.no(tag, "Invalid PLAIN credentials format")
	}
	return h.authenticate(tag, username, password, "AUTHENTICATE")
}

func (h *connHandler) authenticate(tag, username, password, verb string) error {
	mailboxName := localPart(username)
	ok, err := h.backend.VerifyMailboxPassword(h.ctx, mailboxName, password)
	if err != nil {
		h.logger.Error("imap authentication error", "user", mailboxName, "error", err.Error())
		return h.no(tag, verb+" failed")
	}
	if !ok {
		return h.no(tag, verb+" failed")
	}
	h.sess.Authenticate(mailboxName)
	return h.ok(tag, verb+" completed")
}

func (h *connHandler) cmdList(tag, verb string) error {
	if !h.sess.IsAuthenticated() {
		return h.no(tag, "Not authenticated")
	}
	if err := h.send(fmt.Sprintf(`* %s (\HasNoChildren) "/" "INBOX"`, verb)); err != nil {
		return err
	}
	return h.ok(tag, verb+" completed")
}

func (h *connHandler) cmdSelect(tag, args string) error {
	if !h.sess.IsAuthenticated() {
		return h.no(tag, "Not authenticated")
	}
	mailbox := unquote(args)
	if !strings.EqualFold(mailbox, "INBOX") {
		return h.no(tag, "Mailbox does not exist")
	}

	messages, err := h.backend.ListByAddress(h.ctx, h.sess.Address())
	if err != nil {
		h.logger.Error("imap select failed to list messages", "error", err.Error())
		return h.no(tag, "SELECT failed")
	}
	h.sess.Select(messages)
	count := len(messages)

	lines := []string{
		fmt.Sprintf("* %d EXISTS", count),
		"* 0 RECENT",
		"* OK [UIDVALIDITY 1] UIDs valid",
		fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", count+1),
		`* FLAGS (\Seen \Answered \Flagged \Deleted \Draft)`,
		"* OK [PERMANENTFLAGS ()] No permanent flags permitted",
	}
	for _, line := range lines {
		if err := h.send(line); err != nil {
			return err
		}
	}
	return h.ok(tag, "[READ-ONLY] SELECT completed")
}

func (h *connHandler) cmdClose(tag string) error {
	if h.sess.State() != StateSelected {
		return h.no(tag, "No mailbox selected")
	}
	h.sess.Close()
	return h.ok(tag, "CLOSE completed")
}

func (h *connHandler) cmdUID(tag, args string) error {
	if h.sess.State() != StateSelected {
		return h.no(tag, "No mailbox selected")
	}
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) == 0 || parts[0] == "" {
		return h.bad(tag, "Invalid UID arguments")
	}
	sub := strings.ToUpper(parts[0])
	subArgs := ""
	if len(parts) > 1 {
		subArgs = parts[1]
	}
	switch sub {
	case "FETCH":
		return h.cmdFetch(tag, subArgs, true)
	case "SEARCH":
		return h.cmdSearch(tag, subArgs, true)
	default:
		return h.bad(tag, "Unknown UID subcommand")
	}
}

func (h *connHandler) cmdFetch(tag, args string, useUID bool) error {
	if h.sess.State() != StateSelected {
		return h.no(tag, "No mailbox selected")
	}
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return h.bad(tag, "Invalid FETCH arguments")
	}
	indices := parseSequenceSet(parts[0], len(h.sess.Messages()))
	items := strings.ToUpper(parts[1])

	wantEnvelope := strings.Contains(items, "ENVELOPE")
	wantBody := strings.Contains(items, "BODY") || strings.Contains(items, "RFC822")
	wantFlags := strings.Contains(items, "FLAGS")
	wantUID := strings.Contains(items, "UID") || useUID
	wantInternalDate := strings.Contains(items, "INTERNALDATE")

	for _, idx := range indices {
		msg, ok := h.sess.MessageAt(idx)
		if !ok {
			continue
		}
		var fields []string
		if wantFlags {
			fields = append(fields, "FLAGS ()")
		}
		if wantUID {
			fields = append(fields, fmt.Sprintf("UID %d", idx))
		}
		if wantInternalDate {
			fields = append(fields, fmt.Sprintf(`INTERNALDATE "%s"`, msg.Timestamp.Format("02-Jan-2006 15:04:05 -0700")))
		}
		if wantEnvelope {
			fields = append(fields, buildEnvelope(msg))
		}
		if wantBody {
			fields = append(fields, buildBodySection(msg, h.sess.domainName))
		}

		if err := h.send(fmt.Sprintf("* %d FETCH (%s)", idx, strings.Join(fields, " "))); err != nil {
			return err
		}
	}

	cmdName := "FETCH"
	if useUID {
		cmdName = "UID FETCH"
	}
	return h.ok(tag, cmdName+" completed")
}

func (h *connHandler) cmdSearch(tag, args string, useUID bool) error {
	if h.sess.State() != StateSelected {
		return h.no(tag, "No mailbox selected")
	}
	total := len(h.sess.Messages())
	numbers := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		numbers = append(numbers, strconv.Itoa(i))
	}
	if err := h.send("* SEARCH " + strings.TrimSpace(strings.Join(numbers, " "))); err != nil {
		return err
	}
	cmdName := "SEARCH"
	if useUID {
		cmdName = "UID SEARCH"
	}
	return h.ok(tag, cmdName+" completed")
}

func buildEnvelope(msg model.Message) string {
	fromLocal, fromDomain := splitAddress(msg.From)
	toLocal, toDomain := splitAddress(msg.To)
	return fmt.Sprintf(
		`ENVELOPE ("%s" "%s" ((NIL NIL "%s" "%s")) ((NIL NIL "%s" "%s")) ((NIL NIL "%s" "%s")) ((NIL NIL "%s" "%s")) NIL NIL NIL NIL)`,
		msg.Timestamp.Format("Mon, 02 Jan 2006 15:04:05 -0700"),
		escapeIMAPString(msg.Subject),
		fromLocal, fromDomain,
		fromLocal, fromDomain,
		fromLocal, fromDomain,
		toLocal, toDomain,
	)
}

func buildBodySection(msg model.Message, domainName string) string {
	var body string
	if msg.Raw != nil {
		body = *msg.Raw
	} else {
		body = fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMessage-ID: <%s@%s>\r\n\r\n%s",
			msg.From, msg.To, msg.Subject,
			msg.Timestamp.Format("Mon, 02 Jan 2006 15:04:05 -0700"),
			msg.ID, domainName, msg.Body)
	}
	return fmt.Sprintf("BODY[] {%d}\r\n%s", len(body), body)
}

func splitAddress(address string) (local, domain string) {
	for i, c := range address {
		if c == '@' {
			return address[:i], address[i+1:]
		}
	}
	return address, ""
}
