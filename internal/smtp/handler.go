package smtp

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/logging"
	"github.com/infodancer/pop3d/internal/mailmime"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/server"
	"github.com/infodancer/pop3d/internal/store"
)

// connLogger adapts a *slog.Logger to the ConnectionLogger interface
// commands use to log without depending on the server package directly.
type connLogger struct{ logger *slog.Logger }

func (c connLogger) Logger() *slog.Logger { return c.logger }

// Handler builds the SMTP connection handler shared by the plain,
// submission and implicit-TLS listeners. Each accepted connection
// carries its accepting listener's mode in its context (set by
// server.Listener), since STARTTLS availability and the EHLO reply
// both depend on which listener accepted it.
func Handler(hostname, domainName string, rejectNonDomain bool, maxMessageSize int64, backend store.Backend, bus *fanout.Bus, tlsConfig *tls.Config, collector metrics.Collector) server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		mode := server.ModeFromContext(ctx)
		handleConnection(ctx, conn, hostname, domainName, rejectNonDomain, maxMessageSize, mode, backend, bus, tlsConfig, collector)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, hostname, domainName string, rejectNonDomain bool, maxMessageSize int64, mode config.ListenerMode, backend store.Backend, bus *fanout.Bus, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	collector.SMTPConnectionOpened(string(mode))
	defer collector.SMTPConnectionClosed(string(mode))

	if conn.IsTLS() {
		collector.TLSConnectionEstablished()
	}

	sess := NewSession(hostname, domainName, rejectNonDomain, maxMessageSize, mode, tlsConfig, conn.IsTLS())
	cl := connLogger{logger}

	greeting := "220 " + hostname + " tempmaild ready\r\n"
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
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
				logger.Error("error reading command", "error", err.Error())
			}
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmdName, args := ParseCommand(line)
		cmd, ok := GetCommand(cmdName)
		if !ok {
			if !writeResponse(conn, logger, Response{Code: 500, Lines: []string{"Command not recognized"}}) {
				return
			}
			continue
		}

		resp, err := cmd.Execute(ctx, sess, cl, args)
		if err != nil {
			logger.Error("command execution error", "command", cmdName, "error", err.Error())
			if !writeResponse(conn, logger, Response{Code: 451, Lines: []string{"Internal server error"}}) {
				return
			}
			continue
		}

		if !writeResponse(conn, logger, resp) {
			return
		}

		switch cmdName {
		case "DATA":
			if resp.Code == 354 {
				if !receiveData(ctx, conn, logger, sess, backend, bus, collector) {
					return
				}
			}
		case "STARTTLS":
			if resp.Code == 220 {
				if err := conn.UpgradeToTLS(tlsConfig); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				sess.SetTLSActive()
				collector.TLSConnectionEstablished()
			}
		case "QUIT":
			return
		}
	}
}

// receiveData accumulates the DATA payload until the CRLF-dot-CRLF
// terminator, then parses, persists and publishes it for every
// accumulated recipient. Returns false if the connection should close.
func receiveData(ctx context.Context, conn *server.Connection, logger *slog.Logger, sess *Session, backend store.Backend, bus *fanout.Bus, collector metrics.Collector) bool {
	reader := conn.Reader()
	exceeded := false

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		// Undo dot-stuffing of lines that legitimately start with '.'.
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		}
		if !exceeded {
			if err := sess.AppendData([]byte(trimmed + "\r\n")); err != nil {
				exceeded = true
			}
		}
	}

	if exceeded {
		collector.MessageRejected("too_large")
		ok := writeResponse(conn, logger, Response{Code: 552, Lines: []string{"Message size exceeds fixed maximum message size"}})
		sess.FinishTransaction()
		return ok
	}

	raw := sess.DataBytes()
	rcpts := sess.Rcpts()

	for _, rcpt := range rcpts {
		msg, err := mailmime.Parse(raw, rcpt)
		if err != nil {
			collector.MessageRejected("parse_error")
			ok := writeResponse(conn, logger, Response{Code: 554, Lines: []string{"Message could not be parsed"}})
			sess.FinishTransaction()
			return ok
		}
		msg.ID = uuid.NewString()
		msg.To = rcpt
		msg.Timestamp = time.Now().UTC()

		if err := backend.StoreMessage(ctx, msg); err != nil {
			logger.Error("failed to store message", "error", err.Error())
			collector.MessageRejected("storage_error")
			ok := writeResponse(conn, logger, Response{Code: 451, Lines: []string{"Requested action aborted: local error in processing"}})
			sess.FinishTransaction()
			return ok
		}

		collector.MessageIngested(addressDomain(rcpt), int64(len(raw)))
		bus.PublishArrival(msg)
		collector.EventPublished("arrival")
	}

	ok := writeResponse(conn, logger, Response{Code: 250, Lines: []string{"Ok: message accepted"}})
	sess.FinishTransaction()
	return ok
}

func writeResponse(conn *server.Connection, logger *slog.Logger, resp Response) bool {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		logger.Error("failed to write response", "error", err.Error())
		return false
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush response", "error", err.Error())
		return false
	}
	return true
}
