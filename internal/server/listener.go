package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/logging"
)

// ConnectionHandler processes a single accepted Connection. It must
// return when the connection's work is done; the listener closes the
// connection afterwards.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures a single TCP acceptor.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// Listener accepts connections on one address and dispatches each to a
// ConnectionHandler in its own goroutine.
type Listener struct {
	cfg      ListenerConfig
	listener net.Listener
}

// NewListener constructs a Listener from cfg; it does not bind a socket
// until Start is called.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured bind address.
func (l *Listener) Address() string { return l.cfg.Address }

// Start binds the listener's address and accepts connections until ctx
// is cancelled or Close is called. Implicit-TLS listeners (smtps)
// perform the TLS handshake before handing the connection to the
// handler; other modes start plaintext and may upgrade later via
// Connection.UpgradeToTLS.
func (l *Listener) Start(ctx context.Context) error {
	logger := l.cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("info")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return err
	}
	l.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	implicitTLS := l.cfg.Mode == config.ModeSMTPS

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		go l.serve(ctx, conn, logger, implicitTLS)
	}
}

func (l *Listener) serve(ctx context.Context, rawConn net.Conn, logger *slog.Logger, implicitTLS bool) {
	if implicitTLS {
		if l.cfg.TLSConfig == nil {
			_ = rawConn.Close()
			return
		}
		rawConn = tls.Server(rawConn, l.cfg.TLSConfig)
	}

	conn := NewConnection(rawConn, ConnectionConfig{
		IdleTimeout:    l.cfg.IdleTimeout,
		CommandTimeout: l.cfg.CommandTimeout,
	}, implicitTLS)
	defer conn.Close()

	connCtx := logging.WithContext(ctx, logger.With(
		slog.String("remote_addr", rawConn.RemoteAddr().String()),
		slog.String("listener", string(l.cfg.Mode)),
	))
	connCtx = withMode(connCtx, l.cfg.Mode)

	if l.cfg.LogTransaction {
		logger.Debug("connection accepted", "remote_addr", rawConn.RemoteAddr().String(), "mode", l.cfg.Mode)
	}

	l.cfg.Handler(connCtx, conn)
}

// Close stops accepting new connections on this listener.
func (l *Listener) Close() error {
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}
