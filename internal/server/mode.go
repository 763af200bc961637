package server

import (
	"context"

	"github.com/infodancer/pop3d/internal/config"
)

type modeCtxKey struct{}

// withMode attaches the accepting listener's mode to ctx so a shared
// ConnectionHandler can tell which of several listeners it was invoked
// from (plain SMTP, STARTTLS submission, or implicit TLS).
func withMode(ctx context.Context, mode config.ListenerMode) context.Context {
	return context.WithValue(ctx, modeCtxKey{}, mode)
}

// ModeFromContext returns the listener mode attached by the accepting
// Listener, or the zero ListenerMode if none is present.
func ModeFromContext(ctx context.Context) config.ListenerMode {
	mode, _ := ctx.Value(modeCtxKey{}).(config.ListenerMode)
	return mode
}
