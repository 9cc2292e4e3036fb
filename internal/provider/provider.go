// Package provider defines the interface for outbound delivery backends.
package provider

import (
	"context"

	"github.com/wneessen/go-mail"
)

// Provider is a transport session to a delivery backend. The dispatcher
// opens one session per batch with Connect, sends every message of the
// batch through it and releases it with Close.
type Provider interface {
	// Connect opens the session. Backends without a persistent connection
	// use it to validate credentials early.
	Connect(ctx context.Context) error

	// Send delivers one composed message through the open session.
	Send(ctx context.Context, msg *mail.Msg) error

	// Close releases the session. It is safe to call after a failed Connect.
	Close() error

	// Name returns the human-readable name of this provider.
	Name() string
}
