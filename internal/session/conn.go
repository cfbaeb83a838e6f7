// Package session owns the pool of live browser sessions, one per
// account. A session pins its fingerprint and proxy at creation and keeps
// them for its whole life; rotating either mid-session would present an
// inconsistent device identity to the platform.
package session

import (
	"context"
	"encoding/json"

	"botflow/internal/domain"
)

// Conn is the narrow browser-automation surface action handlers use.
// The production implementation drives a Chrome instance over CDP; tests
// use the fake.
type Conn interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	Evaluate(ctx context.Context, js string, out any) error

	// AuthState snapshots cookies for persistence; RestoreAuthState loads
	// a previous snapshot into the fresh browser.
	AuthState(ctx context.Context) (json.RawMessage, error)
	RestoreAuthState(ctx context.Context, raw json.RawMessage) error

	// Healthy reports whether the underlying browser is still reachable.
	Healthy() bool
	Close(ctx context.Context) error
}

// ConnOptions carries the identity a new browser must present.
type ConnOptions struct {
	ProxyURL    string
	Fingerprint domain.Fingerprint
}

// Dialer creates browser connections. Injected so the pool can be tested
// without Chrome.
type Dialer interface {
	Dial(ctx context.Context, opts ConnOptions) (Conn, error)
}
