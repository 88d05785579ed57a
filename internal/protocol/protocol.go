// Package protocol defines the boundary to the underlying chat protocol
// client. The session lifecycle manager only sees this surface; the concrete
// binding lives in protocol/meow.
package protocol

import "context"

// CloseReason classifies a connection close.
//
// The protocol distinguishes "network/session dropped" (same credentials
// still valid, reconnect is fine) from "explicit logout" (credentials
// invalidated server-side, must be discarded).
type CloseReason int

const (
	CloseUnknown CloseReason = iota
	// CloseNetwork covers transport drops, stream errors and server kicks
	// that do not invalidate credentials.
	CloseNetwork
	// CloseLoggedOut means the account owner unlinked this device.
	CloseLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseNetwork:
		return "network"
	case CloseLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// State is the coarse connection state reported by a client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionUpdate is one event on a client's connection stream.
// Reason and Err are only meaningful for StateClosed.
type ConnectionUpdate struct {
	State  State
	Reason CloseReason
	Err    error
}

// Credentials is the durable per-session bundle the manager persists.
// JID is empty until the first pairing completes.
type Credentials struct {
	SessionID string `json:"session_id"`
	JID       string `json:"jid,omitempty"`
}

// SaveFunc receives every credential update. Implementations must not block;
// persistence failures are the receiver's problem (logged, not surfaced).
type SaveFunc func(Credentials)

// Client is one live protocol connection bound to one account.
//
// Ownership is exclusive: a session holds exactly one client, and a
// reconnect replaces the client rather than sharing it.
type Client interface {
	// Registered reports whether the bound credentials have completed
	// pairing before. Unregistered clients need a pairing code.
	Registered() bool

	// Connect starts the connection handshake. Connection progress is
	// reported asynchronously on Events().
	Connect(ctx context.Context) error

	// RequestPairingCode asks the server for a one-time code the account
	// owner enters on their device.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// SendText delivers a text message to a recipient identified by bare
	// digits; the implementation appends the protocol's address suffix.
	SendText(ctx context.Context, recipient, text string) error

	// Logout invalidates the credentials server-side. The resulting close
	// is reported on Events() with CloseLoggedOut.
	Logout(ctx context.Context) error

	// Events returns the connection-update stream. The channel is closed
	// when the client is finished for good.
	Events() <-chan ConnectionUpdate

	// Close disconnects without logging out and releases resources.
	Close()
}

// Dialer constructs clients bound to stored (or brand-new) credentials.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, save SaveFunc) (Client, error)
}
