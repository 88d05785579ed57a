// Package session holds the account pool: the Session entity, the live
// Directory and the lifecycle Manager that drives pairing, reconnects and
// terminal logout.
package session

import (
	"strings"
	"time"

	"wafleet/internal/protocol"
)

// Status is the lifecycle state of one account.
//
// Status is a first-class field rather than being derived from Directory
// membership, so the brief window between a close event and Directory
// removal stays unambiguous.
type Status int

const (
	// StatusPairing: credentials loaded/created, client opening.
	StatusPairing Status = iota
	// StatusOpen: connected and present in the Directory.
	StatusOpen
	// StatusRepairing: connection dropped for a recoverable reason, a new
	// pairing attempt with the same credentials is pending.
	StatusRepairing
	// StatusTerminated: logged out; credentials deleted. Terminal.
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusPairing:
		return "pairing"
	case StatusOpen:
		return "open"
	case StatusRepairing:
		return "repairing"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is one authenticated account and its live connection.
type Session struct {
	ID          string
	PhoneNumber string
	Client      protocol.Client
	LoginTime   time.Time
	Status      Status
}

// Snapshot is the read-only directory view exposed to callers.
type Snapshot struct {
	ID            string `json:"id"`
	PhoneNumber   string `json:"number"`
	UptimeSeconds int64  `json:"uptime"`
}

// DeriveID maps a phone number to its stable session id. One session per
// number: repeated pairing requests for the same number converge on the
// same id.
func DeriveID(phoneNumber string) string {
	return "session_" + NormalizeNumber(phoneNumber)
}

// NormalizeNumber strips everything but digits ("+49 171..." and
// "49171..." become the same account).
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
