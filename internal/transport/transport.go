// Package transport defines the contract between Pairline and the
// underlying messaging client. The client is opaque: it owns encryption,
// framing and pairing cryptography, and surfaces connection state changes,
// credential snapshots, pairing material and inbound messages as events.
package transport

import (
	"context"
	"errors"

	"github.com/talvik/pairline/internal/credstore"
)

// ErrNotConnected is returned by Send when the transport is not open.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// CloseReason qualifies a transition to StateClosed.
type CloseReason string

const (
	// ReasonLoggedOut is the terminal close reason: the credential was
	// revoked and reconnecting would loop forever re-authenticating it.
	ReasonLoggedOut CloseReason = "logged-out"

	// ReasonNetwork covers transient transport drops.
	ReasonNetwork CloseReason = "network"

	// ReasonStreamError covers protocol-level stream failures.
	ReasonStreamError CloseReason = "stream-error"
)

// Terminal reports whether a close reason must suppress reconnection.
func (r CloseReason) Terminal() bool { return r == ReasonLoggedOut }

// Event is one item on the transport event stream. Concrete types:
// StateChange, CredentialUpdate, PairingMaterial, Message.
type Event interface{ isEvent() }

// StateChange reports a connection lifecycle transition.
type StateChange struct {
	State  State
	Reason CloseReason // set only when State is StateClosed
}

// CredentialUpdate carries an opaque credential snapshot that must be
// persisted immediately so an interrupted process can resume without
// re-authenticating.
type CredentialUpdate struct {
	Credential *credstore.Credential
}

// PairingMaterial carries one-time linking material emitted during
// first-time pairing: a scannable token or a short linking code.
type PairingMaterial struct {
	QRToken  string
	LinkCode string
}

// Message is a normalized inbound message. Text may live in any of the
// three payload fields; the router extracts the first populated one.
type Message struct {
	Sender       string // sender identity (JID)
	DisplayName  string
	FromSelf     bool
	Body         string // direct text body
	ExtendedBody string // quoted/extended text body
	Caption      string // media caption
}

func (StateChange) isEvent()      {}
func (CredentialUpdate) isEvent() {}
func (PairingMaterial) isEvent()  {}
func (Message) isEvent()          {}

// Client is the interface a messaging transport implementation must satisfy.
type Client interface {
	// Connect opens the underlying connection. Lifecycle progress is
	// reported on the event stream, not through the return value.
	Connect(ctx context.Context) error

	// Listen returns the event stream. The channel is closed when the
	// client is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers a text message and blocks until the transport
	// acknowledges or fails.
	Send(ctx context.Context, to, text string) error

	// PairPhone requests a transport-issued linking code for the phone
	// number, to be entered on the target device out-of-band.
	PairPhone(ctx context.Context, phoneNumber string) (string, error)

	// Logout revokes the current credential on the transport side.
	Logout(ctx context.Context) error

	// Close tears down the connection and the event stream.
	Close() error
}
