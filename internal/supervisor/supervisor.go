// Package supervisor owns the transport connection lifecycle for one bot
// session: it opens the connection with stored credentials, persists every
// credential update, reconnects with a fixed delay on non-terminal drops,
// and feeds inbound messages to the message handler.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/notify"
	"github.com/talvik/pairline/internal/transport"
)

// DefaultReconnectDelay is the fixed delay before a reconnect attempt.
// There is deliberately no exponential growth: the policy is bounded-delay,
// unbounded-attempt, stopping only on a terminal logout.
const DefaultReconnectDelay = 3000 * time.Millisecond

// ErrNotConnected is returned by Send and RequestPairingCode when the
// transport is not available. Callers should retry once the connection is
// open rather than queueing.
var ErrNotConnected = transport.ErrNotConnected

// MessageHandler consumes inbound messages; the router implements it.
type MessageHandler interface {
	Handle(ctx context.Context, msg transport.Message)
}

// Supervisor drives one session's connection. Each session gets its own
// instance owning its client handle, credential reference and reconnect
// timer; nothing is shared through package state.
type Supervisor struct {
	client    transport.Client
	store     credstore.Store
	sessionID string
	handler   MessageHandler
	notifier  notify.Notifier // optional
	adminJID  string
	delay     time.Duration
	digest    string // cron expression, empty disables
	out       io.Writer

	mu               sync.Mutex
	state            transport.State
	closeReason      transport.CloseReason
	terminal         bool
	cred             *credstore.Credential
	rev              int64
	pairingMaterial  string
	reconnectTimer   *time.Timer
	reconnectPending bool
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	Client         transport.Client
	Store          credstore.Store
	SessionID      string
	Handler        MessageHandler
	Notifier       notify.Notifier // optional
	AdminJID       string          // optional; digest target
	ReconnectDelay time.Duration   // defaults to DefaultReconnectDelay
	DigestCron     string          // optional 5-field cron expression
	Out            io.Writer       // defaults to os.Stdout
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("supervisor: transport client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("supervisor: credential store is required")
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("supervisor: session ID is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("supervisor: message handler is required")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Supervisor{
		client:    opts.Client,
		store:     opts.Store,
		sessionID: opts.SessionID,
		handler:   opts.Handler,
		notifier:  opts.Notifier,
		adminJID:  opts.AdminJID,
		delay:     delay,
		digest:    opts.DigestCron,
		out:       out,
		state:     transport.StateIdle,
	}, nil
}

// Run loads the stored credential, connects, and pumps transport events
// until the context is cancelled or the session is terminated.
func (s *Supervisor) Run(ctx context.Context) error {
	cred, err := s.store.Load(ctx, s.sessionID)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		fmt.Fprintf(s.out, "supervisor: no stored session, first-time pairing required\n")
	case err != nil:
		// Degraded start: the transport may still be able to pair fresh.
		log.Printf("supervisor: load credential: %v", err)
	default:
		fmt.Fprintf(s.out, "supervisor: found stored session, reconnecting\n")
		s.mu.Lock()
		s.cred = cred
		s.rev = cred.Revision
		s.mu.Unlock()
	}

	s.setState(transport.StateConnecting, "")
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("supervisor: connect: %w", err)
	}

	events, err := s.client.Listen(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: listen: %w", err)
	}

	var digestTimer *time.Timer
	if s.digest != "" {
		if d := nextCronDuration(s.digest); d > 0 {
			digestTimer = time.NewTimer(d)
			defer digestTimer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(s.out, "supervisor: shutting down\n")
			s.stopReconnect()
			if err := s.client.Close(); err != nil {
				log.Printf("supervisor: close client: %v", err)
			}
			return nil

		case ev, ok := <-events:
			if !ok {
				fmt.Fprintf(s.out, "supervisor: event stream closed\n")
				s.stopReconnect()
				return nil
			}
			s.handleEvent(ctx, ev)

		case <-timerChan(digestTimer):
			s.fireDigest(ctx)
			if d := nextCronDuration(s.digest); d > 0 {
				digestTimer.Reset(d)
			}
		}
	}
}

// handleEvent processes one transport event.
func (s *Supervisor) handleEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.StateChange:
		s.handleStateChange(ctx, e)
	case transport.CredentialUpdate:
		s.persistCredential(ctx, e.Credential)
	case transport.PairingMaterial:
		material := e.LinkCode
		if material == "" {
			material = e.QRToken
		}
		s.mu.Lock()
		s.pairingMaterial = material
		s.mu.Unlock()
		fmt.Fprintf(s.out, "supervisor: pairing material received, link the device to continue\n")
	case transport.Message:
		s.handler.Handle(ctx, e)
	}
}

// handleStateChange applies a lifecycle transition and decides reconnect
// eligibility.
func (s *Supervisor) handleStateChange(ctx context.Context, e transport.StateChange) {
	switch e.State {
	case transport.StateConnecting:
		s.setState(transport.StateConnecting, "")

	case transport.StateOpen:
		s.setState(transport.StateOpen, "")
		s.mu.Lock()
		s.pairingMaterial = ""
		s.mu.Unlock()
		fmt.Fprintf(s.out, "supervisor: connected\n")
		s.notify(ctx, "Pairline connected")

	case transport.StateClosed:
		s.setState(transport.StateClosed, e.Reason)
		fmt.Fprintf(s.out, "supervisor: connection closed (%s)\n", e.Reason)
		if e.Reason.Terminal() {
			// The credential was revoked; reconnecting would loop forever
			// re-authenticating it. Clear and wait for fresh pairing.
			s.mu.Lock()
			s.terminal = true
			s.cred = nil
			s.mu.Unlock()
			if err := s.store.Clear(ctx, s.sessionID); err != nil {
				log.Printf("supervisor: clear credential after logout: %v", err)
			}
			s.notify(ctx, "Pairline logged out, fresh pairing required")
			return
		}
		s.scheduleReconnect(ctx)
	}
}

// persistCredential assigns the next revision and saves immediately, so an
// interrupted process can resume without re-authenticating. A failed save
// keeps the in-memory credential and the connection; the next update
// retries the write.
func (s *Supervisor) persistCredential(ctx context.Context, cred *credstore.Credential) {
	if cred == nil {
		return
	}
	s.mu.Lock()
	s.rev++
	cred.Revision = s.rev
	s.cred = cred
	s.mu.Unlock()

	if err := s.store.Save(ctx, s.sessionID, cred); err != nil {
		log.Printf("supervisor: save credential: %v", err)
	}
}

// scheduleReconnect arms the reconnect timer. At most one attempt is in
// flight per session; a second close event while one is pending is a no-op.
func (s *Supervisor) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.reconnectPending {
		return
	}
	s.reconnectPending = true
	fmt.Fprintf(s.out, "supervisor: reconnecting in %s\n", s.delay)
	s.reconnectTimer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.reconnectPending = false
		terminal := s.terminal
		s.mu.Unlock()
		if terminal || ctx.Err() != nil {
			return
		}
		s.setState(transport.StateConnecting, "")
		if err := s.client.Connect(ctx); err != nil {
			log.Printf("supervisor: reconnect: %v", err)
			s.scheduleReconnect(ctx)
		}
	})
}

// stopReconnect cancels any pending reconnect attempt.
func (s *Supervisor) stopReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectPending = false
}

// Send delivers a text message through the transport. It fails fast when
// the connection is not open instead of queueing silently.
func (s *Supervisor) Send(ctx context.Context, to, text string) error {
	if s.State() != transport.StateOpen {
		return ErrNotConnected
	}
	return s.client.Send(ctx, to, text)
}

// RequestPairingCode asks the transport for a linking code to present to
// the end user out-of-band. This is independent of the self-issued codes
// in the pairing registry.
func (s *Supervisor) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	s.mu.Lock()
	terminal := s.terminal
	s.mu.Unlock()
	if terminal {
		return "", ErrNotConnected
	}
	code, err := s.client.PairPhone(ctx, phoneNumber)
	if err != nil {
		return "", fmt.Errorf("supervisor: request pairing code: %w", err)
	}
	return code, nil
}

// Terminate tears the session down: the transport-side credential is
// revoked, no reconnect will fire, and the connection state returns to
// idle. Used when the session is cleared.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	s.terminal = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectPending = false
	wasOpen := s.state == transport.StateOpen
	s.state = transport.StateIdle
	s.closeReason = ""
	s.mu.Unlock()

	if wasOpen {
		if err := s.client.Logout(context.Background()); err != nil {
			log.Printf("supervisor: terminate logout: %v", err)
		}
	}
	if err := s.client.Close(); err != nil {
		log.Printf("supervisor: terminate: %v", err)
	}
}

// State returns the current connection state.
func (s *Supervisor) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the connection is open.
func (s *Supervisor) Connected() bool {
	return s.State() == transport.StateOpen
}

// PairingMaterial returns the pending one-time pairing material, empty once
// the connection opens.
func (s *Supervisor) PairingMaterial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingMaterial
}

func (s *Supervisor) setState(state transport.State, reason transport.CloseReason) {
	s.mu.Lock()
	s.state = state
	s.closeReason = reason
	s.mu.Unlock()
}

// notify forwards a lifecycle message to the notifier, if configured.
func (s *Supervisor) notify(ctx context.Context, text string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, text)
	}
}

// fireDigest sends the daily status summary to the admin and the notifier.
func (s *Supervisor) fireDigest(ctx context.Context) {
	valid := s.store.IsValid(ctx, s.sessionID)
	text := fmt.Sprintf("Pairline daily status: connection=%s, session valid=%t", s.State(), valid)
	if s.adminJID != "" {
		if err := s.Send(ctx, s.adminJID, text); err != nil {
			log.Printf("supervisor: send digest: %v", err)
		}
	}
	s.notify(ctx, text)
}

// timerChan returns the timer's channel, or nil if the timer is nil.
// A nil channel blocks forever in select, which is the desired behavior
// when the digest is not enabled.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
