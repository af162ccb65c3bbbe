// Package pairing implements the in-memory registry of self-issued pairing
// codes. A code is generated for a phone number, delivered to the user
// out-of-band, and redeemed exactly once from an inbound chat message.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"sync"
	"time"
)

// DefaultTTL is how long a generated code stays redeemable.
const DefaultTTL = 600 * time.Second

// DefaultCodeLength is the number of digits in a generated code.
const DefaultCodeLength = 8

// defaultSweepInterval is how often the background sweep reclaims expired
// entries. Expiry is also checked on every read, so the sweep only frees
// memory and reports expirations.
const defaultSweepInterval = 30 * time.Second

// maxGenerateAttempts bounds collision retries during code generation.
const maxGenerateAttempts = 64

var (
	// ErrNotFound is returned when a code does not exist or has expired.
	ErrNotFound = errors.New("pairing: code not found or expired")

	// ErrAlreadyUsed is returned when a code was already redeemed.
	ErrAlreadyUsed = errors.New("pairing: code already used")
)

// Status is the lifecycle state of a pairing request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Request is one pairing request keyed by its code. Values returned from the
// registry are copies; the registry owns the canonical record.
type Request struct {
	Code              string
	PhoneNumber       string
	UserID            string
	Status            Status
	RequestedAt       time.Time
	ExpiresAt         time.Time
	LinkedIdentity    string
	LinkedDisplayName string
}

// Redemption carries the owner metadata returned by a successful redeem so
// the caller can notify interested parties.
type Redemption struct {
	PhoneNumber string
	UserID      string
}

// request is the internal record. Each record carries its own mutex so
// redemption of one code never serializes against unrelated codes.
type request struct {
	mu sync.Mutex
	Request
}

// Registry is an in-memory, time-expiring map from code to pairing request.
type Registry struct {
	mu    sync.RWMutex
	codes map[string]*request

	ttl      time.Duration
	codeLen  int
	onExpire func(Request)
	now      func() time.Time
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	TTL        time.Duration // defaults to DefaultTTL
	CodeLength int           // defaults to DefaultCodeLength
	OnExpire   func(Request) // optional; called by the sweep for each expired entry
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	codeLen := opts.CodeLength
	if codeLen <= 0 {
		codeLen = DefaultCodeLength
	}
	return &Registry{
		codes:    make(map[string]*request),
		ttl:      ttl,
		codeLen:  codeLen,
		onExpire: opts.OnExpire,
		now:      time.Now,
	}
}

// TTL returns the configured code lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// CodeLength returns the configured code length in digits.
func (r *Registry) CodeLength() int { return r.codeLen }

// Generate draws a uniformly random numeric code, stores a pending request
// for it, and returns the code with its TTL. A collision with a live entry
// retries generation rather than overwriting.
func (r *Registry) Generate(phoneNumber, userID string) (string, time.Duration, error) {
	if phoneNumber == "" {
		return "", 0, fmt.Errorf("pairing: phone number is required")
	}
	if userID == "" {
		userID = phoneNumber
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code, err := r.randomCode()
		if err != nil {
			return "", 0, fmt.Errorf("pairing: generate code: %w", err)
		}

		now := r.now()
		r.mu.Lock()
		if existing, ok := r.codes[code]; ok && now.Before(existing.ExpiresAt) {
			r.mu.Unlock()
			continue
		}
		r.codes[code] = &request{Request: Request{
			Code:        code,
			PhoneNumber: phoneNumber,
			UserID:      userID,
			Status:      StatusPending,
			RequestedAt: now,
			ExpiresAt:   now.Add(r.ttl),
		}}
		r.mu.Unlock()
		return code, r.ttl, nil
	}
	return "", 0, fmt.Errorf("pairing: could not find a free code after %d attempts", maxGenerateAttempts)
}

// Redeem transitions a pending code to completed, recording the redeemer.
// The first caller to observe a pending code wins; every other caller gets
// ErrAlreadyUsed. Absent or expired codes yield ErrNotFound.
func (r *Registry) Redeem(code, identity, displayName string) (Redemption, error) {
	req, ok := r.lookup(code)
	if !ok {
		return Redemption{}, ErrNotFound
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if r.now().After(req.ExpiresAt) {
		return Redemption{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Redemption{}, ErrAlreadyUsed
	}
	req.Status = StatusCompleted
	req.LinkedIdentity = identity
	req.LinkedDisplayName = displayName
	return Redemption{PhoneNumber: req.PhoneNumber, UserID: req.UserID}, nil
}

// Complete is the administrative override of Redeem: it performs the same
// pending-to-completed transition without a transport-side redeemer.
func (r *Registry) Complete(code string) (Request, error) {
	req, ok := r.lookup(code)
	if !ok {
		return Request{}, ErrNotFound
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if r.now().After(req.ExpiresAt) {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrAlreadyUsed
	}
	req.Status = StatusCompleted
	return req.Request, nil
}

// Status returns a copy of the request for a live code, or ErrNotFound.
// An entry past its TTL behaves as absent regardless of sweep timing.
func (r *Registry) Status(code string) (Request, error) {
	req, ok := r.lookup(code)
	if !ok {
		return Request{}, ErrNotFound
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	if r.now().After(req.ExpiresAt) {
		return Request{}, ErrNotFound
	}
	return req.Request, nil
}

// All returns a restartable iterator over a snapshot of the live entries at
// call time. Later mutations are not reflected.
func (r *Registry) All() iter.Seq2[string, Request] {
	now := r.now()
	r.mu.RLock()
	snapshot := make([]Request, 0, len(r.codes))
	for _, req := range r.codes {
		req.mu.Lock()
		if now.Before(req.ExpiresAt) {
			snapshot = append(snapshot, req.Request)
		}
		req.mu.Unlock()
	}
	r.mu.RUnlock()

	return func(yield func(string, Request) bool) {
		for _, req := range snapshot {
			if !yield(req.Code, req) {
				return
			}
		}
	}
}

// Run sweeps expired entries until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes entries past their TTL and reports pending ones as expired.
func (r *Registry) sweep() {
	now := r.now()
	var expired []Request

	r.mu.Lock()
	for code, req := range r.codes {
		req.mu.Lock()
		if now.After(req.ExpiresAt) {
			if req.Status == StatusPending {
				req.Status = StatusExpired
				expired = append(expired, req.Request)
			}
			delete(r.codes, code)
		}
		req.mu.Unlock()
	}
	r.mu.Unlock()

	if r.onExpire != nil {
		for _, req := range expired {
			r.onExpire(req)
		}
	}
}

// lookup finds the record for a code without checking expiry.
func (r *Registry) lookup(code string) (*request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.codes[code]
	return req, ok
}

// randomCode draws a zero-padded numeric code uniformly from the full
// 10^codeLen space.
func (r *Registry) randomCode() (string, error) {
	space := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.codeLen)), nil)
	n, err := rand.Int(rand.Reader, space)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", r.codeLen, n), nil
}
