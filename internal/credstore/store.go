// Package credstore persists authentication material for a bot session.
// Two interchangeable backends exist: a local keyed-file store matching the
// multi-file auth layout (one file per credential sub-record) and a Redis
// store holding the whole credential as a single blob.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned when no credential exists for a session. First-run
// callers should treat this as "fresh pairing required", not as a failure.
var ErrNotFound = errors.New("credstore: no credential for session")

// Credential is the opaque authentication material for one session: a root
// record plus named auxiliary key records, with a monotonically increasing
// revision. The store never lets a save regress to an older revision.
type Credential struct {
	Root     []byte            `json:"root"`
	Keys     map[string][]byte `json:"keys,omitempty"`
	Revision int64             `json:"revision"`
}

// Info is the human-readable summary of a stored credential.
type Info struct {
	Phone    string `json:"phone"`
	Platform string `json:"platform"`
	LoggedIn bool   `json:"isLoggedIn"`
}

// Store is the credential persistence contract shared by both backends.
// All methods tolerate a missing credential: Load and Info report
// ErrNotFound, Clear is a no-op, IsValid returns false.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Credential, error)
	Save(ctx context.Context, sessionID string, cred *Credential) error
	Clear(ctx context.Context, sessionID string) error
	IsValid(ctx context.Context, sessionID string) bool
	Info(ctx context.Context, sessionID string) (*Info, error)
}

// rootRecord is the subset of the root credential record the store inspects
// for the validity predicate. The rest of the record is opaque.
type rootRecord struct {
	Me struct {
		ID       string `json:"id"`
		Platform string `json:"platform"`
	} `json:"me"`
	PushName string `json:"push_name"`
}

// parseRoot decodes the inspectable fields of a root record.
func parseRoot(root []byte) (rootRecord, error) {
	var rec rootRecord
	if err := json.Unmarshal(root, &rec); err != nil {
		return rootRecord{}, err
	}
	return rec, nil
}

// loggedIn reports whether a root record represents an authenticated
// session. An identity suffixed ":0" is the logged-out marker.
func (r rootRecord) loggedIn() bool {
	return r.Me.ID != "" && !strings.HasSuffix(r.Me.ID, ":0")
}

// info builds the session summary from a root record. The device suffix is
// stripped from the identity to produce a bare phone address.
func (r rootRecord) info() *Info {
	phone := r.Me.ID
	if at := strings.Index(phone, "@"); at >= 0 {
		if colon := strings.Index(phone[:at], ":"); colon >= 0 {
			phone = phone[:colon] + phone[at:]
		}
	}
	return &Info{
		Phone:    phone,
		Platform: r.Me.Platform,
		LoggedIn: r.loggedIn(),
	}
}
