package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces credential blobs in Redis.
const keyPrefix = "session:"

// RedisStore persists the whole credential as one JSON blob per session.
// Load, Save and Clear are single round-trips; the blob SET is atomic
// relative to readers.
type RedisStore struct {
	client *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// RedisStoreOpts holds parameters for creating a RedisStore.
type RedisStoreOpts struct {
	Addr     string
	Password string
	DB       int
	// For testing: inject a client instead of dialing Addr.
	Client *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	client := opts.Client
	if client == nil {
		if opts.Addr == "" {
			return nil, fmt.Errorf("credstore: redis store: addr is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return &RedisStore{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *RedisStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func sessionKey(sessionID string) string { return keyPrefix + sessionID }

// Load fetches and decodes the credential blob, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Credential, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: redis get: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("credstore: decode credential blob: %w", err)
	}
	return &cred, nil
}

// Save stores the credential blob. A save carrying an older revision than
// the stored blob is ignored; the supervisor is the only writer per session,
// so the read-compare-set window is guarded by the per-session lock.
func (s *RedisStore) Save(ctx context.Context, sessionID string, cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("credstore: save: credential is required")
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	if current, err := s.Load(ctx, sessionID); err == nil && current.Revision > cred.Revision {
		return nil
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credstore: encode credential blob: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("credstore: redis set: %w", err)
	}
	return nil
}

// Clear deletes the credential blob. Deleting a missing key is not an error.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("credstore: redis del: %w", err)
	}
	return nil
}

// IsValid reports whether a logged-in credential blob exists. The same
// logged-out-marker predicate as the file backend applies to the decoded
// root record, keeping the backends observably interchangeable.
func (s *RedisStore) IsValid(ctx context.Context, sessionID string) bool {
	cred, err := s.Load(ctx, sessionID)
	if err != nil {
		return false
	}
	rec, err := parseRoot(cred.Root)
	if err != nil {
		return false
	}
	return rec.loggedIn()
}

// Info returns the session summary, or ErrNotFound when no blob exists.
func (s *RedisStore) Info(ctx context.Context, sessionID string) (*Info, error) {
	cred, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rec, err := parseRoot(cred.Root)
	if err != nil {
		return nil, fmt.Errorf("credstore: parse root record: %w", err)
	}
	return rec.info(), nil
}
