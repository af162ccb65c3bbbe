package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	rootFile     = "creds.json"
	revisionFile = "revision.json"
	keySuffix    = ".json"
)

// defaultRequiredKeys are the auxiliary key records that must be present for
// a file-backed session to be considered valid.
var defaultRequiredKeys = []string{"noise-key", "identity-key", "signed-pre-key"}

// FileStore persists each credential sub-record as its own file inside a
// per-session directory. Writes go through a temp file and rename, and the
// root record is written last so a partially written session never passes
// the validity check.
type FileStore struct {
	dir          string
	requiredKeys []string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// FileStoreOpts holds parameters for creating a FileStore.
type FileStoreOpts struct {
	Dir          string   // parent directory for session directories
	RequiredKeys []string // defaults to defaultRequiredKeys
}

// NewFileStore creates a FileStore rooted at opts.Dir.
func NewFileStore(opts FileStoreOpts) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("credstore: file store: dir is required")
	}
	required := opts.RequiredKeys
	if required == nil {
		required = defaultRequiredKeys
	}
	return &FileStore{
		dir:          opts.Dir,
		requiredKeys: required,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// sessionLock returns the mutex guarding one session directory, so writes
// for unrelated sessions never serialize against each other.
func (s *FileStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

// Load reads the credential for a session, or ErrNotFound if the root
// record is missing.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*Credential, error) {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	dir := s.sessionDir(sessionID)
	root, err := os.ReadFile(filepath.Join(dir, rootFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read root record: %w", err)
	}

	cred := &Credential{Root: root, Keys: make(map[string][]byte)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("credstore: read session dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == rootFile || name == revisionFile || !strings.HasSuffix(name, keySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("credstore: read key record %s: %w", name, err)
		}
		cred.Keys[strings.TrimSuffix(name, keySuffix)] = data
	}

	if rev, err := os.ReadFile(filepath.Join(dir, revisionFile)); err == nil {
		var meta struct {
			Revision int64 `json:"revision"`
		}
		if err := json.Unmarshal(rev, &meta); err == nil {
			cred.Revision = meta.Revision
		}
	}
	return cred, nil
}

// Save writes the credential atomically. Key records and the revision marker
// are written before the root record, so readers either see the previous
// complete credential or the new one. A save carrying an older revision than
// the stored one is ignored.
func (s *FileStore) Save(ctx context.Context, sessionID string, cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("credstore: save: credential is required")
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	dir := s.sessionDir(sessionID)
	if current, err := s.readRevision(dir); err == nil && current > cred.Revision {
		return nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore: create session dir: %w", err)
	}

	for name, data := range cred.Keys {
		if err := writeFileAtomic(filepath.Join(dir, name+keySuffix), data); err != nil {
			return fmt.Errorf("credstore: write key record %s: %w", name, err)
		}
	}

	meta, err := json.Marshal(struct {
		Revision int64 `json:"revision"`
	}{cred.Revision})
	if err != nil {
		return fmt.Errorf("credstore: marshal revision: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, revisionFile), meta); err != nil {
		return fmt.Errorf("credstore: write revision: %w", err)
	}

	// Root last: it doubles as the completion marker.
	if err := writeFileAtomic(filepath.Join(dir, rootFile), cred.Root); err != nil {
		return fmt.Errorf("credstore: write root record: %w", err)
	}
	return nil
}

// Clear removes all sub-records and then the session directory. Clearing a
// session that does not exist is not an error.
func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("credstore: read session dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("credstore: remove %s: %w", entry.Name(), err)
		}
	}
	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("credstore: remove session dir: %w", err)
	}
	return nil
}

// IsValid reports whether a logged-in credential exists: the root record
// parses with a non-logged-out identity and every required key record is
// present. A bare or partially written session directory is invalid.
func (s *FileStore) IsValid(ctx context.Context, sessionID string) bool {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	dir := s.sessionDir(sessionID)
	root, err := os.ReadFile(filepath.Join(dir, rootFile))
	if err != nil {
		return false
	}
	rec, err := parseRoot(root)
	if err != nil || !rec.loggedIn() {
		return false
	}
	for _, name := range s.requiredKeys {
		if _, err := os.Stat(filepath.Join(dir, name+keySuffix)); err != nil {
			return false
		}
	}
	return true
}

// Info returns the session summary, or ErrNotFound when no credential exists.
func (s *FileStore) Info(ctx context.Context, sessionID string) (*Info, error) {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	root, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), rootFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read root record: %w", err)
	}
	rec, err := parseRoot(root)
	if err != nil {
		return nil, fmt.Errorf("credstore: parse root record: %w", err)
	}
	return rec.info(), nil
}

// readRevision returns the stored revision for a session directory.
func (s *FileStore) readRevision(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, revisionFile))
	if err != nil {
		return 0, err
	}
	var meta struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, err
	}
	return meta.Revision, nil
}

// writeFileAtomic replaces path via a temp file and rename so readers never
// observe a half-written record.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
