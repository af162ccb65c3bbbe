package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(FileStoreOpts{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return store
}

// loggedInCredential builds a credential that satisfies the validity
// predicate: logged-in root record plus all required key records.
func loggedInCredential(rev int64) *Credential {
	return &Credential{
		Root: []byte(`{"me":{"id":"15551234567:12@s.whatsapp.net","platform":"android"},"push_name":"Pairline"}`),
		Keys: map[string][]byte{
			"noise-key":      []byte(`{"pub":"bm9pc2U="}`),
			"identity-key":   []byte(`{"pub":"aWRlbnQ="}`),
			"signed-pre-key": []byte(`{"pub":"c2lnbmVk"}`),
		},
		Revision: rev,
	}
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	if _, err := NewFileStore(FileStoreOpts{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := newTestFileStore(t)
	if _, err := store.Load(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Info(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Info, got %v", err)
	}
	if store.IsValid(context.Background(), "s1") {
		t.Fatal("missing session reported valid")
	}
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()
	cred := loggedInCredential(3)

	if err := store.Save(ctx, "s1", cred); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.Root) != string(cred.Root) {
		t.Fatalf("root mismatch: %s", got.Root)
	}
	if got.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", got.Revision)
	}
	for name, want := range cred.Keys {
		if string(got.Keys[name]) != string(want) {
			t.Fatalf("key %s mismatch: %s", name, got.Keys[name])
		}
	}
}

func TestFileStore_IsValid(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "s1", loggedInCredential(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !store.IsValid(ctx, "s1") {
		t.Fatal("logged-in credential reported invalid")
	}
}

func TestFileStore_IsValid_LoggedOutMarker(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	cred := loggedInCredential(1)
	cred.Root = []byte(`{"me":{"id":"15551234567:0","platform":"android"}}`)
	if err := store.Save(ctx, "s1", cred); err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.IsValid(ctx, "s1") {
		t.Fatal("logged-out credential reported valid")
	}
}

func TestFileStore_IsValid_MissingKeyRecord(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	cred := loggedInCredential(1)
	delete(cred.Keys, "signed-pre-key")
	if err := store.Save(ctx, "s1", cred); err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.IsValid(ctx, "s1") {
		t.Fatal("credential with missing key record reported valid")
	}
}

func TestFileStore_Clear(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "s1", loggedInCredential(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.IsValid(ctx, "s1") {
		t.Fatal("cleared session reported valid")
	}
	if _, err := os.Stat(filepath.Join(store.dir, "s1")); !os.IsNotExist(err) {
		t.Fatal("session directory left behind after clear")
	}
}

func TestFileStore_ClearMissingSession(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.Clear(context.Background(), "never-existed"); err != nil {
		t.Fatalf("clear on missing session: %v", err)
	}
}

func TestFileStore_StaleSaveIgnored(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "s1", loggedInCredential(5)); err != nil {
		t.Fatalf("save rev 5: %v", err)
	}

	stale := loggedInCredential(2)
	stale.Root = []byte(`{"me":{"id":"stale:1","platform":"stale"}}`)
	if err := store.Save(ctx, "s1", stale); err != nil {
		t.Fatalf("save rev 2: %v", err)
	}

	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Revision != 5 {
		t.Fatalf("stale save regressed revision to %d", got.Revision)
	}
	info, err := store.Info(ctx, "s1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Platform == "stale" {
		t.Fatal("stale save overwrote root record")
	}
}

func TestFileStore_Info(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "s1", loggedInCredential(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := store.Info(ctx, "s1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Phone != "15551234567@s.whatsapp.net" {
		t.Fatalf("expected device suffix stripped, got %q", info.Phone)
	}
	if info.Platform != "android" || !info.LoggedIn {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestFileStore_EmptyDirectoryIsInvalid(t *testing.T) {
	store := newTestFileStore(t)
	if err := os.MkdirAll(filepath.Join(store.dir, "s1"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if store.IsValid(context.Background(), "s1") {
		t.Fatal("empty session directory reported valid")
	}
}
