package supervisor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/transport"
)

type collectHandler struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (h *collectHandler) Handle(ctx context.Context, msg transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *collectHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testCredential(rev int64) *credstore.Credential {
	return &credstore.Credential{
		Root: []byte(`{"me":{"id":"15551234567:12@s.whatsapp.net","platform":"android"},"push_name":"Pairline"}`),
		Keys: map[string][]byte{
			"noise-key":      []byte(`{"private":"AA=="}`),
			"identity-key":   []byte(`{"private":"AA=="}`),
			"signed-pre-key": []byte(`{"private":"AA=="}`),
		},
		Revision: rev,
	}
}

func newTestSupervisor(t *testing.T, delay time.Duration) (*Supervisor, *transport.MockClient, credstore.Store, *collectHandler) {
	t.Helper()
	mock := transport.NewMockClient()
	store, err := credstore.NewFileStore(credstore.FileStoreOpts{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	handler := &collectHandler{}
	sup, err := New(Opts{
		Client:         mock,
		Store:          store,
		SessionID:      "test-session",
		Handler:        handler,
		ReconnectDelay: delay,
		Out:            &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return sup, mock, store, handler
}

// runSupervisor starts Run in the background and registers cleanup.
func runSupervisor(t *testing.T, sup *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	mock := transport.NewMockClient()
	store, _ := credstore.NewFileStore(credstore.FileStoreOpts{Dir: t.TempDir()})
	handler := &collectHandler{}

	if _, err := New(Opts{Store: store, SessionID: "s", Handler: handler}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New(Opts{Client: mock, SessionID: "s", Handler: handler}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(Opts{Client: mock, Store: store, Handler: handler}); err == nil {
		t.Fatal("expected error for empty session ID")
	}
	if _, err := New(Opts{Client: mock, Store: store, SessionID: "s"}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRun_ConnectsAndTracksState(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)

	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.StateChange{State: transport.StateOpen})
	waitFor(t, sup.Connected, "state never became open")
}

func TestRun_PersistsCredentialUpdates(t *testing.T) {
	sup, mock, store, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)

	mock.Emit(transport.CredentialUpdate{Credential: testCredential(0)})
	mock.Emit(transport.CredentialUpdate{Credential: testCredential(0)})

	waitFor(t, func() bool {
		cred, err := store.Load(context.Background(), "test-session")
		return err == nil && cred.Revision == 2
	}, "credential updates not persisted with increasing revisions")
}

func TestRun_SeedsRevisionFromStoredCredential(t *testing.T) {
	sup, mock, store, _ := newTestSupervisor(t, 10*time.Millisecond)
	if err := store.Save(context.Background(), "test-session", testCredential(5)); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	runSupervisor(t, sup)

	mock.Emit(transport.CredentialUpdate{Credential: testCredential(0)})

	waitFor(t, func() bool {
		cred, err := store.Load(context.Background(), "test-session")
		return err == nil && cred.Revision == 6
	}, "revision not seeded from stored credential")
}

func TestRun_TerminalCloseClearsAndStops(t *testing.T) {
	sup, mock, store, _ := newTestSupervisor(t, 10*time.Millisecond)
	if err := store.Save(context.Background(), "test-session", testCredential(1)); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})

	waitFor(t, func() bool {
		_, err := store.Load(context.Background(), "test-session")
		return errors.Is(err, credstore.ErrNotFound)
	}, "credential not cleared after logout")

	time.Sleep(50 * time.Millisecond)
	if got := mock.Connects(); got != 1 {
		t.Fatalf("reconnected after terminal close: %d connects", got)
	}
}

func TestRun_NetworkCloseReconnects(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonNetwork})

	waitFor(t, func() bool { return mock.Connects() == 2 }, "no reconnect after network close")
}

func TestRun_SingleReconnectPerDrop(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 50*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	// Two close events before the timer fires must coalesce into one attempt.
	mock.Emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonNetwork})
	mock.Emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonStreamError})

	waitFor(t, func() bool { return mock.Connects() == 2 }, "no reconnect after close")
	time.Sleep(100 * time.Millisecond)
	if got := mock.Connects(); got != 2 {
		t.Fatalf("expected single reconnect attempt, got %d connects", got)
	}
}

func TestSend_GatedByConnectionState(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	if err := sup.Send(context.Background(), "u@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before open, got %v", err)
	}

	mock.Emit(transport.StateChange{State: transport.StateOpen})
	waitFor(t, sup.Connected, "state never became open")

	if err := sup.Send(context.Background(), "u@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("send while open: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Text != "hi" {
		t.Fatalf("unexpected sent messages: %v", sent)
	}
}

func TestRun_MessagesReachHandler(t *testing.T) {
	sup, mock, _, handler := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.Message{Sender: "u@s.whatsapp.net", Body: "hello"})
	waitFor(t, func() bool { return handler.count() == 1 }, "message never reached handler")
}

func TestPairingMaterial_ClearedOnOpen(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.PairingMaterial{LinkCode: "ABCD-EFGH"})
	waitFor(t, func() bool { return sup.PairingMaterial() == "ABCD-EFGH" }, "pairing material not recorded")

	mock.Emit(transport.StateChange{State: transport.StateOpen})
	waitFor(t, func() bool { return sup.PairingMaterial() == "" }, "pairing material not cleared on open")
}

func TestRequestPairingCode(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.SetPairCode("WXYZ-1234")
	code, err := sup.RequestPairingCode(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("request pairing code: %v", err)
	}
	if code != "WXYZ-1234" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestTerminate_StopsReconnectAndResetsState(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 50*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonNetwork})
	waitFor(t, func() bool { return sup.State() == transport.StateClosed }, "close never observed")

	sup.Terminate()
	if sup.State() != transport.StateIdle {
		t.Fatalf("state after terminate: %v", sup.State())
	}

	time.Sleep(100 * time.Millisecond)
	if got := mock.Connects(); got != 1 {
		t.Fatalf("reconnect fired after terminate: %d connects", got)
	}

	if _, err := sup.RequestPairingCode(context.Background(), "+15551234567"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after terminate, got %v", err)
	}
}

func TestTerminate_LogsOutOpenConnection(t *testing.T) {
	sup, mock, _, _ := newTestSupervisor(t, 10*time.Millisecond)
	runSupervisor(t, sup)
	waitFor(t, func() bool { return mock.Connects() == 1 }, "never connected")

	mock.Emit(transport.StateChange{State: transport.StateOpen})
	waitFor(t, sup.Connected, "state never became open")

	sup.Terminate()
	if got := mock.Logouts(); got != 1 {
		t.Fatalf("expected transport logout on terminate, got %d", got)
	}
}

func TestNextCronDuration(t *testing.T) {
	if d := nextCronDuration("0 9 * * *"); d <= 0 || d > 24*time.Hour {
		t.Fatalf("daily expression: got %v", d)
	}
	if d := nextCronDuration("not a cron expr"); d != 0 {
		t.Fatalf("expected 0 for invalid expression, got %v", d)
	}
}
