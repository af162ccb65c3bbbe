package pairing

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryOpts{})
}

func TestGenerate_ReturnsCodeAndTTL(t *testing.T) {
	r := newTestRegistry(t)
	code, ttl, err := r.Generate("+15551234567", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("expected 8-digit code, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("expected numeric code, got %q", code)
		}
	}
	if ttl != 600*time.Second {
		t.Fatalf("expected 600s TTL, got %v", ttl)
	}
}

func TestGenerate_RequiresPhoneNumber(t *testing.T) {
	r := newTestRegistry(t)
	if _, _, err := r.Generate("", ""); err == nil {
		t.Fatal("expected error for empty phone number")
	}
}

func TestGenerate_DefaultsUserIDToPhone(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	req, err := r.Status(code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if req.UserID != "+15551234567" {
		t.Fatalf("expected user ID to default to phone, got %q", req.UserID)
	}
}

func TestStatus_PendingAfterGenerate(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	req, err := r.Status(code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected pending, got %q", req.Status)
	}
	if req.PhoneNumber != "+15551234567" || req.UserID != "u1" {
		t.Fatalf("unexpected owner metadata: %+v", req)
	}
}

func TestStatus_UnknownCode(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Status("00000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatus_ExpiredWithoutSweep(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Advance the clock past the TTL without running a sweep.
	r.now = func() time.Time { return time.Now().Add(601 * time.Second) }

	if _, err := r.Status(code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}
	if _, err := r.Redeem(code, "a@s.whatsapp.net", "A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on redeem after TTL, got %v", err)
	}
}

func TestRedeem_ExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	red, err := r.Redeem(code, "a@s.whatsapp.net", "Alice")
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if red.PhoneNumber != "+15551234567" || red.UserID != "u1" {
		t.Fatalf("unexpected redemption metadata: %+v", red)
	}

	req, err := r.Status(code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if req.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", req.Status)
	}
	if req.LinkedIdentity != "a@s.whatsapp.net" || req.LinkedDisplayName != "Alice" {
		t.Fatalf("unexpected linked identity: %+v", req)
	}

	if _, err := r.Redeem(code, "b@s.whatsapp.net", "Bob"); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}

	// The losing redeem must not have mutated the record.
	req, _ = r.Status(code)
	if req.LinkedIdentity != "a@s.whatsapp.net" {
		t.Fatalf("second redeem mutated linked identity: %q", req.LinkedIdentity)
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	const callers = 32
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Redeem(code, "x@s.whatsapp.net", "X")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, used int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyUsed):
			used++
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if wins != 1 || used != callers-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d already-used", wins, used)
	}
}

func TestComplete_AdministrativeOverride(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	req, err := r.Complete(code)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if req.Status != StatusCompleted || req.UserID != "u1" {
		t.Fatalf("unexpected completed request: %+v", req)
	}

	if _, err := r.Complete(code); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
	if _, err := r.Complete("99999999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAll_SnapshotDoesNotReflectLaterMutations(t *testing.T) {
	r := newTestRegistry(t)
	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	snap := r.All()

	if _, err := r.Redeem(code, "a@s.whatsapp.net", "A"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// The snapshot was taken before the redeem and is restartable.
	for pass := 0; pass < 2; pass++ {
		count := 0
		for c, req := range snap {
			count++
			if c != code {
				t.Fatalf("unexpected code in snapshot: %q", c)
			}
			if req.Status != StatusPending {
				t.Fatalf("snapshot reflects later mutation: %q", req.Status)
			}
		}
		if count != 1 {
			t.Fatalf("pass %d: expected 1 entry, got %d", pass, count)
		}
	}
}

func TestSweep_ReportsExpiredPendingEntries(t *testing.T) {
	var expired []Request
	r := NewRegistry(RegistryOpts{OnExpire: func(req Request) { expired = append(expired, req) }})

	code, _, err := r.Generate("+15551234567", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	redeemed, _, err := r.Generate("+15557654321", "u2")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := r.Redeem(redeemed, "a@s.whatsapp.net", "A"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(601 * time.Second) }
	r.sweep()

	if len(expired) != 1 || expired[0].Code != code {
		t.Fatalf("expected one expired report for %q, got %+v", code, expired)
	}
	if expired[0].Status != StatusExpired {
		t.Fatalf("expected expired status, got %q", expired[0].Status)
	}

	count := 0
	for range r.All() {
		count++
	}
	if count != 0 {
		t.Fatalf("expected empty registry after sweep, got %d entries", count)
	}
}

func TestGenerate_CollisionRetries(t *testing.T) {
	r := newTestRegistry(t)

	// Pre-fill an expired entry; Generate may reuse its code slot.
	code, _, err := r.Generate("+15550000001", "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	r.mu.Lock()
	r.codes[code].ExpiresAt = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	// Codes must stay unique among live entries.
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		c, _, err := r.Generate("+15550000002", "u2")
		if err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
		if seen[c] {
			t.Fatalf("duplicate live code %q", c)
		}
		seen[c] = true
	}
}
