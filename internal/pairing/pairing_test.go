package pairing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pairing_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil, 50)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		channel, in, want string
	}{
		{"whatsapp", "+1 (555) 123-4567", "15551234567"},
		{"telegram", " 42 ", "42"},
	}
	for _, c := range cases {
		if got := Normalize(c.channel, c.in); got != c.want {
			t.Errorf("Normalize(%q, %q) = %q, want %q", c.channel, c.in, got, c.want)
		}
	}
}

func TestRequestPairing_CreatedThenApprove(t *testing.T) {
	a := newTestAuthority(t)

	result, err := a.RequestPairing("telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if result.Status != StatusCreated {
		t.Fatalf("Status = %q, want created", result.Status)
	}
	if len(result.Request.Code) != 6 {
		t.Fatalf("code = %q, want 6 digits", result.Request.Code)
	}

	approved, err := a.IsApproved("telegram", "42")
	if err != nil {
		t.Fatalf("IsApproved: %v", err)
	}
	if approved {
		t.Fatal("expected not approved before Approve")
	}

	sender, err := a.Approve("telegram", result.Request.Code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if sender != "42" {
		t.Errorf("Approve sender = %q, want 42", sender)
	}

	approved, err = a.IsApproved("telegram", "42")
	if err != nil {
		t.Fatalf("IsApproved after approve: %v", err)
	}
	if !approved {
		t.Error("expected approved after Approve")
	}
}

func TestRequestPairing_AlreadyPending(t *testing.T) {
	a := newTestAuthority(t)

	if _, err := a.RequestPairing("telegram", "42"); err != nil {
		t.Fatalf("first RequestPairing: %v", err)
	}
	result, err := a.RequestPairing("telegram", "42")
	if err != nil {
		t.Fatalf("second RequestPairing: %v", err)
	}
	if result.Status != StatusAlreadyPending {
		t.Errorf("Status = %q, want already_pending", result.Status)
	}
}

func TestRequestPairing_AlreadyApproved(t *testing.T) {
	a := newTestAuthority(t)

	if err := a.SeedAllowFrom("telegram", []string{"42"}); err != nil {
		t.Fatalf("SeedAllowFrom: %v", err)
	}

	result, err := a.RequestPairing("telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if result.Status != StatusAlreadyApproved {
		t.Errorf("Status = %q, want already_approved", result.Status)
	}
}

func TestRequestPairing_UnsupportedChannel(t *testing.T) {
	a := newTestAuthority(t)

	_, err := a.RequestPairing("carrier-pigeon", "42")
	if err != ErrUnsupportedChannel {
		t.Errorf("err = %v, want ErrUnsupportedChannel", err)
	}
}

func TestApprove_NotFoundAndExpired(t *testing.T) {
	a := newTestAuthority(t)

	if _, err := a.Approve("telegram", "000000"); err != ErrNotFound {
		t.Errorf("Approve(unknown code) err = %v, want ErrNotFound", err)
	}

	result, err := a.RequestPairing("telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	// Force expiry by sweeping with a time past PairingCodeTTL, then
	// confirm the code no longer approves.
	future := time.Now().UTC().Add(PairingCodeTTL + time.Minute)
	if _, err := a.Approve("telegram", result.Request.Code); err != nil {
		t.Fatalf("Approve before expiry should succeed: %v", err)
	}

	// Re-request to get a fresh pending code, then let it actually expire.
	result2, err := a.RequestPairing("telegram", "43")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	n, err := a.Sweep(future)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep removed %d requests, want 1", n)
	}
	if _, err := a.Approve("telegram", result2.Request.Code); err != ErrNotFound {
		t.Errorf("Approve(swept code) err = %v, want ErrNotFound", err)
	}
}

func TestRequestPairing_RateLimited(t *testing.T) {
	a := newTestAuthority(t)
	a.maxPendingPerChannel = 1

	if _, err := a.RequestPairing("telegram", "1"); err != nil {
		t.Fatalf("RequestPairing(1): %v", err)
	}
	result, err := a.RequestPairing("telegram", "2")
	if err != nil {
		t.Fatalf("RequestPairing(2): %v", err)
	}
	if result.Status != StatusRateLimited {
		t.Errorf("Status = %q, want rate_limited", result.Status)
	}
}
