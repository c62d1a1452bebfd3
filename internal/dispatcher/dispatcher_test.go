package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/chunker"
	"github.com/avimaybee/TwinClaw-sub002/internal/delivery"
	"github.com/avimaybee/TwinClaw-sub002/internal/pairing"
	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

type fakeGateway struct {
	reply string
	err   error
	calls []NormalizedMessage
}

func (g *fakeGateway) ProcessMessage(_ context.Context, msg NormalizedMessage) (string, error) {
	g.calls = append(g.calls, msg)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type fakeSTT struct {
	text string
}

func (s *fakeSTT) TranscribeFile(_ context.Context, path string) (string, error) {
	return s.text, nil
}

type nullSender struct{}

func (nullSender) Send(context.Context, string, string, string) error { return nil }

func newHarness(t *testing.T, policy AuthPolicy) (*Dispatcher, *fakeGateway, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatcher_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	auth := pairing.New(st, nil, 50)
	gateway := &fakeGateway{reply: "hi there"}
	cfg := Config{
		Policy:     policy,
		DebounceMs: 20,
		Chunker:    chunker.Config{MinChars: 10, MaxChars: 800, Boundary: chunker.BoundaryParagraph},
	}
	ctx := context.Background()
	queue := delivery.New(st, delivery.Config{BaseMs: 5, Factor: 2, MaxDelayMs: 50, MaxAttempts: 3, TickMs: 10}, nullSender{}, nil)
	if err := queue.Start(ctx); err != nil {
		t.Fatalf("queue.Start: %v", err)
	}
	t.Cleanup(func() { queue.Stop(time.Second) })

	d := New(ctx, cfg, auth, gateway, &fakeSTT{}, queue, nil)
	t.Cleanup(d.Stop)
	return d, gateway, st
}

func waitForDeliveries(t *testing.T, st *store.Store, want int) []*store.DeliveryRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := st.RecentDeliveries(10)
		if err != nil {
			t.Fatalf("RecentDeliveries: %v", err)
		}
		if len(recs) >= want {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d delivery records", want)
	return nil
}

func TestDispatcher_UnknownSenderGetsChallenge(t *testing.T) {
	d, gateway, st := newHarness(t, PolicyPairing)

	d.OnInbound(InboundMessage{Platform: "telegram", SenderID: "42", ChatID: "42", Text: "hello"})

	recs := waitForDeliveries(t, st, 1)
	if len(gateway.calls) != 0 {
		t.Errorf("gateway should not be called for unapproved sender, got %d calls", len(gateway.calls))
	}
	if !strings.Contains(recs[0].Body, "Pairing required") {
		t.Errorf("expected a pairing challenge body, got %q", recs[0].Body)
	}
}

func TestDispatcher_ApprovedSenderReachesGateway(t *testing.T) {
	d, gateway, st := newHarness(t, PolicyPairing)

	auth := pairing.New(st, nil, 50)
	if err := auth.SeedAllowFrom("telegram", []string{"42"}); err != nil {
		t.Fatalf("SeedAllowFrom: %v", err)
	}

	d.OnInbound(InboundMessage{Platform: "telegram", SenderID: "42", ChatID: "42", Text: "hello"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(gateway.calls) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(gateway.calls) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(gateway.calls))
	}
	if gateway.calls[0].Text != "hello" {
		t.Errorf("Text = %q, want %q", gateway.calls[0].Text, "hello")
	}

	waitForDeliveries(t, st, 1)
}

func TestDispatcher_AllowlistPolicyDropsUnknownSilently(t *testing.T) {
	d, gateway, st := newHarness(t, PolicyAllowlist)

	d.OnInbound(InboundMessage{Platform: "telegram", SenderID: "99", ChatID: "99", Text: "hello"})

	time.Sleep(100 * time.Millisecond)
	recs, err := st.RecentDeliveries(10)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no deliveries under allowlist policy, got %d", len(recs))
	}
	if len(gateway.calls) != 0 {
		t.Errorf("expected no gateway calls, got %d", len(gateway.calls))
	}
}

func TestDispatcher_DebounceMergesRapidMessages(t *testing.T) {
	d, gateway, st := newHarness(t, PolicyPairing)

	auth := pairing.New(st, nil, 50)
	if err := auth.SeedAllowFrom("telegram", []string{"42"}); err != nil {
		t.Fatalf("SeedAllowFrom: %v", err)
	}

	d.OnInbound(InboundMessage{Platform: "telegram", SenderID: "42", ChatID: "42", Text: "hello"})
	d.OnInbound(InboundMessage{Platform: "telegram", SenderID: "42", ChatID: "42", Text: "world"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(gateway.calls) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(gateway.calls) != 1 {
		t.Fatalf("expected merged messages to reach gateway once, got %d calls", len(gateway.calls))
	}
	if gateway.calls[0].Text != "hello\nworld" {
		t.Errorf("Text = %q, want %q", gateway.calls[0].Text, "hello\nworld")
	}
}
