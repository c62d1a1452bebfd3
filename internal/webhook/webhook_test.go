package webhook

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

type fakeReconciler struct {
	calls []struct {
		taskID    string
		succeeded bool
		detail    string
	}
	err error
}

func (f *fakeReconciler) Reconcile(taskID string, succeeded bool, detail string) error {
	f.calls = append(f.calls, struct {
		taskID    string
		succeeded bool
		detail    string
	}{taskID, succeeded, detail})
	return f.err
}

type fakeGateway struct {
	mu    chan struct{}
	calls []struct {
		sessionID string
		text      string
	}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{mu: make(chan struct{}, 64)}
}

func (g *fakeGateway) ProcessText(_ context.Context, sessionID, text string) error {
	g.calls = append(g.calls, struct {
		sessionID string
		text      string
	}{sessionID, text})
	g.mu <- struct{}{}
	return nil
}

func (g *fakeGateway) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-g.mu:
	case <-time.After(time.Second):
		t.Fatalf("expected a ProcessText call")
	}
}

func newTestIngress(t *testing.T) (*Ingress, *fakeReconciler, *fakeGateway) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "webhook_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec := &fakeReconciler{}
	gw := newFakeGateway()
	return New(st, rec, gw, nil), rec, gw
}

func TestHandle_AcceptsAndNotifiesGateway(t *testing.T) {
	ing, rec, gw := newTestIngress(t)

	res, err := ing.Handle(context.Background(), Payload{
		EventType: "scrape.done",
		TaskID:    "T1",
		Status:    StatusCompleted,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Outcome != store.OutcomeAccepted {
		t.Fatalf("Outcome = %v, want accepted", res.Outcome)
	}

	gw.waitOne(t)
	if len(gw.calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(gw.calls))
	}
	if gw.calls[0].sessionID != "webhook:T1" {
		t.Errorf("sessionID = %q, want webhook:T1", gw.calls[0].sessionID)
	}
	if !strings.Contains(gw.calls[0].text, "T1") || !strings.Contains(gw.calls[0].text, "completed") {
		t.Errorf("summary = %q, missing task id or status", gw.calls[0].text)
	}

	if len(rec.calls) != 1 {
		t.Fatalf("reconciler calls = %d, want 1", len(rec.calls))
	}
	if !rec.calls[0].succeeded {
		t.Error("expected succeeded=true for a completed status")
	}
}

func TestHandle_DuplicateIsNoOp(t *testing.T) {
	ing, rec, gw := newTestIngress(t)
	payload := Payload{EventType: "scrape.done", TaskID: "T1", Status: StatusCompleted}

	first, err := ing.Handle(context.Background(), payload)
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if first.Outcome != store.OutcomeAccepted {
		t.Fatalf("first Outcome = %v, want accepted", first.Outcome)
	}
	gw.waitOne(t)

	second, err := ing.Handle(context.Background(), payload)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if second.Outcome != store.OutcomeDuplicate {
		t.Fatalf("second Outcome = %v, want duplicate", second.Outcome)
	}

	if len(gw.calls) != 1 {
		t.Fatalf("gateway calls after duplicate = %d, want still 1", len(gw.calls))
	}
	if len(rec.calls) != 1 {
		t.Fatalf("reconciler calls after duplicate = %d, want still 1", len(rec.calls))
	}
}

func TestHandle_FailedStatusReconcilesAsFailure(t *testing.T) {
	ing, rec, gw := newTestIngress(t)

	_, err := ing.Handle(context.Background(), Payload{
		EventType: "scrape.done",
		TaskID:    "T2",
		Status:    StatusFailed,
		Error:     "timeout",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	gw.waitOne(t)

	if len(rec.calls) != 1 {
		t.Fatalf("reconciler calls = %d, want 1", len(rec.calls))
	}
	if rec.calls[0].succeeded {
		t.Error("expected succeeded=false for a failed status")
	}
	if rec.calls[0].detail != "timeout" {
		t.Errorf("detail = %q, want timeout", rec.calls[0].detail)
	}
}

func TestHandle_ProgressStatusDoesNotReconcile(t *testing.T) {
	ing, rec, gw := newTestIngress(t)

	_, err := ing.Handle(context.Background(), Payload{
		EventType: "scrape.progress",
		TaskID:    "T3",
		Status:    StatusProgress,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	gw.waitOne(t)

	if len(rec.calls) != 0 {
		t.Fatalf("reconciler calls = %d, want 0 for progress status", len(rec.calls))
	}
}

func TestHandle_ValidationErrors(t *testing.T) {
	ing, _, _ := newTestIngress(t)

	cases := []struct {
		name    string
		payload Payload
		field   string
	}{
		{"missing taskId", Payload{EventType: "x", Status: StatusCompleted}, "taskId"},
		{"missing eventType", Payload{TaskID: "T1", Status: StatusCompleted}, "eventType"},
		{"bad status", Payload{TaskID: "T1", EventType: "x", Status: "bogus"}, "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ing.Handle(context.Background(), tc.payload)
			var verr *ErrValidation
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errorsAs(err, &verr) {
				t.Fatalf("error = %v, want *ErrValidation", err)
			}
			if verr.Field != tc.field {
				t.Errorf("Field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func errorsAs(err error, target **ErrValidation) bool {
	if e, ok := err.(*ErrValidation); ok {
		*target = e
		return true
	}
	return false
}

func TestSanitize_CapsStringsArraysKeysAndDepth(t *testing.T) {
	long := strings.Repeat("a", sanitizeMaxString+50)
	got := sanitize(long, 0)
	s, ok := got.(string)
	if !ok {
		t.Fatalf("sanitize(string) returned %T", got)
	}
	if len([]rune(s)) != sanitizeMaxString {
		t.Errorf("sanitized string length = %d, want %d", len([]rune(s)), sanitizeMaxString)
	}

	bigArray := make([]any, sanitizeMaxArray+10)
	for i := range bigArray {
		bigArray[i] = i
	}
	gotArr := sanitize(bigArray, 0).([]any)
	if len(gotArr) != sanitizeMaxArray {
		t.Errorf("sanitized array length = %d, want %d", len(gotArr), sanitizeMaxArray)
	}

	bigMap := make(map[string]any, sanitizeMaxKeys+10)
	for i := 0; i < sanitizeMaxKeys+10; i++ {
		bigMap[strings.Repeat("k", 1)+string(rune('a'+i%26))+string(rune(i))] = i
	}
	gotMap := sanitize(bigMap, 0).(map[string]any)
	if len(gotMap) > sanitizeMaxKeys {
		t.Errorf("sanitized map keys = %d, want <= %d", len(gotMap), sanitizeMaxKeys)
	}

	deep := any("leaf")
	for i := 0; i < sanitizeMaxDepth+2; i++ {
		deep = map[string]any{"nest": deep}
	}
	gotDeep := sanitize(deep, 0)
	cur := gotDeep
	depth := 0
	for {
		m, ok := cur.(map[string]any)
		if !ok {
			break
		}
		cur = m["nest"]
		depth++
	}
	if cur != nil {
		t.Errorf("expected nesting to be truncated to nil at depth %d, got %v", sanitizeMaxDepth, cur)
	}

	withControl := "hello\x00\x01world\ttab\nline"
	sanitized := sanitizeString(withControl)
	if strings.ContainsAny(sanitized, "\x00\x01") {
		t.Errorf("sanitizeString left control chars: %q", sanitized)
	}
	if !strings.Contains(sanitized, "\t") || !strings.Contains(sanitized, "\n") {
		t.Errorf("sanitizeString should keep tab/newline: %q", sanitized)
	}
}
