package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "twinclaw.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestKVState_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	if got, err := s.GetState("ns", "missing"); err != nil || got != "" {
		t.Fatalf("GetState(missing) = %q, %v, want empty string, nil", got, err)
	}

	if err := s.SetState("ns", "k1", "v1"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, err := s.GetState("ns", "k1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got != "v1" {
		t.Errorf("GetState = %q, want %q", got, "v1")
	}

	if err := s.SetState("ns", "k1", "v2"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	if got, _ := s.GetState("ns", "k1"); got != "v2" {
		t.Errorf("GetState after overwrite = %q, want %q", got, "v2")
	}

	if err := s.DeleteState("ns", "k1"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if got, _ := s.GetState("ns", "k1"); got != "" {
		t.Errorf("GetState after delete = %q, want empty", got)
	}
}

func TestDelivery_InsertAndDue(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	rec := &DeliveryRecord{
		ID:            "d1",
		Platform:      "telegram",
		ChatID:        "c1",
		Body:          "hello",
		State:         DeliveryPending,
		NextAttemptAt: now.Add(-time.Second),
	}
	if err := s.InsertDelivery(rec); err != nil {
		t.Fatalf("InsertDelivery: %v", err)
	}

	got, err := s.GetDelivery("d1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Body != "hello" || got.State != DeliveryPending {
		t.Errorf("GetDelivery = %+v, want body=hello state=pending", got)
	}

	due, err := s.DueDeliveries(now, 10)
	if err != nil {
		t.Fatalf("DueDeliveries: %v", err)
	}
	if len(due) != 1 || due[0].ID != "d1" {
		t.Fatalf("DueDeliveries = %+v, want [d1]", due)
	}
}

func TestDelivery_StateMachine(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	rec := &DeliveryRecord{
		ID:            "d2",
		Platform:      "whatsapp",
		ChatID:        "c2",
		Body:          "hi",
		State:         DeliveryPending,
		NextAttemptAt: now,
	}
	if err := s.InsertDelivery(rec); err != nil {
		t.Fatalf("InsertDelivery: %v", err)
	}

	ok, err := s.MarkSending("d2", now)
	if err != nil || !ok {
		t.Fatalf("MarkSending = %v, %v, want true, nil", ok, err)
	}

	// A second claim attempt must fail: only one in-flight send per record.
	ok, err = s.MarkSending("d2", now)
	if err != nil {
		t.Fatalf("MarkSending second attempt error: %v", err)
	}
	if ok {
		t.Error("MarkSending second attempt succeeded, want false (already sending)")
	}

	if err := s.MarkRetrying("d2", 1, now.Add(time.Second), "boom", now); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}
	got, err := s.GetDelivery("d2")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.State != DeliveryRetrying || got.AttemptCount != 1 || got.LastError != "boom" {
		t.Errorf("after MarkRetrying = %+v, want state=retrying attempt=1 error=boom", got)
	}

	if err := s.MarkDeadLetter("d2", 3, "still failing", now); err != nil {
		t.Fatalf("MarkDeadLetter: %v", err)
	}
	got, _ = s.GetDelivery("d2")
	if got.State != DeliveryDeadLetter || got.AttemptCount != 3 {
		t.Errorf("after MarkDeadLetter = %+v, want state=dead_letter attempt=3", got)
	}

	if err := s.Requeue("d2", now); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ = s.GetDelivery("d2")
	if got.State != DeliveryPending || got.AttemptCount != 0 || got.LastError != "" {
		t.Errorf("after Requeue = %+v, want state=pending attempt=0 error=empty", got)
	}
}

func TestDelivery_OneInFlightPerChat(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for _, id := range []string{"a", "b"} {
		rec := &DeliveryRecord{
			ID: id, Platform: "telegram", ChatID: "chat1", Body: "x",
			State: DeliveryPending, NextAttemptAt: now,
		}
		if err := s.InsertDelivery(rec); err != nil {
			t.Fatalf("InsertDelivery(%s): %v", id, err)
		}
	}

	if ok, err := s.MarkSending("a", now); err != nil || !ok {
		t.Fatalf("MarkSending(a): %v, %v", ok, err)
	}

	inFlight, err := s.InFlight("telegram", "chat1")
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if inFlight == nil || inFlight.ID != "a" {
		t.Fatalf("InFlight = %+v, want record a", inFlight)
	}
}

func TestPairing_RequestAndApprove(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	req := &PairingRequest{
		Channel: "telegram", NormalizedSenderID: "42", Code: "123456",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.InsertPairingRequest(req); err != nil {
		t.Fatalf("InsertPairingRequest: %v", err)
	}

	exists, err := s.CodeExists("telegram", "123456")
	if err != nil || !exists {
		t.Fatalf("CodeExists = %v, %v, want true, nil", exists, err)
	}

	found, err := s.FindPairingByCode("telegram", "123456")
	if err != nil {
		t.Fatalf("FindPairingByCode: %v", err)
	}
	if found == nil || found.NormalizedSenderID != "42" {
		t.Fatalf("FindPairingByCode = %+v, want sender 42", found)
	}

	if approved, _ := s.IsApproved("telegram", "42"); approved {
		t.Error("expected not yet approved")
	}

	if err := s.InsertAllowListEntry(&AllowListEntry{
		Channel: "telegram", NormalizedSenderID: "42", ApprovedAt: now,
	}); err != nil {
		t.Fatalf("InsertAllowListEntry: %v", err)
	}
	if err := s.DeletePairingRequest("telegram", "42"); err != nil {
		t.Fatalf("DeletePairingRequest: %v", err)
	}

	approved, err := s.IsApproved("telegram", "42")
	if err != nil || !approved {
		t.Fatalf("IsApproved after approval = %v, %v, want true, nil", approved, err)
	}

	gone, err := s.GetPairingRequest("telegram", "42")
	if err != nil {
		t.Fatalf("GetPairingRequest: %v", err)
	}
	if gone != nil {
		t.Errorf("GetPairingRequest after delete = %+v, want nil", gone)
	}
}

func TestPairing_ExpiredSweep(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if err := s.InsertPairingRequest(&PairingRequest{
		Channel: "telegram", NormalizedSenderID: "1",
		Code: "111111", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("InsertPairingRequest: %v", err)
	}
	if err := s.InsertPairingRequest(&PairingRequest{
		Channel: "telegram", NormalizedSenderID: "2",
		Code: "222222", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("InsertPairingRequest: %v", err)
	}

	expired, err := s.ExpiredPairingRequests(now)
	if err != nil {
		t.Fatalf("ExpiredPairingRequests: %v", err)
	}
	if len(expired) != 1 || expired[0].NormalizedSenderID != "1" {
		t.Fatalf("ExpiredPairingRequests = %+v, want only sender 1", expired)
	}
}

func TestCallbackReceipt_Idempotency(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	key := "T1:scrape.done:completed"

	if got, err := s.GetCallbackReceipt(key); err != nil || got != nil {
		t.Fatalf("GetCallbackReceipt(missing) = %+v, %v, want nil, nil", got, err)
	}

	if err := s.InsertCallbackReceipt(&CallbackReceipt{
		IdempotencyKey: key, StatusCode: 202, Outcome: OutcomeAccepted, CreatedAt: now,
	}); err != nil {
		t.Fatalf("InsertCallbackReceipt: %v", err)
	}

	// A second insert with the same key must violate the primary key.
	err := s.InsertCallbackReceipt(&CallbackReceipt{
		IdempotencyKey: key, StatusCode: 202, Outcome: OutcomeAccepted, CreatedAt: now,
	})
	if err == nil {
		t.Fatal("expected duplicate insert to fail")
	}

	got, err := s.GetCallbackReceipt(key)
	if err != nil {
		t.Fatalf("GetCallbackReceipt: %v", err)
	}
	if got == nil || got.Outcome != OutcomeAccepted {
		t.Fatalf("GetCallbackReceipt = %+v, want outcome=accepted", got)
	}
}

func TestOrchestrationJob_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := &OrchestrationJob{
		ID: "n1", SessionID: "s1", Brief: `{"id":"n1"}`, State: JobQueued,
	}
	if err := s.InsertJob(job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	job.State = JobRunning
	started := time.Now().UTC()
	job.StartedAt = &started
	if err := s.UpdateJobState(job); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}

	jobs, err := s.JobsBySession("s1")
	if err != nil {
		t.Fatalf("JobsBySession: %v", err)
	}
	if len(jobs) != 1 || jobs[0].State != JobRunning {
		t.Fatalf("JobsBySession = %+v, want one running job", jobs)
	}
}

func TestDagEvents_OrderPreserved(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	events := []string{"node_started", "node_succeeded"}
	for _, kind := range events {
		if err := s.InsertDagEvent(&DagNodeEvent{
			SessionID: "s1", NodeID: "n1", Kind: kind, Timestamp: now,
		}); err != nil {
			t.Fatalf("InsertDagEvent(%s): %v", kind, err)
		}
	}

	got, err := s.DagEvents("s1")
	if err != nil {
		t.Fatalf("DagEvents: %v", err)
	}
	if len(got) != 2 || got[0].Kind != "node_started" || got[1].Kind != "node_succeeded" {
		t.Fatalf("DagEvents = %+v, want started then succeeded in order", got)
	}
}

func TestRecentDagEvents_NewestFirstAcrossSessions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if err := s.InsertDagEvent(&DagNodeEvent{SessionID: "s1", NodeID: "a", Kind: "node_started", Timestamp: now}); err != nil {
		t.Fatalf("InsertDagEvent: %v", err)
	}
	if err := s.InsertDagEvent(&DagNodeEvent{SessionID: "s2", NodeID: "b", Kind: "node_failed", Timestamp: now}); err != nil {
		t.Fatalf("InsertDagEvent: %v", err)
	}

	got, err := s.RecentDagEvents(10)
	if err != nil {
		t.Fatalf("RecentDagEvents: %v", err)
	}
	if len(got) != 2 || got[0].SessionID != "s2" || got[1].SessionID != "s1" {
		t.Fatalf("RecentDagEvents = %+v, want s2 event before s1 (newest first)", got)
	}

	if limited, err := s.RecentDagEvents(1); err != nil || len(limited) != 1 || limited[0].SessionID != "s2" {
		t.Fatalf("RecentDagEvents(1) = %+v, %v, want single newest event", limited, err)
	}
}
