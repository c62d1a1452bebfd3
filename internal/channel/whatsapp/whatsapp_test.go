package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := New(Config{AccessToken: "tok", PhoneNumberID: "123", VerifyToken: "verify-me"}, nil)
	a.base = srv.URL
	return a, srv
}

func TestHandleWebhook_VerificationSuccess(t *testing.T) {
	a := New(Config{VerifyToken: "verify-me"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc123", nil)
	w := httptest.NewRecorder()
	a.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "abc123" {
		t.Fatalf("body = %q, want echoed challenge", w.Body.String())
	}
}

func TestHandleWebhook_VerificationWrongToken(t *testing.T) {
	a := New(Config{VerifyToken: "verify-me"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc123", nil)
	w := httptest.NewRecorder()
	a.HandleWebhook(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleWebhook_InboundMessageDispatch(t *testing.T) {
	a := New(Config{VerifyToken: "verify-me"}, nil)

	var mu sync.Mutex
	var gotSender, gotText string
	a.SetOnMessage(func(senderID, chatID, text, audioPath string) {
		mu.Lock()
		defer mu.Unlock()
		gotSender, gotText = senderID, text
	})

	body := `{
		"entry": [{
			"changes": [{
				"value": {
					"messages": [{"from":"15551234567","type":"text","text":{"body":"hello there"}}]
				}
			}]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	a.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotSender != "15551234567" || gotText != "hello there" {
		t.Fatalf("got sender=%s text=%s", gotSender, gotText)
	}
}

func TestAdapter_SendText(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	if err := a.SendText(context.Background(), "15551234567", "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/messages") {
		t.Fatalf("path = %q, want suffix /messages", gotPath)
	}
	if gotBody["to"] != "15551234567" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestAdapter_SendTextErrorStatus(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid token"}}`))
	})
	defer srv.Close()

	if err := a.SendText(context.Background(), "15551234567", "hi"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}
