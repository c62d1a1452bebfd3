package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := New(Config{BotToken: "test-token", PollTimeoutSec: 1}, nil)
	a.base = srv.URL
	return a, srv
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

	if err := a.SendText(context.Background(), "123", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if gotPath != "/sendMessage" {
		t.Fatalf("path = %q, want /sendMessage", gotPath)
	}
	if gotBody["chat_id"] != "123" || gotBody["text"] != "hello" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestAdapter_SendTextErrorStatus(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"bad chat id"}`))
	})
	defer srv.Close()

	if err := a.SendText(context.Background(), "bad", "hi"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestAdapter_HandleWebhookDispatchesMessage(t *testing.T) {
	a := New(Config{BotToken: "tok"}, nil)

	var mu sync.Mutex
	var gotSender, gotChat, gotText string
	done := make(chan struct{})
	a.SetOnMessage(func(senderID, chatID, text, audioPath string) {
		mu.Lock()
		gotSender, gotChat, gotText = senderID, chatID, text
		mu.Unlock()
		close(done)
	})

	body := `{"update_id":5,"message":{"message_id":1,"text":"hi there","chat":{"id":42},"from":{"id":7}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	a.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onMessage not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSender != "7" || gotChat != "42" || gotText != "hi there" {
		t.Fatalf("got sender=%s chat=%s text=%s", gotSender, gotChat, gotText)
	}
}

func TestAdapter_HandleWebhookIgnoresNonMessageUpdates(t *testing.T) {
	a := New(Config{BotToken: "tok"}, nil)
	called := false
	a.SetOnMessage(func(senderID, chatID, text, audioPath string) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"update_id":1}`))
	w := httptest.NewRecorder()
	a.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if called {
		t.Fatal("onMessage should not be called for an update with no message")
	}
}
