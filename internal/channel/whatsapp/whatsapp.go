// Package whatsapp implements the WhatsApp channel adapter, against
// the WhatsApp Business Cloud API (Graph API). Unlike Telegram,
// WhatsApp delivers inbound traffic exclusively via webhook, including
// a one-time GET handshake that echoes a challenge token back to Meta
// during subscription setup; HandleWebhook implements both that
// handshake and the POST delivery of inbound messages. Outbound sends
// are plain REST/JSON POSTs via internal/httpkit, the same
// client-construction path as the Telegram adapter: there is no
// official Go SDK for the Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/avimaybee/TwinClaw-sub002/internal/httpkit"
)

// OnMessage is invoked for every inbound text or voice message.
type OnMessage func(senderID, chatID, text, audioPath string)

// Config configures the adapter.
type Config struct {
	AccessToken     string
	PhoneNumberID   string
	VerifyToken     string
	GraphAPIVersion string
	AudioDir        string // where downloaded voice notes are written
}

// Adapter is the WhatsApp Business Cloud API channel adapter.
type Adapter struct {
	cfg    Config
	client *http.Client
	base   string
	logger *slog.Logger

	mu        sync.RWMutex
	onMessage OnMessage
}

// New creates a WhatsApp Adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraphAPIVersion == "" {
		cfg.GraphAPIVersion = "v21.0"
	}
	return &Adapter{
		cfg:    cfg,
		client: httpkit.NewClient(),
		base:   fmt.Sprintf("https://graph.facebook.com/%s/%s", cfg.GraphAPIVersion, cfg.PhoneNumberID),
		logger: logger,
	}
}

// SetOnMessage registers the inbound message callback.
func (a *Adapter) SetOnMessage(fn OnMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

// Start is a no-op: WhatsApp delivers inbound exclusively via the
// webhook registered with Meta out of band, there is no connection to
// open. Present for symmetry with the other channel adapters.
func (a *Adapter) Start(ctx context.Context) error { return nil }

// Stop is a no-op for the same reason Start is.
func (a *Adapter) Stop() {}

// HandleWebhook serves both halves of Meta's webhook contract: the
// GET subscription-verification handshake, and the POST delivery of
// inbound message events.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleVerification(w, r)
	case http.MethodPost:
		a.handleInbound(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *Adapter) handleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token != a.cfg.VerifyToken || challenge == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(challenge))
}

type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio struct {
		ID string `json:"id"`
	} `json:"audio"`
}

func (a *Adapter) handleInbound(w http.ResponseWriter, r *http.Request) {
	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid webhook payload", http.StatusBadRequest)
		return
	}
	// Acknowledge immediately regardless of content: Meta retries
	// aggressively on anything but 200, and message handling below
	// never needs to block the response.
	w.WriteHeader(http.StatusOK)

	a.mu.RLock()
	cb := a.onMessage
	a.mu.RUnlock()
	if cb == nil {
		return
	}

	ctx := r.Context()
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				a.dispatch(ctx, cb, m)
			}
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, cb OnMessage, m inboundMessage) {
	var audioPath string
	if m.Type == "audio" && m.Audio.ID != "" {
		path, err := a.downloadMedia(ctx, m.Audio.ID)
		if err != nil {
			a.logger.Error("whatsapp audio download failed", "media_id", m.Audio.ID, "error", err)
		} else {
			audioPath = path
		}
	}
	// WhatsApp chats are 1:1 with the sender's phone number; chatID
	// and senderID are the same value on this channel.
	cb(m.From, m.From, m.Text.Body, audioPath)
}

func (a *Adapter) downloadMedia(ctx context.Context, mediaID string) (string, error) {
	metaURL := fmt.Sprintf("https://graph.facebook.com/%s/%s", a.cfg.GraphAPIVersion, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("decode media metadata: %w", err)
	}
	if meta.URL == "" {
		return "", fmt.Errorf("whatsapp media metadata missing url")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err = a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	dir := a.cfg.AudioDir
	if dir == "" {
		dir = os.TempDir()
	}
	destPath := fmt.Sprintf("%s/wa-%s.ogg", dir, mediaID)
	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return destPath, nil
}

// SendText sends a text message.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                chatID,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	return a.postMessage(ctx, payload)
}

// SendVoice uploads and sends a local audio file as a voice message
//. The Cloud API requires media be
// uploaded to get a media ID before it can be referenced in a message.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath string) error {
	mediaID, err := a.uploadMedia(ctx, audioPath)
	if err != nil {
		return fmt.Errorf("upload voice media: %w", err)
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                chatID,
		"type":              "audio",
		"audio":             map[string]any{"id": mediaID},
	}
	return a.postMessage(ctx, payload)
}

func (a *Adapter) uploadMedia(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/media", a.base)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("whatsapp media upload returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1<<16))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode media upload response: %w", err)
	}
	return out.ID, nil
}

func (a *Adapter) postMessage(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/messages", a.base)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp messages endpoint returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1<<16))
	}
	return nil
}
