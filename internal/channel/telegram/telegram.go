// Package telegram implements the Telegram channel adapter: a
// long-polling (or webhook-fed) reader of inbound updates and a REST
// sender, behind the SetOnMessage/SendText/SendVoice/Stop contract
// every channel adapter exposes to the dispatcher.
//
// There is no official Telegram bot SDK used here, so this talks to
// the Bot API's plain HTTPS/JSON endpoints directly. A single reader
// goroutine (the getUpdates poll loop) hands each inbound update
// straight to the OnMessage callback.
package telegram

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
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/httpkit"
)

// OnMessage is invoked for every inbound text or voice message.
type OnMessage func(senderID, chatID, text, audioPath string)

// Config configures the adapter.
type Config struct {
	BotToken       string
	WebhookURL     string // non-empty: inbound delivered via HandleWebhook instead of polling
	PollTimeoutSec int
	AudioDir       string // where downloaded voice notes are written
}

// Adapter is the Telegram channel adapter.
type Adapter struct {
	cfg    Config
	client *http.Client
	base   string
	logger *slog.Logger

	mu        sync.RWMutex
	onMessage OnMessage

	offset int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Telegram Adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeoutSec <= 0 {
		cfg.PollTimeoutSec = 30
	}
	return &Adapter{
		cfg:    cfg,
		client: httpkit.NewClient(httpkit.WithTimeout(time.Duration(cfg.PollTimeoutSec+10) * time.Second)),
		base:   fmt.Sprintf("https://api.telegram.org/bot%s", cfg.BotToken),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetOnMessage registers the inbound message callback. Must be called
// before Start.
func (a *Adapter) SetOnMessage(fn OnMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

// Start begins receiving updates. When cfg.WebhookURL is empty it runs
// a long-polling loop against getUpdates; otherwise it registers the
// webhook and expects HandleWebhook to be mounted by the caller.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.WebhookURL != "" {
		return a.registerWebhook(ctx)
	}
	go a.pollLoop(ctx)
	return nil
}

// Stop halts the polling loop, if running.
func (a *Adapter) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	select {
	case <-a.doneCh:
	case <-time.After(5 * time.Second):
	}
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		default:
		}
		if err := a.pollOnce(ctx); err != nil {
			if ctx.Err() != nil || isStopSignalled(a.stopCh) {
				return
			}
			a.logger.Error("telegram getUpdates failed", "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func isStopSignalled(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      chat   `json:"chat"`
	From      *from  `json:"from"`
	Voice     *voice `json:"voice"`
}

type chat struct {
	ID int64 `json:"id"`
}

type from struct {
	ID int64 `json:"id"`
}

type voice struct {
	FileID string `json:"file_id"`
}

func (a *Adapter) pollOnce(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.PollTimeoutSec+5)*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/getUpdates?timeout=%d&offset=%d", a.base, a.cfg.PollTimeoutSec, a.offset)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	var body struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("telegram getUpdates returned ok=false")
	}

	for _, u := range body.Result {
		if u.UpdateID >= a.offset {
			a.offset = u.UpdateID + 1
		}
		a.handleUpdate(ctx, u)
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, u update) {
	if u.Message == nil || u.Message.From == nil {
		return
	}

	a.mu.RLock()
	cb := a.onMessage
	a.mu.RUnlock()
	if cb == nil {
		return
	}

	senderID := fmt.Sprintf("%d", u.Message.From.ID)
	chatID := fmt.Sprintf("%d", u.Message.Chat.ID)

	var audioPath string
	if u.Message.Voice != nil {
		path, err := a.downloadVoice(ctx, u.Message.Voice.FileID)
		if err != nil {
			a.logger.Error("telegram voice download failed", "file_id", u.Message.Voice.FileID, "error", err)
		} else {
			audioPath = path
		}
	}

	cb(senderID, chatID, u.Message.Text, audioPath)
}

func (a *Adapter) downloadVoice(ctx context.Context, fileID string) (string, error) {
	var fileInfo struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	getFileURL := fmt.Sprintf("%s/getFile?file_id=%s", a.base, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getFileURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if err := json.NewDecoder(resp.Body).Decode(&fileInfo); err != nil {
		return "", fmt.Errorf("decode getFile response: %w", err)
	}
	if !fileInfo.OK || fileInfo.Result.FilePath == "" {
		return "", fmt.Errorf("telegram getFile returned no file_path")
	}

	dlURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.BotToken, fileInfo.Result.FilePath)
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return "", err
	}
	resp, err = a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	dir := a.cfg.AudioDir
	if dir == "" {
		dir = os.TempDir()
	}
	destPath := filepath.Join(dir, fmt.Sprintf("tg-%s%s", fileID, filepath.Ext(fileInfo.Result.FilePath)))
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
	payload, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	return a.post(ctx, "/sendMessage", "application/json", bytes.NewReader(payload))
}

// SendVoice uploads a local audio file as a voice message.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath string) error {
	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", chatID); err != nil {
		return err
	}
	part, err := w.CreateFormFile("voice", filepath.Base(audioPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return a.post(ctx, "/sendVoice", w.FormDataContentType(), &buf)
}

func (a *Adapter) post(ctx context.Context, path, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram %s returned %d: %s", path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1<<16))
	}
	return nil
}

func (a *Adapter) registerWebhook(ctx context.Context) error {
	payload, err := json.Marshal(map[string]any{"url": a.cfg.WebhookURL})
	if err != nil {
		return err
	}
	return a.post(ctx, "/setWebhook", "application/json", bytes.NewReader(payload))
}

// HandleWebhook is the http.HandlerFunc mounted at cfg.WebhookURL's
// path when running in webhook mode instead of long-polling.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var u update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}
	a.handleUpdate(r.Context(), u)
	w.WriteHeader(http.StatusOK)
}
