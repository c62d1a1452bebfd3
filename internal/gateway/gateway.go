// Package gateway is the REST client for the opaque Gateway
// collaborator: the thing that turns a normalized inbound message into
// reply text, and separately accepts out-of-band text notifications
// from the webhook path. Its implementation (the LLM router, memory,
// and tool execution stack) is explicitly out of scope; this package
// only speaks the HTTP contract the collaborator exposes
// (/process-message, /process-text, /transcribe, /delegate, /health),
// treating it as an opaque external REST service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/delegation"
	"github.com/avimaybee/TwinClaw-sub002/internal/dispatcher"
	"github.com/avimaybee/TwinClaw-sub002/internal/httpkit"
)

// Config points at the Gateway collaborator's HTTP endpoint.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements dispatcher.Gateway and webhook.Gateway against a
// single HTTP collaborator.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client. A zero-value Config is valid but every call
// will fail until BaseURL is set.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
	}
}

// ProcessMessage satisfies dispatcher.Gateway: posts the normalized
// inbound message and returns the reply text the dispatcher chunks
// and enqueues.
func (c *Client) ProcessMessage(ctx context.Context, msg dispatcher.NormalizedMessage) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	if err := c.postJSON(ctx, "/process-message", msg, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

// ProcessText satisfies webhook.Gateway: notifies the collaborator of
// an out-of-band system event (a reconciled webhook callback) tagged
// with a session ID. Fire-and-forget from the caller's perspective —
// errors are returned for logging but never block the webhook response.
func (c *Client) ProcessText(ctx context.Context, sessionID, text string) error {
	body := struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}{SessionID: sessionID, Text: text}
	return c.postJSON(ctx, "/process-text", body, nil)
}

// TranscribeFile satisfies dispatcher.STT: uploads a local audio file
// and returns its transcript. The collaborator is responsible for
// whatever speech-to-text engine it fronts; this client only speaks
// the upload contract.
func (c *Client) TranscribeFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	body := struct {
		Path string `json:"path"`
	}{Path: path}
	if err := c.postJSON(ctx, "/transcribe", body, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Run satisfies delegation.SubAgent: hands one brief to the
// collaborator and returns its output, honoring ctx's deadline like
// every delegated node must.
func (c *Client) Run(ctx context.Context, brief delegation.Brief) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	if err := c.postJSON(ctx, "/delegate", brief, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// Ping probes the collaborator's liveness endpoint. It exists so the
// owning process can feed a connwatch.Watcher (see internal/health's
// AdaptWatcher) rather than only discovering an unreachable gateway
// the next time a real inbound message needs it.
func (c *Client) Ping(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return fmt.Errorf("gateway: base URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	if c.cfg.BaseURL == "" {
		return fmt.Errorf("gateway: base URL not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1<<16))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
