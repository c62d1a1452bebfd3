// Package dispatcher implements the channel-agnostic inbound pipeline
// (C8): debounce → authorize → transcribe → gateway handoff → chunk →
// enqueue. It is the integration point between channel adapters and
// the external Gateway collaborator, grounded on
// other_examples/50f22015_hazyhaar-chrc__channels-dispatcher.go.go's
// Dispatcher/dispatch shape.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/chunker"
	"github.com/avimaybee/TwinClaw-sub002/internal/debounce"
	"github.com/avimaybee/TwinClaw-sub002/internal/delivery"
	"github.com/avimaybee/TwinClaw-sub002/internal/pairing"
)

// AuthPolicy selects how unrecognized senders are handled.
type AuthPolicy string

const (
	// PolicyPairing challenges unknown senders with a pairing code.
	PolicyPairing AuthPolicy = "pairing"
	// PolicyAllowlist silently drops messages from unknown senders.
	PolicyAllowlist AuthPolicy = "allowlist"
)

// InboundMessage is what a channel adapter hands the dispatcher.
type InboundMessage struct {
	Platform   string
	SenderID   string
	ChatID     string
	Text       string
	AudioPath  string
	RawPayload any
}

// NormalizedMessage is what reaches the Gateway collaborator after
// debounce merging and transcription.
type NormalizedMessage struct {
	Platform string
	SenderID string
	ChatID   string
	Text     string
}

// Gateway is the opaque collaborator that turns a normalized inbound
// message into reply text.
type Gateway interface {
	ProcessMessage(ctx context.Context, msg NormalizedMessage) (string, error)
}

// STT transcribes a voice note to text.
type STT interface {
	TranscribeFile(ctx context.Context, path string) (string, error)
}

// Config bundles the tunables the dispatcher needs from config.Config.
type Config struct {
	Policy        AuthPolicy
	DebounceMs    int
	CoalesceAudio bool
	Chunker       chunker.Config
	HumanDelayMs  int
}

// Dispatcher wires debounce, pairing, transcription, the gateway, and
// chunking into one OnInbound entrypoint per channel adapter.
type Dispatcher struct {
	cfg      Config
	debounce *debounce.Buffer
	pairing  *pairing.Authority
	gateway  Gateway
	stt      STT
	queue    *delivery.Queue
	logger   *slog.Logger

	ctx context.Context
}

// New creates a Dispatcher. ctx bounds every blocking call the
// pipeline makes (gateway handoff, transcription, enqueue pacing).
func New(ctx context.Context, cfg Config, pairingAuthority *pairing.Authority, gateway Gateway, stt STT, queue *delivery.Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		pairing: pairingAuthority,
		gateway: gateway,
		stt:     stt,
		queue:   queue,
		logger:  logger,
		ctx:     ctx,
	}
	d.debounce = debounce.New(
		time.Duration(cfg.DebounceMs)*time.Millisecond,
		cfg.CoalesceAudio,
		d.handleFlushed,
	)
	return d
}

// OnInbound is the contract channel adapters call for every inbound
// message.
func (d *Dispatcher) OnInbound(msg InboundMessage) {
	d.debounce.Add(debounce.Message{
		Platform:  msg.Platform,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		AudioPath: msg.AudioPath,
		Original:  msg,
	})
}

// Stop flushes pending debounce buckets synchronously at shutdown.
func (d *Dispatcher) Stop() {
	d.debounce.Stop()
}

func (d *Dispatcher) handleFlushed(f debounce.Flushed) {
	original, _ := f.Last.Original.(InboundMessage)
	chatID := original.ChatID

	normalizedSender := pairing.Normalize(f.Platform, f.SenderID)
	if normalizedSender == "" {
		d.logger.Debug("dispatcher dropped message with empty normalized sender",
			"platform", f.Platform, "sender", f.SenderID)
		return
	}

	if err := d.authorize(f.Platform, normalizedSender, chatID); err != nil {
		if err != errContinue {
			d.logger.Error("dispatcher authorize step failed",
				"platform", f.Platform, "sender", normalizedSender, "error", err)
		}
		return
	}

	text := f.Text
	if f.Last.AudioPath != "" {
		transcribed, err := d.resolveAudio(f.Last.AudioPath)
		if err != nil {
			d.logger.Error("dispatcher transcription failed",
				"platform", f.Platform, "sender", normalizedSender, "error", err)
			return
		}
		if text == "" {
			text = transcribed
		} else {
			text = text + "\n" + transcribed
		}
	}

	reply, err := d.gateway.ProcessMessage(d.ctx, NormalizedMessage{
		Platform: f.Platform, SenderID: normalizedSender, ChatID: chatID, Text: text,
	})
	if err != nil {
		d.logger.Error("dispatcher gateway handoff failed",
			"platform", f.Platform, "sender", normalizedSender, "error", err)
		return
	}

	chunks := chunker.Split(reply, d.cfg.Chunker)
	d.enqueueChunks(f.Platform, chatID, chunks)
}

// errContinue is a sentinel for "handled, nothing more to do" from
// authorize, distinct from a real failure worth logging.
var errContinue = fmt.Errorf("handled")

// authorize implements the authorization step: approved senders
// proceed, unknown senders are challenged (policy "pairing") or
// dropped silently (policy "allowlist").
func (d *Dispatcher) authorize(platform, normalizedSender, chatID string) error {
	approved, err := d.pairing.IsApproved(platform, normalizedSender)
	if err != nil {
		return fmt.Errorf("check approved: %w", err)
	}
	if approved {
		return nil
	}

	if d.cfg.Policy == PolicyAllowlist {
		return errContinue
	}

	result, err := d.pairing.RequestPairing(platform, normalizedSender)
	if err != nil {
		return fmt.Errorf("request pairing: %w", err)
	}
	if result.Status == pairing.StatusCreated {
		challenge := fmt.Sprintf(
			"[TwinClaw] Pairing required before I can process your messages on %s.\nRun: twinclaw pairing approve %s %s",
			platform, platform, result.Request.Code)
		if _, err := d.queue.Enqueue(platform, chatID, challenge); err != nil {
			return fmt.Errorf("enqueue pairing challenge: %w", err)
		}
	}
	return errContinue
}

// resolveAudio transcribes the voice note and always attempts to
// remove the temp file afterward; an unlink error is logged but not
// fatal.
func (d *Dispatcher) resolveAudio(audioPath string) (string, error) {
	text, err := d.stt.TranscribeFile(d.ctx, audioPath)
	if rmErr := os.Remove(audioPath); rmErr != nil {
		d.logger.Warn("dispatcher failed to remove transcribed audio file",
			"path", audioPath, "error", rmErr)
	}
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", audioPath, err)
	}
	return text, nil
}

// enqueueChunks enqueues reply chunks in order, optionally pacing
// between them.
func (d *Dispatcher) enqueueChunks(platform, chatID string, chunks []string) {
	delay := time.Duration(d.cfg.HumanDelayMs) * time.Millisecond
	for i, chunk := range chunks {
		if _, err := d.queue.Enqueue(platform, chatID, chunk); err != nil {
			d.logger.Error("dispatcher enqueue failed",
				"platform", platform, "chat_id", chatID, "error", err)
			return
		}
		if delay > 0 && i < len(chunks)-1 {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}
