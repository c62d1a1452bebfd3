// Package debounce coalesces rapid-fire inbound messages from the same
// sender into a single logical message (C5), so a burst of quick
// replies from one person reaches the gateway as one handoff instead
// of several.
package debounce

import (
	"strings"
	"sync"
	"time"
)

// Message is the minimal shape debounce needs from an inbound message;
// the dispatcher maps its own InboundMessage into this before handing
// it to Buffer.Add.
type Message struct {
	Platform  string
	SenderID  string
	Text      string
	AudioPath string
	Original  any // dispatcher's own message value, carried through for Flush
}

// Flushed is what a pending bucket turns into when its timer fires or
// it is force-flushed: the merged text plus the last message's
// metadata (audio path, original payload) so the caller can rebuild a
// single normalized message.
type Flushed struct {
	Platform string
	SenderID string
	Text     string
	Last     Message
}

// FlushFunc is invoked once per flushed bucket. A timer-driven flush
// runs on the timer's goroutine; an audio bypass in Add and the
// flushes done by Stop run on the calling goroutine.
type FlushFunc func(Flushed)

// Buffer coalesces messages per (platform, senderId) key within a
// configurable window, grounded on internal/signal/bridge.go's
// map[string][]time.Time + sync.Mutex per-sender bookkeeping pattern,
// generalized here to hold pending text instead of just timestamps.
type Buffer struct {
	window        time.Duration
	coalesceAudio bool
	onFlush       FlushFunc

	mu      sync.Mutex
	pending map[string]*bucket
	closed  bool
}

type bucket struct {
	texts []string
	last  Message
	timer *time.Timer
}

// New creates a Buffer. window is the debounce delay (spec default
// 1500ms); coalesceAudio controls whether audio messages join the
// text merge window or always flush immediately (spec §9 open
// question, resolved to false by default in config.DebounceConfig).
func New(window time.Duration, coalesceAudio bool, onFlush FlushFunc) *Buffer {
	return &Buffer{
		window:        window,
		coalesceAudio: coalesceAudio,
		onFlush:       onFlush,
		pending:       make(map[string]*bucket),
	}
}

func key(platform, senderID string) string {
	return platform + "\x00" + senderID
}

// Add appends msg to the (platform, senderId) bucket and (re)starts
// its flush timer. Audio messages bypass merging and flush immediately
// unless CoalesceAudio is set.
func (b *Buffer) Add(msg Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if msg.AudioPath != "" && !b.coalesceAudio {
		b.mu.Unlock()
		b.onFlush(Flushed{Platform: msg.Platform, SenderID: msg.SenderID, Text: msg.Text, Last: msg})
		return
	}
	defer b.mu.Unlock()

	k := key(msg.Platform, msg.SenderID)

	bk, ok := b.pending[k]
	if !ok {
		bk = &bucket{}
		b.pending[k] = bk
	}
	if msg.Text != "" {
		bk.texts = append(bk.texts, msg.Text)
	}
	bk.last = msg

	if bk.timer != nil {
		bk.timer.Stop()
	}
	bk.timer = time.AfterFunc(b.window, func() { b.flush(k) })
}

func (b *Buffer) flush(k string) {
	b.mu.Lock()
	bk, ok := b.pending[k]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, k)
	b.mu.Unlock()

	b.onFlush(Flushed{
		Platform: bk.last.Platform,
		SenderID: bk.last.SenderID,
		Text:     strings.Join(bk.texts, "\n"),
		Last:     bk.last,
	})
}

// Stop flushes every pending bucket synchronously and rejects further
// Add calls.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.closed = true
	keys := make([]string, 0, len(b.pending))
	for k, bk := range b.pending {
		bk.timer.Stop()
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.flush(k)
	}
}
