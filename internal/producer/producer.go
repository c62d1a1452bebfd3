// Package producer implements the runtime event producer: a periodic
// plus on-subscribe collector that converts live component state into
// the typed events the event hub broadcasts. Every 5 seconds it
// collects a fresh payload from each source component and publishes
// it.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/eventhub"
)

// Source produces the current payload for one topic. Implementations
// must be cheap and non-blocking-ish: they are called on every tick
// and on every new subscription.
type Source func(ctx context.Context) any

// Producer ticks every Interval and publishes a fresh payload per
// registered topic to the Hub; it also answers Hub's snapshot
// requests for newly-subscribing clients.
type Producer struct {
	hub      *eventhub.Hub
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	sources map[eventhub.Topic]Source

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Producer bound to hub. Call Run to start ticking, and
// Register for each topic before Run so the first tick has sources.
func New(hub *eventhub.Hub, interval time.Duration, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &Producer{
		hub:      hub,
		interval: interval,
		logger:   logger,
		sources:  make(map[eventhub.Topic]Source),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	hub.SetSnapshotFunc(p.Snapshot)
	return p
}

// Register binds a topic to the function that collects its current
// state. Safe to call before or after Run starts.
func (p *Producer) Register(topic eventhub.Topic, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[topic] = src
}

// Run ticks every Interval, publishing a fresh payload for each
// registered topic, until ctx is cancelled or Stop is called.
func (p *Producer) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (p *Producer) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Producer) tick(ctx context.Context) {
	p.mu.RLock()
	sources := make(map[eventhub.Topic]Source, len(p.sources))
	for t, s := range p.sources {
		sources[t] = s
	}
	p.mu.RUnlock()

	for topic, src := range sources {
		payload := p.safeCollect(ctx, topic, src)
		if payload == nil {
			continue
		}
		p.hub.Publish(topic, payload)
	}
}

// Snapshot builds a full-state payload for exactly the given topics,
// for Hub's onSubscribe callback, so new subscribers don't wait a
// full tick for their first update.
func (p *Producer) Snapshot(topics []eventhub.Topic) map[eventhub.Topic]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[eventhub.Topic]any, len(topics))
	for _, t := range topics {
		src, ok := p.sources[t]
		if !ok {
			continue
		}
		if payload := p.safeCollect(context.Background(), t, src); payload != nil {
			out[t] = payload
		}
	}
	return out
}

// safeCollect recovers a panicking source so one misbehaving
// collector cannot take down the producer's tick loop.
func (p *Producer) safeCollect(ctx context.Context, topic eventhub.Topic, src Source) (payload any) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("producer source panicked", "topic", topic, "panic", r)
			payload = nil
		}
	}()
	return src(ctx)
}
