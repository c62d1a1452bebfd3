// Package delivery implements the durable outbound queue (C7): every
// reply chunk destined for a channel adapter passes through here so
// sends survive a restart, retry with backoff, and never run two
// in-flight attempts for the same chat.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

// Sender delivers a single chunk to a channel adapter. Implementations
// must enforce their own per-chat pacing floor (spec.md §6 "Channel
// Adapter contract ... ≥1500ms between sends"); the queue only
// guarantees it never calls Send twice concurrently for the same
// (platform, chatId).
type Sender interface {
	Send(ctx context.Context, platform, chatID, body string) error
}

// Config mirrors config.DeliveryConfig.
type Config struct {
	BaseMs        int
	Factor        float64
	MaxDelayMs    int
	MaxAttempts   int
	TickMs        int
	HumanPacingMs int
}

// Stats is the GetStats() contract return, re-exported from the store
// so callers don't need to import internal/store directly.
type Stats = store.DeliveryStats

// RuntimeControls reports the queue's active knobs for the control
// plane's introspection endpoints, per spec.md §6 GetRuntimeControls.
type RuntimeControls struct {
	BaseMs        int     `json:"base_ms"`
	Factor        float64 `json:"factor"`
	MaxDelayMs    int     `json:"max_delay_ms"`
	MaxAttempts   int     `json:"max_attempts"`
	TickMs        int     `json:"tick_ms"`
	HumanPacingMs int     `json:"human_pacing_ms"`
}

// Queue is the durable outbound delivery queue.
type Queue struct {
	store  *store.Store
	cfg    Config
	sender Sender
	logger *slog.Logger

	batchSize int

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Queue. Call Start before any record will be processed.
func New(st *store.Store, cfg Config, sender Sender, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     st,
		cfg:       cfg,
		sender:    sender,
		logger:    logger,
		batchSize: 50,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start recovers any record stranded mid-send by a previous crash
// and begins the periodic tick.
func (q *Queue) Start(ctx context.Context) error {
	recovered, deadLettered, err := q.store.ResetInFlight(
		q.cfg.MaxAttempts, time.Duration(q.cfg.BaseMs)*time.Millisecond, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset in-flight on start: %w", err)
	}
	if recovered > 0 || deadLettered > 0 {
		q.logger.Warn("delivery queue recovered from crash",
			"recovered_to_retrying", recovered, "dead_lettered", deadLettered)
	}

	go q.run(ctx)
	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)
	tick := time.Duration(q.cfg.TickMs) * time.Millisecond
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.tickOnce(ctx)
		}
	}
}

// tickOnce advances every due record one step through the state
// machine described in spec.md §4.3.
func (q *Queue) tickOnce(ctx context.Context) {
	due, err := q.store.DueDeliveries(time.Now().UTC(), q.batchSize)
	if err != nil {
		q.logger.Error("delivery queue: list due records", "error", err)
		return
	}

	for _, rec := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		q.attempt(ctx, rec)
	}
}

func (q *Queue) attempt(ctx context.Context, rec *store.DeliveryRecord) {
	inFlight, err := q.store.InFlight(rec.Platform, rec.ChatID)
	if err != nil {
		q.logger.Error("delivery queue: in-flight check", "id", rec.ID, "error", err)
		return
	}
	if inFlight != nil {
		return
	}

	now := time.Now().UTC()
	claimed, err := q.store.MarkSending(rec.ID, now)
	if err != nil {
		q.logger.Error("delivery queue: mark sending", "id", rec.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	sendErr := q.sender.Send(ctx, rec.Platform, rec.ChatID, rec.Body)
	now = time.Now().UTC()
	attempt := rec.AttemptCount + 1
	if sendErr == nil {
		if err := q.store.MarkSent(rec.ID, attempt, now); err != nil {
			q.logger.Error("delivery queue: mark sent", "id", rec.ID, "error", err)
		}
		return
	}

	if attempt >= q.cfg.MaxAttempts {
		if err := q.store.MarkDeadLetter(rec.ID, attempt, sendErr.Error(), now); err != nil {
			q.logger.Error("delivery queue: mark dead letter", "id", rec.ID, "error", err)
		}
		q.logger.Warn("delivery exhausted retries, moved to dead letter",
			"id", rec.ID, "platform", rec.Platform, "chat_id", rec.ChatID, "error", sendErr)
		return
	}

	delay := q.backoffDelay(attempt)
	if err := q.store.MarkRetrying(rec.ID, attempt, now.Add(delay), sendErr.Error(), now); err != nil {
		q.logger.Error("delivery queue: mark retrying", "id", rec.ID, "error", err)
	}
}

// backoffDelay implements spec.md §4.3's retry formula:
// delay = min(baseMs * factor^(attempt-1), maxDelayMs).
func (q *Queue) backoffDelay(attempt int) time.Duration {
	base := float64(q.cfg.BaseMs)
	factor := q.cfg.Factor
	if factor <= 0 {
		factor = 2.0
	}
	delayMs := base * math.Pow(factor, float64(attempt-1))
	if cap := float64(q.cfg.MaxDelayMs); cap > 0 && delayMs > cap {
		delayMs = cap
	}
	return time.Duration(delayMs) * time.Millisecond
}

// Enqueue durably inserts a new pending delivery record before
// returning, per spec.md §4.3's "Enqueue ... (synchronous, durable
// before return)" contract.
func (q *Queue) Enqueue(platform, chatID, body string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	rec := &store.DeliveryRecord{
		ID:            id,
		Platform:      platform,
		ChatID:        chatID,
		Body:          body,
		State:         store.DeliveryPending,
		NextAttemptAt: now,
	}
	if err := q.store.InsertDelivery(rec); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// EnqueueWithCorrelation is like Enqueue but tags the record with a
// correlation task ID so a later webhook can reconcile against it
//.
func (q *Queue) EnqueueWithCorrelation(platform, chatID, body, correlationTaskID string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	rec := &store.DeliveryRecord{
		ID:                id,
		Platform:          platform,
		ChatID:            chatID,
		Body:              body,
		State:             store.DeliveryPending,
		NextAttemptAt:     now,
		CorrelationTaskID: correlationTaskID,
	}
	if err := q.store.InsertDelivery(rec); err != nil {
		return "", fmt.Errorf("enqueue with correlation: %w", err)
	}
	return id, nil
}

// RequeueDeadLetter resets a dead-lettered record back to pending for
// manual replay.
func (q *Queue) RequeueDeadLetter(id string) error {
	return q.store.Requeue(id, time.Now().UTC())
}

// GetStats returns current counts per delivery state.
func (q *Queue) GetStats() (Stats, error) {
	return q.store.DeliveryStats()
}

// GetRuntimeControls reports the queue's active backoff/pacing knobs.
func (q *Queue) GetRuntimeControls() RuntimeControls {
	return RuntimeControls{
		BaseMs:        q.cfg.BaseMs,
		Factor:        q.cfg.Factor,
		MaxDelayMs:    q.cfg.MaxDelayMs,
		MaxAttempts:   q.cfg.MaxAttempts,
		TickMs:        q.cfg.TickMs,
		HumanPacingMs: q.cfg.HumanPacingMs,
	}
}

// RecentDeliveries returns the most recently updated records, for the
// reliability endpoint.
func (q *Queue) RecentDeliveries(limit int) ([]*store.DeliveryRecord, error) {
	return q.store.RecentDeliveries(limit)
}

// Reconcile looks up the delivery record correlated with taskID and
// transitions it per a webhook's reported outcome. Called by C9.
func (q *Queue) Reconcile(taskID string, succeeded bool, detail string) error {
	rec, err := q.store.DeliveryByCorrelation(taskID)
	if err != nil {
		return fmt.Errorf("reconcile lookup %s: %w", taskID, err)
	}
	if rec == nil {
		return nil
	}
	now := time.Now().UTC()
	if succeeded {
		return q.store.MarkSent(rec.ID, rec.AttemptCount, now)
	}
	return q.store.MarkFailed(rec.ID, detail, now)
}

// Stop drains for a short grace period, then stops the tick loop. Any
// record left mid-send is recovered by ResetInFlight on the next
// Start, per spec.md §5's cancellation semantics.
func (q *Queue) Stop(grace time.Duration) {
	q.once.Do(func() { close(q.stopCh) })
	select {
	case <-q.doneCh:
	case <-time.After(grace):
	}
}
