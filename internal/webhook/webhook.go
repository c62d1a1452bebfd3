// Package webhook implements idempotent ingestion of external task
// callbacks (C9): an external system reports a task outcome, and this
// package makes sure a retried delivery of the same event is a no-op,
// then reconciles the outcome against the delivery queue and hands a
// summary to the Gateway collaborator.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

// Status is the reported outcome of an external task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusProgress  Status = "progress"
)

// Payload is the signed request body for POST /callback/webhook.
type Payload struct {
	EventType string `json:"eventType"`
	TaskID    string `json:"taskId"`
	Status    Status `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is returned to the HTTP layer to pick a status code.
type Result struct {
	Outcome store.CallbackOutcome
}

// ErrValidation marks a malformed payload (missing required fields),
// which the HTTP layer maps to 400.
type ErrValidation struct{ Field string }

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// Reconciler is the subset of internal/delivery.Queue this package
// needs, kept as an interface so webhook doesn't import delivery
// directly and the two packages can evolve independently.
type Reconciler interface {
	Reconcile(taskID string, succeeded bool, detail string) error
}

// Gateway is the opaque collaborator's text-processing half: a
// fire-and-forget notification delivered outside the normal
// inbound-message path.
type Gateway interface {
	ProcessText(ctx context.Context, sessionID, text string) error
}

const sanitizeMaxString = 512
const sanitizeMaxArray = 25
const sanitizeMaxKeys = 40
const sanitizeMaxDepth = 4

// Ingress handles webhook callbacks.
type Ingress struct {
	store      *store.Store
	reconciler Reconciler
	gateway    Gateway
	logger     *slog.Logger
}

// New creates an Ingress.
func New(st *store.Store, reconciler Reconciler, gateway Gateway, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{store: st, reconciler: reconciler, gateway: gateway, logger: logger}
}

// idempotencyKey composes the key used to dedupe retried deliveries.
func idempotencyKey(p Payload) string {
	return p.TaskID + ":" + p.EventType + ":" + string(p.Status)
}

// Handle processes a validated webhook payload: checks idempotency,
// reconciles the outcome against the delivery queue, and notifies the
// gateway. The caller (HTTP layer) is responsible for signature
// verification before calling Handle.
func (i *Ingress) Handle(ctx context.Context, p Payload) (Result, error) {
	if p.TaskID == "" {
		return Result{}, &ErrValidation{Field: "taskId"}
	}
	if p.EventType == "" {
		return Result{}, &ErrValidation{Field: "eventType"}
	}
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusProgress:
	default:
		return Result{}, &ErrValidation{Field: "status"}
	}

	key := idempotencyKey(p)
	existing, err := i.store.GetCallbackReceipt(key)
	if err != nil {
		return Result{}, fmt.Errorf("lookup callback receipt: %w", err)
	}
	if existing != nil {
		return Result{Outcome: store.OutcomeDuplicate}, nil
	}

	sanitizedResult := sanitize(p.Result, 0)
	summary := summarize(p, sanitizedResult)

	if err := i.store.InsertCallbackReceipt(&store.CallbackReceipt{
		IdempotencyKey: key,
		StatusCode:     202,
		Outcome:        store.OutcomeAccepted,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		// A concurrent delivery of the same event won the insert race.
		if again, getErr := i.store.GetCallbackReceipt(key); getErr == nil && again != nil {
			return Result{Outcome: store.OutcomeDuplicate}, nil
		}
		i.recordRejected(key, err)
		return Result{}, fmt.Errorf("record callback receipt: %w", err)
	}

	go func() {
		if err := i.gateway.ProcessText(context.Background(), "webhook:"+p.TaskID, summary); err != nil {
			i.logger.Error("webhook gateway handoff failed", "task_id", p.TaskID, "error", err)
		}
	}()

	if p.Status == StatusCompleted || p.Status == StatusFailed {
		if err := i.reconciler.Reconcile(p.TaskID, p.Status == StatusCompleted, p.Error); err != nil {
			i.logger.Error("webhook reconcile failed", "task_id", p.TaskID, "error", err)
		}
	}

	return Result{Outcome: store.OutcomeAccepted}, nil
}

func (i *Ingress) recordRejected(key string, cause error) {
	if err := i.store.InsertCallbackReceipt(&store.CallbackReceipt{
		IdempotencyKey: key,
		StatusCode:     500,
		Outcome:        store.OutcomeRejected,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		i.logger.Error("webhook failed to record rejected receipt",
			"idempotency_key", key, "cause", cause, "error", err)
	}
}

func summarize(p Payload, sanitizedResult any) string {
	var sb strings.Builder
	sb.WriteString("[system] task ")
	sb.WriteString(p.TaskID)
	sb.WriteString(" (")
	sb.WriteString(p.EventType)
	sb.WriteString(") ")
	sb.WriteString(string(p.Status))
	if p.Error != "" {
		sb.WriteString(": ")
		sb.WriteString(p.Error)
	}
	if sanitizedResult != nil {
		fmt.Fprintf(&sb, " result=%v", sanitizedResult)
	}
	return sb.String()
}

// sanitize enforces payload caps against a hostile or misbehaving
// reporter: strips control characters from strings, and caps string
// length at 512, arrays at 25 elements, object keys at 40, and nesting
// depth at 4.
func sanitize(v any, depth int) any {
	if depth >= sanitizeMaxDepth {
		return nil
	}
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case []any:
		n := len(t)
		if n > sanitizeMaxArray {
			n = sanitizeMaxArray
		}
		out := make([]any, n)
		for idx := 0; idx < n; idx++ {
			out[idx] = sanitize(t[idx], depth+1)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		count := 0
		for k, val := range t {
			if count >= sanitizeMaxKeys {
				break
			}
			out[sanitizeString(k)] = sanitize(val, depth+1)
			count++
		}
		return out
	default:
		return t
	}
}

func sanitizeString(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	out := sb.String()
	if len([]rune(out)) > sanitizeMaxString {
		runes := []rune(out)
		out = string(runes[:sanitizeMaxString])
	}
	return out
}
