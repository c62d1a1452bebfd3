// Package delegation implements the Delegation DAG Orchestrator (C10):
// dependency-ordered execution of sub-agent briefs with cycle/depth
// validation, bounded concurrency, and failure-cascade propagation.
//
// It is a generalization of internal/delegate's Executor (profile
// selection, iteration/timeout bookkeeping, completion recording) from
// "one flat task" to "a DAG of briefs" — the per-node execution still
// runs a single sub-agent call under a deadline the way delegate.go's
// Execute did, but scheduling, validation, and cascade are new
// graph-algorithm code with no direct teacher analogue.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

// Constraints bound a single node's sub-agent execution.
type Constraints struct {
	ToolBudget int `json:"toolBudget"`
	TimeoutMs  int `json:"timeoutMs"`
	MaxTurns   int `json:"maxTurns"`
}

// Brief describes one sub-agent unit of work within a delegation
// request.
type Brief struct {
	ID             string      `json:"id"`
	DependsOn      []string    `json:"dependsOn,omitempty"`
	Title          string      `json:"title"`
	Objective      string      `json:"objective"`
	ScopedContext  string      `json:"scopedContext,omitempty"`
	ExpectedOutput string      `json:"expectedOutput,omitempty"`
	Constraints    Constraints `json:"constraints"`
}

// Request is the input to ExecuteDelegation.
type Request struct {
	SessionID      string
	ParentMessage  string
	Briefs         []Brief
	MaxConcurrency int // 0 = use the orchestrator default
}

// JobResult is the per-node outcome returned to the caller.
type JobResult struct {
	ID          string          `json:"id"`
	State       store.JobState  `json:"state"`
	Attempt     int             `json:"attempt"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Result is the ExecuteDelegation return value.
type Result struct {
	Jobs        []JobResult `json:"jobs"`
	Summary     string      `json:"summary"`
	HasFailures bool        `json:"hasFailures"`
}

// Validation errors. Each carries the offending node id(s) so callers
// can surface an actionable diagnostic in the parent gateway response.
var (
	ErrDuplicateNodeID  = errors.New("duplicate_node_id")
	ErrMissingDependency = errors.New("missing_dependency")
	ErrCycleDetected    = errors.New("cycle_detected")
	ErrGraphTooLarge    = errors.New("graph_too_large")
)

// ValidationError wraps one of the sentinel errors above with detail.
type ValidationError struct {
	Kind    error
	Detail  string
	NodeIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.NodeIDs) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Detail, strings.Join(e.NodeIDs, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// SubAgent is the opaque collaborator that actually runs one brief. It
// is expected to honor ctx's deadline and the brief's Constraints.
type SubAgent interface {
	Run(ctx context.Context, brief Brief) (output string, err error)
}

// reasonParentFailed is recorded on every node cancelled because an
// ancestor did not complete.
const reasonParentFailed = "parent_failed"

// Config bounds graph size and concurrency.
type Config struct {
	MaxNodes       int
	MaxDepth       int
	MaxConcurrency int
	// NodeRetryLimit is how many times a failing node is retried
	// before its failure is declared final. A single named constant
	// applied uniformly to every node, rather than a per-brief
	// override, keeps retry behavior predictable across the whole DAG.
	NodeRetryLimit int
}

// Orchestrator validates, schedules, and executes delegation DAGs.
type Orchestrator struct {
	store    *store.Store
	subAgent SubAgent
	cfg      Config
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(st *store.Store, subAgent SubAgent, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 50
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.NodeRetryLimit < 0 {
		cfg.NodeRetryLimit = 0
	}
	return &Orchestrator{store: st, subAgent: subAgent, cfg: cfg, logger: logger}
}

// ExecuteDelegation validates req, then schedules and runs every brief
// in dependency order.
func (o *Orchestrator) ExecuteDelegation(ctx context.Context, req Request) (*Result, error) {
	order, err := o.validate(req.Briefs)
	if err != nil {
		return nil, err
	}

	maxConcurrency := req.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = o.cfg.MaxConcurrency
	}

	briefByID := make(map[string]Brief, len(req.Briefs))
	for _, b := range req.Briefs {
		briefByID[b.ID] = b
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	for _, b := range req.Briefs {
		if err := o.store.InsertJob(&store.OrchestrationJob{
			ID:            b.ID,
			SessionID:     sessionID,
			ParentMessage: req.ParentMessage,
			Brief:         briefJSON(b),
			State:         store.JobQueued,
		}); err != nil {
			return nil, fmt.Errorf("persist job %s: %w", b.ID, err)
		}
		for _, dep := range b.DependsOn {
			if err := o.store.InsertDagEdge(sessionID, dep, b.ID); err != nil {
				return nil, fmt.Errorf("persist edge %s->%s: %w", dep, b.ID, err)
			}
		}
	}

	type nodeState struct {
		done    chan struct{}
		outcome JobResult
	}
	nodes := make(map[string]*nodeState, len(order))
	for _, id := range order {
		nodes[id] = &nodeState{done: make(chan struct{})}
	}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for _, id := range order {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			brief := briefByID[id]
			n := nodes[id]

			for _, dep := range brief.DependsOn {
				<-nodes[dep].done
				if nodes[dep].outcome.State != store.JobCompleted {
					n.outcome = o.cancelNode(sessionID, brief)
					close(n.done)
					return
				}
			}

			select {
			case <-ctx.Done():
				n.outcome = o.cancelNode(sessionID, brief)
				close(n.done)
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			n.outcome = o.runNode(ctx, sessionID, brief)
			close(n.done)
		}(id)
	}
	wg.Wait()

	results := make([]JobResult, 0, len(order))
	hasFailures := false
	for _, id := range order {
		r := nodes[id].outcome
		results = append(results, r)
		if r.State == store.JobFailed {
			hasFailures = true
		}
	}

	return &Result{
		Jobs:        results,
		Summary:     o.summarize(sessionID, results),
		HasFailures: hasFailures,
	}, nil
}

// cancelNode marks a node cancelled because a dependency did not
// complete, without ever starting its sub-agent.
func (o *Orchestrator) cancelNode(sessionID string, brief Brief) JobResult {
	now := time.Now().UTC()
	o.recordEvent(sessionID, brief.ID, "node_cancelled", reasonParentFailed)
	o.recordEvent(sessionID, brief.ID, "propagated_cancel", reasonParentFailed)
	if err := o.store.UpdateJobState(&store.OrchestrationJob{
		ID: brief.ID, SessionID: sessionID, State: store.JobCancelled,
		CompletedAt: &now, Error: reasonParentFailed,
	}); err != nil {
		o.logger.Error("delegation failed to persist cancelled job", "node_id", brief.ID, "error", err)
	}
	return JobResult{ID: brief.ID, State: store.JobCancelled, Error: reasonParentFailed, CompletedAt: &now}
}

// runNode executes brief's sub-agent, retrying up to NodeRetryLimit
// times on failure before declaring it failed. Each attempt is bounded
// by brief.Constraints.TimeoutMs via a derived deadline context.
func (o *Orchestrator) runNode(ctx context.Context, sessionID string, brief Brief) JobResult {
	started := time.Now().UTC()
	o.recordEvent(sessionID, brief.ID, "node_started", "")
	_ = o.store.UpdateJobState(&store.OrchestrationJob{
		ID: brief.ID, SessionID: sessionID, State: store.JobRunning, StartedAt: &started,
	})

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= o.cfg.NodeRetryLimit+1; attempt++ {
		attempts = attempt
		nodeCtx := ctx
		var cancel context.CancelFunc
		if brief.Constraints.TimeoutMs > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(brief.Constraints.TimeoutMs)*time.Millisecond)
		}
		output, err := o.safeRun(nodeCtx, brief)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			completed := time.Now().UTC()
			o.recordEvent(sessionID, brief.ID, "node_succeeded", "")
			_ = o.store.UpdateJobState(&store.OrchestrationJob{
				ID: brief.ID, SessionID: sessionID, State: store.JobCompleted,
				Attempt: attempt, StartedAt: &started, CompletedAt: &completed, Output: output,
			})
			return JobResult{ID: brief.ID, State: store.JobCompleted, Attempt: attempt,
				Output: output, StartedAt: &started, CompletedAt: &completed}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	completed := time.Now().UTC()
	reason := lastErr.Error()
	o.recordEvent(sessionID, brief.ID, "node_failed", reason)
	_ = o.store.UpdateJobState(&store.OrchestrationJob{
		ID: brief.ID, SessionID: sessionID, State: store.JobFailed,
		Attempt: attempts, StartedAt: &started, CompletedAt: &completed, Error: reason,
	})
	return JobResult{ID: brief.ID, State: store.JobFailed, Attempt: attempts,
		Error: reason, StartedAt: &started, CompletedAt: &completed}
}

// safeRun recovers a panicking sub-agent call so one misbehaving node
// cannot tear down the rest of the DAG.
func (o *Orchestrator) safeRun(ctx context.Context, brief Brief) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("delegation sub-agent panicked", "node_id", brief.ID, "panic", r)
			err = fmt.Errorf("sub-agent panic: %v", r)
		}
	}()
	return o.subAgent.Run(ctx, brief)
}

func (o *Orchestrator) recordEvent(sessionID, nodeID, kind, reason string) {
	if err := o.store.InsertDagEvent(&store.DagNodeEvent{
		SessionID: sessionID, NodeID: nodeID, Kind: kind, Reason: reason, Timestamp: time.Now().UTC(),
	}); err != nil {
		o.logger.Error("delegation failed to persist event", "node_id", nodeID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) summarize(sessionID string, results []JobResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "delegation %s: %d node(s)\n", sessionID, len(results))
	for _, r := range results {
		fmt.Fprintf(&sb, "  - %s: %s", r.ID, r.State)
		if r.Error != "" {
			fmt.Fprintf(&sb, " (%s)", r.Error)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func briefJSON(b Brief) string {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf(`{"id":%q}`, b.ID)
	}
	return string(data)
}
