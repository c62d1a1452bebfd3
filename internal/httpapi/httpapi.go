// Package httpapi implements the control-plane HTTP surface:
// health/readiness, reliability introspection and replay, the signed
// webhook callback ingress, the event-hub WebSocket upgrade and
// metrics, and a signed halt endpoint. Routing uses chi.Router, with
// signature verification wired in as middleware on every mutating or
// introspective endpoint.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/avimaybee/TwinClaw-sub002/internal/delegation"
	"github.com/avimaybee/TwinClaw-sub002/internal/delivery"
	"github.com/avimaybee/TwinClaw-sub002/internal/eventhub"
	"github.com/avimaybee/TwinClaw-sub002/internal/health"
	"github.com/avimaybee/TwinClaw-sub002/internal/signature"
	"github.com/avimaybee/TwinClaw-sub002/internal/store"
	"github.com/avimaybee/TwinClaw-sub002/internal/webhook"
)

// envelope is the standard response shape for every control-plane
// endpoint.
type envelope struct {
	OK            bool   `json:"ok"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
}

// Halter is implemented by the process entrypoint: a signed
// /system/halt request triggers a graceful shutdown sequence owned by
// cmd/twinclaw, not by this package.
type Halter interface {
	Halt(ctx context.Context) error
}

// Server wires every control-plane handler behind chi routing and
// HMAC signature verification.
type Server struct {
	router   chi.Router
	verifier *signature.Verifier
	logger   *slog.Logger

	health     *health.Aggregator
	queue      *delivery.Queue
	webhook    *webhook.Ingress
	hub        *eventhub.Hub
	halter     Halter
	delegation DelegationRunner
}

// DelegationRunner is the subset of internal/delegation.Orchestrator
// this package needs, kept as an interface so httpapi doesn't force a
// concrete *delegation.Orchestrator on every caller (tests substitute
// fakes).
type DelegationRunner interface {
	ExecuteDelegation(ctx context.Context, req delegation.Request) (*delegation.Result, error)
}

// New builds the control-plane router. Any of the component
// dependencies may be nil; the corresponding endpoints answer 503
// until wired, rather than panicking on a missing optional
// collaborator.
func New(verifier *signature.Verifier, h *health.Aggregator, q *delivery.Queue, wh *webhook.Ingress, hub *eventhub.Hub, halter Halter, dele DelegationRunner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		verifier:   verifier,
		logger:     logger,
		health:     h,
		queue:      q,
		webhook:    wh,
		hub:        hub,
		halter:     halter,
		delegation: dele,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSignature)
		r.Get("/reliability", s.handleReliability)
		r.Post("/reliability/replay/{id}", s.handleReplay)
		r.Post("/callback/webhook", s.handleWebhook)
		r.Post("/system/halt", s.handleHalt)
		r.Get("/ws/metrics", s.handleWSMetrics)
		r.Post("/delegation", s.handleDelegation)
	})

	// The WebSocket upgrade itself is unsigned; auth happens in-band
	// via the handshake "auth" frame.
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("control plane request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// requireSignature verifies X-Signature against the raw request body
// before handing control to the wrapped handler. The body is restored
// onto the request so handlers can still decode it.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil || !s.verifier.Configured() {
			s.writeError(w, r, http.StatusServiceUnavailable, "signing not configured")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := s.verifier.Verify(r.Header.Get(signature.Header), body); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, signature.ErrSecretNotConfigured) {
				status = http.StatusServiceUnavailable
			} else if errors.Is(err, signature.ErrMismatch) {
				status = http.StatusForbidden
			}
			s.writeError(w, r, status, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "health aggregator not configured")
		return
	}
	status, components := s.health.Readiness()
	s.writeOK(w, r, http.StatusOK, map[string]any{"status": status, "components": components})
}

// handleLive answers unconditionally: liveness means the process is
// running and able to answer HTTP at all, not that every component is
// ready (that distinction is /health/ready's job).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r, http.StatusOK, map[string]any{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "health aggregator not configured")
		return
	}
	status, components := s.health.Readiness()
	code := http.StatusOK
	if status == health.StatusNotReady {
		code = http.StatusServiceUnavailable
	}
	s.writeOK(w, r, code, map[string]any{"status": status, "components": components})
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "delivery queue not configured")
		return
	}
	stats, err := s.queue.GetStats()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to read delivery stats: "+err.Error())
		return
	}
	recent, err := s.queue.RecentDeliveries(50)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to read recent deliveries: "+err.Error())
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{
		"stats":    stats,
		"controls": s.queue.GetRuntimeControls(),
		"recent":   recent,
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "delivery queue not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeError(w, r, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.queue.RequeueDeadLetter(id); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "replay failed: "+err.Error())
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"id": id, "status": "requeued"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "webhook ingress not configured")
		return
	}
	var payload webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.webhook.Handle(r.Context(), payload)
	if err != nil {
		var verr *webhook.ErrValidation
		if errors.As(err, &verr) {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "webhook processing failed: "+err.Error())
		return
	}
	status := http.StatusOK
	if result.Outcome == store.OutcomeAccepted {
		status = http.StatusAccepted
	}
	s.writeOK(w, r, status, map[string]any{"outcome": result.Outcome})
}

// handleDelegation runs a delegation DAG request synchronously and
// returns its per-node trace. This is the gateway's only in-repo way
// to trigger C10 outside of direct package calls: spec.md §7 names a
// failed DAG node as "an actionable diagnostic in the parent gateway
// response", which requires ExecuteDelegation to be reachable from the
// signed control plane rather than only from delegation_test.go.
func (s *Server) handleDelegation(w http.ResponseWriter, r *http.Request) {
	if s.delegation == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "delegation orchestrator not configured")
		return
	}
	var req delegation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.delegation.ExecuteDelegation(r.Context(), req)
	if err != nil {
		var verr *delegation.ValidationError
		if errors.As(err, &verr) {
			status := http.StatusBadRequest
			if errors.Is(verr.Kind, delegation.ErrCycleDetected) {
				status = http.StatusConflict
			}
			s.writeError(w, r, status, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "delegation failed: "+err.Error())
		return
	}
	s.writeOK(w, r, http.StatusOK, result)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if s.halter == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "halt not configured")
		return
	}
	s.writeOK(w, r, http.StatusAccepted, map[string]any{"status": "halting"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.halter.Halt(ctx); err != nil {
			s.logger.Error("graceful halt failed", "error", err)
		}
	}()
}

func (s *Server) handleWSMetrics(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "event hub not configured")
		return
	}
	s.writeOK(w, r, http.StatusOK, s.hub.GetMetrics())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event hub not configured", http.StatusServiceUnavailable)
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Server) writeOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	s.encode(w, envelope{OK: true, Data: data, CorrelationID: correlationID(r), Timestamp: nowISO()})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	s.encode(w, envelope{OK: false, Error: message, CorrelationID: correlationID(r), Timestamp: nowISO()})
}

func (s *Server) encode(w http.ResponseWriter, v envelope) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write control plane response", "error", err)
	}
}

func correlationID(r *http.Request) string {
	if id := chiMiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }
