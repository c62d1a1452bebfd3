// Package pairing implements the DM Pairing Authority (C3): a
// per-channel challenge/approve state machine controlling which
// senders may reach the gateway.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/store"
)

// PairingCodeTTL is how long a pairing request remains valid before
// the sweeper removes it. The spec names both "60 minutes" and "one
// hour" for this window; both resolve to this single constant.
const PairingCodeTTL = 60 * time.Minute

// sweepInterval is how often the background sweeper scans for expired
// requests, driven by the scheduler's pairing_sweep payload.
const sweepInterval = 5 * time.Minute

var (
	// ErrUnsupportedChannel is returned when channel is not one this
	// authority recognizes.
	ErrUnsupportedChannel = errors.New("unsupported_channel")
	// ErrNotFound is returned by Approve when no pending request
	// matches the given code.
	ErrNotFound = errors.New("not_found")
	// ErrExpired is returned by Approve when the matching request has
	// already passed its expiry, and is removed as a side effect.
	ErrExpired = errors.New("expired")
)

// RequestStatus is the outcome of a RequestPairing call.
type RequestStatus string

const (
	StatusCreated         RequestStatus = "created"
	StatusAlreadyPending  RequestStatus = "already_pending"
	StatusRateLimited     RequestStatus = "rate_limited"
	StatusAlreadyApproved RequestStatus = "already_approved"
)

// RequestResult is returned by RequestPairing.
type RequestResult struct {
	Status  RequestStatus
	Request *store.PairingRequest // non-nil only when Status == StatusCreated
}

// Authority is the DM Pairing Authority. It owns no in-memory state
// beyond what the store provides; every call reads and writes through
// to SQLite so a restart never loses a pending request.
type Authority struct {
	store                *store.Store
	logger               *slog.Logger
	maxPendingPerChannel int
	supportedChannels    map[string]bool
}

// New creates a pairing Authority backed by store. maxPendingPerChannel
// bounds how many requests may be pending at once for a single channel
//.
func New(st *store.Store, logger *slog.Logger, maxPendingPerChannel int) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPendingPerChannel <= 0 {
		maxPendingPerChannel = 50
	}
	return &Authority{
		store:                st,
		logger:               logger,
		maxPendingPerChannel: maxPendingPerChannel,
		supportedChannels:    map[string]bool{"telegram": true, "whatsapp": true},
	}
}

// Normalize applies the channel's sender-ID normalization rule: digits
// only for whatsapp, the numeric string as-is for telegram.
func Normalize(channel, senderID string) string {
	senderID = strings.TrimSpace(senderID)
	switch channel {
	case "whatsapp":
		var sb strings.Builder
		for _, r := range senderID {
			if r >= '0' && r <= '9' {
				sb.WriteRune(r)
			}
		}
		return sb.String()
	default:
		return senderID
	}
}

// SeedAllowFrom idempotently approves a set of sender IDs for a
// channel, for static operator allow-lists supplied at startup.
func (a *Authority) SeedAllowFrom(channel string, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		normalized := Normalize(channel, id)
		if normalized == "" {
			continue
		}
		if err := a.store.InsertAllowListEntry(&store.AllowListEntry{
			Channel: channel, NormalizedSenderID: normalized, ApprovedAt: now,
		}); err != nil {
			return fmt.Errorf("seed allow-from %s/%s: %w", channel, normalized, err)
		}
	}
	return nil
}

// IsApproved reports whether an AllowListEntry exists for (channel,
// senderId). senderId must already be normalized by the caller, or
// pass through Normalize first.
func (a *Authority) IsApproved(channel, senderID string) (bool, error) {
	if !a.supportedChannels[channel] {
		return false, ErrUnsupportedChannel
	}
	return a.store.IsApproved(channel, senderID)
}

// RequestPairing creates a new pairing challenge for an unrecognized
// sender, or reports why one was not created.
func (a *Authority) RequestPairing(channel, senderID string) (RequestResult, error) {
	if !a.supportedChannels[channel] {
		return RequestResult{}, ErrUnsupportedChannel
	}

	approved, err := a.store.IsApproved(channel, senderID)
	if err != nil {
		return RequestResult{}, fmt.Errorf("check approved: %w", err)
	}
	if approved {
		return RequestResult{Status: StatusAlreadyApproved}, nil
	}

	existing, err := a.store.GetPairingRequest(channel, senderID)
	if err != nil {
		return RequestResult{}, fmt.Errorf("check pending: %w", err)
	}
	if existing != nil {
		return RequestResult{Status: StatusAlreadyPending}, nil
	}

	pending, err := a.store.CountPending(channel)
	if err != nil {
		return RequestResult{}, fmt.Errorf("count pending: %w", err)
	}
	if pending >= a.maxPendingPerChannel {
		return RequestResult{Status: StatusRateLimited}, nil
	}

	code, err := a.uniqueCode(channel)
	if err != nil {
		return RequestResult{}, fmt.Errorf("generate code: %w", err)
	}

	now := time.Now().UTC()
	req := &store.PairingRequest{
		Channel:            channel,
		NormalizedSenderID: senderID,
		Code:               code,
		CreatedAt:          now,
		ExpiresAt:          now.Add(PairingCodeTTL),
	}
	if err := a.store.InsertPairingRequest(req); err != nil {
		return RequestResult{}, fmt.Errorf("insert pairing request: %w", err)
	}

	a.logger.Info("pairing request created",
		"channel", channel, "sender", senderID, "expires_at", req.ExpiresAt)

	return RequestResult{Status: StatusCreated, Request: req}, nil
}

// findPairingConstantTime scans every pending request for channel and
// matches code with crypto/subtle.ConstantTimeCompare against each
// candidate, rather than letting SQL's indexed WHERE code = ? look up
// the row directly. Spec.md §4.6 "constant-time code lookup" is about
// not leaking which code prefix matched; always walking the full
// pending set (instead of stopping at the first match) keeps the
// comparison cost independent of the code's value.
func (a *Authority) findPairingConstantTime(channel, code string) (*store.PairingRequest, error) {
	candidates, err := a.store.PendingRequestsByChannel(channel)
	if err != nil {
		return nil, err
	}
	codeBytes := []byte(code)
	var match *store.PairingRequest
	for _, cand := range candidates {
		if len(cand.Code) != len(code) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(cand.Code), codeBytes) == 1 {
			match = cand
		}
	}
	return match, nil
}

// Approve validates a pairing code and, on success, promotes the
// pending request to the allow-list atomically, removing the request.
func (a *Authority) Approve(channel, code string) (senderID string, err error) {
	if !a.supportedChannels[channel] {
		return "", ErrUnsupportedChannel
	}

	req, err := a.findPairingConstantTime(channel, code)
	if err != nil {
		return "", fmt.Errorf("find pairing by code: %w", err)
	}
	if req == nil {
		return "", ErrNotFound
	}

	if time.Now().UTC().After(req.ExpiresAt) {
		if delErr := a.store.DeletePairingRequest(channel, req.NormalizedSenderID); delErr != nil {
			a.logger.Warn("pairing expired request cleanup failed",
				"channel", channel, "sender", req.NormalizedSenderID, "error", delErr)
		}
		return "", ErrExpired
	}

	if err := a.store.InsertAllowListEntry(&store.AllowListEntry{
		Channel: channel, NormalizedSenderID: req.NormalizedSenderID, ApprovedAt: time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("promote to allow-list: %w", err)
	}
	if err := a.store.DeletePairingRequest(channel, req.NormalizedSenderID); err != nil {
		return "", fmt.Errorf("remove pending request: %w", err)
	}

	a.logger.Info("pairing approved", "channel", channel, "sender", req.NormalizedSenderID)
	return req.NormalizedSenderID, nil
}

// Sweep removes every pairing request that has expired as of now. It
// is driven by the scheduler's pairing_sweep payload every
// sweepInterval, matching the "every 5 minutes" cadence named in
// spec.md §4.1.
func (a *Authority) Sweep(now time.Time) (int, error) {
	expired, err := a.store.ExpiredPairingRequests(now)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}
	for _, req := range expired {
		if err := a.store.DeletePairingRequest(req.Channel, req.NormalizedSenderID); err != nil {
			return 0, fmt.Errorf("delete expired %s/%s: %w", req.Channel, req.NormalizedSenderID, err)
		}
	}
	if len(expired) > 0 {
		a.logger.Info("pairing sweep removed expired requests", "count", len(expired))
	}
	return len(expired), nil
}

// SweepInterval exposes the sweeper cadence for the scheduler wiring
// in cmd/twinclaw.
func SweepInterval() time.Duration { return sweepInterval }

// uniqueCode generates a zero-padded 6-digit code and retries on
// collision with an existing pending code within the channel
//.
func (a *Authority) uniqueCode(channel string) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("%06d", n.Int64())
		exists, err := a.store.CodeExists(channel, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("could not generate a unique pairing code")
}
