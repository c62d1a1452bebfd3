// Package signature implements HMAC-SHA256 request authentication for
// mutating control-plane endpoints (C4). No signing-verification
// library appears anywhere in the reference corpus — this is one of
// the few places stdlib crypto is the grounded choice rather than a
// fallback.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Header is the name of the HTTP header carrying the signature.
const Header = "X-Signature"

// Prefix is prepended to the hex digest in the header value.
const Prefix = "sha256="

var (
	// ErrMissingHeader is returned when the signature header is absent
	// or empty.
	ErrMissingHeader = errors.New("signature header missing")
	// ErrMalformedHeader is returned when the header value does not
	// match "sha256=<64 hex>".
	ErrMalformedHeader = errors.New("signature header malformed")
	// ErrMismatch is returned when no canonical form of the body
	// matches the provided digest.
	ErrMismatch = errors.New("signature mismatch")
	// ErrSecretNotConfigured is returned when the verifier has no
	// secret to check against.
	ErrSecretNotConfigured = errors.New("signing secret not configured")
)

// Verifier checks X-Signature headers against a shared secret.
type Verifier struct {
	secret []byte
}

// New creates a Verifier for the given shared secret. An empty secret
// produces a Verifier whose Verify always returns
// ErrSecretNotConfigured, which callers map to a 503 response.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Configured reports whether a secret was supplied.
func (v *Verifier) Configured() bool {
	return len(v.secret) > 0
}

// Verify checks header against the raw request body. It accepts the
// signature if it matches the HMAC of either canonical form:
//  1. the raw bytes exactly as received, or
//  2. a deterministic re-serialization of the parsed JSON with sorted
//     object keys.
//
// Form 2 lets clients that re-serialize JSON before signing (different
// key order, whitespace) still verify correctly, while form 1 handles
// clients that sign the exact wire bytes.
func (v *Verifier) Verify(header string, rawBody []byte) error {
	if !v.Configured() {
		return ErrSecretNotConfigured
	}

	digest, err := parseHeader(header)
	if err != nil {
		return err
	}

	candidates := [][]byte{rawBody}
	if canon, err := canonicalize(rawBody); err == nil {
		candidates = append(candidates, canon)
	}

	for _, candidate := range candidates {
		expected := v.digest(candidate)
		if constantTimeEqual(expected, digest) {
			return nil
		}
	}
	return ErrMismatch
}

// Sign returns the X-Signature header value for body, for use by
// internal callers that need to sign their own outbound requests
// (e.g. the test harness, or a future internal caller of the control
// plane).
func (v *Verifier) Sign(body []byte) string {
	return Prefix + hex.EncodeToString(v.digest(body))
}

func (v *Verifier) digest(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func parseHeader(header string) ([]byte, error) {
	if header == "" {
		return nil, ErrMissingHeader
	}
	if !strings.HasPrefix(header, Prefix) {
		return nil, ErrMalformedHeader
	}
	hexDigest := strings.TrimPrefix(header, Prefix)
	if len(hexDigest) != sha256.Size*2 {
		return nil, ErrMalformedHeader
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return digest, nil
}

// canonicalize re-serializes body as JSON with object keys sorted at
// every nesting level, so semantically identical payloads signed with
// differing key order still verify.
func canonicalize(body []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(v))
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, sortKeys(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// kv and orderedMap implement json.Marshaler to emit map entries in a
// fixed key order, since encoding/json always sorts map[string]any
// keys already — this exists to make the sort explicit and stable
// across the recursive rewrite above rather than relying on that
// implicit behavior.
type kv struct {
	key   string
	value any
}

type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			sb.WriteByte(',')
		}
		keyJSON, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		sb.Write(keyJSON)
		sb.WriteByte(':')
		sb.Write(valJSON)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
