package signature

import (
	"strings"
	"testing"
)

func TestVerify_RawBodyMatch(t *testing.T) {
	v := New("topsecret")
	body := []byte(`{"b":2,"a":1}`)
	header := v.Sign(body)

	if err := v.Verify(header, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_CanonicalFormMatch(t *testing.T) {
	v := New("topsecret")
	// Signed over a sorted-key re-serialization, but the wire body
	// arrives with different key order and spacing.
	canon, err := canonicalize([]byte(`{"a": 1, "b": 2}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	header := v.Sign(canon)

	wireBody := []byte(`{"b":2,"a":1}`)
	if err := v.Verify(header, wireBody); err != nil {
		t.Fatalf("Verify with differing key order: %v", err)
	}
}

func TestVerify_NestedCanonicalFormMatch(t *testing.T) {
	v := New("topsecret")
	canon, err := canonicalize([]byte(`{"outer":{"z":1,"a":2},"list":[{"y":1,"x":2}]}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	header := v.Sign(canon)

	wireBody := []byte(`{"list":[{"x":2,"y":1}],"outer":{"a":2,"z":1}}`)
	if err := v.Verify(header, wireBody); err != nil {
		t.Fatalf("Verify with nested differing key order: %v", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	v := New("topsecret")
	header := v.Sign([]byte(`{"a":1}`))

	if err := v.Verify(header, []byte(`{"a":2}`)); err != ErrMismatch {
		t.Errorf("err = %v, want ErrMismatch", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	signer := New("secret-one")
	verifier := New("secret-two")
	header := signer.Sign([]byte(`{"a":1}`))

	if err := verifier.Verify(header, []byte(`{"a":1}`)); err != ErrMismatch {
		t.Errorf("err = %v, want ErrMismatch", err)
	}
}

func TestVerify_MissingHeader(t *testing.T) {
	v := New("topsecret")
	if err := v.Verify("", []byte(`{}`)); err != ErrMissingHeader {
		t.Errorf("err = %v, want ErrMissingHeader", err)
	}
}

func TestVerify_MalformedHeader(t *testing.T) {
	v := New("topsecret")
	cases := []string{
		"not-even-close",
		"sha256=",
		"sha256=deadbeef",
		"md5=" + strings.Repeat("a", 64),
	}
	for _, header := range cases {
		if err := v.Verify(header, []byte(`{}`)); err != ErrMalformedHeader {
			t.Errorf("Verify(%q) err = %v, want ErrMalformedHeader", header, err)
		}
	}
}

func TestVerify_SecretNotConfigured(t *testing.T) {
	v := New("")
	if v.Configured() {
		t.Fatal("expected Configured() = false for empty secret")
	}
	if err := v.Verify("sha256="+strings.Repeat("a", 64), []byte(`{}`)); err != ErrSecretNotConfigured {
		t.Errorf("err = %v, want ErrSecretNotConfigured", err)
	}
}

func TestCanonicalize_NonJSONBody(t *testing.T) {
	// A non-JSON body should simply fail canonicalization so Verify
	// falls back to the raw-bytes candidate only.
	v := New("topsecret")
	body := []byte("plain text body")
	header := v.Sign(body)

	if err := v.Verify(header, body); err != nil {
		t.Fatalf("Verify on non-JSON body: %v", err)
	}
}
