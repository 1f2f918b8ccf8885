// Package jcs produces the content-addressed digests used for uniqueness
// identifiers. Canonicalization follows RFC 8785 so that digests stay
// byte-identical across runs regardless of key order or whitespace.
package jcs

import (
	"crypto/sha256"
	"encoding/hex"

	json "github.com/goccy/go-json"
	"github.com/gowebpki/jcs"
)

// CanonicalizeJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// DigestJCS canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func DigestJCS(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestValue marshals an in-memory value and digests its canonical form.
// Absent fields must be represented by the caller as explicit nulls if they
// are meant to participate in the digest.
func DigestValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return DigestJCS(raw)
}
