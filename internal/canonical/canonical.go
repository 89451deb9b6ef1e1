// Package canonical produces the byte-exact JSON forms that every AIGOS hash
// is computed over. Two forms exist: JCS (RFC 8785, lexically sorted keys)
// for governance events, and Compact (declared field order) for structures
// whose hash is specified against a fixed key sequence, such as the Golden
// Thread and capability manifests.
//
// All hashes are rendered "sha256:<lowercase hex>" so a digest is never
// mistaken for raw content.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to every rendered digest.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON encoding of v: object keys sorted
// lexicographically by UTF-8 bytes, no insignificant whitespace, no HTML
// escaping.
func JCS(v any) ([]byte, error) {
	raw, err := Compact(v)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Compact returns compact JSON for v in declared field order with HTML
// escaping disabled. Callers that need a fixed key sequence encode an ordered
// struct and hash the result directly.
func Compact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	// json.Encoder appends a newline that is not part of the canonical form.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Hash returns the prefixed SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashJCS canonicalizes v per RFC 8785 and returns its prefixed digest.
func HashJCS(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// HashCompact encodes v in declared field order and returns its prefixed digest.
func HashCompact(v any) (string, error) {
	b, err := Compact(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}
