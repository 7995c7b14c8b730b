// Package canonical provides deterministic JSON serialization and content
// hashing for artifacts and run inputs. Canonical form sorts object keys
// lexicographically, preserves array order, and drops null-valued fields so
// that structurally equal values always hash identically.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON encoding of v.
//
// The value is first marshaled with the standard encoder (respecting json
// tags), then null fields are stripped recursively, and finally the result is
// transformed to RFC 8785 canonical form (sorted keys, no HTML escaping,
// canonical number formatting).
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode: %w", err)
	}

	stripped := stripNulls(generic)

	plain, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal: %w", err)
	}

	out, err := jcs.Transform(plain)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// stripNulls removes null-valued object fields recursively. Nulls inside
// arrays are kept: dropping them would change element positions.
func stripNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = stripNulls(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripNulls(item)
		}
		return out
	default:
		return v
	}
}
