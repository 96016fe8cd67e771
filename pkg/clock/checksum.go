package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Checksum produces the canonical SHA-256 of a value: the value is
// round-tripped through JSON so that every object level marshals with
// sorted keys and no insignificant whitespace. Two values with the same
// key-value content hash identically regardless of key insertion order.
func Checksum(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize returns the canonical JSON encoding of v.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// Re-parse into plain maps and slices; encoding/json emits map keys in
	// sorted order, which is what makes the result canonical.
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// VerifyChecksum recomputes the canonical checksum of changeData and
// compares it to the stamped value.
func VerifyChecksum(changeData map[string]any, stamped string) (bool, error) {
	got, err := Checksum(changeData)
	if err != nil {
		return false, err
	}
	return got == stamped, nil
}
