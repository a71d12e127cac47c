package utils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
)

// HashBytes calculates the BLAKE3 hash of a byte slice
func HashBytes(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashString calculates the BLAKE3 hash of a string
func HashString(data string) string {
	return HashBytes([]byte(data))
}

// CanonicalJSON marshals v and rewrites it in RFC 8785 canonical form, so
// equal values always produce identical bytes regardless of field order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	return canonical, nil
}

// HashCanonical returns the hex BLAKE3 digest of the canonical JSON of v.
func HashCanonical(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}
