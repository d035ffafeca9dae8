// Package edgeproxy provides the shared content-hash type used throughout
// the transparent caching proxy: the storage engine and the request handler
// both address content by this hash.
package edgeproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = sha256.Size

// Hash represents a SHA-256 256-bit digest, used both as the blob content
// address and as the cache key (the SHA-256 of a canonical URL string).
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir returns the first two hex characters of the hash, used to shard blobs
// into subdirectories: blobs/<Dir()>/<String()>.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the SHA-256 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashString computes the SHA-256 hash of a string, used for hashing
// canonical cache keys.
func HashString(s string) Hash {
	h := sha256.New()
	_, _ = io.WriteString(h, s)
	var out Hash
	h.Sum(out[:0])
	return out
}

