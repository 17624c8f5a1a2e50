package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Content hashes identify a specific version of a file's bytes and double
// as the ETag value on the wire. SHA-256 everywhere.

// New returns a hasher producing content hashes.
func New() hash.Hash {
	return sha256.New()
}

// Sum returns the content hash of b as lowercase hex.
func Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Encode finalizes h into the hex form used on the wire.
func Encode(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
