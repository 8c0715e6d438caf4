package gossipcore

import "crypto/sha256"

// SHA256 hashes prefix followed by data and returns the 32-byte digest.
// Passing a non-nil prefix lets callers build domain-separated hashes
// (e.g. MessageId) without an intermediate allocation for concatenation.
func SHA256(prefix, data []byte) [32]byte {
	h := sha256.New()
	if len(prefix) > 0 {
		h.Write(prefix)
	}
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
