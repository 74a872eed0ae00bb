// Package digest is the narrow cryptographic surface the rest of the
// module builds on: a keyed MAC, a plain hash, and constant-time
// comparison. Components take a Suite by injection so tests and hardware
// modules can substitute freely.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// Size is the size in bytes of every MAC and hash produced here
// (SHA-256 output size).
const Size = 32

// KeySize is the required MAC key length in bytes.
const KeySize = 32

// Suite binds the two primitive operations the core consumes. The core
// never inspects returned bytes except for equality.
type Suite interface {
	// MAC computes a 32-byte authenticator over msg under key.
	MAC(key []byte, msg ...[]byte) [Size]byte
	// Hash computes the 32-byte digest of msg.
	Hash(msg ...[]byte) [Size]byte
}

// HMACSHA256 is the software Suite: HMAC-SHA256 and SHA-256 from the
// standard crypto packages.
type HMACSHA256 struct{}

// MAC computes HMAC-SHA256 over the concatenation of the chunks.
func (HMACSHA256) MAC(key []byte, msg ...[]byte) [Size]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range msg {
		_, _ = h.Write(c)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hash computes SHA-256 over the concatenation of the chunks.
func (HMACSHA256) Hash(msg ...[]byte) [Size]byte {
	h := sha256.New()
	for _, c := range msg {
		_, _ = h.Write(c)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Equal performs constant-time comparison of two byte slices.
// This prevents timing attacks that could reveal information about MACs.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZero reports whether x is all zero bytes. Used to recognize the
// sentinel predecessor MAC of a chain's first entry.
func IsZero(x [Size]byte) bool {
	var acc byte
	for _, b := range x {
		acc |= b
	}
	return acc == 0
}
