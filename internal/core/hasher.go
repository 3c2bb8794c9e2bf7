package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const fingerprintDomain = "SettleLedger:request:v1"

// Fingerprint computes a stable SHA-256 over length-prefixed parts so that
// ("ab", "c") and ("a", "bc") never collide. Used to bind an idempotency key
// to the request it was first seen with.
func Fingerprint(parts ...[]byte) string {
	hasher := sha256.New()
	hasher.Write([]byte(fingerprintDomain))

	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		hasher.Write(lenBuf[:])
		hasher.Write(p)
	}

	return hex.EncodeToString(hasher.Sum(nil))
}

// RequestKey derives an idempotency key for callers that did not send one:
// the same method, path and body always map to the same key.
func RequestKey(method, path string, body []byte) string {
	return "req:" + Fingerprint([]byte(method), []byte(path), body)[:40]
}
