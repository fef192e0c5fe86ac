package elock

import (
	"crypto/sha1"
	"encoding/hex"
)

// Converts a key (or lock value) to a token that is safe for the eLock
// protocol, meaning no spaces or control characters, while keeping the
// key unique. The digest matches what other eLock clients send, so a
// process using this package contends with them on the same lock.
func NormalizeKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
