package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// shortLen is the number of hex digits kept by Short.
const shortLen = 16

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Short returns a prefix of Sum, used to name content-addressed blobs.
func Short(data []byte) string {
	return Sum(data)[:shortLen]
}
