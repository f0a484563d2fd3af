package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// ConfigHash returns the hex SHA-256 of a canonical job description.
// Intake hashes (kind, canonical parameters, schedule) so resubmitting an
// identical job dedupes against the existing one.
func ConfigHash(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
		h.Write([]byte{0}) // field separator so concatenations cannot collide
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SHA256Hex returns the hex digest of a single payload. Blob uploads use it
// for artifact checksums.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
