package helper

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/oklog/ulid"
)

// GenerateRandomHex returns n random bytes from crypto/rand, hex encoded.
func GenerateRandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// GenerateRequestID returns a lexically sortable request id.
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// GetHash returns the hex encoded sha256 of value.
func GetHash(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}
