package appcred

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// secretBytes is the entropy of a generated secret.
const secretBytes = 64

// SecretHandler generates, hashes and verifies credential secrets.
type SecretHandler struct {
	cost int
}

// NewSecretHandler returns a handler hashing at the given bcrypt cost.
// Out of range costs fall back to bcrypt.DefaultCost.
func NewSecretHandler(cost int) *SecretHandler {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &SecretHandler{cost: cost}
}

// Generate returns a fresh random secret and its hash.
func (h *SecretHandler) Generate() (string, []byte, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("reading random source: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := h.Hash(secret)
	if err != nil {
		return "", nil, err
	}
	return secret, hash, nil
}

// Hash returns the one-way hash of plaintext.
func (h *SecretHandler) Hash(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, fmt.Errorf("%w: secret must not be empty", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword(prehash(plaintext), h.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}
	return hash, nil
}

// Verify reports whether plaintext matches hash. The comparison runs in
// constant time with respect to the secret.
func (h *SecretHandler) Verify(plaintext string, hash []byte) bool {
	if plaintext == "" || len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, prehash(plaintext)) == nil
}

// prehash folds secrets of any length under bcrypt's 72 byte input limit.
func prehash(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}
