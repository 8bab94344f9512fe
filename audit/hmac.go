package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/stephnangue/latch/helper"
)

const hmacPrefix = "hmac-sha256:"

// HMACer salts sensitive values so they can be correlated across entries
// without being recoverable.
type HMACer struct {
	key []byte
}

// NewHMACer creates a new HMACer with the given key
func NewHMACer(key string) (*HMACer, error) {
	if key == "" {
		return nil, errors.New("hmac key must not be empty")
	}
	return &HMACer{key: []byte(key)}, nil
}

// NewRandomHMACer uses a fresh random key. Salted values then only correlate
// within one server run.
func NewRandomHMACer() (*HMACer, error) {
	key, err := helper.GenerateRandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate hmac key: %w", err)
	}
	return NewHMACer(key)
}

// Salt salts a string using HMAC-SHA256
func (h *HMACer) Salt(ctx context.Context, data string) (string, error) {
	if data == "" {
		return "", nil
	}

	mac := hmac.New(sha256.New, h.key)
	if _, err := mac.Write([]byte(data)); err != nil {
		return "", fmt.Errorf("failed to compute HMAC: %w", err)
	}
	return hmacPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// SaltFunc returns a SaltFunc that uses this HMACer
func (h *HMACer) SaltFunc() SaltFunc {
	return h.Salt
}
