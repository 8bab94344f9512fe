// Package storage defines the persistence contract shared by the storage
// backends: application credential records plus issued session tokens.
package storage

import (
	"context"
	"errors"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

// ErrTokenNotFound is returned by GetToken and DeleteToken for an unknown id.
var ErrTokenNotFound = errors.New("token not found")

// TokenStorage persists token entries keyed by their hashed id.
type TokenStorage interface {
	PutToken(ctx context.Context, entry *logical.TokenEntry) error
	GetToken(ctx context.Context, id string) (*logical.TokenEntry, error)
	DeleteToken(ctx context.Context, id string) error
}

// Backend is a complete storage backend.
type Backend interface {
	appcred.Store
	TokenStorage

	// Close releases any underlying connections.
	Close() error
}

// Factory creates a Backend from the key/value options of a storage block.
type Factory func(conf map[string]string, log logger.Logger) (Backend, error)
