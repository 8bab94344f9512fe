package logical

import (
	"context"

	"github.com/stephnangue/latch/logger"
)

// BackendClass groups backends by what they serve.
type BackendClass string

const (
	ClassAuth     BackendClass = "auth"
	ClassResource BackendClass = "resource"
)

// Backend is the interface every mounted backend implements.
type Backend interface {
	// HandleRequest serves a request whose Path is relative to the mount.
	HandleRequest(ctx context.Context, req *Request) (*Response, error)

	// SpecialPaths returns the paths needing special treatment.
	SpecialPaths() *Paths

	Type() string
	Class() BackendClass

	// Initialize is called once after the backend is mounted.
	Initialize(ctx context.Context) error

	// Cleanup is called when the backend is unmounted or the server stops.
	Cleanup(ctx context.Context)
}

// BackendConfig is provided to every backend factory.
type BackendConfig struct {
	Logger logger.Logger

	// Config is the raw per-mount configuration.
	Config map[string]any
}

// Factory is the factory function to create a logical backend.
type Factory func(ctx context.Context, conf *BackendConfig) (Backend, error)
