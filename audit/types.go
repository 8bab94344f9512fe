package audit

import (
	"context"
	"time"
)

// LogEntry is a single audit record. Request entries are written before a
// request is dispatched; response entries after it has been served.
type LogEntry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Auth      *Auth     `json:"auth,omitempty"`
	Request   *Request  `json:"request,omitempty"`
	Response  *Response `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Auth describes a token: the caller's on request entries, the issued one
// on login responses.
type Auth struct {
	ClientToken           string   `json:"client_token,omitempty"`
	Accessor              string   `json:"accessor,omitempty"`
	PrincipalID           string   `json:"principal_id,omitempty"`
	ProjectID             string   `json:"project_id,omitempty"`
	Roles                 []string `json:"roles,omitempty"`
	Methods               []string `json:"methods,omitempty"`
	ApplicationCredential string   `json:"application_credential,omitempty"`
	Unrestricted          bool     `json:"unrestricted,omitempty"`
	ExpireTime            string   `json:"expire_time,omitempty"`
}

type Request struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Path      string         `json:"path"`
	ClientIP  string         `json:"client_ip,omitempty"`
	MountType string         `json:"mount_type,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type Response struct {
	StatusCode int            `json:"status_code,omitempty"`
	Auth       *Auth          `json:"auth,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// EntryType defines the type of audit entry
type EntryType string

const (
	EntryTypeRequest  EntryType = "request"
	EntryTypeResponse EntryType = "response"
	EntryTypeTest     EntryType = "test"
)

// Format serializes an entry. Implementations must not modify the entry,
// which is shared between devices.
type Format interface {
	Format(ctx context.Context, typ EntryType, entry *LogEntry) ([]byte, error)
	Name() string
}

// Sink is the interface for audit log destinations
type Sink interface {
	// Write writes one formatted entry. It must be safe for concurrent use.
	Write(ctx context.Context, entry []byte) error
	Close() error
	Type() string
}

// Device combines a format and a sink.
type Device interface {
	LogRequest(ctx context.Context, entry *LogEntry) error
	LogResponse(ctx context.Context, entry *LogEntry) error

	// LogTestRequest writes a test entry to check the device can be written to.
	LogTestRequest(ctx context.Context) error

	Close() error
	Name() string
	Type() string
	Enabled() bool
	SetEnabled(enabled bool)
}

// FilterFunc reports whether an entry should be logged.
type FilterFunc func(entry *LogEntry) bool

// SaltFunc is a function that salts sensitive data
type SaltFunc func(ctx context.Context, data string) (string, error)

// Broker fans entries out to every enabled device.
type Broker interface {
	// LogRequest returns true when at least one device recorded the entry,
	// or when no device is enabled at all.
	LogRequest(ctx context.Context, entry *LogEntry) (bool, error)
	LogResponse(ctx context.Context, entry *LogEntry) (bool, error)
}
