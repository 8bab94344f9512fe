package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-uuid"
	"github.com/mitchellh/copystructure"

	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

const (
	mountClassAuth     = "auth"
	mountClassResource = "resource"

	// authRoutePrefix is prepended to the path of every auth mount
	authRoutePrefix = "auth/"

	mountPathUsers = "users/"
	mountTypeUsers = "users"
	mountTypeToken = "token"
)

// MountEntry describes a mounted backend.
type MountEntry struct {
	Class       string `json:"class"`       // The mount class
	Type        string `json:"type"`        // The mount type
	Path        string `json:"path"`        // The mount path, relative to the class prefix
	Description string `json:"description"` // Human readable description
	UUID        string `json:"uuid"`
	Accessor    string `json:"accessor"` // Unique but more human-friendly ID. Does not change, not used for any sensitive things

	Config map[string]any `json:"config,omitempty"`
}

// Clone returns a deep copy of the mount entry
func (e *MountEntry) Clone() (*MountEntry, error) {
	cp, err := copystructure.Copy(e)
	if err != nil {
		return nil, err
	}
	return cp.(*MountEntry), nil
}

// APIPath returns the full API Path for the given mount entry
func (e *MountEntry) APIPath() string {
	path := e.Path
	if e.Class == mountClassAuth {
		path = authRoutePrefix + path
	}
	return path
}

// MountTable is used to represent the internal mount table
type MountTable struct {
	mu      sync.RWMutex
	Entries []*MountEntry `json:"entries"`
}

func NewMountTable() *MountTable {
	return &MountTable{
		Entries: make([]*MountEntry, 0),
	}
}

// Snapshot returns clones of the current entries.
func (t *MountTable) Snapshot() []*MountEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*MountEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		if cp, err := e.Clone(); err == nil {
			out = append(out, cp)
		}
	}
	return out
}

func (c *Core) generateMountAccessor(entryType string) (string, error) {
	var accessor string
	for {
		randBytes, err := uuid.GenerateRandomBytes(4)
		if err != nil {
			return "", err
		}
		accessor = fmt.Sprintf("%s_%08x", strings.ReplaceAll(entryType, "_", "-"), randBytes[0:4])
		if entry := c.router.MatchingMountByAccessor(accessor); entry == nil {
			break
		}
	}
	return accessor, nil
}

// mount creates the backend for entry from factory and adds it to the
// router and the mount table.
func (c *Core) mount(ctx context.Context, entry *MountEntry, factory logical.Factory) error {
	// Ensure we end the path in a slash
	if !strings.HasSuffix(entry.Path, "/") {
		entry.Path += "/"
	}

	mountPath := entry.APIPath()
	if match := c.router.MatchingMount(mountPath); match != "" {
		return logical.ErrConflict(fmt.Sprintf("existing mount at %s", match))
	}

	if entry.UUID == "" {
		entryUUID, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		entry.UUID = entryUUID
	}
	if entry.Accessor == "" {
		accessor, err := c.generateMountAccessor(entry.Type)
		if err != nil {
			return err
		}
		entry.Accessor = accessor
	}

	backend, err := factory(ctx, &logical.BackendConfig{
		Logger: c.logger.WithSubsystem(entry.Type),
		Config: entry.Config,
	})
	if err != nil {
		return fmt.Errorf("creating %s backend: %w", entry.Type, err)
	}
	if backend == nil {
		return fmt.Errorf("nil backend of type %s returned from creation function", entry.Type)
	}

	if err := c.router.Mount(mountPath, backend, entry); err != nil {
		return err
	}

	c.mounts.mu.Lock()
	c.mounts.Entries = append(c.mounts.Entries, entry)
	c.mounts.mu.Unlock()

	if err := backend.Initialize(ctx); err != nil {
		return err
	}

	c.logger.Info("successfully mounted",
		logger.String("path", mountPath),
		logger.String("type", entry.Type),
		logger.String("class", entry.Class),
	)
	return nil
}

// unmountAll tears every backend down.
func (c *Core) unmountAll(ctx context.Context) {
	c.mounts.mu.Lock()
	entries := c.mounts.Entries
	c.mounts.Entries = make([]*MountEntry, 0)
	c.mounts.mu.Unlock()

	for _, e := range entries {
		if err := c.router.Unmount(ctx, e.APIPath()); err != nil {
			c.logger.Warn("failed to unmount", logger.String("path", e.APIPath()), logger.Err(err))
		}
	}
}
