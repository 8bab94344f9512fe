package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

// routeEntry is used to represent a mount point in the router
type routeEntry struct {
	tainted    bool
	backend    logical.Backend
	mountEntry *MountEntry
	l          sync.RWMutex
}

// Router dispatches requests to the mounted backend whose path is the
// longest prefix of the request path.
type Router struct {
	root               *radix.Tree // tree of mountPath -> routeEntry
	mountAccessorCache *radix.Tree // tree of mountAccessor -> mountEntry
	mu                 sync.RWMutex

	logger logger.Logger
}

func NewRouter(log logger.Logger) *Router {
	return &Router{
		root:               radix.New(),
		mountAccessorCache: radix.New(),
		logger:             log,
	}
}

func (r *Router) Mount(mountPath string, backend logical.Backend, mountEntry *MountEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.root.Get(mountPath); exists && existing != nil {
		return fmt.Errorf("path %s is already mounted", mountPath)
	}

	re := &routeEntry{
		backend:    backend,
		mountEntry: mountEntry,
	}

	r.root.Insert(mountPath, re)
	r.mountAccessorCache.Insert(mountEntry.Accessor, mountEntry)

	r.logger.Debug("backend mounted", logger.String("mount_path", mountPath))

	return nil
}

func (r *Router) Unmount(ctx context.Context, mountPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Fast-path out if the backend doesn't exist
	raw, ok := r.root.Get(mountPath)
	if !ok {
		return nil
	}

	// Call backend's Cleanup routine
	re := raw.(*routeEntry)
	re.l.Lock()
	defer re.l.Unlock()
	if re.backend != nil {
		re.backend.Cleanup(ctx)
	}

	// Purge from the radix trees
	r.root.Delete(mountPath)
	r.mountAccessorCache.Delete(re.mountEntry.Accessor)

	r.logger.Debug("backend unmounted", logger.String("mount_path", mountPath))

	return nil
}

// MatchingBackend returns the backend used for a path
func (r *Router) MatchingBackend(path string) logical.Backend {
	re, _ := r.matchingRoute(path)
	if re == nil {
		return nil
	}
	re.l.RLock()
	defer re.l.RUnlock()
	return re.backend
}

// MatchingMountByAccessor returns the mount entry by accessor lookup
func (r *Router) MatchingMountByAccessor(mountAccessor string) *MountEntry {
	if mountAccessor == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	raw, ok := r.mountAccessorCache.Get(mountAccessor)
	if !ok {
		return nil
	}
	return raw.(*MountEntry)
}

// MatchingMount returns the mount prefix that would be used for a path
func (r *Router) MatchingMount(path string) string {
	_, mount := r.matchingRoute(path)
	return mount
}

// IsUnauthenticated reports whether path falls under one of the
// unauthenticated special paths of its backend.
func (r *Router) IsUnauthenticated(path string) bool {
	re, mount := r.matchingRoute(path)
	if re == nil {
		return false
	}
	re.l.RLock()
	defer re.l.RUnlock()
	if re.backend == nil {
		return false
	}
	return re.backend.SpecialPaths().IsUnauthenticated(relativePath(path, mount))
}

// Taint is used to mark a path as tainted.
// A tainted path is not resolvable.
func (r *Router) Taint(path string) {
	r.setTainted(path, true)
}

// Untaint is used to unmark a path as tainted.
func (r *Router) Untaint(path string) {
	r.setTainted(path, false)
}

func (r *Router) setTainted(path string, tainted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, raw, ok := r.root.LongestPrefix(path)
	if ok {
		re := raw.(*routeEntry)
		re.l.Lock()
		re.tainted = tainted
		re.l.Unlock()
	}
}

func (r *Router) matchingRoute(path string) (*routeEntry, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mount, raw, ok := r.root.LongestPrefix(path)
	if !ok && !strings.HasSuffix(path, "/") {
		// Re-check for a backend by appending a slash. This lets "foo" mean
		// "foo/" at the root level which is almost always what we want.
		mount, raw, ok = r.root.LongestPrefix(path + "/")
	}
	if !ok {
		return nil, ""
	}
	return raw.(*routeEntry), mount
}

// Route is used to route a given request. req.Path is rewritten relative
// to the mount and restored before returning.
func (r *Router) Route(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	re, mount := r.matchingRoute(req.Path)
	if re == nil {
		r.logger.Debug("no route found",
			logger.String("path", req.Path),
			logger.String("request_id", req.ID),
		)
		return nil, sdklogical.ErrUnsupportedPath
	}

	re.l.RLock()
	backend, tainted := re.backend, re.tainted
	re.l.RUnlock()

	// Filtered or tainted mounts are not resolvable
	if backend == nil || tainted {
		r.logger.Debug("route entry not resolvable",
			logger.String("path", req.Path),
			logger.String("mount", mount),
			logger.Bool("tainted", tainted),
			logger.String("request_id", req.ID),
		)
		return nil, sdklogical.ErrUnsupportedPath
	}

	originalPath := req.Path
	defer func() { req.Path = originalPath }()

	req.Path = relativePath(originalPath, mount)
	req.MountPoint = mount
	req.MountType = re.mountEntry.Type

	return backend.HandleRequest(ctx, req)
}

func relativePath(path, mount string) string {
	rel := strings.TrimPrefix(path, mount)
	if rel == path {
		// path named the mount without its trailing slash
		rel = strings.TrimPrefix(path, strings.TrimSuffix(mount, "/"))
	}
	return strings.TrimPrefix(rel, "/")
}
