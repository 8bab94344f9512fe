package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/stephnangue/latch/helper"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
)

// TokenPrefix marks every token value issued by the store.
const TokenPrefix = "lt."

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token has expired")
	ErrStoreClosed   = errors.New("token store is closed")
)

// TokenStoreConfig holds configuration for the token store
type TokenStoreConfig struct {
	// CacheMaxCost is the maximum cost of cache (in bytes, roughly)
	CacheMaxCost int64

	// CacheNumCounters is the number of keys to track frequency
	CacheNumCounters int64

	// EnableMetrics enables collection of operational metrics
	EnableMetrics bool

	// DefaultTTL applies when an Auth doesn't ask for a lifetime.
	DefaultTTL time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultTokenStoreConfig returns a production-ready default configuration
func DefaultTokenStoreConfig() *TokenStoreConfig {
	return &TokenStoreConfig{
		CacheMaxCost:     32 << 20, // 32 MB
		CacheNumCounters: 1e6,
		EnableMetrics:    true,
		DefaultTTL:       time.Hour,
	}
}

// Metrics tracks operational statistics
type Metrics struct {
	mu             sync.RWMutex
	TokensIssued   int64
	TokensResolved int64
	TokensExpired  int64
	TokensRevoked  int64
	CacheHits      int64
	CacheMisses    int64
}

func (m *Metrics) incr(field *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"tokens_issued":   m.TokensIssued,
		"tokens_resolved": m.TokensResolved,
		"tokens_expired":  m.TokensExpired,
		"tokens_revoked":  m.TokensRevoked,
		"cache_hits":      m.CacheHits,
		"cache_misses":    m.CacheMisses,
	}
}

// TokenStore issues session tokens and resolves presented ones. Entries
// live in persistent storage keyed by the sha256 of the token value; a
// ristretto cache sits in front of it.
type TokenStore struct {
	mu      sync.RWMutex
	storage storage.TokenStorage
	cache   *ristretto.Cache[string, *logical.TokenEntry]
	config  *TokenStoreConfig
	logger  logger.Logger
	metrics *Metrics
	closed  bool

	// loads collapses concurrent storage reads of the same uncached token.
	loads singleflight.Group
}

var _ logical.TokenAccess = (*TokenStore)(nil)

func NewTokenStore(st storage.TokenStorage, log logger.Logger, config *TokenStoreConfig) (*TokenStore, error) {
	if st == nil {
		return nil, errors.New("token store requires storage")
	}
	if config == nil {
		config = DefaultTokenStoreConfig()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	s := &TokenStore{
		storage: st,
		config:  config,
		logger:  log,
		metrics: &Metrics{},
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *logical.TokenEntry]{
		NumCounters: config.CacheNumCounters,
		MaxCost:     config.CacheMaxCost,
		BufferItems: 64,
		OnEvict:     s.onEvict,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	s.cache = cache

	log.Info("token store initialized",
		logger.Bool("metrics_enabled", config.EnableMetrics),
		logger.Duration("default_ttl", config.DefaultTTL))

	return s, nil
}

func (s *TokenStore) onEvict(item *ristretto.Item[*logical.TokenEntry]) {
	s.logger.Trace("token evicted from cache",
		logger.String("accessor", item.Value.Accessor))
}

func (s *TokenStore) count(field *int64) {
	if s.config.EnableMetrics {
		s.metrics.incr(field)
	}
}

func (s *TokenStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// IssueToken turns a successful login into a persisted token and returns
// the raw value, which is not kept anywhere. The token never outlives
// auth.ExpireAt when that is set.
func (s *TokenStore) IssueToken(ctx context.Context, auth *logical.Auth, req *logical.Request) (string, *logical.TokenEntry, error) {
	if s.isClosed() {
		return "", nil, ErrStoreClosed
	}
	if auth == nil {
		return "", nil, errors.New("auth cannot be nil")
	}

	now := s.config.Clock()
	ttl := auth.TokenTTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	expireAt := now.Add(ttl)
	if !auth.ExpireAt.IsZero() && auth.ExpireAt.Before(expireAt) {
		expireAt = auth.ExpireAt
	}
	if !expireAt.After(now) {
		return "", nil, ErrTokenExpired
	}

	raw, err := helper.GenerateRandomHex(32)
	if err != nil {
		return "", nil, fmt.Errorf("generating token: %w", err)
	}
	accessor, err := helper.GenerateRandomHex(12)
	if err != nil {
		return "", nil, fmt.Errorf("generating accessor: %w", err)
	}
	value := TokenPrefix + raw

	entry := &logical.TokenEntry{
		ID:          helper.GetHash(value),
		Accessor:    accessor,
		PrincipalID: auth.PrincipalID,
		ProjectID:   auth.ProjectID,
		Roles:       slices.Clone(auth.Roles),
		Provenance:  cloneProvenance(auth.Provenance),
		CreatedAt:   now.UTC(),
		ExpireAt:    expireAt.UTC(),
	}
	if entry.Roles == nil {
		entry.Roles = []string{}
	}
	if req != nil {
		entry.CreatedByIP = req.ClientIP
		entry.CreatedByReqID = req.ID
	}

	if err := s.storage.PutToken(ctx, entry); err != nil {
		return "", nil, fmt.Errorf("persisting token: %w", err)
	}
	s.cacheEntry(entry, now)
	s.count(&s.metrics.TokensIssued)

	s.logger.Debug("token issued",
		logger.String("accessor", accessor),
		logger.String("principal_id", entry.PrincipalID),
		logger.String("project_id", entry.ProjectID),
		logger.Time("expire_at", entry.ExpireAt))

	return value, cloneEntry(entry), nil
}

// LookupToken resolves a presented token value. Unknown and expired tokens
// both fail; expired ones are also removed.
func (s *TokenStore) LookupToken(ctx context.Context, value string) (*logical.TokenEntry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if value == "" {
		return nil, ErrTokenNotFound
	}

	id := helper.GetHash(value)
	now := s.config.Clock()

	entry, found := s.cache.Get(id)
	if found {
		s.count(&s.metrics.CacheHits)
	} else {
		s.count(&s.metrics.CacheMisses)

		v, err, _ := s.loads.Do(id, func() (any, error) {
			if cached, ok := s.cache.Get(id); ok {
				return cached, nil
			}
			return s.storage.GetToken(ctx, id)
		})
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		entry = v.(*logical.TokenEntry)
	}

	if entry.IsExpired(now) {
		s.logger.Debug("token expired",
			logger.String("accessor", entry.Accessor),
			logger.Time("expired_at", entry.ExpireAt))
		s.count(&s.metrics.TokensExpired)
		s.purge(ctx, id)
		return nil, ErrTokenExpired
	}

	if !found {
		s.cacheEntry(entry, now)
	}
	s.count(&s.metrics.TokensResolved)

	return cloneEntry(entry), nil
}

// RevokeToken removes the token with the given value.
func (s *TokenStore) RevokeToken(ctx context.Context, value string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	id := helper.GetHash(value)
	s.cache.Del(id)
	if err := s.storage.DeleteToken(ctx, id); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("deleting token: %w", err)
	}
	s.count(&s.metrics.TokensRevoked)
	return nil
}

// GetMetrics returns a snapshot of current metrics
func (s *TokenStore) GetMetrics() map[string]int64 {
	if !s.config.EnableMetrics {
		return nil
	}
	return s.metrics.GetSnapshot()
}

func (s *TokenStore) purge(ctx context.Context, id string) {
	s.cache.Del(id)
	if err := s.storage.DeleteToken(ctx, id); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.logger.Warn("failed to remove expired token", logger.Err(err))
	}
}

func (s *TokenStore) cacheEntry(entry *logical.TokenEntry, now time.Time) {
	ttl := entry.ExpireAt.Sub(now)
	if ttl <= 0 {
		return
	}
	// Cost is roughly the size of the entry
	s.cache.SetWithTTL(entry.ID, entry, 256, ttl)
	s.cache.Wait()
}

// Close gracefully shuts down the token store
func (s *TokenStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cache.Clear()
	s.cache.Close()

	s.logger.Info("token store closed")
}

func cloneEntry(e *logical.TokenEntry) *logical.TokenEntry {
	out := *e
	out.Roles = slices.Clone(e.Roles)
	out.Provenance = cloneProvenance(e.Provenance)
	return &out
}

func cloneProvenance(p logical.Provenance) logical.Provenance {
	out := logical.Provenance{Methods: slices.Clone(p.Methods)}
	if p.ApplicationCredential != nil {
		step := *p.ApplicationCredential
		out.ApplicationCredential = &step
	}
	return out
}
