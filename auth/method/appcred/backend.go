package appcred

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	ac "github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

// BackendType is the mount type and the provenance method name.
const BackendType = logical.MethodApplicationCredential

const (
	defaultTokenTTL    = time.Hour
	defaultRateLimit   = rate.Limit(1)
	defaultRateBurst   = 5
	defaultLimiterSize = 4096
)

// Config is everything the method needs. It is passed explicitly so the
// backend never reads process-wide state.
type Config struct {
	Manager   *ac.Manager
	Directory ac.Directory

	// TokenTTL is the session lifetime, capped by the credential's expiry.
	TokenTTL time.Duration

	// Clock defaults to the manager's clock.
	Clock func() time.Time

	// RateLimit and RateBurst bound failed logins per client address and
	// credential id.
	RateLimit rate.Limit
	RateBurst int

	// LimiterSize bounds how many credential ids are tracked at once.
	LimiterSize int
}

type appCredBackend struct {
	*framework.Backend

	conf     Config
	logger   logger.Logger
	limiters *lru.Cache[string, *rate.Limiter]

	// dummyHash is verified against when the credential doesn't exist, so
	// both failures cost the same.
	dummyHash []byte
}

// Factory returns a logical.Factory bound to conf.
func Factory(conf Config) logical.Factory {
	return func(ctx context.Context, bc *logical.BackendConfig) (logical.Backend, error) {
		return newBackend(conf, bc)
	}
}

func newBackend(conf Config, bc *logical.BackendConfig) (*appCredBackend, error) {
	if conf.Manager == nil || conf.Directory == nil {
		return nil, errors.New("application credential method requires a manager and a directory")
	}
	if conf.TokenTTL <= 0 {
		conf.TokenTTL = defaultTokenTTL
	}
	if conf.Clock == nil {
		conf.Clock = conf.Manager.Now
	}
	if conf.RateLimit <= 0 {
		conf.RateLimit = defaultRateLimit
	}
	if conf.RateBurst <= 0 {
		conf.RateBurst = defaultRateBurst
	}
	if conf.LimiterSize <= 0 {
		conf.LimiterSize = defaultLimiterSize
	}

	limiters, err := lru.New[string, *rate.Limiter](conf.LimiterSize)
	if err != nil {
		return nil, err
	}

	dummy, err := conf.Manager.Secrets().Hash("latch-unknown-credential")
	if err != nil {
		return nil, err
	}

	b := &appCredBackend{
		conf:      conf,
		logger:    bc.Logger,
		limiters:  limiters,
		dummyHash: dummy,
	}
	b.Backend = &framework.Backend{
		Help:         appCredHelp,
		BackendType:  BackendType,
		BackendClass: logical.ClassAuth,
		PathsSpecial: &logical.Paths{
			Unauthenticated: []string{"login"},
		},
		Paths: []*framework.Path{
			b.pathLogin(),
		},
	}
	return b, nil
}

// limiterKey scopes failure budget to one source, so failures from one
// address never lock the credential out for another.
func limiterKey(clientIP, id string) string {
	return clientIP + "/" + id
}

// allow reports whether key still has failure budget at now.
func (b *appCredBackend) allow(key string, now time.Time) bool {
	lim, ok := b.limiters.Get(key)
	if !ok {
		return true
	}
	return lim.TokensAt(now) >= 1
}

// charge consumes one unit of failure budget for key.
func (b *appCredBackend) charge(key string, now time.Time) {
	lim := rate.NewLimiter(b.conf.RateLimit, b.conf.RateBurst)
	if prev, ok, _ := b.limiters.PeekOrAdd(key, lim); ok {
		lim = prev
	}
	lim.AllowN(now, 1)
}

const appCredHelp = `
The application_credential method exchanges an application credential id
and secret for a session scoped to the credential's project and roles.
`
