package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/audit"
	acmethod "github.com/stephnangue/latch/auth/method/appcred"
	"github.com/stephnangue/latch/auth/method/password"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
)

var (
	// ErrInternalError is returned when we don't want to leak
	// any information about an internal error
	ErrInternalError = errors.New("internal error")

	// ErrUnknownAuthMethod is returned for a method name that has no
	// implementation.
	ErrUnknownAuthMethod = errors.New("unknown auth method")
)

// DefaultAuthMethods are mounted when the configuration names none.
var DefaultAuthMethods = []string{password.BackendType, acmethod.BackendType}

// Directory is everything the core needs from the user directory.
type Directory interface {
	password.Authenticator
}

// CoreConfig is used to parameterize a core
type CoreConfig struct {
	Logger    logger.Logger
	Storage   storage.Backend
	Directory Directory

	// AuthMethods names the auth methods to mount under auth/.
	AuthMethods []string

	// TokenTTL is the lifetime of issued sessions.
	TokenTTL time.Duration

	// BcryptCost is the cost of application credential secret hashes.
	BcryptCost int

	// LoginRateLimit and LoginRateBurst bound failed application
	// credential logins per credential.
	LoginRateLimit rate.Limit
	LoginRateBurst int

	TokenCache *TokenStoreConfig

	// Audit receives a request and a response entry for every API call.
	// A request is refused when no audit device could record it.
	Audit audit.Broker

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Core ties the storage, the credential manager, the token store and the
// mounted backends together.
type Core struct {
	logger    logger.Logger
	storage   storage.Backend
	directory Directory
	manager   *appcred.Manager
	tokens    *TokenStore
	router    *Router
	mounts    *MountTable
	audit     audit.Broker
	clock     func() time.Time

	authMethods []string

	shutdownOnce sync.Once
}

// NewCore builds a core and mounts its backends.
func NewCore(ctx context.Context, conf *CoreConfig) (*Core, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	clock := conf.Clock
	if clock == nil {
		clock = time.Now
	}
	methods := conf.AuthMethods
	if len(methods) == 0 {
		methods = DefaultAuthMethods
	}

	tokenConf := conf.TokenCache
	if tokenConf == nil {
		tokenConf = DefaultTokenStoreConfig()
	}
	tokenConf.Clock = clock
	if conf.TokenTTL > 0 {
		tokenConf.DefaultTTL = conf.TokenTTL
	}

	tokens, err := NewTokenStore(conf.Storage, conf.Logger.WithSubsystem("token"), tokenConf)
	if err != nil {
		return nil, err
	}

	c := &Core{
		logger:      conf.Logger.WithSubsystem("core"),
		storage:     conf.Storage,
		directory:   conf.Directory,
		tokens:      tokens,
		router:      NewRouter(conf.Logger.WithSubsystem("router")),
		mounts:      NewMountTable(),
		audit:       conf.Audit,
		clock:       clock,
		authMethods: slices.Clone(methods),
	}

	c.manager = appcred.NewManager(conf.Storage, conf.Directory,
		appcred.WithClock(clock),
		appcred.WithLogger(conf.Logger.WithSubsystem("appcred")),
		appcred.WithSecretHandler(appcred.NewSecretHandler(conf.BcryptCost)),
	)

	if err := c.setupMounts(ctx, conf); err != nil {
		c.unmountAll(ctx)
		tokens.Close()
		return nil, err
	}

	c.logger.Info("core initialized", logger.Any("auth_methods", c.authMethods))
	return c, nil
}

func (conf *CoreConfig) validate() error {
	var result *multierror.Error
	if conf.Logger == nil {
		result = multierror.Append(result, errors.New("logger is required"))
	}
	if conf.Storage == nil {
		result = multierror.Append(result, errors.New("storage is required"))
	}
	if conf.Directory == nil {
		result = multierror.Append(result, errors.New("directory is required"))
	}
	seen := make(map[string]bool, len(conf.AuthMethods))
	for _, m := range conf.AuthMethods {
		if _, ok := builtinAuthMethods[m]; !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %q", ErrUnknownAuthMethod, m))
		}
		if seen[m] {
			result = multierror.Append(result, fmt.Errorf("auth method %q listed twice", m))
		}
		seen[m] = true
	}
	return result.ErrorOrNil()
}

// builtinAuthMethods maps a method name to the factory that builds it for a
// given core.
var builtinAuthMethods = map[string]func(c *Core, conf *CoreConfig) logical.Factory{
	password.BackendType: func(c *Core, conf *CoreConfig) logical.Factory {
		return password.Factory(password.Config{
			Directory: c.directory,
			TokenTTL:  conf.TokenTTL,
		})
	},
	acmethod.BackendType: func(c *Core, conf *CoreConfig) logical.Factory {
		return acmethod.Factory(acmethod.Config{
			Manager:   c.manager,
			Directory: c.directory,
			TokenTTL:  conf.TokenTTL,
			Clock:     c.clock,
			RateLimit: conf.LoginRateLimit,
			RateBurst: conf.LoginRateBurst,
		})
	},
}

func (c *Core) setupMounts(ctx context.Context, conf *CoreConfig) error {
	if err := c.mount(ctx, &MountEntry{
		Class:       mountClassAuth,
		Type:        mountTypeToken,
		Path:        "token/",
		Description: "token introspection and revocation",
	}, tokenBackendFactory(c.tokens, c.clock)); err != nil {
		return err
	}

	for _, name := range c.authMethods {
		if err := c.mount(ctx, &MountEntry{
			Class:       mountClassAuth,
			Type:        name,
			Path:        name + "/",
			Description: name + " authentication",
		}, builtinAuthMethods[name](c, conf)); err != nil {
			return err
		}
	}

	return c.mount(ctx, &MountEntry{
		Class:       mountClassResource,
		Type:        mountTypeUsers,
		Path:        mountPathUsers,
		Description: "application credential management",
	}, usersBackendFactory(c.manager))
}

// Manager returns the application credential manager.
func (c *Core) Manager() *appcred.Manager {
	return c.manager
}

// TokenStore returns the token store.
func (c *Core) TokenStore() *TokenStore {
	return c.tokens
}

// Mounts returns a copy of the mount table.
func (c *Core) Mounts() []*MountEntry {
	return c.mounts.Snapshot()
}

// AuthMethods returns the names of the mounted auth methods.
func (c *Core) AuthMethods() []string {
	return slices.Clone(c.authMethods)
}

// Shutdown unmounts every backend and releases the token cache and the
// storage.
func (c *Core) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.unmountAll(ctx)
		c.tokens.Close()
		err = c.storage.Close()
		c.logger.Info("core shut down")
	})
	return err
}
