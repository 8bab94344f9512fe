package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/latch/audit"
	"github.com/stephnangue/latch/directory"
)

const (
	DefaultListenAddress = "127.0.0.1:8400"
	DefaultTokenTTL      = time.Hour
)

var knownStorageTypes = map[string]bool{"inmem": true, "sqlite": true, "postgres": true}

// Config is the configuration for the latch server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Listeners []ListenerBlock `hcl:"listener,block"`
	Storage   *StorageBlock   `hcl:"storage,block"`
	Auth      *AuthBlock      `hcl:"auth,block"`
	Audit     []AuditBlock    `hcl:"audit,block"`
	Roles     []RoleBlock     `hcl:"role,block"`
	Users     []UserBlock     `hcl:"user,block"`
}

type ListenerBlock struct {
	Type        string `hcl:"type,label"`
	Address     string `hcl:"address,optional"`
	TLSDisable  bool   `hcl:"tls_disable,optional"`
	TLSCertFile string `hcl:"tls_cert_file,optional"`
	TLSKeyFile  string `hcl:"tls_key_file,optional"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem", "sqlite", or "postgres"

	// sqlite
	Path string `hcl:"path,optional"`

	// postgres
	ConnectionURL   string `hcl:"connection_url,optional"`
	Table           string `hcl:"table,optional"`
	TokenTable      string `hcl:"token_table,optional"`
	MaxParallel     int    `hcl:"max_parallel,optional"`
	SkipCreateTable bool   `hcl:"skip_create_table,optional"`
}

// Config returns the storage configuration as the string map the storage
// factories take.
func (s *StorageBlock) Config() map[string]string {
	config := map[string]string{"type": s.Type}

	if s.Path != "" {
		config["path"] = s.Path
	}
	if s.ConnectionURL != "" {
		config["connection_url"] = s.ConnectionURL
	}
	if s.Table != "" {
		config["table"] = s.Table
	}
	if s.TokenTable != "" {
		config["token_table"] = s.TokenTable
	}
	if s.MaxParallel != 0 {
		config["max_parallel"] = fmt.Sprintf("%d", s.MaxParallel)
	}
	if s.SkipCreateTable {
		config["skip_create_table"] = "true"
	}
	return config
}

type AuthBlock struct {
	Methods        []string `hcl:"methods,optional"`
	TokenTTL       string   `hcl:"token_ttl,optional"`
	BcryptCost     int      `hcl:"bcrypt_cost,optional"`
	LoginRateLimit float64  `hcl:"login_rate_limit,optional"`
	LoginRateBurst int      `hcl:"login_rate_burst,optional"`
}

// AuditBlock declares an audit device. Name defaults to the type.
type AuditBlock struct {
	Type         string   `hcl:"type,label"` // "file" or "stdout"
	Name         string   `hcl:"name,optional"`
	Path         string   `hcl:"path,optional"`
	HMACKey      string   `hcl:"hmac_key,optional"`
	Prefix       string   `hcl:"prefix,optional"`
	RotateSize   int      `hcl:"rotate_megabytes,optional"`
	MaxBackups   int      `hcl:"max_backups,optional"`
	MaxAgeDays   int      `hcl:"max_age_days,optional"`
	Compress     bool     `hcl:"compress,optional"`
	SaltFields   []string `hcl:"salt_fields,optional"`
	OmitFields   []string `hcl:"omit_fields,optional"`
	ExcludePaths []string `hcl:"exclude_paths,optional"`
}

// DeviceConfig converts the block to an audit device configuration.
func (a AuditBlock) DeviceConfig() audit.DeviceConfig {
	name := a.Name
	if name == "" {
		name = a.Type
	}
	return audit.DeviceConfig{
		Name:         name,
		Type:         a.Type,
		Path:         a.Path,
		MaxSize:      a.RotateSize,
		MaxBackups:   a.MaxBackups,
		MaxAge:       a.MaxAgeDays,
		Compress:     a.Compress,
		Prefix:       a.Prefix,
		HMACKey:      a.HMACKey,
		SaltFields:   a.SaltFields,
		OmitFields:   a.OmitFields,
		ExcludePaths: a.ExcludePaths,
	}
}

type RoleBlock struct {
	ID   string `hcl:"id,label"`
	Name string `hcl:"name,optional"`
}

type UserBlock struct {
	ID           string         `hcl:"id,label"`
	Name         string         `hcl:"name,optional"`
	Password     string         `hcl:"password,optional"`
	PasswordHash string         `hcl:"password_hash,optional"`
	Projects     []ProjectBlock `hcl:"project,block"`
}

type ProjectBlock struct {
	ID    string   `hcl:"id,label"`
	Roles []string `hcl:"roles"`
}

// LoadConfig decodes an HCL file and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ParseConfig decodes HCL source. filename only selects the syntax and
// labels diagnostics.
func ParseConfig(filename string, src []byte) (*Config, error) {
	var config Config
	if err := hclsimple.Decode(filename, src, nil, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	for _, l := range c.Listeners {
		if l.Type != "tcp" {
			result = multierror.Append(result, fmt.Errorf("listener %q: only tcp listeners are supported", l.Type))
		}
		if !l.TLSDisable && (l.TLSCertFile == "" || l.TLSKeyFile == "") {
			result = multierror.Append(result, errors.New("listener: tls_cert_file and tls_key_file are required unless tls_disable is set"))
		}
	}

	if c.Storage == nil {
		result = multierror.Append(result, errors.New("a storage block is required"))
	} else {
		switch {
		case !knownStorageTypes[c.Storage.Type]:
			result = multierror.Append(result, fmt.Errorf("storage %q: unknown type", c.Storage.Type))
		case c.Storage.Type == "sqlite" && c.Storage.Path == "":
			result = multierror.Append(result, errors.New("storage sqlite: path is required"))
		case c.Storage.Type == "postgres" && c.Storage.ConnectionURL == "":
			result = multierror.Append(result, errors.New("storage postgres: connection_url is required"))
		}
	}

	if c.Auth != nil {
		if c.Auth.TokenTTL != "" {
			if ttl, err := parseutil.ParseDurationSecond(c.Auth.TokenTTL); err != nil {
				result = multierror.Append(result, fmt.Errorf("auth: invalid token_ttl: %w", err))
			} else if ttl <= 0 {
				result = multierror.Append(result, errors.New("auth: token_ttl must be positive"))
			}
		}
		if cost := c.Auth.BcryptCost; cost != 0 && (cost < bcrypt.MinCost || cost > bcrypt.MaxCost) {
			result = multierror.Append(result, fmt.Errorf("auth: bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
		}
		if c.Auth.LoginRateLimit < 0 || c.Auth.LoginRateBurst < 0 {
			result = multierror.Append(result, errors.New("auth: login rate limits must not be negative"))
		}
	}

	devices := make(map[string]bool, len(c.Audit))
	for _, a := range c.Audit {
		conf := a.DeviceConfig()
		if !slices.Contains(audit.DeviceTypes, a.Type) {
			result = multierror.Append(result, fmt.Errorf("audit %q: unknown type %q", conf.Name, a.Type))
		}
		if a.Type == "file" && a.Path == "" {
			result = multierror.Append(result, fmt.Errorf("audit %q: path is required", conf.Name))
		}
		if devices[conf.Name] {
			result = multierror.Append(result, fmt.Errorf("audit %q: declared twice", conf.Name))
		}
		devices[conf.Name] = true
	}

	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if seen[u.ID] {
			result = multierror.Append(result, fmt.Errorf("user %q: declared twice", u.ID))
		}
		seen[u.ID] = true
		if strings.Contains(u.ID, "/") {
			result = multierror.Append(result, fmt.Errorf("user %q: id must not contain \"/\"", u.ID))
		}
		if u.Password != "" && u.PasswordHash != "" {
			result = multierror.Append(result, fmt.Errorf("user %q: set password or password_hash, not both", u.ID))
		}
	}

	return result.ErrorOrNil()
}

// ListenAddress is the address of the first listener, or the default.
func (c *Config) ListenAddress() string {
	if len(c.Listeners) > 0 && c.Listeners[0].Address != "" {
		return c.Listeners[0].Address
	}
	return DefaultListenAddress
}

// TokenTTL returns the configured token lifetime, or DefaultTokenTTL.
func (c *Config) TokenTTL() time.Duration {
	if c.Auth == nil || c.Auth.TokenTTL == "" {
		return DefaultTokenTTL
	}
	ttl, err := parseutil.ParseDurationSecond(c.Auth.TokenTTL)
	if err != nil || ttl <= 0 {
		return DefaultTokenTTL
	}
	return ttl
}

// AuthMethods returns the enabled login methods, nil meaning the defaults.
func (c *Config) AuthMethods() []string {
	if c.Auth == nil {
		return nil
	}
	return c.Auth.Methods
}

// BuildDirectory seeds a directory from the role and user blocks. Roles a
// user references without a role block are registered with id == name.
func (c *Config) BuildDirectory() (*directory.Directory, error) {
	cost := bcrypt.DefaultCost
	if c.Auth != nil && c.Auth.BcryptCost != 0 {
		cost = c.Auth.BcryptCost
	}

	dir := directory.New()
	for _, r := range c.Roles {
		dir.RegisterRole(directory.Role{ID: r.ID, Name: r.Name})
	}

	var result *multierror.Error
	for _, u := range c.Users {
		user := directory.User{ID: u.ID, Name: u.Name}
		if u.PasswordHash != "" {
			user.PasswordHash = []byte(u.PasswordHash)
		}
		if err := dir.AddUser(user); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if u.Password != "" {
			if err := dir.SetPassword(u.ID, u.Password, cost); err != nil {
				result = multierror.Append(result, fmt.Errorf("user %q: %w", u.ID, err))
			}
		}
		for _, p := range u.Projects {
			for _, role := range p.Roles {
				if err := dir.AssignRole(u.ID, p.ID, role); err != nil {
					result = multierror.Append(result, fmt.Errorf("user %q project %q: %w", u.ID, p.ID, err))
				}
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return dir, nil
}
