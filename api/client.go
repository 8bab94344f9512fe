package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	EnvLatchAddress       = "LATCH_ADDR"
	EnvLatchToken         = "LATCH_TOKEN"
	EnvLatchClientTimeout = "LATCH_CLIENT_TIMEOUT"
	EnvLatchSkipVerify    = "LATCH_SKIP_VERIFY"
	EnvLatchTLSServerName = "LATCH_TLS_SERVER_NAME"
	EnvLatchMaxRetries    = "LATCH_MAX_RETRIES"
	EnvRateLimit          = "LATCH_RATE_LIMIT"

	// TokenHeader carries the client token on every request.
	TokenHeader = "X-Latch-Token"

	DefaultAddress = "https://127.0.0.1:8400"
)

// ErrNoToken is returned by operations that need a token when none is set.
var ErrNoToken = errors.New("no token set on the client")

// Config holds what a Client needs to reach a latch server.
type Config struct {
	// Address is a full URL such as "https://latch.internal:8400".
	Address string

	// HttpClient defaults to a pooled cleanhttp client speaking HTTP/2.
	HttpClient *http.Client

	// MaxRetries counts retries after the first attempt of a request that
	// failed to connect or got a 5xx. Zero disables retrying.
	MaxRetries   int
	MinRetryWait time.Duration
	MaxRetryWait time.Duration

	// Timeout bounds each request unless the caller's context ends sooner.
	Timeout time.Duration

	// Limiter, when set, throttles every request the client makes.
	Limiter *rate.Limiter

	// Error is set when DefaultConfig could not be fully built.
	Error error
}

// DefaultConfig returns a config built from the defaults and the LATCH_*
// environment. Check Error before use.
func DefaultConfig() *Config {
	c := &Config{
		Address:      DefaultAddress,
		HttpClient:   cleanhttp.DefaultPooledClient(),
		MaxRetries:   2,
		MinRetryWait: time.Second,
		MaxRetryWait: 1500 * time.Millisecond,
		Timeout:      time.Minute,
	}

	transport := c.HttpClient.Transport.(*http.Transport)
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	if err := http2.ConfigureTransport(transport); err != nil {
		c.Error = err
		return c
	}
	c.HttpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	c.Error = c.ReadEnvironment()
	return c
}

// envOverrides is the parsed LATCH_* environment. Nothing is applied until
// every variable has parsed.
type envOverrides struct {
	address    string
	timeout    time.Duration
	maxRetries *int
	limiter    *rate.Limiter
	skipVerify bool
	serverName string
}

func readEnvironment() (*envOverrides, error) {
	env := &envOverrides{
		address:    ReadLatchVariable(EnvLatchAddress),
		serverName: ReadLatchVariable(EnvLatchTLSServerName),
	}

	if v := ReadLatchVariable(EnvLatchMaxRetries); v != "" {
		n, err := parseutil.SafeParseIntRange(v, 0, math.MaxInt)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", EnvLatchMaxRetries, err)
		}
		retries := int(n)
		env.maxRetries = &retries
	}
	if v := ReadLatchVariable(EnvLatchClientTimeout); v != "" {
		d, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", EnvLatchClientTimeout, err)
		}
		env.timeout = d
	}
	if v := ReadLatchVariable(EnvRateLimit); v != "" {
		limit, burst, err := parseRateLimit(v)
		if err != nil {
			return nil, err
		}
		env.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	if v := ReadLatchVariable(EnvLatchSkipVerify); v != "" {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", EnvLatchSkipVerify, err)
		}
		env.skipVerify = skip
	}
	return env, nil
}

// ReadEnvironment applies the LATCH_* variables to c. On error c is left
// unchanged.
func (c *Config) ReadEnvironment() error {
	env, err := readEnvironment()
	if err != nil {
		return err
	}

	if env.address != "" {
		c.Address = env.address
	}
	if env.maxRetries != nil {
		c.MaxRetries = *env.maxRetries
	}
	if env.timeout != 0 {
		c.Timeout = env.timeout
	}
	if env.limiter != nil {
		c.Limiter = env.limiter
	}
	if c.HttpClient == nil {
		return nil
	}
	if t, ok := c.HttpClient.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		if env.skipVerify {
			t.TLSClientConfig.InsecureSkipVerify = true
		}
		if env.serverName != "" {
			t.TLSClientConfig.ServerName = env.serverName
		}
	}
	return nil
}

// parseRateLimit reads "rate" or "rate:burst". A bare rate is also the burst.
func parseRateLimit(val string) (float64, int, error) {
	limit, burst, found := strings.Cut(val, ":")
	r, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%s was provided but incorrectly formatted", EnvRateLimit)
	}
	if !found {
		return r, int(r), nil
	}
	b, err := strconv.Atoi(burst)
	if err != nil {
		return 0, 0, fmt.Errorf("%s was provided but incorrectly formatted", EnvRateLimit)
	}
	return r, b, nil
}

// Client talks to one latch server. It is safe for concurrent use.
type Client struct {
	mu     sync.RWMutex
	addr   *url.URL
	conf   Config
	token  string
	limit  *rate.Limiter
	client *http.Client
}

// NewClient builds a client from c, or from DefaultConfig when c is nil.
// LATCH_TOKEN, when set, becomes the client's token.
func NewClient(c *Config) (*Client, error) {
	def := DefaultConfig()
	if def.Error != nil {
		return nil, fmt.Errorf("failed to build default configuration: %w", def.Error)
	}
	if c == nil {
		c = def
	}

	conf := Config{
		Address:      c.Address,
		HttpClient:   c.HttpClient,
		MaxRetries:   c.MaxRetries,
		MinRetryWait: c.MinRetryWait,
		MaxRetryWait: c.MaxRetryWait,
		Timeout:      c.Timeout,
		Limiter:      c.Limiter,
	}
	if conf.HttpClient == nil {
		conf.HttpClient = def.HttpClient
	}
	if conf.HttpClient.Transport == nil {
		conf.HttpClient.Transport = def.HttpClient.Transport
	}
	if conf.MinRetryWait == 0 {
		conf.MinRetryWait = def.MinRetryWait
	}
	if conf.MaxRetryWait == 0 {
		conf.MaxRetryWait = def.MaxRetryWait
	}

	u, err := parseAddress(conf.Address)
	if err != nil {
		return nil, err
	}

	return &Client{
		addr:   u,
		conf:   conf,
		token:  ReadLatchVariable(EnvLatchToken),
		limit:  conf.Limiter,
		client: conf.HttpClient,
	}, nil
}

func parseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("address %q: scheme must be http or https", address)
	}
	return u, nil
}

// SetAddress points the client at another server.
func (c *Client) SetAddress(addr string) error {
	u, err := parseAddress(addr)
	if err != nil {
		return fmt.Errorf("failed to set address: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = u
	c.conf.Address = addr
	return nil
}

func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr.String()
}

func (c *Client) SetMaxRetries(retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conf.MaxRetries = retries
}

func (c *Client) MaxRetries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conf.MaxRetries
}

func (c *Client) ClientTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conf.Timeout
}

// Token returns the token in use, or "" if none is set.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken sets the token without verifying it.
func (c *Client) SetToken(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = v
}

func (c *Client) ClearToken() {
	c.SetToken("")
}

// NewRequest starts a request for requestPath, relative to the server
// address, carrying the current token.
func (c *Client) NewRequest(method, requestPath string) *Request {
	c.mu.RLock()
	addr, token := c.addr, c.token
	c.mu.RUnlock()

	return &Request{
		Method: method,
		URL: &url.URL{
			User:   addr.User,
			Scheme: addr.Scheme,
			Host:   addr.Host,
			Path:   path.Join(addr.Path, requestPath),
		},
		Host:        addr.Host,
		ClientToken: token,
		Params:      make(url.Values),
	}
}

// RawRequestWithContext sends r. A non-2xx status comes back as a
// *ResponseError together with the response.
func (c *Client) RawRequestWithContext(ctx context.Context, r *Request) (*Response, error) {
	c.mu.RLock()
	conf := c.conf
	c.mu.RUnlock()

	// The body is read after return, so the timeout is left to expire on
	// its own rather than cancelled here.
	ctx, _ = c.withConfiguredTimeout(ctx) //nolint:govet

	if c.limit != nil {
		if err := c.limit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := r.toRetryableHTTP()
	if err != nil {
		return nil, err
	}
	req.Request = req.Request.WithContext(ctx)

	rc := &retryablehttp.Client{
		HTTPClient:   c.client,
		RetryWaitMin: conf.MinRetryWait,
		RetryWaitMax: conf.MaxRetryWait,
		RetryMax:     conf.MaxRetries,
		Backoff:      retryablehttp.RateLimitLinearJitterBackoff,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	resp, err := rc.Do(req)
	var result *Response
	if resp != nil {
		result = &Response{Response: resp}
	}
	if err != nil {
		if strings.Contains(err.Error(), "server gave HTTP response to HTTPS client") {
			err = fmt.Errorf("%w: the server has TLS disabled, set %s to an http:// address", err, EnvLatchAddress)
		}
		return result, err
	}
	if err := result.Error(); err != nil {
		return result, err
	}
	return result, nil
}

// withConfiguredTimeout bounds ctx by the client timeout, if any.
func (c *Client) withConfiguredTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := c.ClientTimeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}
