package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephnangue/latch/logger"
)

var _ Listener = (*TCPListener)(nil)

type TCPListenerConfig struct {
	Logger      logger.Logger
	Address     string
	TLSDisable  bool
	TLSCertFile string
	TLSKeyFile  string

	// ShutdownTimeout bounds the graceful drain in Stop. Zero means 30s.
	ShutdownTimeout time.Duration
}

// TCPListener serves an http.Handler on a TCP socket, optionally with TLS.
type TCPListener struct {
	logger  logger.Logger
	server  *http.Server
	ln      net.Listener
	tls     bool
	timeout time.Duration
	stopped atomic.Bool
}

// NewTCPListener binds the address immediately so Addr reports the real
// port when the configured one is 0.
func NewTCPListener(cfg TCPListenerConfig, handler http.Handler) (*TCPListener, error) {
	if cfg.Logger == nil {
		return nil, errors.New("listener: logger is required")
	}

	var tlsConfig *tls.Config
	if !cfg.TLSDisable {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("listener: loading TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &TCPListener{
		logger: cfg.Logger,
		server: &http.Server{
			Handler:           middleware.RealIP(handler),
			IdleTimeout:       time.Minute,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		ln:      ln,
		tls:     tlsConfig != nil,
		timeout: timeout,
	}, nil
}

func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *TCPListener) Type() string {
	return "tcp"
}

// TLS reports whether connections are served over TLS.
func (l *TCPListener) TLS() bool {
	return l.tls
}

// Start serves until ctx is cancelled or the server fails.
func (l *TCPListener) Start(ctx context.Context) error {
	l.logger.Info("starting HTTP server",
		logger.String("address", l.Addr()),
		logger.Bool("tls", l.tls),
	)

	errChan := make(chan error, 1)
	go func() {
		err := l.server.Serve(l.ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP server error", logger.Err(err))
		return err
	}
}

func (l *TCPListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}
	// Shutdown closes the listener only if Serve was called.
	_ = l.ln.Close()

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
