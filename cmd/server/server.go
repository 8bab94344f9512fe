package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/stephnangue/latch/audit"
	"github.com/stephnangue/latch/cmd/helpers"
	"github.com/stephnangue/latch/config"
	"github.com/stephnangue/latch/core"
	latchhttp "github.com/stephnangue/latch/http"
	"github.com/stephnangue/latch/listener"
	log "github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/storage"
	"github.com/stephnangue/latch/storage/inmem"
	"github.com/stephnangue/latch/storage/postgres"
	"github.com/stephnangue/latch/storage/sqlite"
)

const (
	subsystemCore     = "core"
	subsystemListener = "listener"
)

var (
	configPath string

	flagDev         bool
	flagDevListen   string
	flagDevUser     string
	flagDevPassword string
	flagDevProject  string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a latch server that responds to API requests",
		Long: `
Usage: latch server [options]

  Starts a latch server. Start a server with a configuration file:

      $ latch server --config=/etc/latch/latch.hcl

  Or start an in-memory development server with one user:

      $ latch server --dev --dev-password=secret
`,
		SilenceUsage: true,
		RunE:         run,
	}

	storageBackends = map[string]storage.Factory{
		"inmem":    inmem.NewInmem,
		"sqlite":   sqlite.NewSQLite,
		"postgres": postgres.NewPostgreSQLStorage,
	}

	// sensitiveStorageFields are masked in the startup banner.
	sensitiveStorageFields = []string{"connection_url"}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/latch.hcl)")
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Run an in-memory server with a single development user")
	ServerCmd.Flags().StringVar(&flagDevListen, "dev-listen-address", "127.0.0.1:8400", "Listen address in dev mode")
	ServerCmd.Flags().StringVar(&flagDevUser, "dev-user", "dev", "User id of the development user")
	ServerCmd.Flags().StringVar(&flagDevPassword, "dev-password", "", "Password of the development user (required with --dev)")
	ServerCmd.Flags().StringVar(&flagDevProject, "dev-project", "dev", "Project the development user holds the admin and member roles on")
}

func run(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(conf)

	backend, err := buildStorage(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}

	dir, err := conf.BuildDirectory()
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to build the directory: %w", err)
	}

	auditManager, err := buildAudit(cmd.Context(), conf, logger)
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer func() {
		if err := auditManager.Close(); err != nil {
			logger.Error("failed to close audit devices", log.Err(err))
		}
	}()

	coreConfig := createCoreConfig(logger, conf, backend, dir)
	coreConfig.Audit = auditManager

	newCore, err := core.NewCore(cmd.Context(), coreConfig)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("error initializing core: %w", err)
	}

	httpHandler := latchhttp.Handler(&latchhttp.HandlerProperties{
		Core:   newCore,
		Logger: logger.WithSubsystem("http").Logger,
	})

	lns, err := initListeners(httpHandler, conf, logger)
	if err != nil {
		_ = newCore.Shutdown(context.Background())
		return err
	}

	info, infoKeys := bannerInfo(conf, newCore, auditManager, lns)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n==> latch server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(out, "%24s: %s\n", titleCaser.String(k), info[k])
	}
	if flagDev {
		printDevBanner(out)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(lns))
	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				errChan <- fmt.Errorf("%s listener at %s: %w", ln.Type(), ln.Addr(), err)
			}
		})
	}

	fmt.Fprintf(out, "\n==> latch server started! Log data will stream in below:\n\n")
	_ = logger.OpenGate()

	var listenerErrs []error
	for waiting := true; waiting; {
		select {
		case err := <-errChan:
			listenerErrs = append(listenerErrs, err)
			// Only shut down once every listener has failed.
			if len(listenerErrs) >= len(lns) {
				waiting = false
			}
		case <-ctx.Done():
			waiting = false
		}
	}
	cancel()

	fmt.Fprintf(out, "Stopping all listeners\n")
	var shutdownErrs []error
	for _, ln := range lns {
		if err := ln.Stop(); err != nil {
			shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
		}
	}
	wg.Wait()

	close(errChan)
	for err := range errChan {
		listenerErrs = append(listenerErrs, err)
	}
	if len(listenerErrs) > 0 {
		logger.Error("listener errors occurred during runtime", log.Err(errors.Join(listenerErrs...)))
	}

	if err := newCore.Shutdown(context.Background()); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("core shutdown failed: %w", err))
	}

	if len(shutdownErrs) > 0 {
		return errors.Join(shutdownErrs...)
	}

	fmt.Fprintf(out, "Server shutdown completed successfully\n")
	return nil
}

func loadConfig() (*config.Config, error) {
	if flagDev {
		if configPath != "" {
			return nil, errors.New("--dev and --config are mutually exclusive")
		}
		if flagDevPassword == "" {
			return nil, errors.New("--dev-password is required with --dev")
		}
		return devConfig(), nil
	}

	if configPath == "" {
		return nil, fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return conf, nil
}

// devConfig is an in-memory, plain-HTTP configuration with one user.
func devConfig() *config.Config {
	return &config.Config{
		LogLevel:  "debug",
		LogFormat: "console",
		Listeners: []config.ListenerBlock{{Type: "tcp", Address: flagDevListen, TLSDisable: true}},
		Storage:   &config.StorageBlock{Type: "inmem"},
		Auth:      &config.AuthBlock{BcryptCost: bcrypt.MinCost},
		Roles: []config.RoleBlock{
			{ID: "admin", Name: "admin"},
			{ID: "member", Name: "member"},
		},
		Users: []config.UserBlock{{
			ID:       flagDevUser,
			Password: flagDevPassword,
			Projects: []config.ProjectBlock{{ID: flagDevProject, Roles: []string{"admin", "member"}}},
		}},
	}
}

func buildGatedLogger(conf *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		fc := log.DefaultFileConfig(conf.LogFile)
		if conf.LogRotateMegabytes > 0 {
			fc.MaxSize = conf.LogRotateMegabytes
		}
		if conf.LogRotateMaxFiles > 0 {
			fc.MaxBackups = conf.LogRotateMaxFiles
		}
		logConfig.FileConfig = fc
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)

	return gatedLogger
}

func buildStorage(conf *config.Config, logger *log.GatedLogger) (storage.Backend, error) {
	if conf.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	factory, exists := storageBackends[conf.Storage.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", conf.Storage.Type)
	}

	backend, err := factory(conf.Storage.Config(), logger.WithSubsystem("storage."+conf.Storage.Type).Logger)
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", conf.Storage.Type, err)
	}

	return backend, nil
}

func buildAudit(ctx context.Context, conf *config.Config, logger *log.GatedLogger) (*audit.Manager, error) {
	auditLogger := logger.WithSubsystem("audit").Logger
	m := audit.NewManager(audit.ManagerConfig{Logger: auditLogger})
	for _, block := range conf.Audit {
		device, err := audit.NewDeviceFromConfig(ctx, block.DeviceConfig(), auditLogger)
		if err == nil {
			if err = m.RegisterDevice(device); err != nil {
				_ = device.Close()
			}
		}
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("failed to enable audit device: %w", err)
		}
	}
	return m, nil
}

func createCoreConfig(logger *log.GatedLogger, conf *config.Config, backend storage.Backend, dir core.Directory) *core.CoreConfig {
	coreConfig := &core.CoreConfig{
		Logger:      logger.Logger,
		Storage:     backend,
		Directory:   dir,
		AuthMethods: conf.AuthMethods(),
		TokenTTL:    conf.TokenTTL(),
	}
	if a := conf.Auth; a != nil {
		coreConfig.BcryptCost = a.BcryptCost
		coreConfig.LoginRateLimit = rate.Limit(a.LoginRateLimit)
		coreConfig.LoginRateBurst = a.LoginRateBurst
	}
	return coreConfig
}

func initListeners(handler http.Handler, conf *config.Config, logger *log.GatedLogger) ([]listener.Listener, error) {
	blocks := conf.Listeners
	if len(blocks) == 0 {
		return nil, errors.New("at least one listener block is required")
	}

	lns := make([]listener.Listener, 0, len(blocks))
	for _, lnConfig := range blocks {
		ln, err := listener.NewTCPListener(listener.TCPListenerConfig{
			Logger:      logger.WithSubsystem(subsystemListener).Logger,
			Address:     lnConfig.Address,
			TLSDisable:  lnConfig.TLSDisable,
			TLSCertFile: lnConfig.TLSCertFile,
			TLSKeyFile:  lnConfig.TLSKeyFile,
		}, handler)
		if err != nil {
			for _, started := range lns {
				_ = started.Stop()
			}
			return nil, fmt.Errorf("error initializing listener of type %s: %w", lnConfig.Type, err)
		}
		lns = append(lns, ln)
	}

	return lns, nil
}

func bannerInfo(conf *config.Config, c *core.Core, am *audit.Manager, lns []listener.Listener) (map[string]string, []string) {
	info := map[string]string{
		"log level":    log.ParseLogLevel(conf.LogLevel).String(),
		"storage":      conf.Storage.Type,
		"auth methods": strings.Join(c.AuthMethods(), ", "),
		"token ttl":    conf.TokenTTL().String(),
	}
	if conf.LogFile != "" {
		info["log file"] = conf.LogFile
	}
	if devices := am.ListDevices(); len(devices) > 0 {
		info["audit devices"] = strings.Join(devices, ", ")
	}

	storageConf := helpers.MaskConfigFields(sensitiveStorageFields, conf.Storage.Config())
	delete(storageConf, "type")
	if len(storageConf) > 0 {
		parts := make([]string, 0, len(storageConf))
		for k, v := range storageConf {
			parts = append(parts, k+"="+v)
		}
		sort.Strings(parts)
		info["storage options"] = strings.Join(parts, ", ")
	}

	addrs := make([]string, 0, len(lns))
	for _, ln := range lns {
		addrs = append(addrs, ln.Type()+" ("+ln.Addr()+")")
	}
	info["listeners"] = strings.Join(addrs, ", ")

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return info, keys
}

func printDevBanner(w io.Writer) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "WARNING! dev mode is enabled! In this mode, latch runs entirely\n")
	fmt.Fprintf(w, "in-memory over plain HTTP. All data is lost on restart.\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "    $ export LATCH_ADDR=http://%s\n", flagDevListen)
	fmt.Fprintf(w, "    $ latch login --user=%s --password=... --project=%s\n", flagDevUser, flagDevProject)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Development mode should NOT be used in production installations!\n")
}
