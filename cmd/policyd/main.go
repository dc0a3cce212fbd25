package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/policyd/access"
	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/db"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/errors"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/server/httpapi"
	"github.com/migadu/policyd/server/policy"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	servers []*policy.PolicyServer
}

func (sm *serverManager) register(s *policy.PolicyServer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers = append(sm.servers, s)
}

func (sm *serverManager) stats() []policy.ServerStats {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]policy.ServerStats, 0, len(sm.servers))
	for _, s := range sm.servers {
		out = append(out, s.Stats())
	}
	return out
}

// serverDependencies holds the services shared by every listener
type serverDependencies struct {
	config           config.Config
	store            db.Store
	engine           *access.Engine
	health           *health.HealthMonitor
	metricsCollector *metrics.Collector
	serverManager    *serverManager
}

func main() {
	os.Exit(run())
}

func run() int {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "policyd.toml", "Path to TOML configuration file")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	fDBPath := flag.String("dbpath", "", "SQLite rule database path (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("policyd version %s (commit: %s, built at: %s)\n", version, commit, date)
		return 0
	}

	if !loadAndValidateConfig(*configPath, &cfg, errorHandler) {
		return errorHandler.ExitCode()
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}
	if *fDBPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = *fDBPath
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policyd: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("policyd starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.StartupError("initialize services", err)
		return errorHandler.ExitCode()
	}
	defer deps.close()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
	}

	logger.Info("Waiting for all servers to stop gracefully")
	done := make(chan struct{})
	go func() {
		deps.serverManager.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(shutdownTimeout + 5*time.Second):
		logger.Warn("Server shutdown timeout reached")
	}

	return errorHandler.ExitCode()
}

// loadAndValidateConfig reports whether startup may continue.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) bool {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) && configPath == "policyd.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			return false
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		return false
	}
	if _, err := access.FallbackAction(&cfg.Access); err != nil {
		errorHandler.ValidationError("access", err)
		return false
	}

	servers := cfg.GetAllServers()
	if len(servers) == 0 {
		errorHandler.ValidationError("server", fmt.Errorf("no enabled [[server]] entries"))
		return false
	}

	serverNames := make(map[string]bool)
	serverAddresses := make(map[string]string)
	for _, server := range servers {
		if err := server.Validate(); err != nil {
			errorHandler.ValidationError(fmt.Sprintf("server '%s'", server.Name), err)
			return false
		}
		if serverNames[server.Name] {
			errorHandler.ValidationError("server configuration", fmt.Errorf("duplicate server name '%s' found. Each server must have a unique name", server.Name))
			return false
		}
		serverNames[server.Name] = true

		if existing, exists := serverAddresses[server.Addr]; exists {
			errorHandler.ValidationError("server configuration", fmt.Errorf("duplicate server address '%s' found. Server '%s' and '%s' cannot bind to the same address", server.Addr, existing, server.Name))
			return false
		}
		serverAddresses[server.Addr] = server.Name
	}
	return true
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{
		config:        cfg,
		serverManager: &serverManager{},
	}

	logger.Info("Opening rule store", "driver", cfg.Database.Driver)
	store, err := db.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open rule store: %w", err)
	}
	deps.store = store

	engine, err := access.NewEngineFromConfig(store, &cfg.Access)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("access engine: %w", err)
	}
	deps.engine = engine
	logger.Info("Access engine ready", "checks", strings.Join(cfg.Access.GetChecks(), ","),
		"default_action", cfg.Access.GetDefaultAction(), "cache", cfg.Access.Cache.Enabled)

	deps.health = health.NewHealthMonitor()
	deps.health.RegisterCheck(health.StoreCheck(store))
	deps.health.RegisterCheck(health.BreakerCheck(engine.Breaker()))
	deps.health.Start(ctx)

	var cacheStats metrics.CacheStatsProvider
	if c := engine.Cache(); c != nil {
		cacheStats = c
	}
	deps.metricsCollector = metrics.NewCollector(store, cacheStats, cfg.Metrics.GetCollectIntervalWithDefault())
	go deps.metricsCollector.Start(ctx)

	if pg, ok := store.(*db.PostgresStore); ok {
		pg.StartPoolMetrics(ctx)
	}

	return deps, nil
}

func (d *serverDependencies) close() {
	d.metricsCollector.Stop()
	d.health.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.engine.Close(ctx); err != nil {
		logger.Warn("Error stopping access engine", "error", err)
	}
	if err := d.store.Close(); err != nil {
		logger.Warn("Error closing rule store", "error", err)
	}
	logger.Info("Rule store closed")
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	cfg := deps.config
	servers := cfg.GetAllServers()
	// One slot per service so a failing one never blocks on send.
	errChan := make(chan error, len(servers)+2)

	for _, serverConfig := range servers {
		deps.serverManager.wg.Add(1)
		go startPolicyServer(ctx, deps, serverConfig, errChan)
	}

	if cfg.Metrics.Enabled {
		deps.serverManager.wg.Add(1)
		go startMetricsServer(ctx, deps, errChan)
	}

	if cfg.HTTPAPI.Start {
		deps.serverManager.wg.Add(1)
		go func() {
			defer deps.serverManager.wg.Done()
			httpapi.Start(ctx, httpapi.ServerOptions{
				Addr:         cfg.HTTPAPI.Addr,
				APIKey:       cfg.HTTPAPI.APIKey,
				AllowedHosts: cfg.HTTPAPI.AllowedHosts,
				Store:        deps.store,
				Engine:       deps.engine,
				Health:       deps.health,
				ServerStats:  deps.serverManager.stats,
			}, errChan)
		}()
	}

	return errChan
}

// policyServerOptions maps one [[server]] entry onto listener options.
func policyServerOptions(serverConfig config.PolicyServerConfig, accessCfg config.AccessConfig) (policy.PolicyServerOptions, error) {
	mode, err := serverConfig.GetSocketMode()
	if err != nil {
		return policy.PolicyServerOptions{}, err
	}

	opts := policy.PolicyServerOptions{
		SocketMode:          os.FileMode(mode),
		MaxConnections:      serverConfig.MaxConnections,
		MaxConnectionsPerIP: serverConfig.MaxConnectionsPerIP,
		TrustedNetworks:     serverConfig.TrustedNetworks,
		Limits: policy.Limits{
			MaxLineLength:  serverConfig.GetMaxLineLengthWithDefault(),
			MaxRequestSize: serverConfig.GetMaxRequestSizeWithDefault(),
			MaxAttributes:  serverConfig.GetMaxAttributesWithDefault(),
		},
		RawValues:      serverConfig.RawValues,
		HandlerTimeout: serverConfig.GetHandlerTimeoutWithDefault(),
		IdleTimeout:    serverConfig.GetIdleTimeoutWithDefault(),
		WriteTimeout:   serverConfig.GetWriteTimeoutWithDefault(),
		SessionTimeout: serverConfig.GetSessionTimeoutWithDefault(),
		LogRequests:    accessCfg.LogRequests,
	}
	if opts.FallbackAction, err = access.FallbackAction(&accessCfg); err != nil {
		return policy.PolicyServerOptions{}, err
	}
	return opts, nil
}

func startPolicyServer(ctx context.Context, deps *serverDependencies, serverConfig config.PolicyServerConfig, errChan chan error) {
	defer deps.serverManager.wg.Done()

	opts, err := policyServerOptions(serverConfig, deps.config.Access)
	if err != nil {
		errChan <- fmt.Errorf("server %s: %w", serverConfig.Name, err)
		return
	}

	s, err := policy.NewPolicyServer(ctx, serverConfig.Name, serverConfig.Addr, deps.engine, opts)
	if err != nil {
		errChan <- fmt.Errorf("server %s: %w", serverConfig.Name, err)
		return
	}
	deps.serverManager.register(s)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down policy server", "name", serverConfig.Name)
		s.Close(shutdownTimeout)
	}()

	s.Start(errChan)
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	defer deps.serverManager.wg.Done()

	cfg := deps.config.Metrics
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
