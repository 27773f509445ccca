// Package app wires the gateway components together for a host
// process. The host supplies the administrative collaborators (stores,
// directories, secret and runtime managers); this package owns
// construction order and shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/config"
	"mcpgate/internal/infra/connmgr"
	"mcpgate/internal/infra/executor"
	"mcpgate/internal/infra/gateway"
	"mcpgate/internal/infra/ledger"
	"mcpgate/internal/infra/resolver"
	"mcpgate/internal/infra/telemetry"
	"mcpgate/internal/infra/transport"
)

type Options struct {
	Config config.Config
	// ConfigPath enables hot reload when set; the gateway caches are
	// cleared whenever the file changes.
	ConfigPath string

	Store   domain.AssignmentStore
	Teams   domain.TeamDirectory
	Agents  domain.AgentDirectory
	Tokens  domain.TokenStore
	Secrets domain.SecretManager
	Runtime domain.RuntimeManager
	Cleaner domain.PreviewCleaner

	// Metrics overrides the default Prometheus implementation. Tests
	// pass a noop here.
	Metrics domain.Metrics
	Logger  *zap.Logger
}

type Application struct {
	cfg        config.Config
	configPath string

	gateway  *gateway.Gateway
	executor *executor.Orchestrator
	conns    *connmgr.Manager
	ledger   *ledger.Store
	logger   *zap.Logger
}

// New constructs the full component graph. The returned application is
// usable immediately; Run only adds the observability endpoint and the
// config watcher.
func New(opts Options) (*Application, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewPrometheusMetrics(nil)
	}

	var ledgerStore *ledger.Store
	if opts.Config.Ledger.Enabled {
		store, err := ledger.OpenStore(opts.Config.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		ledgerStore = store
	}

	res := newResolver(opts, logger)

	factory := transport.NewFactory(
		transport.NewAttachTransport(transport.AttachTransportOptions{
			Runtime: opts.Runtime,
			Logger:  logger,
		}),
		transport.NewStreamableHTTPTransport(transport.StreamableHTTPTransportOptions{
			Logger: logger,
		}),
	)

	conns := connmgr.NewManager(connmgr.Options{
		Factory: factory,
		Runtime: opts.Runtime,
		Config: connmgr.Config{
			ConnectTimeout:   time.Duration(opts.Config.Connection.ConnectTimeoutSeconds) * time.Second,
			PingTimeout:      time.Duration(opts.Config.Connection.PingTimeoutSeconds) * time.Second,
			AttachRetries:    opts.Config.Connection.AttachRetries,
			AttachRetryDelay: time.Duration(opts.Config.Connection.AttachRetryDelaySeconds) * time.Second,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	var ledgerPort domain.Ledger
	if ledgerStore != nil {
		ledgerPort = ledgerStore
	}
	exec := executor.NewOrchestrator(executor.Options{
		Store:     opts.Store,
		Resolver:  res,
		Secrets:   opts.Secrets,
		Conns:     conns,
		Ledger:    ledgerPort,
		Templates: executor.NewTemplateEngine(),
		Cleaner:   opts.Cleaner,
		Metrics:   metrics,
		Logger:    logger,
	})

	gw := gateway.New(gateway.Options{
		Store:    opts.Store,
		Resolver: res,
		Secrets:  opts.Secrets,
		Conns:    conns,
		Tokens:   opts.Tokens,
		Agents:   opts.Agents,
		Executor: exec,
		Evictor:  conns,
		Ledger:   ledgerPort,
		Config: gateway.Config{
			ToolCacheTTL:     time.Duration(opts.Config.Gateway.ToolCacheTTLSeconds) * time.Second,
			ListToolsTimeout: time.Duration(opts.Config.Gateway.ListToolsTimeoutSeconds) * time.Second,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	return &Application{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		gateway:    gw,
		executor:   exec,
		conns:      conns,
		ledger:     ledgerStore,
		logger:     logger.Named("app"),
	}, nil
}

func newResolver(opts Options, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(resolver.Options{
		Store:  opts.Store,
		Teams:  opts.Teams,
		Logger: logger,
	})
}

func (a *Application) Gateway() *gateway.Gateway { return a.gateway }

func (a *Application) Executor() *executor.Orchestrator { return a.executor }

func (a *Application) Connections() *connmgr.Manager { return a.conns }

// Ledger returns the ledger store, or nil when the ledger is disabled.
func (a *Application) Ledger() *ledger.Store { return a.ledger }

// Run serves the observability endpoint and, when a config path is
// set, watches it for changes. It blocks until ctx is canceled.
func (a *Application) Run(ctx context.Context) error {
	if a.configPath != "" {
		watcher := config.NewWatcher(config.WatcherOptions{
			Loader: config.NewLoader(a.logger),
			Path:   a.configPath,
			OnReload: func(config.Config) {
				a.gateway.InvalidateAll()
				a.logger.Info("gateway caches cleared after config reload")
			},
			Logger: a.logger,
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
		Addr:          a.cfg.Observability.ListenAddress,
		EnableMetrics: a.cfg.Observability.EnableMetrics,
		EnableHealthz: a.cfg.Observability.EnableHealthz,
	}, a.logger)
}

// Shutdown drains live connections and closes the ledger. Safe to call
// after Run returns.
func (a *Application) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := a.conns.Close(ctx); err != nil {
		firstErr = err
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.logger.Info("application shut down")
	return firstErr
}
