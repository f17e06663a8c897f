package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/loom-iac/loom/pkg/config"
	"github.com/loom-iac/loom/pkg/engine"
	"github.com/loom-iac/loom/pkg/provider"
	"github.com/loom-iac/loom/pkg/stores"
	"github.com/loom-iac/loom/pkg/telemetry"
)

// runtime holds everything a command needs: parsed configuration, the
// validated graph, the state store and the telemetry stack.
type runtime struct {
	settings *config.Settings
	cfg      *config.Config
	graph    *engine.Graph
	store    stores.Store
	registry *provider.Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// newRuntime loads settings and configuration from the global flags and
// wires the telemetry stack. The state store is opened only when withStore
// is set, so read-only commands never touch (or create) the state path.
func newRuntime(ctx context.Context, withStore bool) (*runtime, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if statePath != "" {
		settings.State = statePath
	}
	if metricsAddr != "" {
		settings.MetricsAddr = metricsAddr
	}

	telConfig := telemetry.DefaultConfig()
	telConfig.Logging.Level = settings.LogLevel
	telConfig.Logging.Format = settings.LogFormat
	if logLevel != "" {
		telConfig.Logging.Level = logLevel
	}
	if settings.MetricsAddr != "" {
		telConfig.Metrics.ListenAddr = settings.MetricsAddr
	}
	if settings.TracingExporter != "" {
		telConfig.Tracing.Enabled = true
		telConfig.Tracing.Exporter = settings.TracingExporter
		telConfig.Tracing.Endpoint = settings.TracingEndpoint
		telConfig.Tracing.Insecure = true
	}
	if err := telConfig.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(telConfig.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telConfig.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	metrics.Serve()

	var tracer *telemetry.Tracer
	if telConfig.Tracing.Enabled {
		tracer, err = telemetry.NewTracer(telConfig.Tracing,
			telConfig.ServiceName, telConfig.ServiceVersion, telConfig.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
	}

	cfg, err := config.NewLoader().LoadDir(configDir)
	if err != nil {
		return nil, err
	}

	graph, err := engine.BuildGraph(cfg.Resources)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		settings: settings,
		cfg:      cfg,
		graph:    graph,
		registry: provider.Default(),
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}

	if withStore {
		state := settings.State
		if !filepath.IsAbs(state) {
			state = filepath.Join(configDir, state)
		}
		store, err := stores.Open(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		rt.store = store
	}

	return rt, nil
}

// close releases the runtime's resources.
func (rt *runtime) close(ctx context.Context) {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("failed to close state store")
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			rt.logger.WithError(err).Warn("failed to shut down tracer")
		}
	}
}

// executor builds an executor from the runtime's settings.
func (rt *runtime) executor() *engine.Executor {
	return engine.NewExecutor(engine.ExecutorConfig{
		Store:         rt.store,
		Providers:     rt.registry,
		Logger:        rt.logger,
		Metrics:       rt.metrics,
		Tracer:        rt.tracer,
		MaxParallel:   rt.settings.Parallelism,
		MaxRetries:    rt.settings.MaxRetries,
		ActionTimeout: rt.settings.Timeout(),
	})
}

// plan computes a fresh plan against the store's current state.
func (rt *runtime) plan(ctx context.Context, graph *engine.Graph) (*engine.Plan, error) {
	snapshot, err := rt.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return engine.NewPlanner(rt.logger, rt.tracer).Plan(ctx, graph, snapshot)
}

// loadSettings reads .loom.yaml relative to the config directory unless an
// explicit settings path was given.
func loadSettings() (*config.Settings, error) {
	path := settingsPath
	if path == "" {
		path = filepath.Join(configDir, ".loom.yaml")
	}
	return config.LoadSettings(path)
}
