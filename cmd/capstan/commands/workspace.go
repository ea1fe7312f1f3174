package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/capstan-io/capstan/pkg/catalog"
	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/executor"
	"github.com/capstan-io/capstan/pkg/policy"
	"github.com/capstan-io/capstan/pkg/resolver"
	"github.com/capstan-io/capstan/pkg/runner"
	"github.com/capstan-io/capstan/pkg/stores"
	"github.com/capstan-io/capstan/pkg/telemetry"
)

// workspace holds what the commands share: configuration, telemetry and
// the state store. Executor wiring is built on demand by newExecutor.
type workspace struct {
	cfg       *Config
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore

	closers []func() error
}

// openWorkspace loads the configuration and opens the state store.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	ws := &workspace{cfg: cfg, telemetry: tel}
	ws.closers = append(ws.closers, func() error { return tel.Shutdown(context.Background()) })

	if err := tel.StartMetricsServer(); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0700); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := stores.Open(ctx, stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ResourceTTL:     cfg.Cache.ResourceTTL,
		ListTTL:         cfg.Cache.ListTTL,
		Actor:           actor(),
	})
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to open state store %s: %w", cfg.Database.Path, err)
	}
	ws.store = store
	ws.closers = append(ws.closers, store.Close)

	return ws, nil
}

// Close releases everything in reverse order of acquisition.
func (ws *workspace) Close() error {
	var result *multierror.Error
	for i := len(ws.closers) - 1; i >= 0; i-- {
		if err := ws.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	ws.closers = nil
	return result.ErrorOrNil()
}

// loadCatalog loads and validates every operation under the capabilities
// directory. Invalid files are logged and left out.
func (ws *workspace) loadCatalog() (*catalog.Catalog, error) {
	loader, err := catalog.NewLoader(ws.telemetry.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	cat, report, err := loader.LoadDir(ws.cfg.CapabilitiesDir)
	if err != nil {
		return nil, err
	}
	for _, f := range report.Failed() {
		log.Warn().Str("file", f.File).Int("errors", len(f.Errors)).Msg("Skipping invalid operation")
	}
	return cat, nil
}

// newRunner builds the configured step runner.
func (ws *workspace) newRunner(ctx context.Context) (engine.StepRunner, error) {
	logger := ws.telemetry.Logger.Zerolog()
	switch ws.cfg.Runner.Type {
	case "ssh":
		r, err := runner.NewSSHRunner(ws.cfg.Runner.SSH, logger)
		if err != nil {
			return nil, err
		}
		ws.closers = append(ws.closers, r.Close)
		if err := r.Connect(ctx); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return runner.NewLocalRunner(ws.cfg.Runner.Shell, logger), nil
	}
}

// newExecutor wires the executor with runner, querier, resolver, policies
// and the self-healing catalog.
func (ws *workspace) newExecutor(ctx context.Context) (*executor.Executor, error) {
	stepRunner, err := ws.newRunner(ctx)
	if err != nil {
		return nil, err
	}

	var querier engine.ProviderQuerier
	if ws.cfg.Provider.Query != "" {
		querier = runner.NewCommandQuerier(stepRunner, ws.cfg.Provider.Query, ws.cfg.Provider.NotFoundMarkers)
	}

	logger := ws.telemetry.Logger.Zerolog()
	admission, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(ws.cfg.Policies) > 0 {
		if err := admission.LoadPolicies(ctx, ws.cfg.Policies); err != nil {
			return nil, err
		}
	}

	healer, err := ws.newHealer()
	if err != nil {
		return nil, err
	}

	return executor.New(executor.Options{
		Store:               ws.store,
		Runner:              stepRunner,
		Querier:             querier,
		Resolver:            resolver.New(ws.store, nil, logger),
		Admission:           admission,
		Healer:              healer,
		RollbackFailedSteps: ws.cfg.Execution.RollbackFailedSteps,
		DefaultStepTimeout:  ws.cfg.Execution.DefaultStepTimeout,
		Logger:              ws.telemetry.Logger,
		Metrics:             ws.telemetry.Metrics,
		Tracer:              ws.telemetry.Tracer,
	})
}

// newHealer loads the error-pattern catalog. Healing is off when disabled
// or when no catalog file exists.
func (ws *workspace) newHealer() (*executor.Healer, error) {
	h := ws.cfg.Healing
	if !h.Enabled || ws.cfg.ErrorPatterns == "" {
		return nil, nil
	}
	if _, err := os.Stat(ws.cfg.ErrorPatterns); os.IsNotExist(err) {
		log.Debug().Str("path", ws.cfg.ErrorPatterns).Msg("No error-pattern catalog, self-healing disabled")
		return nil, nil
	}

	patterns, err := catalog.LoadPatterns(ws.cfg.ErrorPatterns)
	if err != nil {
		return nil, err
	}
	fixes, err := patterns.Fixes(h.ScriptTimeout)
	if err != nil {
		return nil, err
	}
	healer := executor.NewHealer(fixes)
	healer.MaxAttempts = h.MaxAttempts
	healer.RetryDelay = h.RetryDelay
	return healer, nil
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "capstan"
}
