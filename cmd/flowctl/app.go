package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/flowctl/internal/config"
	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/expressions"
	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/internal/operator"
	"github.com/rendis/flowctl/internal/secrets"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/validation"
)

// app carries the global flags and the wiring shared by every command. The
// store and controller are opened on first use so `version` and `--help`
// work without a database.
type app struct {
	configPath string
	project    string
	output     string

	cfg    *config.Config
	logger *slog.Logger

	store     *store.SQLStore
	registry  *operator.Registry
	validator *validation.WorkflowValidator
	vault     secrets.Vault
	ctrl      *engine.Controller
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.project != "" {
		cfg.Project = a.project
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// open connects the store, runs migrations and builds the controller.
func (a *app) open(ctx context.Context) error {
	if a.ctrl != nil {
		return nil
	}
	dialect, err := a.cfg.Database.Dialect()
	if err != nil {
		return err
	}
	s, err := store.Open(dialect, a.cfg.Database.DSN, a.cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = s

	a.registry = operator.NewRegistry()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	if err := operator.RegisterBuiltins(a.registry, cel); err != nil {
		return err
	}
	if a.validator, err = validation.NewWorkflowValidator(a.registry); err != nil {
		return err
	}

	vc, err := a.cfg.Secrets.VaultConfig()
	if err != nil {
		return err
	}
	if vc.Enabled() {
		v, err := secrets.NewAESVault(s, vc)
		if err != nil {
			return err
		}
		a.vault = v
	}

	a.ctrl, err = engine.NewController(s, engine.ControllerConfig{
		SiteID:    a.cfg.SiteID,
		Validator: a.validator,
		Vault:     a.vault,
		Logger:    a.logger,
	})
	return err
}

// newDispatcher builds a dispatcher; a non-nil reg exposes its metrics.
func (a *app) newDispatcher(reg prometheus.Registerer, extra ...engine.Option) (*engine.Dispatcher, error) {
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithValidator(a.validator),
	}
	if a.vault != nil {
		opts = append(opts, engine.WithVault(a.vault))
	}
	if reg != nil {
		m, err := engine.NewMetrics(reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithMetrics(m))
	}
	opts = append(opts, extra...)
	d, err := engine.NewDispatcher(a.store, a.registry, a.cfg.Engine.DispatcherConfig(), opts...)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		if err := engine.RegisterPool(reg, d.Pool()); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
