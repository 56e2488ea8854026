package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
	"github.com/felixgeelhaar/cadence/internal/adapters/storage"
	"github.com/felixgeelhaar/cadence/internal/config"
	"github.com/felixgeelhaar/cadence/internal/domain/catalog"
	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/domain/host"
	"github.com/felixgeelhaar/cadence/internal/domain/install"
	"github.com/felixgeelhaar/cadence/internal/domain/sandbox"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// Options configure the runtime. Zero values fall back to defaults: the
// default configuration, a console logger built from it, and host version
// 0.0.0.
type Options struct {
	Config      *config.Config
	HostVersion string
	Logger      ports.Logger
}

// Runtime is the composition root. It owns every component of the subsystem
// and tears them down in reverse order on Close.
type Runtime struct {
	cfg    *config.Config
	logger ports.Logger

	store     *storage.Store
	sandbox   *sandbox.Runtime
	manager   *host.Manager
	installer *install.Installer
	service   *Service
	scheduler *updateScheduler
	sideload  *sideloadWatcher
}

// New wires the subsystem: trust policy and validator, sandbox runtime and
// loader, database, manager, artifact store, catalog client, installer, and
// the service façade. Repositories from the configuration are registered and
// the installed extension set is activated before New returns.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.DerivePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hostVersion := opts.HostVersion
	if hostVersion == "" {
		hostVersion = "0.0.0"
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewConsoleLogger(
			logging.WithLevel(ports.ParseLevel(cfg.LogLevel)),
			logging.WithJSONFormat(cfg.LogJSON),
		)
	}

	policy, err := extension.LoadTrustPolicy(cfg.TrustPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("trust policy: %w", err)
	}
	validator := extension.NewValidator(hostVersion, policy, cfg.MaxPackageBytes, logger)

	sandboxCfg := sandbox.DefaultConfig()
	if cfg.CallTimeout > 0 {
		sandboxCfg.CallTimeout = cfg.CallTimeout
	}
	if cfg.LoadTimeout > 0 {
		sandboxCfg.LoadTimeout = cfg.LoadTimeout
	}
	if cfg.UnloadTimeout > 0 {
		sandboxCfg.CloseTimeout = cfg.UnloadTimeout
	}
	sandboxCfg.AllowNetwork = cfg.AllowNetwork

	var web sandbox.HTTPClient
	if cfg.AllowNetwork {
		web = sandbox.NewWebClient(cfg.HTTPTimeout, sandboxCfg.MaxFetchBytes)
	}

	sandboxRT, err := sandbox.NewRuntime(ctx, sandboxCfg, sandbox.NewHostServices(web, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("sandbox runtime: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		_ = sandboxRT.Close(ctx)
		return nil, err
	}

	fail := func(err error) (*Runtime, error) {
		_ = store.Close()
		_ = sandboxRT.Close(ctx)
		return nil, err
	}

	manager := host.NewManager(sandbox.NewLoader(sandboxRT, logger), store, logger)

	artifacts, err := install.NewArtifactStore(cfg.ArtifactDir, logger)
	if err != nil {
		return fail(err)
	}

	client := catalog.NewClient(catalog.ClientConfig{
		Timeout:          cfg.HTTPTimeout,
		UserAgent:        "cadence/" + hostVersion,
		MaxManifestBytes: cfg.MaxManifestBytes,
		MaxPackageBytes:  cfg.MaxPackageBytes,
	}, logger)

	installer, err := install.NewInstaller(install.Deps{
		Client:     client,
		Validator:  validator,
		Artifacts:  artifacts,
		Store:      store,
		Activator:  manager,
		InstallDir: cfg.InstallDir,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}

	service := NewService(ServiceDeps{
		Client:          client,
		Store:           store,
		Installer:       installer,
		Manager:         manager,
		Artifacts:       artifacts,
		Logger:          logger,
		MaxPackageBytes: cfg.MaxPackageBytes,
	})

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		sandbox:   sandboxRT,
		manager:   manager,
		installer: installer,
		service:   service,
	}
	rt.scheduler = newUpdateScheduler(cfg.UpdateCheckInterval, func(ctx context.Context) {
		if _, err := service.CheckForUpdates(ctx, true); err != nil {
			logger.Warn(ctx, "scheduled update check failed", ports.Err(err))
		}
	}, logger)
	rt.sideload = newSideloadWatcher(cfg.SideloadDir, service, logger)

	for _, repo := range cfg.Repositories {
		if err := service.AddRepository(ctx, repo); err != nil {
			logger.Warn(ctx, "configured repository rejected",
				ports.F("url", repo),
				ports.Err(err))
		}
	}

	if err := manager.StartUp(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// Service returns the façade the host application drives.
func (r *Runtime) Service() *Service {
	return r.service
}

// Config returns the effective configuration.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Start launches the background services: the scheduled update check and
// the sideload watcher.
func (r *Runtime) Start() error {
	if err := r.scheduler.Start(); err != nil {
		return err
	}
	if err := r.sideload.Start(); err != nil {
		r.scheduler.Stop()
		return err
	}
	return nil
}

// Close tears the subsystem down in reverse wiring order. Safe to call when
// Start never ran.
func (r *Runtime) Close(ctx context.Context) error {
	r.sideload.Stop()
	r.scheduler.Stop()
	r.installer.Close()

	var errs []error
	if err := r.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.sandbox.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	r.service.Close()
	return errors.Join(errs...)
}
