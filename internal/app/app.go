package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"minewater/internal/config"
	"minewater/internal/infrastructure"
	"minewater/internal/license"
	"minewater/internal/security"
	"minewater/internal/store"
	transport "minewater/internal/transport/http"
	"minewater/internal/verifier"
)

// Application is the assembled license agent
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Telemetry *infrastructure.OTelProviders
	Store     store.Store
	Manager   *license.Manager
	Scheduler *license.Scheduler
	Health    *license.LicenseHealthCheck
	Status    *transport.Server // nil when the status API is disabled
}

// Option overrides a collaborator, mainly for tests and embedders
type Option func(*options)

type options struct {
	verifier      license.Verifier
	fingerprinter license.Fingerprinter
	clock         license.Clock
	telemetry     *infrastructure.OTelProviders
}

// WithVerifier replaces the HTTP license service client
func WithVerifier(v license.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithFingerprinter replaces the hardware fingerprint reader
func WithFingerprinter(f license.Fingerprinter) Option {
	return func(o *options) { o.fingerprinter = f }
}

// WithClock replaces the system clock
func WithClock(c license.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTelemetry reuses already initialized OpenTelemetry providers
func WithTelemetry(p *infrastructure.OTelProviders) Option {
	return func(o *options) { o.telemetry = p }
}

// PolicyFromConfig converts the license section into a manager policy
func PolicyFromConfig(cfg config.LicenseConfig) license.Policy {
	return license.Policy{
		GraceWindow:         cfg.GraceWindow,
		TamperTolerance:     cfg.TamperTolerance,
		ManualQuota:         cfg.ManualQuota,
		MaxTransfers:        cfg.MaxTransfers,
		VerifyTimeout:       cfg.VerifyTimeout,
		BackgroundInterval:  cfg.BackgroundInterval,
		SimilarityThreshold: cfg.SimilarityThreshold,
		Location:            cfg.Location(),
		ActivationRate:      cfg.ActivationRate,
		ActivationBurst:     cfg.ActivationBurst,
	}
}

// New builds an Application from cfg. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	app := &Application{Config: cfg, Logger: logger}

	telemetry := o.telemetry
	if telemetry == nil {
		var err error
		telemetry, err = infrastructure.InitializeOTel(cfg.Telemetry, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize telemetry: %w", err)
		}
	}
	app.Telemetry = telemetry

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("open license store: %w", err)
	}
	app.Store = st

	verify := o.verifier
	if verify == nil {
		client, err := verifier.New(cfg.Server, cfg.License.AppID, logger)
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("create license service client: %w", err)
		}
		verify = client
	}

	fingerprinter := o.fingerprinter
	if fingerprinter == nil {
		fm := security.NewFingerprintManager(cfg.License.AppID, logger)
		fm.SetCacheDuration(cfg.License.FingerprintCacheTTL)
		fingerprinter = fm
	}

	clock := o.clock
	if clock == nil {
		clock = license.SystemClock{}
	}

	metrics, err := license.InitializeLicenseMetrics(telemetry.Meter)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("create license metrics: %w", err)
	}

	manager, err := license.NewManager(license.Dependencies{
		Store:         st,
		Verifier:      verify,
		Fingerprinter: fingerprinter,
		Clock:         clock,
		Auditor:       license.NewFileAuditor(cfg.Logging.AuditPath),
		Metrics:       metrics,
		Logger:        logger,
	}, PolicyFromConfig(cfg.License))
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("create license manager: %w", err)
	}
	app.Manager = manager
	app.Health = license.NewLicenseHealthCheck(manager, cfg.License.VerifyTimeout)

	app.Scheduler, err = license.NewScheduler(manager, cfg.License.BackgroundInterval, logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	if cfg.Status.Enabled {
		router, err := transport.NewRouter(transport.RouterDeps{
			License:   manager,
			Health:    app.Health,
			Telemetry: telemetry,
			Logger:    logger,
		})
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("create status api: %w", err)
		}
		app.Status = transport.NewServer(cfg.Status, router, logger)
	}

	return app, nil
}

// Startup runs the startup license check
func (a *Application) Startup(ctx context.Context) (license.Decision, error) {
	return a.Manager.ValidateStartup(infrastructure.EnsureTraceID(ctx))
}

// Run starts background revalidation and the status API and blocks until
// ctx is cancelled or one of them fails.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	if a.Status != nil {
		g.Go(func() error {
			return a.Status.Run(gctx)
		})
	}
	return g.Wait()
}

// Close releases the store and flushes telemetry
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
