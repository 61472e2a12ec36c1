// Package app wires the engine from configuration: stores, session store,
// gateway, remote client, orchestrator, scheduler and the monitor API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/adapter/repo"
	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/gateway"
	"github.com/alexfaker/autoGenVideo/internal/http/handlers"
	"github.com/alexfaker/autoGenVideo/internal/http/httpapi"
	"github.com/alexfaker/autoGenVideo/internal/imageprep"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/infra/credentials"
	"github.com/alexfaker/autoGenVideo/internal/orchestrator"
	"github.com/alexfaker/autoGenVideo/internal/pacing"
	"github.com/alexfaker/autoGenVideo/internal/providers/vidu"
	"github.com/alexfaker/autoGenVideo/internal/registry"
	"github.com/alexfaker/autoGenVideo/internal/scheduler"
	"github.com/alexfaker/autoGenVideo/internal/storage"
)

// maxVideoBytes caps a single result download.
const maxVideoBytes = 2 << 30

type App struct {
	Config       *infra.Config
	Logger       infra.Logger
	Registry     *registry.Registry
	Sessions     *credentials.Store
	Pacing       *pacing.Policy
	Gateway      *gateway.Gateway
	Remote       *vidu.Client
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler

	closers []func()
}

// Overrides replace collaborators, mainly for tests.
type Overrides struct {
	Jobs        domain.JobRepository
	Credentials domain.CredentialRepository
	HTTPClient  *http.Client
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// New builds the engine. Close releases the stores.
func New(ctx context.Context, cfg *infra.Config, logger infra.Logger, ov Overrides) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	for _, dir := range []string{cfg.DataDir, cfg.OutputDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	jobs, creds := ov.Jobs, ov.Credentials
	if jobs == nil || creds == nil {
		var err error
		jobs, creds, err = a.openStores(ctx)
		if err != nil {
			return nil, err
		}
	}

	key, err := credentials.LoadOrCreateKey(cfg.CredentialKeyFile)
	if err != nil {
		return nil, err
	}
	sealer, err := credentials.NewSealer(key)
	if err != nil {
		return nil, err
	}
	a.Sessions, err = credentials.NewStore(credentials.Options{
		Repo:             creds,
		Sealer:           sealer,
		RefreshThreshold: cfg.SessionRefreshThreshold,
		Now:              ov.Now,
		Logger:           &logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Sessions.Close)

	var regOpts []registry.Option
	if ov.Now != nil {
		regOpts = append(regOpts, registry.WithClock(ov.Now))
	}
	a.Registry, err = registry.New(ctx, jobs, logger, regOpts...)
	if err != nil {
		return nil, err
	}

	a.Pacing = pacing.New(pacing.Options{
		MinDelay:       cfg.MinDelay,
		MaxDelay:       cfg.MaxDelay,
		OffPeakHours:   cfg.OffPeakHours,
		Location:       cfg.Location,
		RequireOffPeak: cfg.RequireOffPeak,
	})
	a.Gateway = gateway.New(gateway.Options{
		Pacer:         a.Pacing,
		Classifier:    gateway.NewClassifier(cfg.RetryableStatus, cfg.FatalStatus),
		Backoff:       gateway.Backoff{Initial: cfg.BackoffBase, Max: cfg.BackoffMax},
		MaxRetries:    cfg.GatewayMaxRetries,
		Timeout:       cfg.RequestTimeout,
		RatePerMinute: cfg.RateLimitPerMin,
		Logger:        &logger,
		Sleep:         ov.Sleep,
	})
	a.Gateway.SetCredentials(a.Sessions)

	httpClient := ov.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	a.Remote = vidu.NewClient(vidu.Options{
		BaseURL:    cfg.BaseURL,
		APIBaseURL: cfg.APIBaseURL,
		UserAgent:  cfg.UserAgent,
		HTTPClient: httpClient,
		Logger:     &logger,
	})

	cache, err := storage.NewFileStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	output, err := storage.NewFileStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	images, err := imageprep.New(imageprep.Options{
		MaxBytes: cfg.MaxImageBytes,
		MaxSide:  cfg.MaxImageSide,
		Quality:  cfg.JPEGQuality,
		Cache:    cache,
		Logger:   &logger,
	})
	if err != nil {
		return nil, err
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Registry:      a.Registry,
		Gateway:       a.Gateway,
		Remote:        a.Remote,
		Sessions:      a.Sessions,
		Pacing:        a.Pacing,
		Images:        images,
		Fetcher:       storage.NewDownloader(output, httpClient, cfg.UserAgent, maxVideoBytes),
		Cache:         cache,
		MaxConcurrent: cfg.MaxConcurrentTasks,
		MaxDownloads:  cfg.MaxDownloadThreads,
		MaxAttempts:   cfg.MaxRetryCount,
		MaxRedrives:   cfg.MaxRedrives,
		Retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		PurgeFailed:   cfg.PurgeFailed,
		CacheMaxAge:   cfg.CacheMaxAge,
		SessionTTL:    cfg.SessionTimeout,
		Settings: jsoncfg.TaskSettings{
			Duration:     cfg.VideoDuration,
			Resolution:   cfg.VideoRes,
			ModelVersion: cfg.ModelVersion,
		},
		Now:    ov.Now,
		Logger: &logger,
	})
	if err != nil {
		return nil, err
	}
	a.Sessions.SetRefresher(a.Orchestrator.Refresher())

	a.Scheduler, err = scheduler.New(scheduler.Options{
		Runner: a.Orchestrator,
		Specs: scheduler.Specs{
			Poll:    cfg.PollSchedule,
			Backlog: cfg.BacklogSchedule,
			OffPeak: cfg.OffPeakSchedule,
			Cleanup: cfg.CleanupSchedule,
		},
		Location: cfg.Location,
		Logger:   &logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) (domain.JobRepository, domain.CredentialRepository, error) {
	switch a.Config.StoreDriver {
	case "memory":
		a.Logger.Warn().Msg("memory store selected; jobs and credentials are lost on exit")
		m := repo.NewMemoryStore()
		return m.Jobs(), m.Credentials(), nil
	case "postgres":
		pool, err := infra.NewDBPool(ctx, a.Config)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, pool.Close)
		runner := infra.NewSQLRunner(pool, a.Logger)
		if err := repo.MigratePG(ctx, runner); err != nil {
			return nil, nil, err
		}
		return repo.NewJobRepositoryPG(runner), repo.NewCredentialRepositoryPG(runner), nil
	default:
		db, err := infra.OpenSQLite(a.Config.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		s := repo.NewSQLiteStore(infra.NewSQLiteRunner(db, a.Logger))
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return s.Jobs(), s.Credentials(), nil
	}
}

// StatusHandler returns the monitor API handler.
func (a *App) StatusHandler() http.Handler {
	return httpapi.NewRouter(&handlers.App{
		Status:   a.Orchestrator,
		Jobs:     a.Registry,
		Schedule: a.Scheduler,
		Accounts: a.Sessions,
	}, a.Logger)
}

// Monitor runs the scheduler and the status API until ctx ends, then
// stops both within the configured grace period.
func (a *App) Monitor(ctx context.Context) error {
	srv := infra.NewHTTPServer(a.Config, a.StatusHandler())
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	a.Scheduler.Start()
	for _, e := range a.Scheduler.Entries(time.Now()) {
		a.Logger.Info().Str("entry", e.Name).Str("spec", e.Spec).Time("next", e.Next).Msg("scheduled")
	}
	a.Logger.Info().Str("addr", a.Config.StatusAddr).Msg("monitor running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("app: status api: %w", err)
			break
		}
		// No listen address configured; keep scheduling.
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownGraceTime)
	defer cancel()
	var errs []error
	if err := a.Scheduler.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("app: shutdown status api: %w", err))
	}
	return errors.Join(append([]error{runErr}, errs...)...)
}

// Close releases stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
