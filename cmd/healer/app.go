package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/config"
	"github.com/fyrsmithlabs/healer/internal/diagnosis"
	"github.com/fyrsmithlabs/healer/internal/extraction"
	"github.com/fyrsmithlabs/healer/internal/ledger"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/notify"
	"github.com/fyrsmithlabs/healer/internal/pipeline"
	"github.com/fyrsmithlabs/healer/internal/remediation"
	"github.com/fyrsmithlabs/healer/internal/secrets"
	"github.com/fyrsmithlabs/healer/internal/telemetry"
)

// staleLockAfter lets a run take over the lock of a crashed one.
const staleLockAfter = time.Hour

// app holds the process-wide dependencies shared by commands.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *pipeline.Metrics
	tel     *telemetry.Telemetry
	closers []func()

	notifyOnce sync.Once
	notifier   pipeline.Broadcaster
	notifyErr  error
	store      *notify.PostgresStore
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}
	if err := tel.Err(); err != nil {
		logger.Warn(ctx, "trace export disabled", zap.Error(err))
	}
	return &app{cfg: cfg, logger: logger, metrics: pipeline.DefaultMetrics(), tel: tel}, nil
}

// Close releases long-lived resources and flushes the logger.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// getNotifier builds the notifier on first use and caches it.
func (a *app) getNotifier(ctx context.Context) (pipeline.Broadcaster, error) {
	a.notifyOnce.Do(func() {
		a.notifier, a.notifyErr = a.buildNotifier(ctx)
	})
	return a.notifier, a.notifyErr
}

// buildNotifier wires Telegram delivery over the Postgres subscriber store.
// Without a bot token or database DSN runs proceed without notifications.
func (a *app) buildNotifier(ctx context.Context) (pipeline.Broadcaster, error) {
	if !a.cfg.Telegram.Token.IsSet() || !a.cfg.Database.DSN.IsSet() {
		a.logger.Warn(ctx, "notifications disabled",
			zap.Bool("telegram_token_set", a.cfg.Telegram.Token.IsSet()),
			zap.Bool("database_dsn_set", a.cfg.Database.DSN.IsSet()))
		return nil, nil
	}
	store, err := a.subscriberStore(ctx)
	if err != nil {
		return nil, err
	}
	bot, err := notify.NewTelegramBot(a.cfg.Telegram.Token.Value(), "", &http.Client{Timeout: a.cfg.Telegram.Timeout.Duration()})
	if err != nil {
		return nil, err
	}
	return notify.NewFanout(store, notify.NewTelegramMessenger(bot), notify.FanoutConfig{
		Workers: a.cfg.Telegram.Workers,
		Timeout: a.cfg.Telegram.Timeout.Duration(),
	}, a.logger), nil
}

// subscriberStore opens the subscriber database once per process.
func (a *app) subscriberStore(ctx context.Context) (*notify.PostgresStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := notify.NewPostgresStore(ctx, a.cfg.Database.DSN.Value())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// target is the tree and log one pipeline run works on.
type target struct {
	// Root is the repository working tree.
	Root string
	// DBTProject is the dbt project folder inside Root.
	DBTProject string
	// LogPath is the dbt log to scan.
	LogPath string
	// Owner and Repo address the hosted repository.
	Owner, Repo string
}

// configuredTarget is the project described by the configuration file.
func (a *app) configuredTarget() target {
	return target{
		Root:       a.cfg.Project.Root,
		DBTProject: a.cfg.Project.DBTProject,
		LogPath:    a.cfg.Project.LogPath,
		Owner:      a.cfg.GitHub.Owner,
		Repo:       a.cfg.GitHub.Repo,
	}
}

// checkoutTarget builds the target for a checked-out request. The hosted
// repository comes from the configuration or else the clone's origin.
func (a *app) checkoutTarget(co *checkout.Result, dbtPath, logPath string) target {
	t := target{
		Root:       co.Dir,
		DBTProject: dbtPath,
		LogPath:    logPath,
		Owner:      a.cfg.GitHub.Owner,
		Repo:       a.cfg.GitHub.Repo,
	}
	if t.Owner == "" || t.Repo == "" {
		if owner, repo, err := checkout.OriginRepository(co.Dir); err == nil {
			t.Owner, t.Repo = owner, repo
		}
	}
	return t
}

// buildRunner wires a pipeline runner for t.
func (a *app) buildRunner(ctx context.Context, t target) (*pipeline.Runner, error) {
	if t.LogPath == "" {
		return nil, errors.New("dbt log path is not configured")
	}
	if !a.cfg.GitHub.Token.IsSet() {
		return nil, errors.New("github.token is required")
	}

	l, err := ledger.Open(a.cfg.Project.LedgerPath)
	if err != nil {
		return nil, err
	}

	allowlist, err := secrets.LoadAllowlist(t.Root)
	if err != nil {
		return nil, err
	}
	scrubber, err := secrets.New(allowlist)
	if err != nil {
		return nil, fmt.Errorf("initializing scrubber: %w", err)
	}
	ex := extraction.New(extraction.Config{
		LogPath:  t.LogPath,
		Root:     t.Root,
		BuildDir: a.cfg.Project.BuildDir,
	}, l, a.logger, extraction.WithScrubber(scrubber))

	hosting, err := remediation.NewGitHubHosting(ctx, remediation.GitHubConfig{
		Token: a.cfg.GitHub.Token,
		Owner: t.Owner,
		Repo:  t.Repo,
		Retry: remediation.DefaultRetryConfig(),
	}, a.logger)
	if err != nil {
		return nil, err
	}
	wf := remediation.NewWorkflow(hosting, remediation.Config{
		ProjectDir:  t.DBTProject,
		BaseBranch:  a.cfg.GitHub.BaseBranch,
		CallTimeout: a.cfg.GitHub.Timeout.Duration(),
	}, a.logger)

	notifier, err := a.getNotifier(ctx)
	if err != nil {
		return nil, err
	}

	providerCfg := a.cfg.Provider
	return pipeline.NewRunner(pipeline.Config{
		LogPath:        t.LogPath,
		LockPath:       l.Path() + ".lock",
		StaleLockAfter: staleLockAfter,
		Workers:        providerCfg.Workers,
	}, pipeline.Deps{
		Ledger:    l,
		Extractor: ex,
		NewProvider: func(ctx context.Context, failureContext string) (diagnosis.Provider, error) {
			return diagnosis.New(ctx, providerCfg, failureContext, a.logger)
		},
		Remediator: wf,
		Notifier:   notifier,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}), nil
}
