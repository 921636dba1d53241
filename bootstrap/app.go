package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"themis/api"
	"themis/config"
	"themis/core"
	"themis/detect"
	"themis/normalize"
	"themis/notify"
	"themis/pipeline"
	"themis/retention"
	"themis/storage"
)

// App holds every wired component of the themis service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store      *storage.SQLite
	Normalizer *normalize.Normalizer
	Engine     *detect.RuleEngine
	Dedup      *core.Deduplicator
	Dispatcher *notify.Dispatcher
	Pipeline   *pipeline.Pipeline
	Enforcer   *retention.Enforcer
	Monitor    *notify.Monitor
	APIServer  *api.Server

	shutdownCh chan struct{}
}

// NewApp loads configuration and wires all components. Any failure here
// is fatal; the service never starts half-configured.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	app := &App{shutdownCh: make(chan struct{})}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("themis starting...")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	secrets, err := config.NewSecretManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret manager: %w", err)
	}

	salt, err := secrets.GetHashSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to load hash salt: %w", err)
	}

	masker, err := normalize.NewMasker(salt, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize masker: %w", err)
	}
	app.Normalizer = normalize.NewNormalizer(masker, sugar)

	store, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	app.Store = store

	rules, err := detect.LoadRules(cfg.Rules.Path, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	app.Engine = detect.NewRuleEngine(rules, sugar)

	windowStore, err := initWindowStore(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Dedup = core.NewDeduplicator(windowStore, sugar)

	sinks, err := initSinks(cfg, secrets, sugar)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if cfg.Notifications.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Notifications.RateLimitPerSecond), cfg.Notifications.RateLimitBurst)
	}
	app.Dispatcher = notify.NewDispatcher(sinks, notify.DefaultRetryPolicy(), limiter, sugar)

	app.Pipeline = pipeline.New(
		app.Normalizer,
		app.Engine,
		app.Dedup,
		app.Dispatcher,
		store,
		pipeline.Config{
			QueueSize:     cfg.Pipeline.QueueSize,
			ShutdownGrace: cfg.ShutdownGrace(),
		},
		sugar,
	)

	app.Enforcer = retention.NewEnforcer(
		retention.Config{
			RetentionDays: cfg.Retention.Days,
			Policy:        retention.Policy(cfg.Retention.Policy),
			PIIFields:     cfg.Retention.PIIFields,
			SweepInterval: cfg.SweepInterval(),
		},
		store, store, app.Normalizer, sugar,
	)

	if cfg.Monitor.Enabled {
		var monitorRules []notify.MonitorRule
		for _, r := range cfg.Monitor.Rules {
			monitorRules = append(monitorRules, notify.MonitorRule{
				Category:  r.Category,
				Threshold: r.Threshold,
				Severity:  r.Severity,
			})
		}
		app.Monitor = notify.NewMonitor(
			store, app.Dispatcher, monitorRules,
			time.Duration(cfg.Monitor.WindowMinutes)*time.Minute,
			time.Duration(cfg.Monitor.IntervalMinutes)*time.Minute,
			sugar,
		)
	}

	app.APIServer = api.NewServer(cfg.API.Host, cfg.API.Port, store, sugar)
	return app, nil
}

func initWindowStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (core.WindowStore, error) {
	if !cfg.Dedup.Redis.Enabled {
		sugar.Infow("Using in-memory dedup window store",
			"window", cfg.DedupWindow(),
			"max_entries", cfg.Dedup.MaxEntries)
		return core.NewMemoryWindowStore(cfg.DedupWindow(), cfg.Dedup.MaxEntries), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Dedup.Redis.Addr,
		Password: cfg.Dedup.Redis.Password,
		DB:       cfg.Dedup.Redis.DB,
	})
	store := core.NewRedisWindowStore(client, cfg.DedupWindow(), sugar)
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis dedup store at %s: %w", cfg.Dedup.Redis.Addr, err)
	}
	sugar.Infow("Using Redis dedup window store", "addr", cfg.Dedup.Redis.Addr)
	return store, nil
}

func initSinks(cfg *config.Config, secrets config.SecretManager, sugar *zap.SugaredLogger) ([]notify.Sink, error) {
	var sinks []notify.Sink

	if cfg.Notifications.Email.Enabled {
		password, err := secrets.GetSMTPPassword()
		if err != nil {
			return nil, fmt.Errorf("email notifications enabled but SMTP password unavailable: %w", err)
		}
		sinks = append(sinks, notify.NewEmailSink(notify.EmailConfig{
			Host:        cfg.Notifications.Email.SMTPHost,
			Port:        cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    password,
			FromAddress: cfg.Notifications.Email.FromAddress,
			ToAddresses: cfg.Notifications.Email.ToAddresses,
		}, sugar))
	}

	if cfg.Notifications.Webhook.Enabled {
		token, err := secrets.GetWebhookToken()
		if err != nil {
			sugar.Warnw("Webhook token unavailable, sending unauthenticated", "error", err)
			token = ""
		}
		sinks = append(sinks, notify.NewWebhookSink(notify.WebhookConfig{
			URL:       cfg.Notifications.Webhook.URL,
			Method:    cfg.Notifications.Webhook.Method,
			Headers:   cfg.Notifications.Webhook.Headers,
			AuthToken: token,
		}, sugar))
	}

	if cfg.Notifications.Slack.Enabled {
		sinks = append(sinks, notify.NewSlackSink(notify.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
		}, sugar))
	}

	if len(sinks) == 0 {
		sugar.Warn("No notification channels enabled; alerts will be logged only")
	}
	return sinks, nil
}

// Start launches the pipeline, retention enforcer, monitor, and API server.
func (a *App) Start(ctx context.Context) error {
	a.Pipeline.Start(ctx)
	a.Enforcer.Start(ctx)
	if a.Monitor != nil {
		a.Monitor.Start(ctx)
	}
	a.APIServer.Start()
	a.Sugar.Info("themis started")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.Sugar.Infow("Shutdown signal received", "signal", sig)
}

// Shutdown stops all components in dependency order.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.APIServer.Shutdown(ctx); err != nil {
		a.Sugar.Errorw("API server shutdown failed", "error", err)
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	a.Enforcer.Stop()
	a.Pipeline.Shutdown()
	if err := a.Store.Close(); err != nil {
		a.Sugar.Errorw("Storage close failed", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
