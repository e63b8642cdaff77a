package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/connwatch/internal/api"
	"github.com/vietddude/connwatch/internal/core/aggregate"
	"github.com/vietddude/connwatch/internal/core/config"
	"github.com/vietddude/connwatch/internal/core/ports"
	"github.com/vietddude/connwatch/internal/core/worker"
	"github.com/vietddude/connwatch/internal/infra/local"
	redisclient "github.com/vietddude/connwatch/internal/infra/redis"
	"github.com/vietddude/connwatch/internal/infra/storage"
	"github.com/vietddude/connwatch/internal/infra/storage/memory"
	"github.com/vietddude/connwatch/internal/infra/storage/postgres"
	"github.com/vietddude/connwatch/internal/notify"
	"github.com/vietddude/connwatch/internal/provider"
	"github.com/vietddude/connwatch/internal/provider/oauth"
	"github.com/vietddude/connwatch/internal/refresh"
	"github.com/vietddude/connwatch/internal/renewal"
	"github.com/vietddude/connwatch/internal/validation"
)

const recentNotices = 100

// Option customises NewApp.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	providers []provider.Client
	sink      ports.NotificationSink
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProviders registers clients in addition to the configured OAuth providers.
func WithProviders(clients ...provider.Client) Option {
	return func(o *options) { o.providers = append(o.providers, clients...) }
}

// WithNotificationSink replaces the default logging sink.
func WithNotificationSink(s ports.NotificationSink) Option {
	return func(o *options) { o.sink = s }
}

// App owns every long-running component.
type App struct {
	cfg     *config.AppConfig
	Service *Service

	worker     *renewal.Worker
	cron       *worker.CronScheduler
	httpServer *api.Server
	grpcServer *api.GRPCServer
	db         *postgres.DB
	redis      *redisclient.Client
	log        *slog.Logger
}

type backends struct {
	tokens  storage.TokenStore
	records storage.HealthRecordStore
	lock    ports.DistributedLock
	cache   ports.Cache
	limiter ports.RateLimiter
	queue   ports.JobQueue
	checks  map[string]api.Check
}

// NewApp connects to the configured backends and wires every component.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	app := &App{cfg: cfg, log: log}
	b, err := app.initBackends(ctx)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	registry, err := buildRegistry(cfg.Providers, o.providers)
	if err != nil {
		app.closeBackends()
		return nil, err
	}
	log.Info("Providers registered", "providers", registry.Names())

	sink := o.sink
	if sink == nil {
		sink = notify.NewLoggerSink(log, recentNotices)
	}
	recorder := aggregate.NewRecorder(b.records, aggregate.NewLogReporter(sink, log), log)

	coordinator, err := refresh.NewCoordinator(b.tokens, registry, b.lock, refresh.Config{
		Horizon:        cfg.Refresh.Horizon,
		LockTTL:        cfg.Refresh.LockTTL,
		LockWait:       cfg.Refresh.LockWait,
		RefreshTimeout: cfg.Refresh.Timeout,
	}, log)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	tiered, err := validation.NewTiered(b.tokens, registry, coordinator, recorder, validation.Config{
		ProbeTimeout:    cfg.Health.ProbeTimeout,
		HealthyTTL:      cfg.Health.HealthyTTL,
		UnhealthyTTL:    cfg.Health.UnhealthyTTL,
		OperationalMode: validation.OperationalMode(cfg.Health.OperationalMode),
	}, log)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	caching, err := validation.NewCaching(tiered, b.cache, b.limiter, validation.CachingConfig{
		RateLimit:  cfg.RateLimit.Requests,
		RateWindow: cfg.RateLimit.Window,
		ChunkSize:  cfg.Batch.ChunkSize,
	}, log)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	scheduler, err := renewal.NewScheduler(b.tokens, b.queue, b.lock, sink, renewal.Config{
		PreemptiveWindow:     cfg.Renewal.PreemptiveWindow,
		ProactiveHorizon:     cfg.Renewal.ProactiveHorizon,
		NotificationThrottle: cfg.Renewal.NotificationThrottle,
		StaleScheduleAfter:   cfg.Renewal.StaleScheduleAfter,
		ScanLimit:            cfg.Renewal.ScanLimit,
	}, log)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	app.worker, err = renewal.NewWorker(b.queue, coordinator, recorder, scheduler, renewal.WorkerConfig{
		PollInterval: cfg.Renewal.WorkerPollInterval,
		Concurrency:  cfg.Renewal.WorkerConcurrency,
	}, log)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	app.Service, err = NewService(b.tokens, b.records, coordinator, caching, recorder, scheduler, log)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	app.cron = worker.NewCronScheduler(log, 0)
	scan := worker.RunnableFunc{
		JobName: "proactive_renewal_scan",
		Fn: func(ctx context.Context) error {
			_, err := app.Service.ScanAndScheduleProactiveRefresh(ctx)
			return err
		},
	}
	if _, err := app.cron.Register(cfg.Renewal.ScanSchedule, scan); err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("invalid renewal.scan_schedule: %w", err)
	}

	app.httpServer = api.NewServer(app.Service, b.checks, cfg.Server.Port, log)
	if cfg.Server.GRPCPort > 0 {
		app.grpcServer = api.NewGRPCServer(app.Service, cfg.Server.GRPCPort, log)
	}
	return app, nil
}

func (a *App) initBackends(ctx context.Context) (*backends, error) {
	b := &backends{checks: make(map[string]api.Check)}

	if a.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, a.cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := postgres.Migrate(db.DB.DB); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		b.tokens = postgres.NewTokenRepo(db)
		b.records = postgres.NewHealthRepo(db)
		b.checks["database"] = db.Health
		a.log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		b.tokens = memory.NewTokenRepo(store)
		b.records = memory.NewHealthRepo(store)
		a.log.Info("Using Memory storage")
	}

	if a.cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rc
		b.lock = redisclient.NewLock(rc)
		b.cache = redisclient.NewCache(rc)
		b.limiter = redisclient.NewRateLimiter(rc)
		b.queue = redisclient.NewJobQueue(rc, a.log)
		b.checks["redis"] = rc.Health
		a.log.Info("Using Redis for locks, cache, rate limits and jobs")
	} else {
		b.lock = local.NewLock()
		b.cache = local.NewCache()
		b.limiter = local.NewRateLimiter()
		b.queue = local.NewJobQueue()
		a.log.Warn("Redis not configured, coordination is limited to this process")
	}
	return b, nil
}

func buildRegistry(cfgs []config.ProviderConfig, extra []provider.Client) (*provider.StaticRegistry, error) {
	registry := provider.NewRegistry()
	for _, c := range extra {
		if err := registry.Register(provider.Instrument(c, provider.MonitorConfig{})); err != nil {
			return nil, err
		}
	}
	for _, pc := range cfgs {
		client, err := oauth.New(oauth.Config{
			Name:              pc.Name,
			TokenURL:          pc.TokenURL,
			ProbeURL:          pc.ProbeURL,
			CapabilityURL:     pc.CapabilityURL,
			ClientID:          pc.ClientID,
			ClientSecret:      pc.ClientSecret,
			RequestsPerSecond: pc.RequestsPerSecond,
			Timeout:           pc.Timeout,
		}, nil)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(provider.Instrument(client, provider.MonitorConfig{})); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Start launches servers and background loops. It does not block.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.httpServer.Start(); err != nil {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	if a.grpcServer != nil {
		go func() {
			if err := a.grpcServer.Start(); err != nil {
				a.log.Error("gRPC server failed", "error", err)
			}
		}()
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	go a.worker.Start(ctx)
	a.cron.Start()
	return nil
}

// Stop stops servers and background loops and closes backends.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping connwatch...")

	select {
	case <-a.cron.Stop().Done():
	case <-ctx.Done():
	}

	if a.grpcServer != nil {
		a.grpcServer.Stop(ctx)
	}
	err := a.httpServer.Stop(ctx)
	a.closeBackends()
	return err
}

func (a *App) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler()
}
