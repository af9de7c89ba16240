// Package server builds the registrar's dependencies and runs its loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/api"
	"github.com/JakeFAU/attribution-registrar/internal/clock/system"
	"github.com/JakeFAU/attribution-registrar/internal/config"
	"github.com/JakeFAU/attribution-registrar/internal/debugreport"
	"github.com/JakeFAU/attribution-registrar/internal/enqueue"
	"github.com/JakeFAU/attribution-registrar/internal/enrollment"
	"github.com/JakeFAU/attribution-registrar/internal/fetcher"
	"github.com/JakeFAU/attribution-registrar/internal/hash/sha256"
	"github.com/JakeFAU/attribution-registrar/internal/id/uuid"
	"github.com/JakeFAU/attribution-registrar/internal/logging"
	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/noise"
	"github.com/JakeFAU/attribution-registrar/internal/notify"
	notifymemory "github.com/JakeFAU/attribution-registrar/internal/notify/memory"
	notifypubsub "github.com/JakeFAU/attribution-registrar/internal/notify/pubsub"
	"github.com/JakeFAU/attribution-registrar/internal/policy/ratelimit"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
	"github.com/JakeFAU/attribution-registrar/internal/runner"
	gcsstorage "github.com/JakeFAU/attribution-registrar/internal/storage/gcs"
	localstorage "github.com/JakeFAU/attribution-registrar/internal/storage/local"
	memorystorage "github.com/JakeFAU/attribution-registrar/internal/storage/memory"
	pgstore "github.com/JakeFAU/attribution-registrar/internal/storage/postgres"
	"github.com/JakeFAU/attribution-registrar/internal/telemetry"
)

// ErrNoEnrollmentStore is returned by Enroll when enrollments are static.
var ErrNoEnrollmentStore = errors.New("enrollment backend is not postgres")

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     registration.Datastore
	pinger    api.Pinger
	runner    *runner.Runner
	enqueue   *enqueue.Service
	exporter  *debugreport.Exporter
	apiServer *api.Server

	wake        *notifymemory.Notifier
	subscriber  *notifypubsub.Subscriber
	enrollments *enrollment.PostgresResolver

	postgres        *pgstore.Datastore
	redis           *redis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	gcs             *gcsstorage.BlobStore
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies. Resources opened before a
// failure are released.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
			app = nil
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("enrollment_backend", cfg.Enrollment.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	pool, err := app.setupDatastore(ctx)
	if err != nil {
		return app, err
	}
	resolver, err := app.setupEnrollment(ctx, pool)
	if err != nil {
		return app, err
	}
	notifier, err := app.setupNotifiers(ctx)
	if err != nil {
		return app, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return app, err
	}

	clock := system.New()
	ids := uuid.New()
	hasher := sha256.New()
	opts := fetcher.Options{
		MaxRedirects:                  cfg.Runner.MaxRedirectsPerRegistration,
		EnrollmentCheckDisabled:       cfg.Fetcher.EnrollmentCheckDisabled,
		CoarseEventReportDestinations: cfg.Fetcher.CoarseEventReportDestinations,
		XNAEnabled:                    cfg.Fetcher.XNAEnabled,
		WebContextClientAllowlist:     cfg.Fetcher.WebContextClientAllowlist,
		AdIDBlocklist:                 cfg.Fetcher.AdIDBlocklist,
		JoinKeyAllowlist:              cfg.Fetcher.JoinKeyAllowlist,
	}
	exchanger := app.setupExchanger()

	app.runner = runner.New(
		app.store,
		fetcher.NewSourceFetcher(exchanger, resolver, hasher, opts, logger),
		fetcher.NewTriggerFetcher(exchanger, resolver, hasher, opts, logger),
		debugreport.NewAPI(debugreport.Config{
			Enabled:        cfg.DebugReport.Enabled,
			SourceEnabled:  cfg.DebugReport.SourceEnabled,
			TriggerEnabled: cfg.DebugReport.TriggerEnabled,
		}, ids, clock, logger),
		noise.NewHandler(nil),
		notifier,
		clock,
		ids,
		runner.Config{
			MaxRegistrationsPerInvocation: cfg.Runner.MaxRegistrationsPerInvocation,
			MaxRetriesPerRequest:          cfg.Runner.MaxRetriesPerRequest,
			MaxRedirectsPerRegistration:   cfg.Runner.MaxRedirectsPerRegistration,
			MaxResponsePayloadBytes:       cfg.Telemetry.MaxResponsePayloadBytes,
			Limits: runner.Limits{
				MaxSourcesPerPublisher:    cfg.Admission.MaxSourcesPerPublisher,
				MaxTriggersPerDestination: cfg.Admission.MaxTriggersPerDestination,
				MaxDistinctDestinations:   cfg.Admission.MaxDistinctDestinations,
				MaxDistinctEnrollments:    cfg.Admission.MaxDistinctEnrollments,
			},
		},
		logger,
	)
	app.enqueue = enqueue.NewService(app.store, notifier, clock, ids, logger)
	app.exporter = debugreport.NewExporter(app.store, blobs, cfg.DebugReport.ExportPrefix, logger)
	app.apiServer = api.NewServer(app.enqueue, app.runner, app.pinger, cfg, logger)

	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunPass runs one pass over the registration queue.
func (a *App) RunPass(ctx context.Context) (runner.PassSummary, error) {
	summary, err := a.runner.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("run pass: %w", err)
	}
	return summary, nil
}

// ExportDebugReports drains up to limit queued debug reports to blob storage.
func (a *App) ExportDebugReports(ctx context.Context, limit int) (int, error) {
	n, err := a.exporter.Export(ctx, limit)
	if err != nil {
		return n, fmt.Errorf("export debug reports: %w", err)
	}
	return n, nil
}

// Enroll maps site to enrollmentID in the Postgres enrollment table.
func (a *App) Enroll(ctx context.Context, enrollmentID, site string) error {
	if a.enrollments == nil {
		return ErrNoEnrollmentStore
	}
	if err := a.enrollments.Enroll(ctx, enrollmentID, site); err != nil {
		return fmt.Errorf("enroll %s: %w", site, err)
	}
	return nil
}

func (a *App) setupDatastore(ctx context.Context) (*pgxpool.Pool, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory datastore")
		store := memorystorage.NewDatastore()
		a.store, a.pinger = store, store
		return nil, nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	store, err := pgstore.NewDatastoreWithPool(pool, a.logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres datastore init failed: %w", err)
	}
	a.postgres = store
	a.store, a.pinger = store, store
	if a.cfg.DB.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	a.logger.Info("postgres datastore initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return pool, nil
}

func (a *App) setupEnrollment(ctx context.Context, pool *pgxpool.Pool) (registration.EnrollmentResolver, error) {
	var resolver registration.EnrollmentResolver
	switch a.cfg.Enrollment.Backend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres enrollment backend requires db.dsn")
		}
		pg, err := enrollment.NewPostgresResolver(pool, a.logger)
		if err != nil {
			return nil, fmt.Errorf("enrollment resolver init failed: %w", err)
		}
		a.enrollments = pg
		resolver = pg
	default:
		resolver = enrollment.NewStatic(a.cfg.Enrollment.Sites)
		a.logger.Info("using static enrollment table", zap.Int("sites", len(a.cfg.Enrollment.Sites)))
	}

	client, err := enrollment.NewRedisClient(ctx, enrollment.RedisConfig{
		URL:          a.cfg.Redis.URL,
		PoolSize:     a.cfg.Redis.PoolSize,
		DialTimeout:  a.cfg.Redis.DialTimeout,
		ReadTimeout:  a.cfg.Redis.ReadTimeout,
		WriteTimeout: a.cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	if client == nil {
		return resolver, nil
	}
	a.redis = client
	a.logger.Info("enrollment cache enabled", zap.Duration("ttl", a.cfg.Enrollment.CacheTTL))
	return enrollment.NewCachedResolver(resolver, client, a.cfg.Enrollment.CacheTTL, a.cfg.Enrollment.NegativeTTL, a.logger), nil
}

func (a *App) setupNotifiers(ctx context.Context) (registration.Notifier, error) {
	a.wake = notifymemory.New()
	ps := a.cfg.PubSub
	if ps.ProjectID == "" || (ps.TopicName == "" && ps.SubscriptionName == "") {
		a.logger.Info("no Pub/Sub topic configured, notifications stay in-process")
		return a.wake, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	notifiers := []registration.Notifier{a.wake}
	if ps.TopicName != "" {
		a.pubsubPublisher = a.pubsubClient.Publisher(ps.TopicName)
		notifiers = append(notifiers, notifypubsub.NewNotifier(a.pubsubPublisher))
	}
	if ps.SubscriptionName != "" {
		a.subscriber = notifypubsub.NewSubscriber(a.pubsubClient.Subscriber(ps.SubscriptionName), a.logger)
	}
	a.logger.Info("Pub/Sub notifications initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
		zap.String("subscription", ps.SubscriptionName),
	)
	return notify.NewFanout(notifiers...), nil
}

func (a *App) setupStorage(ctx context.Context) (debugreport.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupExchanger() *fetcher.Exchanger {
	xcfg := fetcher.ExchangeConfig{
		UserAgent: a.cfg.HTTP.UserAgent,
		Timeout:   a.cfg.FetchTimeout(),
	}
	if !a.cfg.RateLimit.Enabled {
		a.logger.Info("rate limiter disabled")
		return fetcher.NewExchanger(xcfg, nil)
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
	)
	return fetcher.NewExchanger(xcfg, ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
	}))
}

// Close releases every resource Build opened.
func (a *App) Close(ctx context.Context) {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	a.postgres.Close()
	if a.tracerShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.tracerShutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
