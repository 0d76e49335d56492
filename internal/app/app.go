// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the provisioning service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-account-provisioner/internal/api"
	"github.com/JakeFAU/realtime-account-provisioner/internal/automation"
	"github.com/JakeFAU/realtime-account-provisioner/internal/clock/system"
	"github.com/JakeFAU/realtime-account-provisioner/internal/config"
	"github.com/JakeFAU/realtime-account-provisioner/internal/emitter"
	"github.com/JakeFAU/realtime-account-provisioner/internal/engine"
	idgen "github.com/JakeFAU/realtime-account-provisioner/internal/id/uuid"
	"github.com/JakeFAU/realtime-account-provisioner/internal/poller"
	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/progress/sinks"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
	pubsubpub "github.com/JakeFAU/realtime-account-provisioner/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-account-provisioner/internal/proxyhealth"
	"github.com/JakeFAU/realtime-account-provisioner/internal/reconcile"
	"github.com/JakeFAU/realtime-account-provisioner/internal/registry"
	"github.com/JakeFAU/realtime-account-provisioner/internal/risk"
	"github.com/JakeFAU/realtime-account-provisioner/internal/storage/gcs"
	"github.com/JakeFAU/realtime-account-provisioner/internal/storage/memory"
	"github.com/JakeFAU/realtime-account-provisioner/internal/storage/postgres"
	"github.com/JakeFAU/realtime-account-provisioner/internal/stream"
	"github.com/JakeFAU/realtime-account-provisioner/internal/telemetry"
)

// snapshotStore combines the read and write halves of subject persistence.
type snapshotStore interface {
	provision.SnapshotReader
	provision.SnapshotWriter
}

// App holds every long-lived service. It is initialized once at startup and
// fails fast if a critical dependency cannot be reached.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	metrics   *prometheus.Registry
	jobs      provision.JobStore
	snapshots snapshotStore
	bus       registry.Bus
	registry  *registry.Registry
	streams   *stream.Streams
	hub       *progress.Hub
	engine    *engine.Engine
	risk      *risk.Aggregator
	poller    *poller.Poller
	watchers  []*reconcile.Subscriber
	server    *http.Server
	publisher *pubsubpub.Publisher
	tracing   *sdktrace.TracerProvider
}

// New builds the service graph from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	tp, err := telemetry.Init(ctx, "account-provisioner")
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	a.tracing = tp

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.jobs = memory.NewJobStore()
	if err := a.initSnapshots(ctx); err != nil {
		return nil, err
	}

	blobs, err := a.initBlobs(ctx)
	if err != nil {
		return nil, err
	}

	a.registry = registry.New(registry.Config{
		SubscriberBuffer: cfg.Registry.SubscriberBuffer,
		Logger:           logger.Named("registry"),
	})
	if err := a.initBus(ctx); err != nil {
		return nil, err
	}
	a.streams = stream.NewStreams(stream.Config{
		FrameBuffer: cfg.Stream.FrameBuffer,
		Logger:      logger.Named("stream"),
	})

	hubSinks, err := a.buildSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("hub")}, hubSinks...)

	adapter := emitter.New(a.streams, a.bus, a.hub, logger.Named("emitter"))
	a.engine = engine.New(
		a.jobs,
		adapter,
		blobs,
		system.New(),
		idgen.New(),
		engine.Config{InlineResultLimit: cfg.Engine.InlineResultLimit},
		logger.Named("engine"),
	)

	if err := a.initPoller(adapter); err != nil {
		return nil, err
	}
	a.initWatchers()

	automator := automation.NewScripted(a.engine, nil, nil, logger.Named("automation"))
	srv := api.NewServer(
		ctx,
		a.engine,
		a.jobs,
		a.snapshots,
		a.streams,
		a.registry,
		automator,
		a.metrics,
		cfg,
		logger.Named("api"),
	)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Int("watched_subjects", len(cfg.Watch.Subjects)),
	)
	return a, nil
}

func (a *App) initSnapshots(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory snapshot store")
		a.snapshots = memory.NewSnapshotStore()
		return nil
	}
	a.logger.Info("connecting to postgres")
	store, err := postgres.NewSnapshotStore(ctx, postgres.SnapshotStoreConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return fmt.Errorf("initialize snapshot store: %w", err)
	}
	a.snapshots = store
	return nil
}

func (a *App) initBlobs(ctx context.Context) (provision.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		a.logger.Info("no GCS bucket configured, results are always inlined")
		return nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := gcs.New(client, gcs.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize blob store: %w", err)
	}
	return store, nil
}

func (a *App) initBus(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		a.bus = registry.NewMemoryBus()
		return nil
	}
	a.logger.Info("connecting to redis", zap.String("addr", a.cfg.Redis.Addr))
	bus, err := registry.NewRedisBus(ctx, registry.RedisBusConfig{
		Addr:    a.cfg.Redis.Addr,
		Channel: a.cfg.Redis.Channel,
	}, a.logger.Named("bus"))
	if err != nil {
		return fmt.Errorf("initialize redis bus: %w", err)
	}
	a.bus = bus
	return nil
}

func (a *App) buildSinks(ctx context.Context) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(a.metrics)
	if err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	a.risk = risk.New(nil, a.metrics, a.logger.Named("risk"))

	out := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
		a.risk,
	}
	if a.cfg.PubSub.Enabled {
		pub, err := pubsubpub.New(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		a.publisher = pub
		out = append(out, sinks.NewPublisherSink(pub, a.logger.Named("pubsub")))
	}
	return out, nil
}

func (a *App) initPoller(adapter *emitter.Adapter) error {
	var probe provision.ProxyProbe
	if a.cfg.Poll.ProbeURL != "" {
		p, err := proxyhealth.New(proxyhealth.Config{
			URL:    a.cfg.Poll.ProbeURL,
			Logger: a.logger.Named("proxyhealth"),
		})
		if err != nil {
			return fmt.Errorf("initialize prober: %w", err)
		}
		probe = p
	}
	a.poller = poller.New(probe, a.snapshots, adapter, system.New(), poller.Config{
		Interval: a.cfg.PollInterval(),
		Subjects: a.cfg.Watch.Subjects,
		Logger:   a.logger.Named("poller"),
	})
	return nil
}

// initWatchers builds one reconciler subscriber per configured subject.
// Their merged state is what the risk aggregator and local consumers read.
func (a *App) initWatchers() {
	for _, subject := range a.cfg.Watch.Subjects {
		rec := reconcile.NewReconciler(subject, a.logger.Named("reconcile"))
		a.watchers = append(a.watchers, reconcile.NewSubscriber(
			subject,
			a.registry,
			a.snapshots,
			rec,
			reconcile.SubscriberConfig{
				ReconnectDelay: a.cfg.ReconnectDelay(),
				MaxReconnects:  a.cfg.Reconnect.MaxAttempts,
				Logger:         a.logger.Named("reconcile"),
			},
		))
	}
}

// Run starts every service and blocks until ctx is canceled or a component
// fails. Shutdown is graceful: the HTTP server drains first, then the hub
// flushes its remaining batches.
func (a *App) Run(ctx context.Context) error {
	if err := a.bus.StartForwarder(ctx, a.registry.Publish); err != nil {
		return fmt.Errorf("start bus forwarder: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.poller.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	for _, w := range a.watchers {
		g.Go(func() error {
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// A watcher that exhausts its reconnect budget is terminal for
			// that subject but not for the process.
			if errors.Is(err, provision.ErrTransportDisconnected) {
				a.logger.Error("subject watcher disconnected", zap.Error(err))
				return nil
			}
			return err
		})
	}

	if retention := a.cfg.JobRetention(); retention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(retention)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := a.engine.Sweep(ctx, retention); err != nil {
						a.logger.Warn("retention sweep", zap.Error(err))
					}
				}
			}
		})
	}

	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("closing event hub", zap.Error(err))
	}
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("closing broadcast bus", zap.Error(err))
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("closing pubsub publisher", zap.Error(err))
		}
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("shutting down tracer provider", zap.Error(err))
	}
	_ = a.logger.Sync()
}
