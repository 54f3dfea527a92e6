// Package main implements poddd, the Proof-of-Device-Distribution daemon.
// It keeps the device registry, folds share telemetry into fingerprints and serves
// verification, squad and ownership operations over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ymode/SyntheticCoin-SYNC/internal/api"
	"github.com/ymode/SyntheticCoin-SYNC/internal/config"
	"github.com/ymode/SyntheticCoin-SYNC/internal/database"
	"github.com/ymode/SyntheticCoin-SYNC/internal/database/influx"
	"github.com/ymode/SyntheticCoin-SYNC/internal/database/postgres"
	"github.com/ymode/SyntheticCoin-SYNC/internal/database/redis"
	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/messaging"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/internal/ownership"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/squad"
	"github.com/ymode/SyntheticCoin-SYNC/internal/telemetry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.NewWithOptions(cfg.ServiceName, cfg.Version, log.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	logger.Info("starting poddd",
		"version", cfg.Version,
		"listen", cfg.Addr(),
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	daemon, err := NewDaemon(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		logger.WithError(err).Error("failed to build daemon")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := daemon.Start(ctx); err != nil {
			logger.WithError(err).Error("daemon failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poddd stopped")
}

// Daemon wires the registry, its feeds and the HTTP API together.
type Daemon struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.Metrics

	registry *registry.Registry
	engine   *verification.Engine
	squads   *squad.Service
	owners   *ownership.Service
	ingester *telemetry.Ingester
	store    *database.Manager
	kafka    *messaging.KafkaClient
	zmq      *telemetry.Subscriber
	server   *http.Server

	feeds     context.Context
	stopFeeds context.CancelFunc
	feedWG    sync.WaitGroup

	ready chan struct{}
	addr  net.Addr
}

// NewDaemon builds every component. Unreachable stores are logged and left disabled.
func NewDaemon(cfg *config.Config, logger *log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Daemon, error) {
	m := metrics.New(reg)

	devices := registry.New(registry.Config{
		MinSquadSize:  cfg.MinSquadSize,
		MaxSquadSize:  cfg.MaxSquadSize,
		BonusCooldown: cfg.RewardCooldown,
	}, nil, logger, m)

	engine, err := verification.New(devices, verification.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		CacheSize:           cfg.VerificationCacheSize,
		CacheTTL:            cfg.VerificationCacheTTL,
	}, logger, m)
	if err != nil {
		return nil, err
	}

	params, err := ownership.ParamsForNetwork(cfg.OwnerNetwork)
	if err != nil {
		return nil, err
	}

	storeCfg, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := database.NewManager(storeCfg, logger, m)
	if err != nil {
		logger.WithError(err).Warn("some stores are unavailable, continuing without them")
	}

	var (
		kafkaClient *messaging.KafkaClient
		events      *messaging.EventPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger, m)
		events = messaging.NewEventPublisher(kafkaClient)
	}

	ingester := telemetry.NewIngester(devices,
		telemetry.NewValidator(cfg.MinShareDifficulty, cfg.MaxShareDifficulty),
		telemetry.Config{Workers: cfg.WorkerPoolSize, QueueSize: cfg.ShareQueueSize},
		logger, m, store)

	squads := squad.NewService(devices, engine, logger, m)
	owners := ownership.NewService(devices, params, cfg.RequireOwnerSignatures, logger)

	srv := api.NewServer(api.Deps{
		Registry: devices,
		Engine:   engine,
		Squads:   squads,
		Owners:   owners,
		Ingester: ingester,
		Store:    store,
		Events:   events,
		Gatherer: gatherer,
		Metrics:  m,
		Logger:   logger,
	}, api.Options{
		MaxDevicesPerIP:    cfg.MaxDevicesPerIP,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		ActiveWindow:       cfg.ActiveWindow,
	})

	feeds, stopFeeds := context.WithCancel(context.Background())

	return &Daemon{
		cfg:      cfg,
		logger:   logger.WithComponent("poddd"),
		metrics:  m,
		registry: devices,
		engine:   engine,
		squads:   squads,
		owners:   owners,
		ingester: ingester,
		store:    store,
		kafka:    kafkaClient,
		server: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      srv.Handler(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		feeds:     feeds,
		stopFeeds: stopFeeds,
		ready:     make(chan struct{}),
	}, nil
}

func storeConfig(cfg *config.Config) (*database.Config, error) {
	out := &database.Config{
		HashrateWindow:  cfg.HashrateWindow,
		VerificationTTL: cfg.VerificationCacheTTL,
	}
	if cfg.PostgresURL != "" {
		out.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30 * time.Minute,
		}
	}
	if cfg.RedisURL != "" {
		rc, err := redis.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		out.Redis = rc
	}
	if cfg.InfluxURL != "" {
		out.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return out, nil
}

// Start restores the registry, starts the feeds and serves HTTP until Shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.stopFeeds()
	}()

	d.restore(ctx)
	d.store.StartPeriodicTasks(d.feeds, d.registry, d.cfg.SnapshotInterval, d.cfg.ActiveWindow)
	d.ingester.Start(ctx)

	if d.kafka != nil {
		d.goFeed(func() {
			err := d.kafka.StartConsumer(d.feeds, messaging.TopicShares, d.cfg.KafkaGroupID, d.handleKafkaShare)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.WithError(err).Error("share consumer stopped")
			}
		})
	}

	if d.cfg.ZMQEndpoint != "" {
		if err := d.startZMQ(); err != nil {
			return err
		}
	}

	if d.cfg.IdleDeviceExpiry > 0 {
		d.goFeed(d.evictLoop)
	}

	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.server.Addr, err)
	}
	d.addr = ln.Addr()
	close(d.ready)

	d.logger.Info("serving HTTP API", "addr", d.addr.String())
	if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready is closed once the HTTP listener is bound.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr is the bound HTTP address, valid after Ready.
func (d *Daemon) Addr() net.Addr {
	return d.addr
}

func (d *Daemon) restore(ctx context.Context) {
	if d.store.Postgres == nil {
		return
	}
	if err := d.store.Postgres.Migrate(ctx); err != nil {
		d.logger.WithError(err).Warn("schema migration failed")
		return
	}
	if _, err := d.store.LoadSnapshot(ctx, d.registry); err != nil {
		d.logger.WithError(err).Warn("registry snapshot not loaded, starting empty")
	}
}

func (d *Daemon) startZMQ() error {
	sub, err := telemetry.NewSubscriber(d.cfg.ZMQEndpoint, d.logger)
	if err != nil {
		return err
	}
	if err := sub.Connect(); err != nil {
		_ = sub.Close()
		return err
	}
	d.zmq = sub

	d.goFeed(func() {
		if err := sub.Listen(d.feeds, d.handleZMQShare); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.WithError(err).Error("ZMQ listener stopped")
		}
	})
	return nil
}

func (d *Daemon) goFeed(fn func()) {
	d.feedWG.Add(1)
	go func() {
		defer d.feedWG.Done()
		fn()
	}()
}

// handleKafkaShare blocks on the worker pool so a slow registry applies backpressure to the consumer.
func (d *Daemon) handleKafkaShare(ctx context.Context, _ string, value []byte) error {
	share, err := messaging.DecodeShare(value)
	if err != nil {
		d.metrics.ShareRejected("malformed")
		return err
	}
	return d.ingester.Ingest(ctx, share, telemetry.SourceKafka)
}

func (d *Daemon) handleZMQShare(share fingerprint.Share) error {
	return d.ingester.Submit(share, telemetry.SourceZMQ)
}

func (d *Daemon) evictLoop() {
	interval := d.cfg.IdleDeviceExpiry / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.feeds.Done():
			return
		case <-ticker.C:
			evicted := d.registry.EvictIdle(d.cfg.IdleDeviceExpiry)
			if err := d.store.DeleteDevices(d.feeds, evicted); err != nil {
				d.logger.WithError(err).Warn("evicted devices not removed from snapshot")
			}
		}
	}
}

// Shutdown stops the API, drains the feeds and worker pool, saves a final snapshot and closes the stores.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := d.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}

	d.stopFeeds()
	feedsDone := make(chan struct{})
	go func() {
		d.feedWG.Wait()
		close(feedsDone)
	}()
	select {
	case <-feedsDone:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("feeds: %w", ctx.Err()))
	}

	if err := d.ingester.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("ingester: %w", err))
	}
	if d.zmq != nil {
		if err := d.zmq.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("zmq close: %w", err))
		}
	}
	if err := d.store.SaveSnapshot(ctx, d.registry); err != nil {
		result = multierror.Append(result, fmt.Errorf("final snapshot: %w", err))
	}
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("kafka close: %w", err))
		}
	}
	if err := d.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
