package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

// Share sources, used as metric and log labels.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
	SourceZMQ   = "zmq"
)

var (
	// ErrQueueFull is returned by Submit when the worker queue has no room.
	ErrQueueFull = errors.New("share queue full")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("ingester shutting down")
)

// Updater folds a share into a registered device's fingerprint.
type Updater interface {
	UpdateFingerprint(id string, share fingerprint.Share) bool
}

// Sink receives every share accepted into the registry.
type Sink interface {
	RecordShare(ctx context.Context, share fingerprint.Share) error
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Ingester validates shares and applies them to the registry from a pool of workers.
type Ingester struct {
	updater   Updater
	validator *Validator
	sinks     []Sink
	logger    *log.Logger
	metrics   *metrics.Metrics
	workers   int

	queue     chan *submission
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type submission struct {
	share  fingerprint.Share
	source string
	result chan error
}

// NewIngester creates an ingester. logger and m may be nil.
func NewIngester(updater Updater, validator *Validator, cfg Config, logger *log.Logger, m *metrics.Metrics, sinks ...Sink) *Ingester {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 10
	}

	return &Ingester{
		updater:   updater,
		validator: validator,
		sinks:     sinks,
		logger:    logger.WithComponent("telemetry"),
		metrics:   m,
		workers:   cfg.Workers,
		queue:     make(chan *submission, cfg.QueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Shutdown is called.
func (in *Ingester) Start(ctx context.Context) {
	in.logger.Info("share ingester starting", "workers", in.workers)
	for i := range in.workers {
		in.wg.Add(1)
		go in.worker(ctx, i)
	}
}

// Shutdown stops accepting shares and waits for the workers to drain.
func (in *Ingester) Shutdown(ctx context.Context) error {
	in.closeOnce.Do(func() {
		close(in.done)
		go func() {
			in.wg.Wait()
			close(in.stopped)
		}()
	})

	select {
	case <-in.stopped:
		in.logger.Info("share ingester stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a share without waiting for it to be applied.
func (in *Ingester) Submit(share fingerprint.Share, source string) error {
	select {
	case <-in.done:
		return ErrShuttingDown
	default:
	}

	select {
	case in.queue <- &submission{share: share, source: source}:
		return nil
	default:
		in.metrics.ShareRejected("queue_full")
		return ErrQueueFull
	}
}

// Ingest queues a share and waits for the outcome.
func (in *Ingester) Ingest(ctx context.Context, share fingerprint.Share, source string) error {
	sub := &submission{share: share, source: source, result: make(chan error, 1)}

	select {
	case <-in.done:
		return ErrShuttingDown
	default:
	}

	select {
	case in.queue <- sub:
	case <-ctx.Done():
		return ctx.Err()
	case <-in.done:
		return ErrShuttingDown
	}

	select {
	case err := <-sub.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-in.stopped:
		select {
		case err := <-sub.result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

func (in *Ingester) worker(ctx context.Context, id int) {
	defer in.wg.Done()
	logger := in.logger.WithFields("worker_id", id)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			in.drain(ctx)
			return
		case sub := <-in.queue:
			in.handle(ctx, sub)
		}
	}
}

// drain processes whatever is already queued.
func (in *Ingester) drain(ctx context.Context) {
	for {
		select {
		case sub := <-in.queue:
			in.handle(ctx, sub)
		default:
			return
		}
	}
}

func (in *Ingester) handle(ctx context.Context, sub *submission) {
	err := in.Process(ctx, sub.share, sub.source)
	if sub.result != nil {
		sub.result <- err
	}
}

// Process validates one share and applies it to the registry on the calling goroutine.
func (in *Ingester) Process(ctx context.Context, share fingerprint.Share, source string) error {
	start := time.Now()
	logger := in.logger.WithDevice(share.DeviceID)

	if err := in.validator.Validate(&share); err != nil {
		in.metrics.ShareRejected("invalid")
		logger.WithError(err).Debug("share rejected", "source", source)
		return err
	}
	if !in.updater.UpdateFingerprint(share.DeviceID, share) {
		in.metrics.ShareRejected("unknown_device")
		logger.Debug("share from unregistered device", "source", source)
		return registry.ErrDeviceUnknown
	}

	in.metrics.ShareIngested(source)
	logger.LogShareTelemetry(share.DeviceID, share.Nonce, share.Hashrate, source)

	for _, sink := range in.sinks {
		if err := sink.RecordShare(ctx, share); err != nil {
			logger.WithError(err).Warn("share sink failed")
		}
	}
	logger.LogDuration("share_ingest", time.Since(start).Nanoseconds())
	return nil
}
