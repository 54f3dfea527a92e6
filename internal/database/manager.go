// Package database coordinates the daemon's stores: PostgreSQL for the registry snapshot, Redis for
// shared short-lived state and InfluxDB for time series. Every store is optional; a nil client
// turns its operations into no-ops so the daemon keeps running in memory.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ymode/SyntheticCoin-SYNC/internal/database/influx"
	"github.com/ymode/SyntheticCoin-SYNC/internal/database/postgres"
	"github.com/ymode/SyntheticCoin-SYNC/internal/database/redis"
	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/circuit"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/retry"
)

const (
	defaultHashrateWindow  = 10 * time.Minute
	defaultVerificationTTL = 5 * time.Minute
)

// Manager coordinates PostgreSQL, Redis and InfluxDB.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	hashrateWindow  time.Duration
	verificationTTL time.Duration

	pgBreaker    *circuit.Breaker
	redisBreaker *circuit.Breaker
	retryConfig  *retry.Config
	logger       *log.Logger
	now          func() time.Time
}

// Config holds configuration for all database systems. A nil sub-config disables that store.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	HashrateWindow  time.Duration
	VerificationTTL time.Duration
}

// NewManager connects every configured store. Stores that fail to connect are left disabled and
// their errors are returned together; the manager is usable either way.
func NewManager(cfg *Config, logger *log.Logger, m *metrics.Metrics) (*Manager, error) {
	var (
		result *multierror.Error
		pg     *postgres.Client
		rds    *redis.Client
		inf    *influx.Client
		err    error
	)

	if cfg.Postgres != nil {
		if pg, err = postgres.NewClient(cfg.Postgres); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase,
				"postgres_connection", "failed to connect to PostgreSQL"))
		}
	}
	if cfg.Redis != nil {
		if rds, err = redis.NewClient(cfg.Redis); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase,
				"redis_connection", "failed to connect to Redis"))
		}
	}
	if cfg.Influx != nil {
		if inf, err = influx.NewClient(cfg.Influx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase,
				"influx_connection", "failed to connect to InfluxDB"))
		}
	}

	mgr := NewManagerWithClients(pg, rds, inf, logger, m)
	if cfg.HashrateWindow > 0 {
		mgr.hashrateWindow = cfg.HashrateWindow
	}
	if cfg.VerificationTTL > 0 {
		mgr.verificationTTL = cfg.VerificationTTL
	}
	return mgr, result.ErrorOrNil()
}

// NewManagerWithClients assembles a manager from already connected clients, any of which may be nil.
func NewManagerWithClients(pg *postgres.Client, rds *redis.Client, inf *influx.Client, logger *log.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = log.Nop()
	}

	pgConfig := circuit.DefaultConfig("postgres")
	pgConfig.MaxFailures = 3
	pgConfig.SuccessRequired = 2
	pgConfig.OnStateChange = m.BreakerStateChanged

	redisConfig := circuit.DefaultConfig("redis")
	redisConfig.OnStateChange = m.BreakerStateChanged

	return &Manager{
		Postgres:        pg,
		Redis:           rds,
		Influx:          inf,
		hashrateWindow:  defaultHashrateWindow,
		verificationTTL: defaultVerificationTTL,
		pgBreaker:       circuit.New(pgConfig),
		redisBreaker:    circuit.New(redisConfig),
		retryConfig:     retry.DatabaseConfig(),
		logger:          logger.WithComponent("database"),
		now:             time.Now,
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var result *multierror.Error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("postgres close: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis close: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
	return result.ErrorOrNil()
}

// Health checks every enabled store.
func (m *Manager) Health(ctx context.Context) error {
	var result *multierror.Error

	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("postgres: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("influx: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// RecordShare writes share telemetry to InfluxDB and the device's Redis hashrate window.
func (m *Manager) RecordShare(ctx context.Context, share fingerprint.Share) error {
	now := m.now()
	if m.Influx != nil {
		m.Influx.WriteShare(share, now)
	}
	if m.Redis == nil {
		return nil
	}
	return m.redisBreaker.Execute(ctx, func() error {
		if err := m.Redis.RecordHashrate(ctx, share.DeviceID, share.Hashrate, now, m.hashrateWindow); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_hashrate",
				"failed to update hashrate window").
				WithContext("device_id", share.DeviceID)
		}
		return nil
	})
}

// RecordVerification writes a verification outcome to InfluxDB and mirrors it in Redis.
func (m *Manager) RecordVerification(ctx context.Context, ids []string, res verification.Result) error {
	if m.Influx != nil {
		m.Influx.WriteVerification(len(ids), res, m.now())
	}
	if m.Redis == nil {
		return nil
	}
	return m.redisBreaker.Execute(ctx, func() error {
		if err := m.Redis.SetVerification(ctx, ids, res, m.verificationTTL); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "mirror_verification",
				"failed to mirror verification").
				WithContext("devices", len(ids))
		}
		return nil
	})
}

// MirroredVerification reads a result mirrored by any daemon sharing the Redis instance.
func (m *Manager) MirroredVerification(ctx context.Context, ids []string) (verification.Result, bool, error) {
	var res verification.Result
	if m.Redis == nil {
		return res, false, nil
	}
	found, err := m.Redis.GetVerification(ctx, ids, &res)
	return res, found, err
}

// AverageHashrate returns a device's mean reported hashrate over the window, or false without Redis.
func (m *Manager) AverageHashrate(ctx context.Context, deviceID string) (float64, bool, error) {
	if m.Redis == nil {
		return 0, false, nil
	}
	h, err := m.Redis.AverageHashrate(ctx, deviceID, m.now(), m.hashrateWindow)
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}

// CheckRateLimit reports whether key may act again. Without Redis every action is allowed.
func (m *Manager) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	if m.Redis == nil || limit <= 0 {
		return true, nil
	}
	return circuit.ExecuteWithResult(ctx, m.redisBreaker, func() (bool, error) {
		return m.Redis.CheckRateLimit(ctx, key, limit, window)
	})
}

// SaveSnapshot writes the registry's devices, squads and ownership records in one transaction.
func (m *Manager) SaveSnapshot(ctx context.Context, reg *registry.Registry) error {
	if m.Postgres == nil {
		return nil
	}

	devices := reg.Devices()
	squads := reg.Squads()
	owners := reg.Ownerships()

	return m.pgBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := m.Postgres.InTx(ctx, func(q postgres.Querier) error {
				return writeSnapshot(ctx, q, devices, squads, owners)
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "save_snapshot", "failed to write snapshot").
					WithContext("devices", len(devices)).
					WithContext("squads", len(squads))
			}
			return nil
		})
	})
}

func writeSnapshot(ctx context.Context, q postgres.Querier, devices []registry.DeviceRecord, squads []registry.Squad, owners []registry.Ownership) error {
	deviceRepo := postgres.NewDeviceRepository(q)
	for _, d := range devices {
		if err := deviceRepo.Upsert(ctx, d); err != nil {
			return err
		}
	}
	squadRepo := postgres.NewSquadRepository(q)
	for _, sq := range squads {
		if err := squadRepo.Upsert(ctx, sq); err != nil {
			return err
		}
	}
	ownerRepo := postgres.NewOwnershipRepository(q)
	for _, o := range owners {
		if err := ownerRepo.Upsert(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDevices removes evicted devices from the snapshot.
func (m *Manager) DeleteDevices(ctx context.Context, ids []string) error {
	if m.Postgres == nil || len(ids) == 0 {
		return nil
	}
	return m.pgBreaker.Execute(ctx, func() error {
		return postgres.NewDeviceRepository(m.Postgres.DB()).Delete(ctx, ids)
	})
}

// SnapshotCounts reports how many records LoadSnapshot restored.
type SnapshotCounts struct {
	Devices int
	Squads  int
	Owners  int
}

// LoadSnapshot restores the persisted registry into reg.
func (m *Manager) LoadSnapshot(ctx context.Context, reg *registry.Registry) (SnapshotCounts, error) {
	var counts SnapshotCounts
	if m.Postgres == nil {
		return counts, nil
	}

	db := m.Postgres.DB()
	devices, err := postgres.NewDeviceRepository(db).List(ctx)
	if err != nil {
		return counts, errors.Wrap(err, errors.ErrorTypeDatabase, "load_snapshot", "failed to load devices")
	}
	squads, err := postgres.NewSquadRepository(db).List(ctx)
	if err != nil {
		return counts, errors.Wrap(err, errors.ErrorTypeDatabase, "load_snapshot", "failed to load squads")
	}
	owners, err := postgres.NewOwnershipRepository(db).List(ctx)
	if err != nil {
		return counts, errors.Wrap(err, errors.ErrorTypeDatabase, "load_snapshot", "failed to load ownership")
	}

	counts.Devices = reg.Restore(devices)
	counts.Squads = reg.RestoreSquads(squads)
	counts.Owners = reg.RestoreOwnerships(owners)
	m.logger.Info("registry snapshot loaded",
		"devices", counts.Devices, "squads", counts.Squads, "owners", counts.Owners)
	return counts, nil
}

// StartPeriodicTasks snapshots the registry every interval and writes registry stats to InfluxDB.
func (m *Manager) StartPeriodicTasks(ctx context.Context, reg *registry.Registry, interval, activeWindow time.Duration) {
	if m.Postgres != nil && interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := m.SaveSnapshot(ctx, reg); err != nil {
						m.logger.WithError(err).Warn("registry snapshot failed")
					}
				}
			}
		}()
	}

	if m.Influx != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.WriteRegistryStats(reg.Stats(activeWindow), m.now())
					m.Influx.Flush()
				}
			}
		}()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err, ok := <-m.Influx.Errors():
					if !ok {
						return
					}
					m.logger.WithError(err).Warn("influx write failed")
				}
			}
		}()
	}
}
