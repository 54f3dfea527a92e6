// Package registry holds registered device fingerprints, squads and ownership records.
// It is the only mutable shared state of the PoDD engine; every read returns copies.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

// Reward multiplier parameters.
const (
	BonusCooldown       = 24 * time.Hour
	ActiveWindow        = 10 * time.Minute
	BaseMultiplier      = 1.0
	VerifiedMultiplier  = 1.1
	ActivityBonus       = 0.05
	EfficiencyBonus     = 0.05
	EfficiencyThreshold = 100.0 // GH/s per watt
)

// Network defaults for squads and per-IP registration.
const (
	DefaultMinSquadSize = 2
	DefaultMaxSquadSize = 10
	DefaultMaxDevicesIP = 5
	squadIDPrefix       = "SQUAD_"
)

// Clock supplies the current time. time.Now readings carry a monotonic component.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config bounds squad membership and the reward cooldown.
type Config struct {
	MinSquadSize  int
	MaxSquadSize  int
	BonusCooldown time.Duration
}

// DefaultConfig returns the network defaults.
func DefaultConfig() Config {
	return Config{
		MinSquadSize:  DefaultMinSquadSize,
		MaxSquadSize:  DefaultMaxSquadSize,
		BonusCooldown: BonusCooldown,
	}
}

type device struct {
	fp           *fingerprint.Fingerprint
	registeredAt time.Time
	revision     uint64
}

// Registry is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	devices   map[string]*device
	squads    map[string]*Squad
	owners    map[string]*Ownership
	byOwner   map[string]map[string]struct{}
	revision  uint64
	lastSquad int64

	clock   Clock
	config  Config
	logger  *log.Logger
	metrics *metrics.Metrics
}

// New creates an empty registry. clock, logger and m may be nil.
func New(config Config, clock Clock, logger *log.Logger, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	if config.MinSquadSize <= 0 {
		config.MinSquadSize = DefaultMinSquadSize
	}
	if config.MaxSquadSize < config.MinSquadSize {
		config.MaxSquadSize = DefaultMaxSquadSize
	}
	if config.BonusCooldown <= 0 {
		config.BonusCooldown = BonusCooldown
	}

	return &Registry{
		devices: make(map[string]*device),
		squads:  make(map[string]*Squad),
		owners:  make(map[string]*Ownership),
		byOwner: make(map[string]map[string]struct{}),
		clock:   clock,
		config:  config,
		logger:  logger.WithComponent("registry"),
		metrics: m,
	}
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Register stores fp under id, stamping the registration time.
func (r *Registry) Register(id string, fp *fingerprint.Fingerprint) error {
	return r.RegisterCapped(id, fp, 0)
}

// RegisterCapped is Register that also refuses the device when perIP devices already report
// its IP address. perIP <= 0 or an empty address disables the cap.
func (r *Registry) RegisterCapped(id string, fp *fingerprint.Fingerprint, perIP int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; ok {
		r.metrics.Registration(false)
		return ErrDeviceAlreadyRegistered
	}
	if perIP > 0 && fp != nil && fp.IPAddress != "" && r.devicesByIPLocked(fp.IPAddress) >= perIP {
		r.metrics.Registration(false)
		return fmt.Errorf("%w: %s", ErrTooManyDevicesPerIP, fp.IPAddress)
	}

	stored := fp.Clone()
	if stored == nil {
		stored = &fingerprint.Fingerprint{}
	}
	stored.DeviceID = id

	r.revision++
	r.devices[id] = &device{fp: stored, registeredAt: r.clock.Now(), revision: r.revision}

	r.metrics.Registration(true)
	r.metrics.SetRegisteredDevices(len(r.devices))
	r.logger.WithDevice(id).Info("device registered", "ip", stored.IPAddress, "firmware", stored.FirmwareVersion)
	return nil
}

// RegisterDevice stores fp under id. It returns false, without mutating anything, on a duplicate id.
func (r *Registry) RegisterDevice(id string, fp *fingerprint.Fingerprint) bool {
	return r.Register(id, fp) == nil
}

// UpdateFingerprint folds one share into the device's fingerprint. Unknown ids are
// ignored; the return value reports whether the device was found.
func (r *Registry) UpdateFingerprint(id string, share fingerprint.Share) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}

	d.fp.Apply(share, r.clock.Now())
	r.revision++
	d.revision = r.revision
	return true
}

// Fingerprint returns a copy of the device's fingerprint.
func (r *Registry) Fingerprint(id string) (*fingerprint.Fingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return d.fp.Clone(), true
}

// RegisteredAt returns when id was registered.
func (r *Registry) RegisteredAt(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return time.Time{}, false
	}
	return d.registeredAt, true
}

// Fingerprints resolves ids in order, skipping unknown ones, and reports the revision
// of every requested id (0 when unknown).
func (r *Registry) Fingerprints(ids []string) ([]*fingerprint.Fingerprint, map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(ids)
}

func (r *Registry) snapshotLocked(ids []string) ([]*fingerprint.Fingerprint, map[string]uint64) {
	fps := make([]*fingerprint.Fingerprint, 0, len(ids))
	revisions := make(map[string]uint64, len(ids))
	for _, id := range ids {
		d, ok := r.devices[id]
		if !ok {
			revisions[id] = 0
			continue
		}
		fps = append(fps, d.fp.Clone())
		revisions[id] = d.revision
	}
	return fps, revisions
}

// Revisions reports the current revision of each id (0 when unknown).
func (r *Registry) Revisions(ids []string) map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	revisions := make(map[string]uint64, len(ids))
	for _, id := range ids {
		if d, ok := r.devices[id]; ok {
			revisions[id] = d.revision
		} else {
			revisions[id] = 0
		}
	}
	return revisions
}

// GetDeviceRewardMultiplier returns the reward multiplier earned by id.
func (r *Registry) GetDeviceRewardMultiplier(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return BaseMultiplier
	}

	now := r.clock.Now()
	if now.Sub(d.registeredAt) < r.config.BonusCooldown {
		return BaseMultiplier
	}

	multiplier := VerifiedMultiplier
	if now.Sub(d.fp.LastSeen) < ActiveWindow {
		multiplier += ActivityBonus
	}

	fp := d.fp
	if fp.PowerConsumptionWatts > 0 && fp.AverageHashrate > 0 &&
		fp.AverageHashrate/fp.PowerConsumptionWatts > EfficiencyThreshold {
		multiplier += EfficiencyBonus
	}
	return multiplier
}

// GetDeviceHashrate returns the device's latest reported hashrate, or 0 when unknown.
func (r *Registry) GetDeviceHashrate(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.devices[id]; ok {
		return d.fp.AverageHashrate
	}
	return 0
}

// DeviceIDs returns every registered id, sorted.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EvictIdle removes devices not seen for longer than maxIdle (registration time counts
// as the last sighting for devices that never sent a share). Squads keep their member ids.
func (r *Registry) EvictIdle(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var evicted []string
	for id, d := range r.devices {
		last := d.fp.LastSeen
		if last.Before(d.registeredAt) {
			last = d.registeredAt
		}
		if now.Sub(last) > maxIdle {
			delete(r.devices, id)
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		sort.Strings(evicted)
		r.metrics.SetRegisteredDevices(len(r.devices))
		r.logger.Info("evicted idle devices", "count", len(evicted), "max_idle", maxIdle.String())
	}
	return evicted
}

// DeviceRecord is the persisted form of one registered device.
type DeviceRecord struct {
	ID           string                   `json:"id"`
	Fingerprint  *fingerprint.Fingerprint `json:"fingerprint"`
	RegisteredAt time.Time                `json:"registered_at"`
}

// Devices exports copies of every registered device.
func (r *Registry) Devices() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceRecord, 0, len(r.devices))
	for id, d := range r.devices {
		out = append(out, DeviceRecord{ID: id, Fingerprint: d.fp.Clone(), RegisteredAt: d.registeredAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads previously persisted devices, keeping their registration times.
// Ids already present are skipped. It returns the number restored.
func (r *Registry) Restore(records []DeviceRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if _, ok := r.devices[rec.ID]; ok || rec.ID == "" {
			continue
		}
		fp := rec.Fingerprint.Clone()
		if fp == nil {
			fp = &fingerprint.Fingerprint{}
		}
		fp.DeviceID = rec.ID

		r.revision++
		r.devices[rec.ID] = &device{fp: fp, registeredAt: rec.RegisteredAt, revision: r.revision}
		restored++
	}

	r.metrics.SetRegisteredDevices(len(r.devices))
	return restored
}
