package registry

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
)

// Squad is a group of small devices sharing rewards equally.
type Squad struct {
	ID            string    `json:"squad_id"`
	Members       []string  `json:"members"`
	CreatedAt     time.Time `json:"created_at"`
	TotalHashrate float64   `json:"total_hashrate"`
	BlocksFound   uint64    `json:"blocks_found"`
}

func (s *Squad) clone() Squad {
	c := *s
	c.Members = slices.Clone(s.Members)
	return c
}

// AddDevice appends id unless it is already a member or the squad holds limit members.
func (s *Squad) AddDevice(id string, limit int) bool {
	if len(s.Members) >= limit || slices.Contains(s.Members, id) {
		return false
	}
	s.Members = append(s.Members, id)
	return true
}

// RemoveDevice drops id from the squad.
func (s *Squad) RemoveDevice(id string) bool {
	i := slices.Index(s.Members, id)
	if i < 0 {
		return false
	}
	s.Members = slices.Delete(s.Members, i, i+1)
	return true
}

// RewardShare returns the fraction of squad rewards owed to id: 1/N for members, 0 otherwise.
func (s *Squad) RewardShare(id string) float64 {
	if len(s.Members) == 0 || !slices.Contains(s.Members, id) {
		return 0
	}
	return 1.0 / float64(len(s.Members))
}

// SquadGate inspects the member fingerprints of a prospective squad. A non-nil error
// aborts the change. It runs under the registry write lock and must not call back
// into the registry.
type SquadGate func(members []*fingerprint.Fingerprint) error

// CreateSquad validates ids, runs gate on a consistent snapshot and stores the new squad,
// all under one write lock.
func (r *Registry) CreateSquad(ids []string, gate SquadGate) (Squad, error) {
	if n := len(ids); n < r.config.MinSquadSize || n > r.config.MaxSquadSize {
		return Squad{}, fmt.Errorf("%w: %d members, want %d-%d",
			ErrInvalidSquadSize, n, r.config.MinSquadSize, r.config.MaxSquadSize)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return Squad{}, fmt.Errorf("%w: %s", ErrDuplicateSquadMember, id)
		}
		seen[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.devices[id]; !ok {
			return Squad{}, fmt.Errorf("%w: %s", ErrUnregisteredSquadMember, id)
		}
	}

	fps, _ := r.snapshotLocked(ids)
	if gate != nil {
		if err := gate(fps); err != nil {
			return Squad{}, err
		}
	}

	now := r.clock.Now()
	s := &Squad{
		ID:        r.nextSquadIDLocked(now),
		Members:   slices.Clone(ids),
		CreatedAt: now,
	}
	for _, fp := range fps {
		s.TotalHashrate += fp.AverageHashrate
	}
	r.squads[s.ID] = s

	return s.clone(), nil
}

// nextSquadIDLocked derives SQUAD_<unix-nanos>, bumped past the previous id when the clock
// has not advanced.
func (r *Registry) nextSquadIDLocked(now time.Time) string {
	nanos := now.UnixNano()
	if nanos <= r.lastSquad {
		nanos = r.lastSquad + 1
	}
	r.lastSquad = nanos
	return fmt.Sprintf("%s%d", squadIDPrefix, nanos)
}

// Squad returns a copy of the squad.
func (r *Registry) Squad(id string) (Squad, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.squads[id]
	if !ok {
		return Squad{}, false
	}
	return s.clone(), true
}

// Squads returns copies of every squad ordered by id.
func (r *Registry) Squads() []Squad {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Squad, 0, len(r.squads))
	for _, s := range r.squads {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddSquadMember adds a registered device to an existing squad. gate sees the full
// prospective membership.
func (r *Registry) AddSquadMember(squadID, deviceID string, gate SquadGate) (Squad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.squads[squadID]
	if !ok {
		return Squad{}, ErrSquadNotFound
	}
	if _, ok := r.devices[deviceID]; !ok {
		return Squad{}, fmt.Errorf("%w: %s", ErrUnregisteredSquadMember, deviceID)
	}
	if slices.Contains(s.Members, deviceID) {
		return Squad{}, ErrAlreadyMember
	}
	if len(s.Members) >= r.config.MaxSquadSize {
		return Squad{}, ErrSquadFull
	}

	fps, _ := r.snapshotLocked(append(slices.Clone(s.Members), deviceID))
	if gate != nil {
		if err := gate(fps); err != nil {
			return Squad{}, err
		}
	}

	s.AddDevice(deviceID, r.config.MaxSquadSize)
	s.TotalHashrate = r.hashrateLocked(s.Members)
	return s.clone(), nil
}

// RemoveSquadMember drops a device from a squad, refusing to shrink it below the minimum size.
func (r *Registry) RemoveSquadMember(squadID, deviceID string) (Squad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.squads[squadID]
	if !ok {
		return Squad{}, ErrSquadNotFound
	}
	if !slices.Contains(s.Members, deviceID) {
		return Squad{}, ErrNotMember
	}
	if len(s.Members)-1 < r.config.MinSquadSize {
		return Squad{}, fmt.Errorf("%w: squad would drop below %d members", ErrInvalidSquadSize, r.config.MinSquadSize)
	}

	s.RemoveDevice(deviceID)
	s.TotalHashrate = r.hashrateLocked(s.Members)
	return s.clone(), nil
}

// RecordBlockFound increments the squad's block counter.
func (r *Registry) RecordBlockFound(squadID string) (Squad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.squads[squadID]
	if !ok {
		return Squad{}, ErrSquadNotFound
	}
	s.BlocksFound++
	return s.clone(), nil
}

// RewardShare returns the member's share of the squad reward, 0 for unknown squads or non-members.
func (r *Registry) RewardShare(squadID, deviceID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.squads[squadID]
	if !ok {
		return 0
	}
	if len(s.Members) == 0 {
		panic(fmt.Sprintf("registry: squad %s has no members", squadID))
	}
	return s.RewardShare(deviceID)
}

// RestoreSquads loads persisted squads, skipping ids already present.
func (r *Registry) RestoreSquads(squads []Squad) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, s := range squads {
		if _, ok := r.squads[s.ID]; ok || s.ID == "" || len(s.Members) == 0 {
			continue
		}
		c := s.clone()
		r.squads[s.ID] = &c
		if nanos, err := strconv.ParseInt(strings.TrimPrefix(c.ID, squadIDPrefix), 10, 64); err == nil && nanos > r.lastSquad {
			r.lastSquad = nanos
		}
		restored++
	}
	return restored
}

func (r *Registry) hashrateLocked(ids []string) float64 {
	total := 0.0
	for _, id := range ids {
		if d, ok := r.devices[id]; ok {
			total += d.fp.AverageHashrate
		}
	}
	return total
}
