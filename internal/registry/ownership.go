package registry

import (
	"slices"
	"sort"
	"time"
)

// Ownership is the manufacturer and owner record of one device.
type Ownership struct {
	DeviceID        string    `json:"device_id"`
	Manufacturer    string    `json:"manufacturer"`
	Model           string    `json:"model"`
	SerialNumber    string    `json:"serial_number"`
	FirmwareVersion string    `json:"firmware_version"`
	ChipCount       uint32    `json:"chip_count"`
	MaxHashrateGHS  float64   `json:"max_hashrate_ghs"`
	ManufactureDate time.Time `json:"manufacture_date"`
	OwnerAddress    string    `json:"owner_address"`
	Signature       []byte    `json:"signature,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
}

func (o *Ownership) clone() Ownership {
	c := *o
	c.Signature = slices.Clone(o.Signature)
	return c
}

// RecordOwnership stores a new ownership record. Address and signature checks happen
// before this call.
func (r *Registry) RecordOwnership(o Ownership) (Ownership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[o.DeviceID]; ok {
		return Ownership{}, ErrDeviceAlreadyRegistered
	}

	rec := o.clone()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = r.clock.Now()
	}
	r.owners[rec.DeviceID] = &rec
	r.indexOwnerLocked(rec.OwnerAddress, rec.DeviceID)

	r.logger.WithDevice(rec.DeviceID).Info("ownership recorded", "owner", rec.OwnerAddress, "model", rec.Model)
	return rec.clone(), nil
}

// Ownership returns the ownership record of deviceID.
func (r *Registry) Ownership(deviceID string) (Ownership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.owners[deviceID]
	if !ok {
		return Ownership{}, false
	}
	return o.clone(), true
}

// VerifyDeviceOwnership reports whether address currently owns deviceID.
func (r *Registry) VerifyDeviceOwnership(deviceID, address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.owners[deviceID]
	return ok && o.OwnerAddress == address
}

// GetOwnerDevices returns the sorted ids owned by address.
func (r *Registry) GetOwnerDevices(address string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byOwner[address]))
	for id := range r.byOwner[address] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TransferDevice moves deviceID from one owner address to another.
func (r *Registry) TransferDevice(deviceID, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.owners[deviceID]
	if !ok {
		return ErrDeviceUnknown
	}
	if o.OwnerAddress != from {
		return ErrNotOwner
	}

	r.unindexOwnerLocked(from, deviceID)
	o.OwnerAddress = to
	r.indexOwnerLocked(to, deviceID)

	r.logger.WithDevice(deviceID).Info("device transferred", "from", from, "to", to)
	return nil
}

// Ownerships exports every ownership record ordered by device id.
func (r *Registry) Ownerships() []Ownership {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Ownership, 0, len(r.owners))
	for _, o := range r.owners {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// RestoreOwnerships loads persisted ownership records, skipping devices already recorded.
func (r *Registry) RestoreOwnerships(records []Ownership) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, o := range records {
		if _, ok := r.owners[o.DeviceID]; ok || o.DeviceID == "" {
			continue
		}
		rec := o.clone()
		r.owners[rec.DeviceID] = &rec
		r.indexOwnerLocked(rec.OwnerAddress, rec.DeviceID)
		restored++
	}
	return restored
}

func (r *Registry) indexOwnerLocked(address, deviceID string) {
	set, ok := r.byOwner[address]
	if !ok {
		set = make(map[string]struct{})
		r.byOwner[address] = set
	}
	set[deviceID] = struct{}{}
}

func (r *Registry) unindexOwnerLocked(address, deviceID string) {
	set := r.byOwner[address]
	delete(set, deviceID)
	if len(set) == 0 {
		delete(r.byOwner, address)
	}
}
