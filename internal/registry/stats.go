package registry

import "time"

// Stats summarizes registry contents.
type Stats struct {
	TotalDevices  int     `json:"total_devices"`
	ActiveDevices int     `json:"active_devices"`
	OwnedDevices  int     `json:"owned_devices"`
	Owners        int     `json:"owners"`
	Squads        int     `json:"squads"`
	UniqueIPs     int     `json:"unique_ips"`
	TotalHashrate float64 `json:"total_hashrate"`
}

// GetTotalRegisteredDevices returns the number of registered devices.
func (r *Registry) GetTotalRegisteredDevices() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// ActiveDevices counts devices seen within window.
func (r *Registry) ActiveDevices(window time.Duration) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(r.clock.Now(), window)
}

func (r *Registry) activeLocked(now time.Time, window time.Duration) int {
	n := 0
	for _, d := range r.devices {
		if !d.fp.LastSeen.IsZero() && now.Sub(d.fp.LastSeen) <= window {
			n++
		}
	}
	return n
}

// DevicesByIP counts registered devices currently reporting ip.
func (r *Registry) DevicesByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devicesByIPLocked(ip)
}

func (r *Registry) devicesByIPLocked(ip string) int {
	n := 0
	for _, d := range r.devices {
		if d.fp.IPAddress == ip {
			n++
		}
	}
	return n
}

// Stats returns a summary; devices seen within window count as active.
func (r *Registry) Stats(window time.Duration) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ips := make(map[string]struct{}, len(r.devices))
	s := Stats{
		TotalDevices:  len(r.devices),
		ActiveDevices: r.activeLocked(r.clock.Now(), window),
		OwnedDevices:  len(r.owners),
		Owners:        len(r.byOwner),
		Squads:        len(r.squads),
	}
	for _, d := range r.devices {
		ips[d.fp.IPAddress] = struct{}{}
		s.TotalHashrate += d.fp.AverageHashrate
	}
	s.UniqueIPs = len(ips)
	return s
}
