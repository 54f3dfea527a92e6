// Package fingerprint models per-device mining telemetry and scores how alike two devices look.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// RingSize is the number of timing samples kept per device.
	RingSize = 10
	// MaxRecentNonces caps the recent nonce list.
	MaxRecentNonces = 100
)

// Similarity weights and decay scales.
const (
	weightTiming   = 0.4
	weightVariance = 0.2
	weightSameIP   = 0.15
	weightLatency  = 0.05
	weightFirmware = 0.05
	weightChips    = 0.05
	weightPower    = 0.1

	scaleTimingUS   = 10000.0
	scaleVarianceUS = 5000.0
	scaleLatencyMS  = 50.0
	scalePowerW     = 10.0
)

// Fingerprint is the behavioral telemetry record of one device.
type Fingerprint struct {
	DeviceID string `json:"device_id"`

	AvgNonceTimeUS   uint64           `json:"avg_nonce_time_us"`
	TimingVarianceUS uint64           `json:"timing_variance_us"`
	TimingSamples    [RingSize]uint64 `json:"timing_samples"` // newest first

	IPAddress         string   `json:"ip_address"`
	AvgLatencyMS      float64  `json:"avg_latency_ms"`
	LatencyVarianceMS float64  `json:"latency_variance_ms"`
	TracerouteHops    []uint32 `json:"traceroute_hops,omitempty"`

	FirmwareVersion       string  `json:"firmware_version"`
	MemorySizeMB          uint32  `json:"memory_size_mb"`
	ChipCount             uint32  `json:"chip_count"`
	PowerConsumptionWatts float64 `json:"power_consumption_watts"`
	TemperatureCelsius    float64 `json:"temperature_celsius"`

	NonceSearchSpace      uint64   `json:"nonce_search_space"`
	NonceIncrementPattern uint32   `json:"nonce_increment_pattern"`
	RecentNonces          []uint64 `json:"recent_nonces,omitempty"`

	LastSeen        time.Time `json:"last_seen"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`
	RestartCount    uint32    `json:"restart_count"`
	AverageHashrate float64   `json:"average_hashrate"`
}

// Share is the telemetry carried by one accepted mining share.
type Share struct {
	DeviceID    string  `json:"device_id"`
	Nonce       uint64  `json:"nonce"`
	TimestampUS uint64  `json:"timestamp_us"`
	Difficulty  float64 `json:"difficulty"`
	BlockHash   string  `json:"block_hash,omitempty"`
	Hashrate    float64 `json:"hashrate"`
	Temperature float64 `json:"temperature"`
	PowerWatts  float64 `json:"power_watts"`
	IPAddress   string  `json:"ip_address,omitempty"`
	LatencyMS   float64 `json:"latency_ms"`
}

// Clone returns a deep copy of f.
func (f *Fingerprint) Clone() *Fingerprint {
	if f == nil {
		return nil
	}
	c := *f
	if f.TracerouteHops != nil {
		c.TracerouteHops = append([]uint32(nil), f.TracerouteHops...)
	}
	if f.RecentNonces != nil {
		c.RecentNonces = append([]uint64(nil), f.RecentNonces...)
	}
	return &c
}

// Apply folds one share into the fingerprint.
func (f *Fingerprint) Apply(s Share, now time.Time) {
	copy(f.TimingSamples[1:], f.TimingSamples[:RingSize-1])
	f.TimingSamples[0] = s.TimestampUS

	var sum, n uint64
	for _, sample := range f.TimingSamples {
		if sample > 0 {
			sum += sample
			n++
		}
	}
	if n > 0 {
		f.AvgNonceTimeUS = sum / n
	}

	f.RecentNonces = append(f.RecentNonces, s.Nonce)
	if over := len(f.RecentNonces) - MaxRecentNonces; over > 0 {
		f.RecentNonces = append(f.RecentNonces[:0], f.RecentNonces[over:]...)
	}

	f.TemperatureCelsius = s.Temperature
	f.PowerConsumptionWatts = s.PowerWatts
	f.AverageHashrate = s.Hashrate
	f.LastSeen = now

	if s.IPAddress != "" {
		f.IPAddress = s.IPAddress
	}
	if s.LatencyMS > 0 {
		f.AvgLatencyMS = 0.9*f.AvgLatencyMS + 0.1*s.LatencyMS
	}
}

// NonZeroSamples returns the populated entries of the timing ring, newest first.
func (f *Fingerprint) NonZeroSamples() []uint64 {
	out := make([]uint64, 0, RingSize)
	for _, sample := range f.TimingSamples {
		if sample > 0 {
			out = append(out, sample)
		}
	}
	return out
}

// Similarity scores how alike a and b are, from 0 (unrelated) to 1 (indistinguishable).
func Similarity(a, b *Fingerprint) float64 {
	score := 0.0

	score += weightTiming * decay(float64(a.AvgNonceTimeUS), float64(b.AvgNonceTimeUS), scaleTimingUS)
	score += weightVariance * decay(float64(a.TimingVarianceUS), float64(b.TimingVarianceUS), scaleVarianceUS)

	if a.IPAddress == b.IPAddress {
		score += weightSameIP
	}
	score += weightLatency * decay(a.AvgLatencyMS, b.AvgLatencyMS, scaleLatencyMS)

	if a.FirmwareVersion == b.FirmwareVersion {
		score += weightFirmware
	}
	if a.ChipCount == b.ChipCount {
		score += weightChips
	}
	score += weightPower * decay(a.PowerConsumptionWatts, b.PowerConsumptionWatts, scalePowerW)

	return math.Min(score, 1.0)
}

func decay(x, y, scale float64) float64 {
	return math.Exp(-math.Abs(x-y) / scale)
}

// Hash returns the hex SHA-256 of the fingerprint's stable identity fields.
func (f *Fingerprint) Hash() string {
	data := fmt.Sprintf("%s|%d|%d|%s|%d|%d",
		f.DeviceID, f.AvgNonceTimeUS, f.TimingVarianceUS, f.FirmwareVersion, f.ChipCount, f.MemorySizeMB)
	return hex.EncodeToString(chainhash.HashB([]byte(data)))
}
