// Package telemetry validates share telemetry and folds it into device fingerprints.
// Shares arrive from the HTTP API, the Kafka share topic and a ZMQ feed.
package telemetry

import (
	"math"
	"net"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

const maxDeviceIDLen = 128

// Validator checks share telemetry before it reaches the registry.
type Validator struct {
	minDifficulty float64
	maxDifficulty float64
}

// NewValidator creates a validator accepting difficulties in [minDiff, maxDiff].
// A zero maxDiff leaves the upper bound open.
func NewValidator(minDiff, maxDiff float64) *Validator {
	return &Validator{
		minDifficulty: minDiff,
		maxDifficulty: maxDiff,
	}
}

// Validate returns a validation ServiceError describing the first problem found.
func (v *Validator) Validate(s *fingerprint.Share) error {
	if err := v.validateFields(s); err != nil {
		return err
	}
	if err := v.validateReadings(s); err != nil {
		return err
	}
	if err := v.validateDifficulty(s); err != nil {
		return err
	}
	return v.validateBlockHash(s)
}

func (v *Validator) validateFields(s *fingerprint.Share) error {
	switch {
	case s.DeviceID == "":
		return invalid("device id is required", s)
	case len(s.DeviceID) > maxDeviceIDLen:
		return invalid("device id too long", s)
	case s.TimestampUS == 0:
		return invalid("timestamp is required", s)
	}

	if s.IPAddress != "" && net.ParseIP(s.IPAddress) == nil {
		return invalid("ip address is malformed", s).WithContext("ip_address", s.IPAddress)
	}
	return nil
}

func (v *Validator) validateReadings(s *fingerprint.Share) error {
	readings := []struct {
		name  string
		value float64
	}{
		{"hashrate", s.Hashrate},
		{"power_watts", s.PowerWatts},
		{"latency_ms", s.LatencyMS},
		{"difficulty", s.Difficulty},
	}
	for _, r := range readings {
		if math.IsNaN(r.value) || math.IsInf(r.value, 0) || r.value < 0 {
			return invalid(r.name+" must be a finite non-negative number", s)
		}
	}

	// Temperatures below zero are plausible; only reject garbage.
	if math.IsNaN(s.Temperature) || math.IsInf(s.Temperature, 0) {
		return invalid("temperature must be finite", s)
	}
	return nil
}

// validateDifficulty skips shares that carry no difficulty.
func (v *Validator) validateDifficulty(s *fingerprint.Share) error {
	if s.Difficulty == 0 {
		return nil
	}
	if s.Difficulty < v.minDifficulty {
		return invalid("difficulty below minimum", s).WithContext("min_difficulty", v.minDifficulty)
	}
	if v.maxDifficulty > 0 && s.Difficulty > v.maxDifficulty {
		return invalid("difficulty above maximum", s).WithContext("max_difficulty", v.maxDifficulty)
	}
	return nil
}

func (v *Validator) validateBlockHash(s *fingerprint.Share) error {
	if s.BlockHash == "" {
		return nil
	}
	if len(s.BlockHash) != 2*chainhash.HashSize {
		return invalid("block hash must be 64 hex characters", s)
	}

	hash, err := chainhash.NewHashFromStr(s.BlockHash)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "validate_share", "block hash is not hex").
			WithContext("device_id", s.DeviceID)
	}
	if s.Difficulty > 0 && !HashMeetsTarget(hash, DifficultyToTarget(s.Difficulty)) {
		return invalid("block hash does not meet share difficulty", s).WithContext("block_hash", s.BlockHash)
	}
	return nil
}

func invalid(msg string, s *fingerprint.Share) *errors.ServiceError {
	return errors.New(errors.ErrorTypeValidation, "validate_share", msg).WithContext("device_id", s.DeviceID)
}
