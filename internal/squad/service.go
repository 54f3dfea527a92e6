// Package squad forms mining squads from registered devices that pass distribution verification.
package squad

import (
	"errors"
	"fmt"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

var (
	// ErrSpoofingDetected is returned when the prospective members look like one operator.
	ErrSpoofingDetected = errors.New("device spoofing detected")
	// ErrDistributionUnverified is returned when a member addition leaves the squad failing verification.
	ErrDistributionUnverified = errors.New("squad members failed distribution verification")
)

// VerificationError carries the verification result that refused a squad change.
type VerificationError struct {
	Cause  error
	Result verification.Result
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%v: confidence %.2f: %s", e.Cause, e.Result.Confidence, e.Result.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Cause }

// Evaluator scores a resolved set of fingerprints.
type Evaluator interface {
	Evaluate(requested int, fps []*fingerprint.Fingerprint) verification.Result
}

// Service forms and maintains squads.
type Service struct {
	registry *registry.Registry
	engine   Evaluator
	logger   *log.Logger
	metrics  *metrics.Metrics
}

// NewService creates a squad service. logger and m may be nil.
func NewService(reg *registry.Registry, engine Evaluator, logger *log.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		registry: reg,
		engine:   engine,
		logger:   logger.WithComponent("squad"),
		metrics:  m,
	}
}

// FormSquad creates a squad from ids once they pass size, registration and spoofing checks.
func (s *Service) FormSquad(ids []string) (registry.Squad, error) {
	sq, err := s.registry.CreateSquad(ids, s.gate)
	if err != nil {
		s.rejected(err)
		s.logger.WithError(err).Warn("squad formation refused", "members", ids)
		return registry.Squad{}, err
	}

	s.metrics.SquadFormed()
	s.logger.LogSquadFormed(sq.ID, sq.Members, sq.TotalHashrate)
	return sq, nil
}

// AddMember adds a device to a squad when the enlarged membership still verifies as distinct.
// Additions are held to full validity rather than the weaker spoofing bar used at formation.
func (s *Service) AddMember(squadID, deviceID string) (registry.Squad, error) {
	sq, err := s.registry.AddSquadMember(squadID, deviceID, s.strictGate)
	if err != nil {
		return registry.Squad{}, err
	}
	s.logger.WithSquad(squadID).Info("squad member added", "device_id", deviceID, "members", len(sq.Members))
	return sq, nil
}

// RemoveMember drops a device from a squad.
func (s *Service) RemoveMember(squadID, deviceID string) (registry.Squad, error) {
	sq, err := s.registry.RemoveSquadMember(squadID, deviceID)
	if err != nil {
		return registry.Squad{}, err
	}
	s.logger.WithSquad(squadID).Info("squad member removed", "device_id", deviceID, "members", len(sq.Members))
	return sq, nil
}

func (s *Service) gate(fps []*fingerprint.Fingerprint) error {
	res := s.engine.Evaluate(len(fps), fps)
	if res.Spoofing() {
		return &VerificationError{Cause: ErrSpoofingDetected, Result: res}
	}
	return nil
}

func (s *Service) strictGate(fps []*fingerprint.Fingerprint) error {
	res := s.engine.Evaluate(len(fps), fps)
	switch {
	case res.Spoofing():
		return &VerificationError{Cause: ErrSpoofingDetected, Result: res}
	case !res.IsValid:
		return &VerificationError{Cause: ErrDistributionUnverified, Result: res}
	}
	return nil
}

func (s *Service) rejected(err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidSquadSize):
		s.metrics.SquadRejected("size")
	case errors.Is(err, registry.ErrDuplicateSquadMember):
		s.metrics.SquadRejected("duplicate")
	case errors.Is(err, registry.ErrUnregisteredSquadMember):
		s.metrics.SquadRejected("unregistered")
	case errors.Is(err, ErrSpoofingDetected):
		s.metrics.SquadRejected("spoofing")
	default:
		s.metrics.SquadRejected("other")
	}
}
