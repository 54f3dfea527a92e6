package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

// JSONPublisher is the subset of KafkaClient the event publisher needs.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// EventPublisher emits PoDD events. A nil *EventPublisher drops every event.
type EventPublisher struct {
	out JSONPublisher
	now func() time.Time
}

// NewEventPublisher creates a publisher writing through out.
func NewEventPublisher(out JSONPublisher) *EventPublisher {
	return &EventPublisher{out: out, now: time.Now}
}

// Verification publishes a verification outcome keyed by its first device.
func (p *EventPublisher) Verification(ctx context.Context, ids []string, res verification.Result) error {
	if p == nil {
		return nil
	}
	ev := VerificationEvent{
		EventID:         uuid.NewString(),
		DeviceIDs:       ids,
		IsValid:         res.IsValid,
		Confidence:      res.Confidence,
		Reason:          res.Reason,
		SuspiciousPairs: res.SuspiciousPairs,
		Spoofing:        res.Spoofing(),
		VerifiedAt:      p.now(),
	}
	key := ""
	if len(ids) > 0 {
		key = ids[0]
	}
	return p.out.PublishJSON(ctx, TopicVerifications, key, ev)
}

// Squad publishes a squad change keyed by squad id.
func (p *EventPublisher) Squad(ctx context.Context, action string, sq registry.Squad, deviceID string) error {
	if p == nil {
		return nil
	}
	ev := SquadEvent{
		EventID:       uuid.NewString(),
		Action:        action,
		SquadID:       sq.ID,
		DeviceID:      deviceID,
		Members:       sq.Members,
		TotalHashrate: sq.TotalHashrate,
		BlocksFound:   sq.BlocksFound,
		OccurredAt:    p.now(),
	}
	return p.out.PublishJSON(ctx, TopicSquads, sq.ID, ev)
}

// Registration publishes a device registration keyed by device id.
func (p *EventPublisher) Registration(ctx context.Context, id string, fp *fingerprint.Fingerprint, at time.Time) error {
	if p == nil {
		return nil
	}
	ev := RegistrationEvent{
		EventID:         uuid.NewString(),
		DeviceID:        id,
		FingerprintHash: fp.Hash(),
		IPAddress:       fp.IPAddress,
		RegisteredAt:    at,
	}
	return p.out.PublishJSON(ctx, TopicRegistrations, id, ev)
}

// DecodeShare parses a share telemetry message.
func DecodeShare(value []byte) (fingerprint.Share, error) {
	var msg ShareTelemetryMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fingerprint.Share{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share",
			"failed to unmarshal share telemetry").
			WithContext("message_size", len(value))
	}
	return msg.Share, nil
}
