package messaging

import (
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
)

// ShareTelemetryMessage is the JSON record the stratum server publishes per accepted share.
type ShareTelemetryMessage struct {
	fingerprint.Share
	WorkerName  string    `json:"worker_name,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// VerificationEvent records the outcome of one distribution verification.
type VerificationEvent struct {
	EventID         string      `json:"event_id"`
	DeviceIDs       []string    `json:"device_ids"`
	IsValid         bool        `json:"is_valid"`
	Confidence      float64     `json:"confidence"`
	Reason          string      `json:"reason,omitempty"`
	SuspiciousPairs [][2]string `json:"suspicious_pairs,omitempty"`
	Spoofing        bool        `json:"spoofing"`
	VerifiedAt      time.Time   `json:"verified_at"`
}

// Squad event actions
const (
	SquadFormed        = "formed"
	SquadMemberAdded   = "member_added"
	SquadMemberRemoved = "member_removed"
	SquadBlockFound    = "block_found"
)

// SquadEvent records a change to a squad.
type SquadEvent struct {
	EventID       string    `json:"event_id"`
	Action        string    `json:"action"`
	SquadID       string    `json:"squad_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	Members       []string  `json:"members"`
	TotalHashrate float64   `json:"total_hashrate"`
	BlocksFound   uint64    `json:"blocks_found"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RegistrationEvent announces a newly registered device.
type RegistrationEvent struct {
	EventID         string    `json:"event_id"`
	DeviceID        string    `json:"device_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	IPAddress       string    `json:"ip_address"`
	RegisteredAt    time.Time `json:"registered_at"`
}
