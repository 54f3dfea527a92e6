package messaging

// Topic constants for PoDD messaging
const (
	// Inbound
	TopicShares = "mining.shares" // stratum server → poddd

	// Outbound events
	TopicVerifications = "podd.verifications" // poddd → reward accounting
	TopicSquads        = "podd.squads"        // poddd → reward accounting
	TopicRegistrations = "podd.registrations" // poddd → explorers, auditors
)

// ShareConsumerGroup is the consumer group poddd joins on TopicShares.
const ShareConsumerGroup = "poddd-telemetry"
