package store

import "time"

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusDeadLetter Status = "dead_letter"
)

// Message is the unit of delivery. Payload is stored as the canonical JSON
// bytes used to compute Checksum; consumers receiving a Message from the
// broker decode Payload themselves.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Priority    Priority
	Status      Status
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ScheduledAt time.Time
	ExpiresAt   *time.Time
	LastError   string
	Checksum    string
	AckToken    string
	Metadata    map[string]any
}

// DeadLetterRecord is a snapshot of a permanently failed message.
type DeadLetterRecord struct {
	ID             string
	OriginalID     string
	Topic          string
	Payload        []byte
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	DeadLetteredAt time.Time
	Metadata       map[string]any
}

// AckLogEntry is the audit trail row written by every Ack and Nack.
type AckLogEntry struct {
	ID        int64
	MessageID string
	AckToken  string
	Outcome   string // "acknowledged" or "nack"
	Response  string
	Timestamp time.Time
}

const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeNack         = "nack"
)
