package store

import "time"

// Message mirrors one row of the messages table.
type Message struct {
	MessageID       string
	Type            string
	ProtocolVersion string
	CreatedAt       time.Time
	CorrelationID   *string
	Sender          string
	Recipient       *string // nil => broadcast
	Channel         string
	Priority        int
	Payload         []byte // opaque JSON
	Status          string // pending, processing, done, failed
	ExpiresAt       *time.Time
	DeliveryCount   int
	LastDeliveredAt *time.Time
	Error           *string
	ArtifactPath    *string
}

// IsBroadcast reports whether the message has no single recipient.
func (m Message) IsBroadcast() bool { return m.Recipient == nil }

// BroadcastDelivery is one (message, recipient) row for a broadcast.
type BroadcastDelivery struct {
	MessageID string
	Recipient string
	Status    string // delivered, acknowledged, skipped
	UpdatedAt time.Time
}

// BroadcastCounts tallies delivery rows for one broadcast message.
type BroadcastCounts struct {
	Delivered    int
	Acknowledged int
	Skipped      int
}

// AgentStatus mirrors one row of agent_status, without the derived
// liveness classification (computed by the registry package at read time).
type AgentStatus struct {
	AgentID           string
	Status            string
	CurrentTask       *string
	LastHeartbeat     time.Time
	MessagesPending   int
	MessagesProcessed int
	ErrorCount        int
}

// Task mirrors one row of the tasks table plus its dependency and history
// side tables.
type Task struct {
	TaskID       string
	Title        string
	Description  string
	Priority     int
	Status       string // open, assigned, in-progress, blocked, done, failed
	Assignee     *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       *string
	Error        *string
	Dependencies []string
	History      []TaskHistoryEntry
}

// TaskHistoryEntry is one append-only note in a task's history list.
type TaskHistoryEntry struct {
	At   time.Time
	Note string
}

// Vote mirrors one row of the votes table plus its cast-vote side table.
type Vote struct {
	VoteID    string
	Topic     string
	Options   []string
	Mechanism string // simple_majority, weighted, consensus
	Proposer  string
	Eligible  []string
	Weights   map[string]int // only for mechanism=weighted
	Deadline  time.Time
	Status    string // open, closed, cancelled
	CreatedAt time.Time
	Casts     map[string]VoteCast
	Result    *VoteResult
}

// VoteCast is one voter's recorded choice.
type VoteCast struct {
	Choice    string
	Stance    string // support, acceptable, block (consensus only)
	Reasoning string
	CastAt    time.Time
}

// VoteResult is the persisted outcome of a tally.
type VoteResult struct {
	Outcome   string         `json:"outcome"` // passed, blocked, tie, no_quorum
	Tally     map[string]int `json:"tally,omitempty"`
	Blockers  []Blocker      `json:"blockers,omitempty"`
	CastCount int            `json:"cast_count"`
	Eligible  int            `json:"eligible_count"`
}

// Blocker names a consensus voter who blocked, with their reasoning.
type Blocker struct {
	Voter     string `json:"voter"`
	Reasoning string `json:"reasoning,omitempty"`
}

// DeadLetterEntry is an archived failed message.
type DeadLetterEntry struct {
	MessageID     string
	Type          string
	Sender        string
	Recipient     *string
	Channel       string
	Payload       []byte
	Error         *string
	DeliveryCount int
	ArchivedAt    time.Time
}

// AuditEvent is one append-only audit row.
type AuditEvent struct {
	ID      int64
	At      time.Time
	Actor   string
	Kind    string
	Summary string
}

// SweepResult summarizes one maintenance pass for logging/metrics.
type SweepResult struct {
	ExpiredMessages   int
	DeadLettered      int
	CheckpointRan     bool
}
