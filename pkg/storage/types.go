// Package storage defines the Persistence Adapter contract and the
// entity shapes it persists: every piece of mesh state that must
// survive a restart, per the data model.
package storage

import "time"

// Identity is a device's own persisted long-lived identity record
// (the key material itself lives in a crypto.KeyStorage; this is the
// adapter-visible metadata that accompanies it).
type Identity struct {
	PeerID      string    `json:"peer_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Peer is a known remote peer and the reputation/trust state this
// node has accumulated about it.
type Peer struct {
	PeerID      string    `json:"peer_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Reputation  int       `json:"reputation"` // clamped to [0, 100]
	Blacklisted bool      `json:"blacklisted"`
	LastSeen    time.Time `json:"last_seen"`
}

// Route is a known path to a destination peer.
type Route struct {
	DestinationPeerID string    `json:"destination_peer_id"`
	NextHop           string    `json:"next_hop"`
	HopCount          int       `json:"hop_count"`
	Metric            int       `json:"metric"`
	Expiry            time.Time `json:"expiry"`
}

// SessionKey is the persisted state of one secure session: enough to
// resume forward-secret encrypt/decrypt across a restart without
// re-running the handshake, if the caller chooses to keep sessions
// warm that way.
type SessionKey struct {
	SessionID       string    `json:"session_id"`
	PeerID          string    `json:"peer_id"`
	RotationCounter uint32    `json:"rotation_counter"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsedAt      time.Time `json:"last_used_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// QueuedMessagePriority mirrors queue.Priority without importing the
// queue package, keeping storage free of a dependency on it.
type QueuedMessagePriority int

const (
	PriorityLow QueuedMessagePriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// QueuedMessage is a persisted store-and-forward outbox entry.
type QueuedMessage struct {
	ID          string                `json:"id"`
	Destination string                `json:"destination"`
	Payload     []byte                `json:"payload"`
	Priority    QueuedMessagePriority `json:"priority"`
	Attempts    int                   `json:"attempts"`
	LastAttempt time.Time             `json:"last_attempt"`
	ExpiresAt   time.Time             `json:"expires_at"`
	EnqueuedAt  time.Time             `json:"enqueued_at"`
}

// MessageStatus is the application-message status state machine from
// the Mesh Network Facade: Pending -> (Sent | Queued) -> Delivered -> Read,
// with Failed terminal and reachable only from Pending or Queued.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Conversation groups messages exchanged with one peer.
type Conversation struct {
	PeerID          string    `json:"peer_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastMessageAt   time.Time `json:"last_message_at"`
	LastMessageText string    `json:"last_message_text,omitempty"`
}

// Message is one application-level message in a Conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"` // == peer ID
	Outbound       bool          `json:"outbound"`
	Payload        []byte        `json:"payload"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Snapshot is the full exportable/importable state of a node, per the
// persisted snapshot shape in the external interfaces section.
type Snapshot struct {
	Version        int             `json:"version"`
	Identities     []Identity      `json:"identities"`
	Peers          []Peer          `json:"peers"`
	Routes         []Route         `json:"routes"`
	SessionKeys    []SessionKey    `json:"session_keys"`
	QueuedMessages []QueuedMessage `json:"queued_messages"`
	Conversations  []Conversation  `json:"conversations"`
	Messages       []Message       `json:"messages"`
	ExportedAt     time.Time       `json:"exported_at"`
}

// CurrentSnapshotVersion is the Snapshot schema version this adapter
// produces and accepts.
const CurrentSnapshotVersion = 1

// MergeStrategy controls how Import reconciles an incoming Snapshot
// against existing state.
type MergeStrategy int

const (
	// MergeReplaceAll discards existing state entirely in favor of the
	// snapshot's contents.
	MergeReplaceAll MergeStrategy = iota
	// MergeKeepNewer keeps, per entity key, whichever of the existing
	// or incoming record is newer (by each entity's natural timestamp).
	MergeKeepNewer
)
