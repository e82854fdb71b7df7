package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel persistence errors per the error taxonomy's Persistence
// category; IoError is retried with backoff by callers, CorruptSnapshot
// aborts the affected import with no partial mutation.
var (
	ErrIoError          = errors.New("storage: io error")
	ErrCorruptSnapshot  = errors.New("storage: corrupt snapshot")
	ErrNotFound         = errors.New("storage: not found")
	ErrAlreadyExists    = errors.New("storage: already exists")
)

// IdentityStore persists this node's own identity metadata.
type IdentityStore interface {
	Upsert(ctx context.Context, id *Identity) error
	Get(ctx context.Context, peerID string) (*Identity, error)
	Delete(ctx context.Context, peerID string) error
	List(ctx context.Context) ([]*Identity, error)
}

// PeerStore persists known remote peers and their reputation/trust state.
type PeerStore interface {
	Upsert(ctx context.Context, p *Peer) error
	Get(ctx context.Context, peerID string) (*Peer, error)
	Delete(ctx context.Context, peerID string) error
	List(ctx context.Context) ([]*Peer, error)
}

// RouteStore persists the routing table.
type RouteStore interface {
	Upsert(ctx context.Context, r *Route) error
	Get(ctx context.Context, destinationPeerID string) (*Route, error)
	Delete(ctx context.Context, destinationPeerID string) error
	List(ctx context.Context) ([]*Route, error)
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionKeyStore persists secure-session state.
type SessionKeyStore interface {
	Upsert(ctx context.Context, sk *SessionKey) error
	Get(ctx context.Context, sessionID string) (*SessionKey, error)
	Delete(ctx context.Context, sessionID string) error
	ListByPeer(ctx context.Context, peerID string) ([]*SessionKey, error)
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// QueuedMessageStore persists the store-and-forward outbox.
type QueuedMessageStore interface {
	Upsert(ctx context.Context, m *QueuedMessage) error
	Get(ctx context.Context, id string) (*QueuedMessage, error)
	Delete(ctx context.Context, id string) error
	ListByDestination(ctx context.Context, destination string) ([]*QueuedMessage, error)
	ListAll(ctx context.Context) ([]*QueuedMessage, error)
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// ConversationStore persists per-peer conversation summaries.
type ConversationStore interface {
	Upsert(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, peerID string) (*Conversation, error)
	List(ctx context.Context) ([]*Conversation, error)
}

// MessageStore persists application messages within conversations.
type MessageStore interface {
	Upsert(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)
	UpdateStatus(ctx context.Context, id string, status MessageStatus) error
}

// Adapter is the full Persistence Adapter contract: one backend
// exposing a typed store per entity, plus whole-node export/import
// and a destructive reset gated by a confirmation token.
type Adapter interface {
	Identities() IdentityStore
	Peers() PeerStore
	Routes() RouteStore
	SessionKeys() SessionKeyStore
	QueuedMessages() QueuedMessageStore
	Conversations() ConversationStore
	Messages() MessageStore

	// PruneExpired runs every entity's time-bounded cleanup (routes,
	// session keys, queued messages) in one pass.
	PruneExpired(ctx context.Context, now time.Time) error

	// ExportAll produces a Snapshot of current state. The memory
	// backend includes every entity group; the postgres backend omits
	// session keys and messages.
	ExportAll(ctx context.Context) (*Snapshot, error)

	// Import reconciles snap into the adapter's state per strategy.
	// A nil snapshot or one with an unsupported version is rejected
	// with ErrCorruptSnapshot before anything is written. A failure on
	// an individual entity stops the import and is also reported as
	// ErrCorruptSnapshot; the postgres backend does not roll back the
	// entities written before it.
	Import(ctx context.Context, snap *Snapshot, strategy MergeStrategy) error

	// RequestDeleteToken mints a fresh, short-lived, single-use token
	// that the next DeleteAll call must present. Callers must request
	// one immediately before calling DeleteAll; a stale or reused token
	// is refused.
	RequestDeleteToken(ctx context.Context) (string, error)

	// DeleteAll destroys all persisted state. confirmationToken must be
	// a value returned by a preceding RequestDeleteToken call and not
	// already consumed or expired, or the call is refused; this is the
	// one irreversible operation the adapter exposes, so it is
	// deliberately awkward to invoke by accident.
	DeleteAll(ctx context.Context, confirmationToken string) error

	Close() error
	Ping(ctx context.Context) error
}
