// Package mesh assembles the Mesh Network Facade: the single entry
// point an application talks to, wiring identity, transport,
// persistence, sessions, routing, store-and-forward, gossip, rate
// limiting, and health monitoring into one sendMessage/onMessage
// surface. Every lower layer (codec, session, router, queue, gossip,
// ratelimit, health) is already self-contained; this package only
// decides when to call them and how to address what they carry,
// since the wire codec itself carries no destination field.
package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/silentmesh/core/codec"
	"github.com/silentmesh/core/config"
	"github.com/silentmesh/core/crypto/keys"
	"github.com/silentmesh/core/gossip"
	"github.com/silentmesh/core/health"
	"github.com/silentmesh/core/identity"
	"github.com/silentmesh/core/internal/logger"
	"github.com/silentmesh/core/internal/metrics"
	"github.com/silentmesh/core/pkg/storage"
	"github.com/silentmesh/core/queue"
	"github.com/silentmesh/core/ratelimit"
	"github.com/silentmesh/core/router"
	"github.com/silentmesh/core/session"
	"github.com/silentmesh/core/transport"
)

// Handshake packet payload subtypes, carried as the first byte of a
// KindSessionHandshake envelope body.
const (
	handshakeSubtypeKeyRequest       = 0x01 // body[1:33] is the sender's long-term X25519 public key
	handshakeSubtypeEphemeralResponse = 0x02 // body[1:33] is the responder's fresh ephemeral X25519 public key
)

const (
	defaultFlushInterval   = 2 * time.Second
	defaultFlushBatch      = 32
	defaultMessageTTL      = 24 * time.Hour
	handshakeRetryInterval = 5 * time.Second

	// flushWorkerLimit bounds how many outbox messages this node
	// encrypts, signs, and dispatches concurrently per flush tick.
	flushWorkerLimit = 8
)

// Sentinel errors the facade returns.
var (
	ErrRateLimited = errors.New("mesh: destination rate limited")
)

// MessageHandler is invoked for every application text message
// delivered to this node.
type MessageHandler func(fromPeerID string, payload []byte, messageID string)

// Config wires a Network to its dependencies. Cfg is expected to have
// already passed through config.LoadFromFile (or been hand-built with
// the same defaults applied); Network does not re-derive zero-value
// fallbacks for it.
type Config struct {
	Identity  *identity.Identity
	Transport transport.Transport
	Storage   storage.Adapter
	Cfg       *config.Config
	OnMessage MessageHandler
}

// Network is the Mesh Network Facade: the application-facing surface
// over the mesh's session, routing, queueing, gossip, rate limiting,
// and health layers.
type Network struct {
	mu sync.RWMutex

	selfPeerID string
	identity   *identity.Identity
	agreement  *keys.X25519KeyPair
	signPriv   ed25519.PrivateKey
	signPub    ed25519.PublicKey

	transport transport.Transport
	storage   storage.Adapter
	cfg       *config.Config
	logger    logger.Logger

	sessions   *session.Manager
	handshaker *session.Handshaker
	router     *router.Router
	outbox     *queue.Queue
	relayQueue *queue.Queue
	directory  *gossip.Directory
	announcer  *gossip.Announcer
	limiter    *ratelimit.Limiter
	monitor    *health.PeerMonitor

	onMessage MessageHandler

	peerSessions      map[string]string                  // peer ID -> session ID
	peerAgreementKeys map[string][]byte                  // peer ID -> long-term X25519 pub, learned from a key request
	pendingHandshakes map[string]time.Time                // peer ID -> last time we sent a key request, to throttle re-floods
	pendingAcks       map[[codec.MessageIDSize]byte]string // wire message ID -> our storage message ID

	flushStop chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
}

// New builds a Network from cfg. It does not start any background
// activity; call Start for that.
func New(cfg Config) (*Network, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("mesh: identity is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("mesh: transport is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("mesh: storage adapter is required")
	}
	if cfg.Cfg == nil {
		return nil, fmt.Errorf("mesh: node configuration is required")
	}

	signPub, ok := cfg.Identity.SigningKey.PublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("mesh: identity signing key is not Ed25519")
	}
	signPriv, ok := cfg.Identity.SigningKey.PrivateKey().(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("mesh: identity signing key is not Ed25519")
	}
	agreement, ok := cfg.Identity.AgreementKey.(*keys.X25519KeyPair)
	if !ok {
		return nil, fmt.Errorf("mesh: identity agreement key is not X25519")
	}

	sessions := session.NewManager()
	sessions.SetDefaultConfig(session.Config{
		MaxAge:        time.Duration(cfg.Cfg.Session.MaxAgeSec) * time.Second,
		IdleTimeout:   cfg.Cfg.Session.IdleTimeout,
		MaxMessages:   cfg.Cfg.Session.MaxMessages,
		RotationGrace: time.Duration(cfg.Cfg.Session.AcceptPreviousGraceSec) * time.Second,
	})

	monitor := health.NewPeerMonitor(cfg.Cfg.Node.HeartbeatTimeout)
	directory := gossip.NewDirectory(time.Duration(cfg.Cfg.Gossip.EntryTTLMs) * time.Millisecond)
	limiter := ratelimit.New(ratelimit.Config{
		ShortLimit:  cfg.Cfg.RateLimit.PerMinute,
		ShortWindow: time.Minute,
		LongLimit:   cfg.Cfg.RateLimit.PerHour,
		LongWindow:  time.Hour,
	})

	n := &Network{
		selfPeerID:        cfg.Identity.PeerID,
		identity:          cfg.Identity,
		agreement:         agreement,
		signPriv:          signPriv,
		signPub:           signPub,
		transport:         cfg.Transport,
		storage:           cfg.Storage,
		cfg:               cfg.Cfg,
		logger:            logger.GetDefaultLogger(),
		sessions:          sessions,
		handshaker:        session.NewHandshaker(sessions),
		directory:         directory,
		limiter:           limiter,
		monitor:           monitor,
		onMessage:         cfg.OnMessage,
		peerSessions:      make(map[string]string),
		peerAgreementKeys: make(map[string][]byte),
		pendingHandshakes: make(map[string]time.Time),
		pendingAcks:       make(map[[codec.MessageIDSize]byte]string),
		flushStop:         make(chan struct{}),
		flushDone:         make(chan struct{}),
	}

	n.outbox = queue.New(queue.Config{
		MaxQueueSize: cfg.Cfg.Queue.MaxSize,
		MaxAttempts:  cfg.Cfg.Queue.MaxAttempts,
		RetryBase:    time.Duration(cfg.Cfg.Queue.BaseBackoffMs) * time.Millisecond,
		RetryCap:     time.Duration(cfg.Cfg.Queue.CapBackoffMs) * time.Millisecond,
		OnDrop:       n.onQueueDrop,
	})
	n.relayQueue = queue.New(queue.Config{
		MaxQueueSize: cfg.Cfg.Queue.MaxSize,
		MaxAttempts:  cfg.Cfg.Queue.MaxAttempts,
		RetryBase:    time.Duration(cfg.Cfg.Queue.BaseBackoffMs) * time.Millisecond,
		RetryCap:     time.Duration(cfg.Cfg.Queue.CapBackoffMs) * time.Millisecond,
		OnDrop:       n.onRelayQueueDrop,
	})

	n.router = router.New(router.Config{
		SelfPeerID:     n.selfPeerID,
		Transport:      cfg.Transport,
		Reputation:     monitor,
		DedupLRUSize:   cfg.Cfg.Router.DedupLRUSize,
		MaxPacketBytes: cfg.Cfg.Node.MaxPacketBytes,
		OnDeliver:      n.handleDeliver,
	})

	interval := time.Duration(cfg.Cfg.Gossip.IntervalMs) * time.Millisecond
	n.announcer = gossip.NewAnnouncer(n.selfPeerID, directory, interval, interval/4, n.sendAnnouncement)

	return n, nil
}

// Start begins accepting transport events and runs the announcement
// and queue-flush background loops until Stop is called.
func (n *Network) Start(ctx context.Context) error {
	events := transport.Events{
		OnMessage:          n.onTransportMessage,
		OnPeerConnected:    n.onPeerConnected,
		OnPeerDisconnected: n.onPeerDisconnected,
		OnError: func(peerID string, err error) {
			n.logger.Warn("mesh: transport error", logger.String("peer", peerID), logger.String("error", err.Error()))
		},
	}
	if err := n.transport.Start(ctx, events); err != nil {
		return fmt.Errorf("mesh: start transport: %w", err)
	}
	n.monitor.Start(n.cfg.Node.HeartbeatInterval)
	go n.announcer.Run()
	go n.flushLoop()
	return nil
}

// Stop halts all background activity and the underlying transport.
func (n *Network) Stop(ctx context.Context) error {
	n.closeOnce.Do(func() { close(n.flushStop) })
	<-n.flushDone
	n.announcer.Stop()
	n.monitor.Stop()
	_ = n.sessions.Close()
	return n.transport.Stop(ctx)
}

// OnMessage registers the callback invoked for every inbound
// application text message. A nil fn disables delivery notification.
func (n *Network) OnMessage(fn MessageHandler) {
	n.mu.Lock()
	n.onMessage = fn
	n.mu.Unlock()
}

// GetLocalPeerID returns this node's own peer ID.
func (n *Network) GetLocalPeerID() string { return n.selfPeerID }

// GetConnectedPeers returns peer IDs currently connected at the
// transport layer.
func (n *Network) GetConnectedPeers() []string { return n.transport.GetConnectedPeers() }

// GetDiscoveredPeers returns peer IDs known to the gossip directory,
// connected or not.
func (n *Network) GetDiscoveredPeers() []string {
	entries := n.directory.Snapshot(time.Now(), 0)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.PeerID)
	}
	return out
}

// PeerAgreementKey returns the X25519 agreement public key this node
// has learned for peerID (from an inbound handshake key-request), for
// callers such as a Signaling Client that need to seal a blob to a
// peer without going through the mesh itself.
func (n *Network) PeerAgreementKey(peerID string) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pub, ok := n.peerAgreementKeys[peerID]
	return pub, ok
}

// SendMessage encrypts and transmits payload to destPeerID, routing
// through a known next hop when one exists and flooding otherwise. If
// no secure session with destPeerID exists yet, a handshake is
// initiated and the message is parked in the store-and-forward queue
// until it completes. It always returns a message ID a caller can use
// to track delivery status via the Persistence Adapter's Messages
// store, even when delivery is deferred.
func (n *Network) SendMessage(ctx context.Context, destPeerID string, payload []byte, priority queue.Priority) (string, error) {
	if !n.limiter.TryAcquire(destPeerID) {
		metrics.RateLimiterRejections.Inc()
		return "", ErrRateLimited
	}

	messageID := uuid.NewString()
	now := time.Now()

	msg := &storage.Message{
		ID: messageID, ConversationID: destPeerID, Outbound: true,
		Payload: payload, Status: storage.MessageStatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := n.storage.Messages().Upsert(ctx, msg); err != nil {
		n.logger.Warn("mesh: persist outbound message", logger.String("id", messageID), logger.String("error", err.Error()))
	}
	if err := n.storage.Conversations().Upsert(ctx, &storage.Conversation{
		PeerID: destPeerID, CreatedAt: now, LastMessageAt: now, LastMessageText: previewText(payload),
	}); err != nil {
		n.logger.Warn("mesh: persist conversation", logger.String("peer", destPeerID), logger.String("error", err.Error()))
	}

	sid, ready := n.sessionFor(destPeerID)
	if !ready {
		n.beginHandshake(ctx, destPeerID)
		// beginHandshake may have completed synchronously (e.g. a
		// same-process transport looping the response straight back),
		// so re-check before giving up on an immediate send.
		sid, ready = n.sessionFor(destPeerID)
	}
	if !ready {
		n.enqueueForRetry(ctx, messageID, destPeerID, payload, priority, now)
		n.setStatus(ctx, messageID, storage.MessageStatusQueued)
		metrics.MeshMessagesSent.WithLabelValues("queued").Inc()
		return messageID, nil
	}

	wireID, err := n.transmit(ctx, destPeerID, sid, payload)
	if err != nil {
		n.enqueueForRetry(ctx, messageID, destPeerID, payload, priority, now)
		n.setStatus(ctx, messageID, storage.MessageStatusQueued)
		metrics.MeshMessagesSent.WithLabelValues("queued").Inc()
		return messageID, nil
	}

	n.mu.Lock()
	n.pendingAcks[wireID] = messageID
	n.mu.Unlock()

	n.setStatus(ctx, messageID, storage.MessageStatusSent)
	metrics.MeshMessagesSent.WithLabelValues("sent").Inc()
	return messageID, nil
}

func previewText(payload []byte) string {
	const maxPreview = 120
	s := string(payload)
	if len(s) > maxPreview {
		return s[:maxPreview]
	}
	return s
}

func (n *Network) sessionFor(peerID string) (string, bool) {
	n.mu.RLock()
	sid, ok := n.peerSessions[peerID]
	n.mu.RUnlock()
	if !ok {
		return "", false
	}
	if _, ok := n.sessions.GetSession(sid); !ok {
		return "", false
	}
	return sid, true
}

func (n *Network) bindSession(peerID, sessionID string) {
	n.mu.Lock()
	n.peerSessions[peerID] = sessionID
	n.mu.Unlock()
}

func (n *Network) sessionConfig() session.Config {
	return session.Config{
		MaxAge:        time.Duration(n.cfg.Session.MaxAgeSec) * time.Second,
		IdleTimeout:   n.cfg.Session.IdleTimeout,
		MaxMessages:   n.cfg.Session.MaxMessages,
		RotationGrace: time.Duration(n.cfg.Session.AcceptPreviousGraceSec) * time.Second,
	}
}

// beginHandshake floods a key request carrying our long-term agreement
// public key toward destPeerID, throttled to avoid re-flooding on
// every SendMessage call while a handshake is already in flight.
func (n *Network) beginHandshake(ctx context.Context, destPeerID string) {
	n.mu.Lock()
	if last, sent := n.pendingHandshakes[destPeerID]; sent && time.Since(last) < handshakeRetryInterval {
		n.mu.Unlock()
		return
	}
	n.pendingHandshakes[destPeerID] = time.Now()
	n.mu.Unlock()

	pub := n.agreement.PublicBytesKey()
	body := make([]byte, 1+len(pub))
	body[0] = handshakeSubtypeKeyRequest
	copy(body[1:], pub)

	env, err := encodeEnvelope(destPeerID, body)
	if err != nil {
		n.logger.Warn("mesh: encode handshake request", logger.String("error", err.Error()))
		return
	}
	_, raw, err := n.buildPacket(codec.KindSessionHandshake, env, uint8(n.cfg.Node.TTLDefault))
	if err != nil {
		n.logger.Warn("mesh: build handshake request", logger.String("error", err.Error()))
		return
	}
	if err := n.dispatch(ctx, destPeerID, raw); err != nil {
		n.logger.Debug("mesh: dispatch handshake request", logger.String("peer", destPeerID), logger.String("error", err.Error()))
	}
}

func (n *Network) enqueueForRetry(ctx context.Context, messageID, destPeerID string, payload []byte, priority queue.Priority, now time.Time) {
	qm := &queue.Message{
		ID:          messageID,
		Destination: destPeerID,
		Payload:     payload,
		Priority:    priority,
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(defaultMessageTTL),
	}
	if err := n.outbox.Enqueue(qm); err != nil {
		n.logger.Warn("mesh: enqueue outbound message", logger.String("id", messageID), logger.String("error", err.Error()))
		n.setStatus(ctx, messageID, storage.MessageStatusFailed)
		return
	}
	metrics.QueueDepth.Set(float64(n.outbox.Len()))

	sqm := &storage.QueuedMessage{
		ID:          messageID,
		Destination: destPeerID,
		Payload:     payload,
		Priority:    storage.QueuedMessagePriority(priority),
		ExpiresAt:   qm.ExpiresAt,
		EnqueuedAt:  now,
	}
	if err := n.storage.QueuedMessages().Upsert(ctx, sqm); err != nil {
		n.logger.Warn("mesh: persist queued message", logger.String("id", messageID), logger.String("error", err.Error()))
	}
}

func (n *Network) onQueueDrop(msg *queue.Message, reason error) {
	label := "evicted"
	if errors.Is(reason, queue.ErrExpired) {
		label = "expired"
	}
	metrics.QueueDropped.WithLabelValues(label).Inc()
	metrics.QueueDepth.Set(float64(n.outbox.Len()))

	ctx := context.Background()
	_ = n.storage.QueuedMessages().Delete(ctx, msg.ID)
	if err := n.storage.Messages().UpdateStatus(ctx, msg.ID, storage.MessageStatusFailed); err != nil && !errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn("mesh: mark dropped message failed", logger.String("id", msg.ID), logger.String("error", err.Error()))
	}
}

func (n *Network) onRelayQueueDrop(msg *queue.Message, reason error) {
	label := "relay_evicted"
	if errors.Is(reason, queue.ErrExpired) {
		label = "relay_expired"
	}
	metrics.QueueDropped.WithLabelValues(label).Inc()
	metrics.QueueDepth.Set(float64(n.outbox.Len() + n.relayQueue.Len()))
}

func (n *Network) setStatus(ctx context.Context, id string, status storage.MessageStatus) {
	if err := n.storage.Messages().UpdateStatus(ctx, id, status); err != nil {
		n.logger.Warn("mesh: update message status", logger.String("id", id), logger.String("error", err.Error()))
	}
}

// flushLoop periodically retries queued messages whose destination has
// since become reachable, mirroring the ticker-plus-stop-channel
// lifecycle the session Manager and health PeerMonitor both use.
func (n *Network) flushLoop() {
	defer close(n.flushDone)
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.flushPending()
		case <-n.flushStop:
			return
		}
	}
}

// flushPending drains one batch of the outbox. Sessionless
// destinations are handled inline (a handshake kick-off is cheap and
// must not race itself), but each session-ready message's
// encrypt-and-sign-and-dispatch work is CPU-bound and independent of
// every other message in the batch, so it runs on a bounded worker
// pool rather than one at a time.
func (n *Network) flushPending() {
	ctx := context.Background()
	now := time.Now()

	batch := n.outbox.NextBatch(now, defaultFlushBatch)
	ready := make([]*queue.Message, 0, len(batch))

	for _, qm := range batch {
		if _, ok := n.sessionFor(qm.Destination); !ok {
			n.beginHandshake(ctx, qm.Destination)
			_ = n.outbox.RecordFailure(qm, now)
			continue
		}
		ready = append(ready, qm)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushWorkerLimit)
	for _, qm := range ready {
		qm := qm
		g.Go(func() error {
			n.flushOne(gctx, qm, now)
			return nil
		})
	}
	_ = g.Wait()

	n.flushRelayPending(now)

	metrics.QueueDepth.Set(float64(n.outbox.Len() + n.relayQueue.Len()))
}

// flushRelayPending retries relay packets that had no known route at
// the time they arrived, now that gossip may have supplied one. Each
// entry is the original signed wire bytes from a peer other than this
// node, so it is sent as-is toward the route's next hop rather than
// re-encoded.
func (n *Network) flushRelayPending(now time.Time) {
	ctx := context.Background()
	batch := n.relayQueue.NextBatch(now, defaultFlushBatch)
	for _, qm := range batch {
		rt, ok := n.router.RouteFor(qm.Destination)
		if !ok {
			_ = n.relayQueue.RecordFailure(qm, now)
			continue
		}
		if err := n.transport.Send(ctx, rt.NextHop, qm.Payload); err != nil {
			_ = n.relayQueue.RecordFailure(qm, now)
			continue
		}
		n.relayQueue.RecordSuccess(qm.Destination)
		metrics.RouterPacketsForwarded.WithLabelValues("sent").Inc()
	}
}

func (n *Network) flushOne(ctx context.Context, qm *queue.Message, now time.Time) {
	sid, ok := n.sessionFor(qm.Destination)
	if !ok {
		_ = n.outbox.RecordFailure(qm, now)
		return
	}

	wireID, err := n.transmit(ctx, qm.Destination, sid, qm.Payload)
	if err != nil {
		n.logger.Debug("mesh: flush delivery", logger.String("dest", qm.Destination), logger.String("error", err.Error()))
		_ = n.outbox.RecordFailure(qm, now)
		return
	}

	n.outbox.RecordSuccess(qm.Destination)
	n.mu.Lock()
	n.pendingAcks[wireID] = qm.ID
	n.mu.Unlock()
	_ = n.storage.QueuedMessages().Delete(ctx, qm.ID)
	n.setStatus(ctx, qm.ID, storage.MessageStatusSent)
	metrics.MeshMessagesSent.WithLabelValues("sent").Inc()
}

func (n *Network) onTransportMessage(peerID string, payload []byte) {
	destPeerID := n.peekDestination(payload)

	err := n.router.HandleInbound(context.Background(), peerID, payload, destPeerID)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, router.ErrDuplicateDropped), errors.Is(err, router.ErrLoopDropped), errors.Is(err, router.ErrTTLExceeded):
		return
	case errors.Is(err, router.ErrNoRoute):
		n.enqueueRelay(destPeerID, payload)
	default:
		n.logger.Debug("mesh: inbound handling", logger.String("peer", peerID), logger.String("error", err.Error()))
	}
}

// peekDestination recovers the application-level destination peer ID
// carried in payload's envelope, for the packet kinds that address one
// (KindText, KindSessionHandshake, KindAck). The router needs this to
// tell "addressed elsewhere, relay it on" apart from "addressed here or
// nowhere in particular, flood it" — the wire header itself carries no
// destination field. Any decode failure or a kind with no envelope
// (e.g. gossip announcements) falls back to "", preserving the old
// flood-everything behavior for that traffic.
func (n *Network) peekDestination(raw []byte) string {
	pk, err := codec.Decode(raw, n.cfg.Node.MaxPacketBytes)
	if err != nil {
		return ""
	}
	switch pk.Kind {
	case codec.KindText, codec.KindSessionHandshake, codec.KindAck:
		dest, _, err := decodeEnvelope(pk.Payload)
		if err != nil {
			return ""
		}
		return dest
	default:
		return ""
	}
}

// enqueueRelay parks a relay packet that had no known next hop at
// arrival time, so it can be retried once gossip supplies a route
// instead of being dropped outright.
func (n *Network) enqueueRelay(destPeerID string, raw []byte) {
	if destPeerID == "" {
		return
	}
	qm := &queue.Message{
		ID:          uuid.NewString(),
		Destination: destPeerID,
		Payload:     raw,
		Priority:    queue.PriorityNormal,
		EnqueuedAt:  time.Now(),
		ExpiresAt:   time.Now().Add(defaultMessageTTL),
	}
	if err := n.relayQueue.Enqueue(qm); err != nil {
		n.logger.Debug("mesh: enqueue relay packet", logger.String("dest", destPeerID), logger.String("error", err.Error()))
		return
	}
	metrics.QueueDepth.Set(float64(n.outbox.Len() + n.relayQueue.Len()))
}

func (n *Network) onPeerConnected(peerID string) {
	n.monitor.Heartbeat(peerID)
}

func (n *Network) onPeerDisconnected(peerID string) {
	n.logger.Debug("mesh: peer disconnected", logger.String("peer", peerID))
}

func (n *Network) sendAnnouncement(ann gossip.Announcement) {
	payload, err := json.Marshal(ann)
	if err != nil {
		n.logger.Warn("mesh: marshal gossip announcement", logger.String("error", err.Error()))
		return
	}
	_, raw, err := n.buildPacket(codec.KindGossipAnnounce, payload, uint8(n.cfg.Node.TTLDefault))
	if err != nil {
		n.logger.Warn("mesh: build gossip announcement", logger.String("error", err.Error()))
		return
	}
	if err := n.transport.Broadcast(context.Background(), raw); err != nil {
		n.logger.Debug("mesh: broadcast gossip announcement", logger.String("error", err.Error()))
		return
	}
	metrics.GossipAnnouncementsSent.Inc()
}

// buildPacket stamps the common header fields and signs the result.
func (n *Network) buildPacket(kind codec.Kind, payload []byte, ttl uint8) (*codec.Packet, []byte, error) {
	pk := &codec.Packet{
		Kind:      kind,
		TTL:       ttl,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	copy(pk.Sender[:], n.signPub)
	raw, err := codec.Encode(pk, n.signPriv, n.cfg.Node.MaxPacketBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("mesh: encode packet: %w", err)
	}
	return pk, raw, nil
}

// dispatch sends raw toward destPeerID via a known next hop if the
// router has one, falling back to a full flood broadcast otherwise.
func (n *Network) dispatch(ctx context.Context, destPeerID string, raw []byte) error {
	if rt, ok := n.router.RouteFor(destPeerID); ok {
		if err := n.transport.Send(ctx, rt.NextHop, raw); err == nil {
			return nil
		}
	}
	return n.transport.Broadcast(ctx, raw)
}

// transmit encrypts payload under the session sid and sends it toward
// destPeerID, returning the wire packet's message ID for ack tracking.
func (n *Network) transmit(ctx context.Context, destPeerID, sid string, payload []byte) ([codec.MessageIDSize]byte, error) {
	var zero [codec.MessageIDSize]byte

	sess, ok := n.sessions.GetSession(sid)
	if !ok {
		return zero, fmt.Errorf("mesh: session %s not found", sid)
	}
	ciphertext, err := sess.EncryptAndSign(payload)
	if err != nil {
		return zero, fmt.Errorf("mesh: encrypt: %w", err)
	}
	env, err := encodeEnvelope(destPeerID, ciphertext)
	if err != nil {
		return zero, err
	}
	pk, raw, err := n.buildPacket(codec.KindText, env, uint8(n.cfg.Node.TTLDefault))
	if err != nil {
		return zero, err
	}
	if err := n.dispatch(ctx, destPeerID, raw); err != nil {
		return zero, fmt.Errorf("mesh: dispatch: %w", err)
	}
	return pk.MessageID, nil
}

// handleDeliver is the router's OnDeliver callback: it runs for every
// packet this node has not seen before whose envelope destination, as
// read by peekDestination, is this node or empty. Each handler below
// still checks its own envelope's destination and ignores what isn't
// for it.
func (n *Network) handleDeliver(pk *codec.Packet) {
	senderID := identity.PeerIDFromSigningKey(ed25519.PublicKey(pk.Sender[:]))
	if senderID == n.selfPeerID {
		return
	}

	switch pk.Kind {
	case codec.KindSessionHandshake:
		n.handleHandshake(senderID, pk.Payload)
	case codec.KindText:
		n.handleText(senderID, pk)
	case codec.KindAck:
		n.handleAck(senderID, pk.Payload)
	case codec.KindGossipAnnounce:
		n.handleGossipAnnounce(senderID, pk.Payload)
	default:
		n.logger.Debug("mesh: unhandled packet kind", logger.Int("kind", int(pk.Kind)))
	}
}

func (n *Network) handleHandshake(senderID string, payload []byte) {
	dest, body, err := decodeEnvelope(payload)
	if err != nil || dest != n.selfPeerID || len(body) < 1+32 {
		return
	}
	subtype := body[0]
	pub := append([]byte(nil), body[1:33]...)

	ctx := context.Background()
	contextID := sortedPair(n.selfPeerID, senderID)
	cfg := n.sessionConfig()

	switch subtype {
	case handshakeSubtypeKeyRequest:
		n.mu.Lock()
		n.peerAgreementKeys[senderID] = pub
		n.mu.Unlock()

		if _, ready := n.sessionFor(senderID); ready {
			return
		}

		res, err := n.handshaker.Initiate(contextID, pub, &cfg)
		if err != nil {
			n.logger.Warn("mesh: initiate handshake", logger.String("peer", senderID), logger.String("error", err.Error()))
			return
		}
		n.bindSession(senderID, res.SessionID)

		reply := make([]byte, 1+len(res.EphemeralPub))
		reply[0] = handshakeSubtypeEphemeralResponse
		copy(reply[1:], res.EphemeralPub)
		env, err := encodeEnvelope(senderID, reply)
		if err != nil {
			return
		}
		if _, raw, err := n.buildPacket(codec.KindSessionHandshake, env, uint8(n.cfg.Node.TTLDefault)); err == nil {
			_ = n.dispatch(ctx, senderID, raw)
		}

	case handshakeSubtypeEphemeralResponse:
		if _, ready := n.sessionFor(senderID); ready {
			return
		}
		res, err := n.handshaker.Respond(contextID, n.agreement, pub, &cfg)
		if err != nil {
			n.logger.Warn("mesh: respond handshake", logger.String("peer", senderID), logger.String("error", err.Error()))
			return
		}
		n.bindSession(senderID, res.SessionID)
	}
}

func (n *Network) handleText(senderID string, pk *codec.Packet) {
	dest, ciphertext, err := decodeEnvelope(pk.Payload)
	if err != nil || dest != n.selfPeerID {
		return
	}

	sid, ready := n.sessionFor(senderID)
	if !ready {
		n.monitor.RecordProtocolViolation(senderID)
		return
	}
	sess, ok := n.sessions.GetSession(sid)
	if !ok {
		return
	}
	plaintext, err := sess.DecryptAndVerify(ciphertext)
	if err != nil {
		n.monitor.RecordAEADFail(senderID)
		return
	}
	n.monitor.RecordDelivered(senderID)

	ctx := context.Background()
	now := time.Now()
	msg := &storage.Message{
		ID: uuid.NewString(), ConversationID: senderID, Outbound: false,
		Payload: plaintext, Status: storage.MessageStatusDelivered,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := n.storage.Messages().Upsert(ctx, msg); err != nil {
		n.logger.Warn("mesh: persist inbound message", logger.String("error", err.Error()))
	}
	if err := n.storage.Conversations().Upsert(ctx, &storage.Conversation{
		PeerID: senderID, CreatedAt: now, LastMessageAt: now, LastMessageText: previewText(plaintext),
	}); err != nil {
		n.logger.Warn("mesh: persist conversation", logger.String("peer", senderID), logger.String("error", err.Error()))
	}

	n.mu.RLock()
	handler := n.onMessage
	n.mu.RUnlock()
	if handler != nil {
		handler(senderID, plaintext, msg.ID)
	}

	ackEnv, err := encodeEnvelope(senderID, pk.MessageID[:])
	if err != nil {
		return
	}
	if _, raw, err := n.buildPacket(codec.KindAck, ackEnv, uint8(n.cfg.Node.TTLDefault)); err == nil {
		_ = n.dispatch(ctx, senderID, raw)
	}
}

func (n *Network) handleAck(senderID string, payload []byte) {
	dest, body, err := decodeEnvelope(payload)
	if err != nil || dest != n.selfPeerID || len(body) != codec.MessageIDSize {
		return
	}
	var wireID [codec.MessageIDSize]byte
	copy(wireID[:], body)

	n.mu.Lock()
	storageID, ok := n.pendingAcks[wireID]
	if ok {
		delete(n.pendingAcks, wireID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	n.setStatus(ctx, storageID, storage.MessageStatusDelivered)
	n.outbox.RecordSuccess(senderID)
	n.monitor.RecordDelivered(senderID)
}

func (n *Network) handleGossipAnnounce(senderID string, payload []byte) {
	var ann gossip.Announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		n.monitor.RecordProtocolViolation(senderID)
		return
	}
	if ann.SenderPeerID != senderID {
		n.monitor.RecordProtocolViolation(senderID)
		return
	}

	now := time.Now()
	n.directory.Merge(ann, now)
	metrics.GossipKnownPeers.Set(float64(len(n.directory.Snapshot(now, 0))))

	expiry := now.Add(time.Duration(n.cfg.Gossip.EntryTTLMs) * time.Millisecond)
	n.router.UpsertRoute(ann.SenderPeerID, router.Route{NextHop: ann.SenderPeerID, HopCount: 0, Expiry: expiry})
	for _, e := range ann.Known {
		if e.PeerID == "" || e.PeerID == n.selfPeerID {
			continue
		}
		n.router.UpsertRoute(e.PeerID, router.Route{NextHop: ann.SenderPeerID, HopCount: e.HopCount + 1, Expiry: expiry})
	}
}
