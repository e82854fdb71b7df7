// Package router forwards decoded packets across the mesh: it
// deduplicates by message ID, enforces TTL, suppresses loops, and
// picks a next hop from a small routing table with reputation-based
// tie-breaks between equally-good routes.
package router

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/silentmesh/core/codec"
	"github.com/silentmesh/core/health"
	"github.com/silentmesh/core/internal/logger"
	"github.com/silentmesh/core/internal/metrics"
	"github.com/silentmesh/core/transport"
)

// Sentinel errors per the routing error taxonomy.
var (
	ErrNoRoute          = errors.New("router: no route to destination")
	ErrTTLExceeded      = errors.New("router: ttl exceeded")
	ErrDuplicateDropped = errors.New("router: duplicate message dropped")
	ErrLoopDropped      = errors.New("router: loop dropped")
)

// DefaultDedupLRUSize is the default bound on the deduplication cache.
const DefaultDedupLRUSize = 8192

// Route describes a known path to a destination peer.
type Route struct {
	NextHop  string
	HopCount int
	Metric   int
	Expiry   time.Time
}

// dedupCache is a bounded LRU of recently seen message IDs, built on
// container/list plus a map from message ID to list element.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[[codec.MessageIDSize]byte]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupLRUSize
	}
	return &dedupCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[[codec.MessageIDSize]byte]*list.Element),
	}
}

// seen reports whether id has been observed before, recording it if not.
func (d *dedupCache) seen(id [codec.MessageIDSize]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[id]; ok {
		d.ll.MoveToFront(el)
		return true
	}
	el := d.ll.PushFront(id)
	d.index[id] = el
	if d.ll.Len() > d.capacity {
		oldest := d.ll.Back()
		if oldest != nil {
			d.ll.Remove(oldest)
			delete(d.index, oldest.Value.([codec.MessageIDSize]byte))
		}
	}
	return false
}

// peerIDHex renders a packet's 32-byte sender field the same way
// identity.PeerIDFromSigningKey renders an Ed25519 public key, so a
// packet's Sender always maps back to its originating peer ID.
func peerIDHex(sender [codec.SenderSize]byte) string {
	return hex.EncodeToString(sender[:])
}

// DeliverFunc is invoked for packets addressed to this node.
type DeliverFunc func(pk *codec.Packet)

// Router forwards packets across transports using a small
// destination->route table, deduplicating and loop-suppressing as it
// goes. It never mutates the signed wire bytes of a forwarded packet:
// TTL enforcement and loop suppression are bookkeeping performed on
// the router's own decoded view, so a relayed packet's signature
// remains verifiable by its eventual recipient unchanged.
type Router struct {
	mu         sync.RWMutex
	selfPeerID string
	transport  transport.Transport
	routes     map[string]Route
	dedup      *dedupCache
	reputation *health.PeerMonitor
	logger     logger.Logger

	maxPacketBytes int
	onDeliver      DeliverFunc
}

// Config configures a Router.
type Config struct {
	SelfPeerID     string
	Transport      transport.Transport
	Reputation     *health.PeerMonitor
	DedupLRUSize   int
	MaxPacketBytes int
	OnDeliver      DeliverFunc
}

// New builds a Router for selfPeerID.
func New(cfg Config) *Router {
	maxPacketBytes := cfg.MaxPacketBytes
	if maxPacketBytes <= 0 {
		maxPacketBytes = 64 * 1024
	}
	return &Router{
		selfPeerID:     cfg.SelfPeerID,
		transport:      cfg.Transport,
		routes:         make(map[string]Route),
		dedup:          newDedupCache(cfg.DedupLRUSize),
		reputation:     cfg.Reputation,
		logger:         logger.GetDefaultLogger(),
		maxPacketBytes: maxPacketBytes,
		onDeliver:      cfg.OnDeliver,
	}
}

// UpsertRoute records or replaces the route to destPeerID, applying
// reputation-based tie-breaks when a route to the same destination
// already exists with an equal hop count: the candidate with the
// higher-reputation next hop wins, then the lower metric, then the
// existing route is kept.
func (r *Router) UpsertRoute(destPeerID string, candidate Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.routes[destPeerID]
	if !ok {
		r.routes[destPeerID] = candidate
		metrics.RouterRouteCount.Set(float64(len(r.routes)))
		return
	}
	if candidate.HopCount < existing.HopCount {
		r.routes[destPeerID] = candidate
		return
	}
	if candidate.HopCount == existing.HopCount {
		if r.betterNextHop(candidate.NextHop, existing.NextHop, candidate.Metric, existing.Metric) {
			r.routes[destPeerID] = candidate
		}
	}
}

// RouteCount returns the current number of entries in the routing table.
func (r *Router) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// betterNextHop picks the winner between two equally-short routes:
// higher peer reputation wins, then lower metric.
func (r *Router) betterNextHop(candidateHop, existingHop string, candidateMetric, existingMetric int) bool {
	if r.reputation != nil {
		cRep := r.reputation.Reputation(candidateHop)
		eRep := r.reputation.Reputation(existingHop)
		if cRep != eRep {
			return cRep > eRep
		}
	}
	return candidateMetric < existingMetric
}

// RouteFor returns the current best route to destPeerID.
func (r *Router) RouteFor(destPeerID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[destPeerID]
	if !ok || (!rt.Expiry.IsZero() && time.Now().After(rt.Expiry)) {
		return Route{}, false
	}
	return rt, true
}

// PruneExpiredRoutes removes routes whose expiry has passed.
func (r *Router) PruneExpiredRoutes(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for dest, rt := range r.routes {
		if !rt.Expiry.IsZero() && now.After(rt.Expiry) {
			delete(r.routes, dest)
			removed++
		}
	}
	if removed > 0 {
		metrics.RouterRouteCount.Set(float64(len(r.routes)))
	}
	return removed
}

// HandleInbound decodes a raw frame received from fromPeer, applies
// dedup/TTL/loop checks, and either delivers it locally (destination
// is this node) or forwards it toward its destination's next hop.
// destPeerID is the application-level recipient if known; pass "" for
// broadcast-style envelopes that should be delivered locally whenever
// this node has not seen them yet and also re-flooded to peers.
func (r *Router) HandleInbound(ctx context.Context, fromPeer string, raw []byte, destPeerID string) error {
	pk, err := codec.Decode(raw, r.maxPacketBytes)
	if err != nil {
		if r.reputation != nil {
			r.reputation.RecordSignatureInvalid(fromPeer)
		}
		metrics.RouterPacketsForwarded.WithLabelValues("bad_signature").Inc()
		return fmt.Errorf("router: decode inbound from %s: %w", fromPeer, err)
	}

	if r.dedup.seen(pk.MessageID) {
		metrics.RouterPacketsForwarded.WithLabelValues("duplicate").Inc()
		return ErrDuplicateDropped
	}

	senderID := peerIDHex(pk.Sender)
	if senderID == r.selfPeerID {
		metrics.RouterPacketsForwarded.WithLabelValues("loop").Inc()
		return ErrLoopDropped
	}

	if r.reputation != nil {
		r.reputation.RecordDelivered(fromPeer)
	}

	if pk.TTL == 0 {
		metrics.RouterPacketsForwarded.WithLabelValues("ttl_exceeded").Inc()
		return ErrTTLExceeded
	}

	if destPeerID == "" || destPeerID == r.selfPeerID {
		if r.onDeliver != nil {
			r.onDeliver(pk)
		}
		if destPeerID == r.selfPeerID {
			return nil
		}
	}

	return r.forward(ctx, fromPeer, destPeerID, raw)
}

// forward sends the original (unmodified, still validly-signed) wire
// bytes to the next hop toward destPeerID, or floods to all connected
// peers except fromPeer when no destination or route is known.
func (r *Router) forward(ctx context.Context, fromPeer, destPeerID string, raw []byte) error {
	if destPeerID != "" {
		if rt, ok := r.RouteFor(destPeerID); ok {
			if err := r.transport.Send(ctx, rt.NextHop, raw); err != nil {
				metrics.RouterPacketsForwarded.WithLabelValues("send_failed").Inc()
				return fmt.Errorf("router: send to next hop %s: %w", rt.NextHop, err)
			}
			metrics.RouterPacketsForwarded.WithLabelValues("sent").Inc()
			return nil
		}
		if r.onDeliver == nil {
			// Unknown destination and nothing delivered locally: flood
			// as a best effort in case a connected peer is closer.
			metrics.RouterPacketsForwarded.WithLabelValues("broadcast").Inc()
			return r.transport.Broadcast(ctx, raw, fromPeer, r.selfPeerID)
		}
		metrics.RouterPacketsForwarded.WithLabelValues("no_route").Inc()
		return ErrNoRoute
	}
	metrics.RouterPacketsForwarded.WithLabelValues("broadcast").Inc()
	return r.transport.Broadcast(ctx, raw, fromPeer, r.selfPeerID)
}
