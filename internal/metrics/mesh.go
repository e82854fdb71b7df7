// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RouterPacketsForwarded tracks packets the router has forwarded,
	// split by outcome (sent, broadcast, no_route, duplicate, loop, ttl_exceeded).
	RouterPacketsForwarded = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "packets_total",
			Help:      "Total number of packets handled by the router, by outcome",
		},
		[]string{"outcome"},
	)

	// RouterRouteCount tracks the current size of the routing table.
	RouterRouteCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routes",
			Help:      "Current number of entries in the routing table",
		},
	)

	// QueueDepth tracks the current store-and-forward queue depth.
	QueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of messages in the store-and-forward queue",
		},
	)

	// QueueDropped tracks messages dropped from the outbox and the relay
	// queue, by reason (evicted, expired, relay_evicted, relay_expired);
	// a message that runs out of delivery attempts counts as expired.
	QueueDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total number of messages dropped from the store-and-forward queue",
		},
		[]string{"reason"},
	)

	// GossipAnnouncementsSent tracks directory announcements emitted.
	GossipAnnouncementsSent = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "announcements_sent_total",
			Help:      "Total number of gossip announcements emitted",
		},
	)

	// GossipKnownPeers tracks the current size of the gossip directory.
	GossipKnownPeers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "known_peers",
			Help:      "Current number of peers known to the gossip directory",
		},
	)

	// HealthConnectedPeers tracks peers the health monitor currently
	// considers connected.
	HealthConnectedPeers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "connected_peers",
			Help:      "Current number of peers considered connected by the health monitor",
		},
	)

	// HealthReputationAdjustments tracks reputation deltas applied, by kind.
	HealthReputationAdjustments = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "reputation_adjustments_total",
			Help:      "Total number of peer reputation adjustments, by kind",
		},
		[]string{"kind"}, // delivered, signature_invalid, aead_fail, protocol_violation
	)

	// RateLimiterRejections tracks outbound sends rejected by the rate limiter.
	RateLimiterRejections = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of outbound sends rejected by the rate limiter",
		},
	)

	// MeshMessagesSent tracks application messages sent by the facade,
	// by outcome (sent, queued).
	MeshMessagesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "messages_sent_total",
			Help:      "Total number of application messages handed to the mesh facade, by outcome",
		},
		[]string{"outcome"},
	)
)
