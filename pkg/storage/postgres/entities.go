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

package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/silentmesh/core/pkg/storage"
)

func scanQueuedMessages(rows pgx.Rows) ([]*storage.QueuedMessage, error) {
	var out []*storage.QueuedMessage
	for rows.Next() {
		var v storage.QueuedMessage
		if err := rows.Scan(&v.ID, &v.Destination, &v.Payload, &v.Priority, &v.Attempts, &v.LastAttempt, &v.ExpiresAt, &v.EnqueuedAt); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

type identityStore Store

func (s *identityStore) Upsert(ctx context.Context, id *storage.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (peer_id, display_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (peer_id) DO UPDATE SET display_name = $2`,
		id.PeerID, id.DisplayName, id.CreatedAt)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *identityStore) Get(ctx context.Context, peerID string) (*storage.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT peer_id, display_name, created_at FROM identities WHERE peer_id = $1`, peerID)
	var v storage.Identity
	if err := row.Scan(&v.PeerID, &v.DisplayName, &v.CreatedAt); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *identityStore) Delete(ctx context.Context, peerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE peer_id = $1`, peerID)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *identityStore) List(ctx context.Context) ([]*storage.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT peer_id, display_name, created_at FROM identities`)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	var out []*storage.Identity
	for rows.Next() {
		var v storage.Identity
		if err := rows.Scan(&v.PeerID, &v.DisplayName, &v.CreatedAt); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

type peerStore Store

func (s *peerStore) Upsert(ctx context.Context, p *storage.Peer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO peers (peer_id, display_name, reputation, blacklisted, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (peer_id) DO UPDATE SET
			display_name = $2, reputation = $3, blacklisted = $4, last_seen = $5`,
		p.PeerID, p.DisplayName, p.Reputation, p.Blacklisted, p.LastSeen)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *peerStore) Get(ctx context.Context, peerID string) (*storage.Peer, error) {
	row := s.pool.QueryRow(ctx, `SELECT peer_id, display_name, reputation, blacklisted, last_seen FROM peers WHERE peer_id = $1`, peerID)
	var v storage.Peer
	if err := row.Scan(&v.PeerID, &v.DisplayName, &v.Reputation, &v.Blacklisted, &v.LastSeen); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *peerStore) Delete(ctx context.Context, peerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM peers WHERE peer_id = $1`, peerID)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *peerStore) List(ctx context.Context) ([]*storage.Peer, error) {
	rows, err := s.pool.Query(ctx, `SELECT peer_id, display_name, reputation, blacklisted, last_seen FROM peers`)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	var out []*storage.Peer
	for rows.Next() {
		var v storage.Peer
		if err := rows.Scan(&v.PeerID, &v.DisplayName, &v.Reputation, &v.Blacklisted, &v.LastSeen); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

type routeStore Store

func (s *routeStore) Upsert(ctx context.Context, r *storage.Route) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO routes (destination_peer_id, next_hop, hop_count, metric, expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (destination_peer_id) DO UPDATE SET
			next_hop = $2, hop_count = $3, metric = $4, expiry = $5`,
		r.DestinationPeerID, r.NextHop, r.HopCount, r.Metric, r.Expiry)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *routeStore) Get(ctx context.Context, destinationPeerID string) (*storage.Route, error) {
	row := s.pool.QueryRow(ctx, `SELECT destination_peer_id, next_hop, hop_count, metric, expiry FROM routes WHERE destination_peer_id = $1`, destinationPeerID)
	var v storage.Route
	if err := row.Scan(&v.DestinationPeerID, &v.NextHop, &v.HopCount, &v.Metric, &v.Expiry); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *routeStore) Delete(ctx context.Context, destinationPeerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM routes WHERE destination_peer_id = $1`, destinationPeerID)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *routeStore) List(ctx context.Context) ([]*storage.Route, error) {
	rows, err := s.pool.Query(ctx, `SELECT destination_peer_id, next_hop, hop_count, metric, expiry FROM routes`)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	var out []*storage.Route
	for rows.Next() {
		var v storage.Route
		if err := rows.Scan(&v.DestinationPeerID, &v.NextHop, &v.HopCount, &v.Metric, &v.Expiry); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *routeStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM routes WHERE expiry < $1 AND expiry != '-infinity'`, now)
	if err != nil {
		return 0, wrapNotFound(err)
	}
	return tag.RowsAffected(), nil
}

type sessionKeyStore Store

func (s *sessionKeyStore) Upsert(ctx context.Context, sk *storage.SessionKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_keys (session_id, peer_id, rotation_counter, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			rotation_counter = $3, last_used_at = $5, expires_at = $6`,
		sk.SessionID, sk.PeerID, sk.RotationCounter, sk.CreatedAt, sk.LastUsedAt, sk.ExpiresAt)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *sessionKeyStore) Get(ctx context.Context, sessionID string) (*storage.SessionKey, error) {
	row := s.pool.QueryRow(ctx, `SELECT session_id, peer_id, rotation_counter, created_at, last_used_at, expires_at FROM session_keys WHERE session_id = $1`, sessionID)
	var v storage.SessionKey
	if err := row.Scan(&v.SessionID, &v.PeerID, &v.RotationCounter, &v.CreatedAt, &v.LastUsedAt, &v.ExpiresAt); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *sessionKeyStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session_keys WHERE session_id = $1`, sessionID)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *sessionKeyStore) ListByPeer(ctx context.Context, peerID string) ([]*storage.SessionKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id, peer_id, rotation_counter, created_at, last_used_at, expires_at FROM session_keys WHERE peer_id = $1`, peerID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	var out []*storage.SessionKey
	for rows.Next() {
		var v storage.SessionKey
		if err := rows.Scan(&v.SessionID, &v.PeerID, &v.RotationCounter, &v.CreatedAt, &v.LastUsedAt, &v.ExpiresAt); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *sessionKeyStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM session_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, wrapNotFound(err)
	}
	return tag.RowsAffected(), nil
}

type queuedMessageStore Store

func (s *queuedMessageStore) Upsert(ctx context.Context, m *storage.QueuedMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queued_messages (id, destination, payload, priority, attempts, last_attempt, expires_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			attempts = $5, last_attempt = $6`,
		m.ID, m.Destination, m.Payload, m.Priority, m.Attempts, m.LastAttempt, m.ExpiresAt, m.EnqueuedAt)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *queuedMessageStore) Get(ctx context.Context, id string) (*storage.QueuedMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, destination, payload, priority, attempts, last_attempt, expires_at, enqueued_at FROM queued_messages WHERE id = $1`, id)
	var v storage.QueuedMessage
	if err := row.Scan(&v.ID, &v.Destination, &v.Payload, &v.Priority, &v.Attempts, &v.LastAttempt, &v.ExpiresAt, &v.EnqueuedAt); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *queuedMessageStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queued_messages WHERE id = $1`, id)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *queuedMessageStore) ListByDestination(ctx context.Context, destination string) ([]*storage.QueuedMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, destination, payload, priority, attempts, last_attempt, expires_at, enqueued_at FROM queued_messages WHERE destination = $1`, destination)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	return scanQueuedMessages(rows)
}

func (s *queuedMessageStore) ListAll(ctx context.Context) ([]*storage.QueuedMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, destination, payload, priority, attempts, last_attempt, expires_at, enqueued_at FROM queued_messages`)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	return scanQueuedMessages(rows)
}

func (s *queuedMessageStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queued_messages WHERE expires_at < $1`, now)
	if err != nil {
		return 0, wrapNotFound(err)
	}
	return tag.RowsAffected(), nil
}

type conversationStore Store

func (s *conversationStore) Upsert(ctx context.Context, c *storage.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (peer_id, created_at, last_message_at, last_message_text)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (peer_id) DO UPDATE SET last_message_at = $3, last_message_text = $4`,
		c.PeerID, c.CreatedAt, c.LastMessageAt, c.LastMessageText)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *conversationStore) Get(ctx context.Context, peerID string) (*storage.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT peer_id, created_at, last_message_at, last_message_text FROM conversations WHERE peer_id = $1`, peerID)
	var v storage.Conversation
	if err := row.Scan(&v.PeerID, &v.CreatedAt, &v.LastMessageAt, &v.LastMessageText); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *conversationStore) List(ctx context.Context) ([]*storage.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT peer_id, created_at, last_message_at, last_message_text FROM conversations`)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	var out []*storage.Conversation
	for rows.Next() {
		var v storage.Conversation
		if err := rows.Scan(&v.PeerID, &v.CreatedAt, &v.LastMessageAt, &v.LastMessageText); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

type messageStore Store

func (s *messageStore) Upsert(ctx context.Context, m *storage.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, outbound, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = $5, updated_at = $7`,
		m.ID, m.ConversationID, m.Outbound, m.Payload, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return wrapNotFound(err)
	}
	return nil
}

func (s *messageStore) Get(ctx context.Context, id string) (*storage.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, conversation_id, outbound, payload, status, created_at, updated_at FROM messages WHERE id = $1`, id)
	var v storage.Message
	if err := row.Scan(&v.ID, &v.ConversationID, &v.Outbound, &v.Payload, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *messageStore) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*storage.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, outbound, payload, status, created_at, updated_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	defer rows.Close()
	var out []*storage.Message
	for rows.Next() {
		var v storage.Message
		if err := rows.Scan(&v.ID, &v.ConversationID, &v.Outbound, &v.Payload, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, wrapNotFound(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *messageStore) UpdateStatus(ctx context.Context, id string, status storage.MessageStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return wrapNotFound(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
