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

// Package memory implements an in-process storage.Adapter backed by
// plain maps guarded by per-entity mutexes, following the same
// create/get/update/delete/list shape the teacher's session store
// used for a single entity, generalized here to all seven.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/silentmesh/core/pkg/storage"
)

// Store implements storage.Adapter entirely in memory. Nothing
// persists across process restarts; it exists for tests, demos, and
// as the reference the postgres backend is checked against.
type Store struct {
	mu sync.RWMutex

	identities     map[string]*storage.Identity
	peers          map[string]*storage.Peer
	routes         map[string]*storage.Route
	sessionKeys    map[string]*storage.SessionKey
	queuedMessages map[string]*storage.QueuedMessage
	conversations  map[string]*storage.Conversation
	messages       map[string]*storage.Message

	deleteTokens storage.DeleteTokenIssuer
}

// NewStore creates an empty in-memory adapter.
func NewStore() *Store {
	return &Store{
		identities:     make(map[string]*storage.Identity),
		peers:          make(map[string]*storage.Peer),
		routes:         make(map[string]*storage.Route),
		sessionKeys:    make(map[string]*storage.SessionKey),
		queuedMessages: make(map[string]*storage.QueuedMessage),
		conversations:  make(map[string]*storage.Conversation),
		messages:       make(map[string]*storage.Message),
	}
}

func (s *Store) Identities() storage.IdentityStore         { return (*identityStore)(s) }
func (s *Store) Peers() storage.PeerStore                   { return (*peerStore)(s) }
func (s *Store) Routes() storage.RouteStore                 { return (*routeStore)(s) }
func (s *Store) SessionKeys() storage.SessionKeyStore        { return (*sessionKeyStore)(s) }
func (s *Store) QueuedMessages() storage.QueuedMessageStore  { return (*queuedMessageStore)(s) }
func (s *Store) Conversations() storage.ConversationStore    { return (*conversationStore)(s) }
func (s *Store) Messages() storage.MessageStore              { return (*messageStore)(s) }

func (s *Store) Close() error                        { return nil }
func (s *Store) Ping(ctx context.Context) error      { return nil }

// Clear removes all data. Useful for tests.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = make(map[string]*storage.Identity)
	s.peers = make(map[string]*storage.Peer)
	s.routes = make(map[string]*storage.Route)
	s.sessionKeys = make(map[string]*storage.SessionKey)
	s.queuedMessages = make(map[string]*storage.QueuedMessage)
	s.conversations = make(map[string]*storage.Conversation)
	s.messages = make(map[string]*storage.Message)
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) error {
	if _, err := s.Routes().(*routeStore).PruneExpired(ctx, now); err != nil {
		return err
	}
	if _, err := s.SessionKeys().(*sessionKeyStore).PruneExpired(ctx, now); err != nil {
		return err
	}
	if _, err := s.QueuedMessages().(*queuedMessageStore).PruneExpired(ctx, now); err != nil {
		return err
	}
	return nil
}

func (s *Store) ExportAll(ctx context.Context) (*storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &storage.Snapshot{
		Version:    storage.CurrentSnapshotVersion,
		ExportedAt: time.Now(),
	}
	for _, v := range s.identities {
		snap.Identities = append(snap.Identities, *v)
	}
	for _, v := range s.peers {
		snap.Peers = append(snap.Peers, *v)
	}
	for _, v := range s.routes {
		snap.Routes = append(snap.Routes, *v)
	}
	for _, v := range s.sessionKeys {
		snap.SessionKeys = append(snap.SessionKeys, *v)
	}
	for _, v := range s.queuedMessages {
		snap.QueuedMessages = append(snap.QueuedMessages, *v)
	}
	for _, v := range s.conversations {
		snap.Conversations = append(snap.Conversations, *v)
	}
	for _, v := range s.messages {
		snap.Messages = append(snap.Messages, *v)
	}
	return snap, nil
}

func (s *Store) Import(ctx context.Context, snap *storage.Snapshot, strategy storage.MergeStrategy) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", storage.ErrCorruptSnapshot)
	}
	if snap.Version != storage.CurrentSnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", storage.ErrCorruptSnapshot, snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strategy == storage.MergeReplaceAll {
		s.identities = make(map[string]*storage.Identity)
		s.peers = make(map[string]*storage.Peer)
		s.routes = make(map[string]*storage.Route)
		s.sessionKeys = make(map[string]*storage.SessionKey)
		s.queuedMessages = make(map[string]*storage.QueuedMessage)
		s.conversations = make(map[string]*storage.Conversation)
		s.messages = make(map[string]*storage.Message)
	}

	for i := range snap.Identities {
		v := snap.Identities[i]
		if existing, ok := s.identities[v.PeerID]; !ok || strategy == storage.MergeReplaceAll || v.CreatedAt.After(existing.CreatedAt) {
			s.identities[v.PeerID] = &v
		}
	}
	for i := range snap.Peers {
		v := snap.Peers[i]
		if existing, ok := s.peers[v.PeerID]; !ok || strategy == storage.MergeReplaceAll || v.LastSeen.After(existing.LastSeen) {
			s.peers[v.PeerID] = &v
		}
	}
	for i := range snap.Routes {
		v := snap.Routes[i]
		if existing, ok := s.routes[v.DestinationPeerID]; !ok || strategy == storage.MergeReplaceAll || v.Expiry.After(existing.Expiry) {
			s.routes[v.DestinationPeerID] = &v
		}
	}
	for i := range snap.SessionKeys {
		v := snap.SessionKeys[i]
		if existing, ok := s.sessionKeys[v.SessionID]; !ok || strategy == storage.MergeReplaceAll || v.LastUsedAt.After(existing.LastUsedAt) {
			s.sessionKeys[v.SessionID] = &v
		}
	}
	for i := range snap.QueuedMessages {
		v := snap.QueuedMessages[i]
		s.queuedMessages[v.ID] = &v
	}
	for i := range snap.Conversations {
		v := snap.Conversations[i]
		if existing, ok := s.conversations[v.PeerID]; !ok || strategy == storage.MergeReplaceAll || v.LastMessageAt.After(existing.LastMessageAt) {
			s.conversations[v.PeerID] = &v
		}
	}
	for i := range snap.Messages {
		v := snap.Messages[i]
		s.messages[v.ID] = &v
	}

	return nil
}

func (s *Store) RequestDeleteToken(ctx context.Context) (string, error) {
	return s.deleteTokens.Issue()
}

func (s *Store) DeleteAll(ctx context.Context, confirmationToken string) error {
	if !s.deleteTokens.Validate(confirmationToken) {
		return fmt.Errorf("storage: DeleteAll refused: bad or expired confirmation token")
	}
	s.Clear()
	return nil
}

// --- per-entity store implementations ---
// Each is a type alias over *Store so every store shares one lock,
// mirroring the teacher's single in-memory Store guarding several
// maps rather than one mutex per concern.

type identityStore Store

func (s *identityStore) Upsert(ctx context.Context, id *storage.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *id
	s.identities[id.PeerID] = &cp
	return nil
}
func (s *identityStore) Get(ctx context.Context, peerID string) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.identities[peerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *identityStore) Delete(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, peerID)
	return nil
}
func (s *identityStore) List(ctx context.Context) ([]*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Identity, 0, len(s.identities))
	for _, v := range s.identities {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

type peerStore Store

func (s *peerStore) Upsert(ctx context.Context, p *storage.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.peers[p.PeerID] = &cp
	return nil
}
func (s *peerStore) Get(ctx context.Context, peerID string) (*storage.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.peers[peerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *peerStore) Delete(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
	return nil
}
func (s *peerStore) List(ctx context.Context) ([]*storage.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Peer, 0, len(s.peers))
	for _, v := range s.peers {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

type routeStore Store

func (s *routeStore) Upsert(ctx context.Context, r *storage.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.routes[r.DestinationPeerID] = &cp
	return nil
}
func (s *routeStore) Get(ctx context.Context, destinationPeerID string) (*storage.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.routes[destinationPeerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *routeStore) Delete(ctx context.Context, destinationPeerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, destinationPeerID)
	return nil
}
func (s *routeStore) List(ctx context.Context) ([]*storage.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Route, 0, len(s.routes))
	for _, v := range s.routes {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}
func (s *routeStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.routes {
		if !v.Expiry.IsZero() && now.After(v.Expiry) {
			delete(s.routes, k)
			n++
		}
	}
	return n, nil
}

type sessionKeyStore Store

func (s *sessionKeyStore) Upsert(ctx context.Context, sk *storage.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sk
	s.sessionKeys[sk.SessionID] = &cp
	return nil
}
func (s *sessionKeyStore) Get(ctx context.Context, sessionID string) (*storage.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sessionKeys[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *sessionKeyStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionKeys, sessionID)
	return nil
}
func (s *sessionKeyStore) ListByPeer(ctx context.Context, peerID string) ([]*storage.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.SessionKey
	for _, v := range s.sessionKeys {
		if v.PeerID == peerID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (s *sessionKeyStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.sessionKeys {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(s.sessionKeys, k)
			n++
		}
	}
	return n, nil
}

type queuedMessageStore Store

func (s *queuedMessageStore) Upsert(ctx context.Context, m *storage.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.queuedMessages[m.ID] = &cp
	return nil
}
func (s *queuedMessageStore) Get(ctx context.Context, id string) (*storage.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.queuedMessages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *queuedMessageStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queuedMessages, id)
	return nil
}
func (s *queuedMessageStore) ListByDestination(ctx context.Context, destination string) ([]*storage.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.QueuedMessage
	for _, v := range s.queuedMessages {
		if v.Destination == destination {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (s *queuedMessageStore) ListAll(ctx context.Context) ([]*storage.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.QueuedMessage, 0, len(s.queuedMessages))
	for _, v := range s.queuedMessages {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}
func (s *queuedMessageStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.queuedMessages {
		if now.After(v.ExpiresAt) {
			delete(s.queuedMessages, k)
			n++
		}
	}
	return n, nil
}

type conversationStore Store

func (s *conversationStore) Upsert(ctx context.Context, c *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conversations[c.PeerID] = &cp
	return nil
}
func (s *conversationStore) Get(ctx context.Context, peerID string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.conversations[peerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *conversationStore) List(ctx context.Context) ([]*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Conversation, 0, len(s.conversations))
	for _, v := range s.conversations {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

type messageStore Store

func (s *messageStore) Upsert(ctx context.Context, m *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}
func (s *messageStore) Get(ctx context.Context, id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
func (s *messageStore) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storage.Message
	for _, v := range s.messages {
		if v.ConversationID == conversationID {
			cp := *v
			matched = append(matched, &cp)
		}
	}

	if offset >= len(matched) {
		return []*storage.Message{}, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}
func (s *messageStore) UpdateStatus(ctx context.Context, id string, status storage.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	v.Status = status
	v.UpdatedAt = time.Now()
	return nil
}
