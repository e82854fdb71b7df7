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

// Package postgres implements storage.Adapter against PostgreSQL via
// pgx, one table per entity with upsert-on-conflict writes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/silentmesh/core/pkg/storage"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store implements storage.Adapter backed by a pgx connection pool.
// The schema (one table per entity, created out of band via
// migrations) is assumed to already exist; this package only issues
// DML, matching the teacher's postgres store doing the same for its
// own tables.
type Store struct {
	pool *pgxpool.Pool

	deleteTokens storage.DeleteTokenIssuer
}

// NewStore opens a connection pool and verifies it with a ping.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: create connection pool: %v", storage.ErrIoError, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", storage.ErrIoError, err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error                   { s.pool.Close(); return nil }
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Identities() storage.IdentityStore        { return (*identityStore)(s) }
func (s *Store) Peers() storage.PeerStore                  { return (*peerStore)(s) }
func (s *Store) Routes() storage.RouteStore                { return (*routeStore)(s) }
func (s *Store) SessionKeys() storage.SessionKeyStore       { return (*sessionKeyStore)(s) }
func (s *Store) QueuedMessages() storage.QueuedMessageStore { return (*queuedMessageStore)(s) }
func (s *Store) Conversations() storage.ConversationStore   { return (*conversationStore)(s) }
func (s *Store) Messages() storage.MessageStore             { return (*messageStore)(s) }

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%w: %v", storage.ErrIoError, err)
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

// ExportAll snapshots identities, peers, routes, queued messages and
// conversations. Session keys and messages are not included.
func (s *Store) ExportAll(ctx context.Context) (*storage.Snapshot, error) {
	snap := &storage.Snapshot{Version: storage.CurrentSnapshotVersion, ExportedAt: time.Now()}

	identities, err := s.Identities().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range identities {
		snap.Identities = append(snap.Identities, *v)
	}

	peers, err := s.Peers().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range peers {
		snap.Peers = append(snap.Peers, *v)
	}

	routes, err := s.Routes().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range routes {
		snap.Routes = append(snap.Routes, *v)
	}

	queued, err := s.QueuedMessages().ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range queued {
		snap.QueuedMessages = append(snap.QueuedMessages, *v)
	}

	conversations, err := s.Conversations().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range conversations {
		snap.Conversations = append(snap.Conversations, *v)
	}

	return snap, nil
}

// Import writes the identities, peers, routes, queued messages and
// conversations in snap via Upsert, entity group by entity group;
// session keys and messages in snap are not written. strategy is not
// consulted: each record is upserted over the stored row with the same
// key, and stored rows absent from snap are kept. A failure anywhere
// aborts the remainder and reports
// ErrCorruptSnapshot, though rows already written before the failure
// are not rolled back — callers that need atomic import should wrap
// an Import/DeleteAll pair around a fresh snapshot restore instead.
func (s *Store) Import(ctx context.Context, snap *storage.Snapshot, strategy storage.MergeStrategy) error {
	if snap == nil || snap.Version != storage.CurrentSnapshotVersion {
		return fmt.Errorf("%w: unsupported or nil snapshot", storage.ErrCorruptSnapshot)
	}

	for i := range snap.Identities {
		if err := s.Identities().Upsert(ctx, &snap.Identities[i]); err != nil {
			return fmt.Errorf("%w: identity %s: %v", storage.ErrCorruptSnapshot, snap.Identities[i].PeerID, err)
		}
	}
	for i := range snap.Peers {
		if err := s.Peers().Upsert(ctx, &snap.Peers[i]); err != nil {
			return fmt.Errorf("%w: peer %s: %v", storage.ErrCorruptSnapshot, snap.Peers[i].PeerID, err)
		}
	}
	for i := range snap.Routes {
		if err := s.Routes().Upsert(ctx, &snap.Routes[i]); err != nil {
			return fmt.Errorf("%w: route %s: %v", storage.ErrCorruptSnapshot, snap.Routes[i].DestinationPeerID, err)
		}
	}
	for i := range snap.QueuedMessages {
		if err := s.QueuedMessages().Upsert(ctx, &snap.QueuedMessages[i]); err != nil {
			return fmt.Errorf("%w: queued message %s: %v", storage.ErrCorruptSnapshot, snap.QueuedMessages[i].ID, err)
		}
	}
	for i := range snap.Conversations {
		if err := s.Conversations().Upsert(ctx, &snap.Conversations[i]); err != nil {
			return fmt.Errorf("%w: conversation %s: %v", storage.ErrCorruptSnapshot, snap.Conversations[i].PeerID, err)
		}
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
	tables := []string{"identities", "peers", "routes", "session_keys", "queued_messages", "conversations", "messages"}
	for _, tbl := range tables {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+tbl); err != nil {
			return fmt.Errorf("%w: truncate %s: %v", storage.ErrIoError, tbl, err)
		}
	}
	return nil
}
