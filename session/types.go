// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later


package session

import (
	"time"
)

const GeneralPrefix = "session"

// Session represents an active cryptographic session between two peers.
type Session interface {
    // Identification
    GetID() string
    GetCreatedAt() time.Time
    GetLastUsedAt() time.Time

    // Lifecycle
    IsExpired() bool
    UpdateLastUsed()
    Close() error

    // Cryptographic operations (XChaCha20-Poly1305, 24-byte nonces)
    Encrypt(plaintext []byte) ([]byte, error)
    Decrypt(data []byte) ([]byte, error)
    EncryptAndSign(plaintext []byte) ([]byte, error)
    DecryptAndVerify(data []byte) ([]byte, error)

    // Rotation
    Rotate() error
    RotationCounter() uint32

    // Statistics
    GetMessageCount() int
    GetConfig() Config
}

// Config defines session policies and limits.
type Config struct {
    MaxAge       time.Duration `json:"maxAge"`       // absolute expiration (e.g. 1 hour)
    IdleTimeout  time.Duration `json:"idleTimeout"`  // idle timeout (e.g. 10 minutes)
    MaxMessages  int           `json:"maxMessages"`
    // RotationGrace is how long a rotated-out key pair is still
    // accepted for inbound decryption after Rotate() runs, to cover
    // packets already in flight under the previous rotationCounter.
    RotationGrace time.Duration `json:"rotationGrace"`
}

// Status provides information about session status
type Status struct {
    TotalSessions   int `json:"totalSessions"`
    ActiveSessions  int `json:"activeSessions"`
    ExpiredSessions int `json:"expiredSessions"`
}
