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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a mesh node.
type Config struct {
	Environment string          `yaml:"environment" json:"environment"`
	Node        *NodeConfig     `yaml:"node" json:"node"`
	Session     *SessionConfig  `yaml:"session" json:"session"`
	Router      *RouterConfig   `yaml:"router" json:"router"`
	Queue       *QueueConfig    `yaml:"queue" json:"queue"`
	Gossip      *GossipConfig   `yaml:"gossip" json:"gossip"`
	RateLimit   *RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	KeyStore    *KeyStoreConfig `yaml:"keystore" json:"keystore"`
	Logging     *LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig   `yaml:"health" json:"health"`
	Signaling   *SignalingConfig `yaml:"signaling" json:"signaling"`
}

// NodeConfig carries the peer-level limits of §6.
type NodeConfig struct {
	MaxPeers          int           `yaml:"max_peers" json:"max_peers"`
	MaxPacketBytes    int           `yaml:"max_packet_bytes" json:"max_packet_bytes"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	TTLDefault        int           `yaml:"ttl_default" json:"ttl_default"`
	DedupLRUSize      int           `yaml:"dedup_lru_size" json:"dedup_lru_size"`
}

// SessionConfig controls session lifetime and forward-secrecy rotation.
type SessionConfig struct {
	MaxMessages            int           `yaml:"max_messages" json:"max_messages"`
	MaxAgeSec              int           `yaml:"max_age_sec" json:"max_age_sec"`
	AcceptPreviousGraceSec int           `yaml:"accept_previous_grace_sec" json:"accept_previous_grace_sec"`
	IdleTimeout            time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// RouterConfig tunes routing/dedup behavior.
type RouterConfig struct {
	DedupLRUSize     int `yaml:"dedup_lru_size" json:"dedup_lru_size"`
	MaxTTL           int `yaml:"max_ttl" json:"max_ttl"`
	ReputationWeight int `yaml:"reputation_weight" json:"reputation_weight"`
}

// QueueConfig tunes the store-and-forward queue.
type QueueConfig struct {
	MaxSize        int `yaml:"max_size" json:"max_size"`
	MaxAttempts    int `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoffMs  int `yaml:"base_backoff_ms" json:"base_backoff_ms"`
	CapBackoffMs   int `yaml:"cap_backoff_ms" json:"cap_backoff_ms"`
}

// GossipConfig tunes directory propagation.
type GossipConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"interval_ms"`
	EntryTTLMs int `yaml:"entry_ttl_ms" json:"entry_ttl_ms"`
}

// RateLimitConfig tunes the per-destination token bucket.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerHour   int `yaml:"per_hour" json:"per_hour"`
}

// SignalingConfig configures the optional rendezvous client.
type SignalingConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// KeyStoreConfig represents key storage configuration
type KeyStoreConfig struct {
	Type          string `yaml:"type" json:"type"`
	Directory     string `yaml:"directory" json:"directory"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
	Backend  string `yaml:"backend" json:"backend"` // "standard" or "zap"
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file, trying YAML then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// Default returns a Config with every section's zero-value defaults
// applied, for callers (e.g. a daemon started without --config) that
// need a usable config without a file on disk.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Node == nil {
		cfg.Node = &NodeConfig{}
	}
	if cfg.Node.MaxPeers == 0 {
		cfg.Node.MaxPeers = 256
	}
	if cfg.Node.MaxPacketBytes == 0 {
		cfg.Node.MaxPacketBytes = 64 * 1024
	}
	if cfg.Node.HeartbeatInterval == 0 {
		cfg.Node.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Node.HeartbeatTimeout == 0 {
		cfg.Node.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.Node.ConnectionTimeout == 0 {
		cfg.Node.ConnectionTimeout = 10 * time.Second
	}
	if cfg.Node.TTLDefault == 0 {
		cfg.Node.TTLDefault = 8
	}
	if cfg.Node.DedupLRUSize == 0 {
		cfg.Node.DedupLRUSize = 8192
	}

	if cfg.Session == nil {
		cfg.Session = &SessionConfig{}
	}
	if cfg.Session.MaxMessages == 0 {
		cfg.Session.MaxMessages = 10000
	}
	if cfg.Session.MaxAgeSec == 0 {
		cfg.Session.MaxAgeSec = 3600
	}
	if cfg.Session.AcceptPreviousGraceSec == 0 {
		cfg.Session.AcceptPreviousGraceSec = 60
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 30 * time.Minute
	}

	if cfg.Router == nil {
		cfg.Router = &RouterConfig{}
	}
	if cfg.Router.DedupLRUSize == 0 {
		cfg.Router.DedupLRUSize = cfg.Node.DedupLRUSize
	}
	if cfg.Router.MaxTTL == 0 {
		cfg.Router.MaxTTL = cfg.Node.TTLDefault
	}

	if cfg.Queue == nil {
		cfg.Queue = &QueueConfig{}
	}
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 1000
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.BaseBackoffMs == 0 {
		cfg.Queue.BaseBackoffMs = 500
	}
	if cfg.Queue.CapBackoffMs == 0 {
		cfg.Queue.CapBackoffMs = 60000
	}

	if cfg.Gossip == nil {
		cfg.Gossip = &GossipConfig{}
	}
	if cfg.Gossip.IntervalMs == 0 {
		cfg.Gossip.IntervalMs = 30000
	}
	if cfg.Gossip.EntryTTLMs == 0 {
		cfg.Gossip.EntryTTLMs = 900000 // 15 minutes, per the directory expiry policy window
	}

	if cfg.RateLimit == nil {
		cfg.RateLimit = &RateLimitConfig{}
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.PerHour == 0 {
		cfg.RateLimit.PerHour = 1000
	}

	if cfg.KeyStore != nil {
		if cfg.KeyStore.Type == "" {
			cfg.KeyStore.Type = "encrypted-file"
		}
		if cfg.KeyStore.Directory == "" {
			cfg.KeyStore.Directory = ".mesh/keys"
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
		if cfg.Logging.Backend == "" {
			cfg.Logging.Backend = "standard"
		}
	}
}
