// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the sync
// client. Configuration comes from a single file named by either the
// HEARTH_CONFIG environment variable (via Load) or an explicit path
// (via LoadFile). There are no fallbacks, no home-directory discovery,
// and no automatic file search — configuration is deterministic and
// auditable.
//
// The optional sync filter is kept in a separate file referenced from
// the config. Filter files may be JSONC (JSON with comments and
// trailing commas); they are translated to plain JSON at load time and
// sent verbatim as the /sync filter query parameter.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a sync client.
type Config struct {
	// Homeserver configures the connection to the Matrix homeserver.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Sync configures the long-poll loop.
	Sync SyncConfig `yaml:"sync"`

	// Profiles configures invite profile resolution.
	Profiles ProfilesConfig `yaml:"profiles"`

	// Snapshot configures optional state snapshots.
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// HomeserverConfig identifies the homeserver and account.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver (e.g., "https://matrix.example.org").
	URL string `yaml:"url"`

	// UserID is the fully-qualified user ID of the syncing account.
	UserID string `yaml:"user_id"`

	// AccessTokenFile is the path of a file holding the access token.
	// The token never appears in the config file itself.
	AccessTokenFile string `yaml:"access_token_file"`
}

// SyncConfig configures the /sync long-poll loop.
type SyncConfig struct {
	// TimeoutMS is the server-side long-poll hold time in
	// milliseconds. Default: 30000.
	TimeoutMS int `yaml:"timeout_ms"`

	// MaxBackoff caps the exponential retry backoff after transport
	// failures. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// FilterFile is an optional path to a JSONC sync filter definition.
	FilterFile string `yaml:"filter_file"`
}

// ProfilesConfig configures invite profile resolution.
type ProfilesConfig struct {
	// ResolveInvites enables background profile lookups for invited
	// members whose display name is still their raw user ID. When
	// false, such members stay unresolved unless a presence event
	// supplies a name.
	ResolveInvites bool `yaml:"resolve_invites"`
}

// SnapshotConfig configures optional state snapshots.
type SnapshotConfig struct {
	// Path is where the snapshot file is written. Empty disables
	// snapshots.
	Path string `yaml:"path"`

	// Compression selects the snapshot compression: "none", "lz4",
	// or "zstd". Default: "lz4".
	Compression string `yaml:"compression"`
}

// Default returns a Config with standard defaults. The homeserver
// section has no sensible default and must come from the file.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			TimeoutMS:  30000,
			MaxBackoff: 30 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Compression: "lz4",
		},
	}
}

// Load reads the config file named by the HEARTH_CONFIG environment
// variable.
func Load() (Config, error) {
	path := os.Getenv("HEARTH_CONFIG")
	if path == "" {
		return Config{}, fmt.Errorf("config: HEARTH_CONFIG is not set")
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path. Defaults are
// applied for fields the file leaves unset.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if c.Homeserver.UserID == "" {
		return fmt.Errorf("homeserver.user_id is required")
	}
	if c.Sync.TimeoutMS < 0 {
		return fmt.Errorf("sync.timeout_ms must not be negative")
	}
	switch c.Snapshot.Compression {
	case "", "none", "lz4", "zstd":
	default:
		return fmt.Errorf("snapshot.compression must be one of none, lz4, zstd (got %q)", c.Snapshot.Compression)
	}
	return nil
}

// AccessToken reads the access token from Homeserver.AccessTokenFile,
// trimming a trailing newline.
func (c Config) AccessToken() (string, error) {
	if c.Homeserver.AccessTokenFile == "" {
		return "", fmt.Errorf("config: homeserver.access_token_file is not set")
	}
	data, err := os.ReadFile(c.Homeserver.AccessTokenFile)
	if err != nil {
		return "", fmt.Errorf("config: reading access token: %w", err)
	}
	token := string(data)
	for len(token) > 0 && (token[len(token)-1] == '\n' || token[len(token)-1] == '\r') {
		token = token[:len(token)-1]
	}
	if token == "" {
		return "", fmt.Errorf("config: access token file %s is empty", c.Homeserver.AccessTokenFile)
	}
	return token, nil
}

// SyncFilter loads the JSONC filter file named by Sync.FilterFile and
// returns it as plain JSON suitable for the /sync filter query
// parameter. Returns an empty string when no filter file is
// configured.
func (c Config) SyncFilter() (string, error) {
	if c.Sync.FilterFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Sync.FilterFile)
	if err != nil {
		return "", fmt.Errorf("config: reading sync filter: %w", err)
	}
	return string(jsonc.ToJSON(data)), nil
}
