// Package config loads and validates the agent's JSON config file and the
// pairing state persisted beside it. The config file is operator-owned; the
// state file is written by the agent itself after a successful pairing and
// cleared when the master revokes the token.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Defaults written when the config file does not exist yet.
const (
	DefaultPairRetrySeconds        = 5
	DefaultHeartbeatIntervalSecond = 10
	DefaultHeartbeatTimeoutSecond  = 5
)

// pairCodeRegex matches the 6-char pairing code handed out by the master.
var pairCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Config is the operator-provided agent configuration.
type Config struct {
	MasterURL                string `json:"master_url"`
	PairCode                 string `json:"pair_code"`
	PairRetrySeconds         int    `json:"pair_retry_seconds"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int    `json:"heartbeat_timeout_seconds"`
}

// PairRetry returns the pairing retry interval as a duration.
func (c *Config) PairRetry() time.Duration {
	return time.Duration(c.PairRetrySeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the heartbeat request timeout as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// Validate returns the first problem with the config, or nil. A config that
// fails validation is a fatal startup error (exit 1), never a silent default.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.MasterURL, "http://") && !strings.HasPrefix(c.MasterURL, "https://") {
		return errors.New("config: master_url must begin with http:// or https://")
	}
	if !pairCodeRegex.MatchString(c.PairCode) {
		return errors.New("config: pair_code must be 6 characters [A-Z0-9]")
	}
	if c.PairRetrySeconds < 1 {
		return errors.New("config: pair_retry_seconds must be an integer >= 1")
	}
	if c.HeartbeatIntervalSeconds < 1 {
		return errors.New("config: heartbeat_interval_seconds must be an integer >= 1")
	}
	if c.HeartbeatTimeoutSeconds < 1 {
		return errors.New("config: heartbeat_timeout_seconds must be an integer >= 1")
	}
	return nil
}

// Load reads and validates the config file. When the file does not exist a
// default skeleton is written in its place so the operator only has to fill
// in master_url and pair_code, and an error is returned describing that.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		skeleton := &Config{
			MasterURL:                "http://127.0.0.1:8080",
			PairCode:                 "",
			PairRetrySeconds:         DefaultPairRetrySeconds,
			HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSecond,
			HeartbeatTimeoutSeconds:  DefaultHeartbeatTimeoutSecond,
		}
		if werr := writeJSONAtomic(path, skeleton); werr != nil {
			return nil, fmt.Errorf("config: failed to seed %s: %w", path, werr)
		}
		return nil, fmt.Errorf("config: %s did not exist; a default was written, fill in master_url and pair_code", path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.PairCode = strings.ToUpper(strings.TrimSpace(cfg.PairCode))
	if cfg.PairRetrySeconds == 0 {
		cfg.PairRetrySeconds = DefaultPairRetrySeconds
	}
	if cfg.HeartbeatIntervalSeconds == 0 {
		cfg.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSecond
	}
	if cfg.HeartbeatTimeoutSeconds == 0 {
		cfg.HeartbeatTimeoutSeconds = DefaultHeartbeatTimeoutSecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// State is the pairing state persisted after a successful pairing.
type State struct {
	NodeID    string    `json:"node_id"`
	PairToken string    `json:"pair_token"`
	PairedAt  time.Time `json:"paired_at"`
	MasterURL string    `json:"master_url"`
}

// Valid reports whether the state is usable against the given master. A
// state written for a different master URL is stale (the operator repointed
// the agent) and forces a fresh pairing.
func (s *State) Valid(masterURL string) bool {
	return s != nil && s.NodeID != "" && s.PairToken != "" && s.MasterURL == masterURL
}

// StatePath returns the state file path for a config file path: state.json
// in the same directory.
func StatePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "state.json")
}

// LoadState reads the persisted pairing state. A missing or corrupt file
// yields (nil, nil): the caller pairs from scratch.
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read state %s: %w", path, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

// SaveState persists the pairing state atomically (temp file + rename), so a
// crash mid-write never leaves a truncated token on disk.
func SaveState(path string, st *State) error {
	if err := writeJSONAtomic(path, st); err != nil {
		return fmt.Errorf("config: write state %s: %w", path, err)
	}
	return nil
}

// ClearState removes the state file. Called when the master rejects the
// token and the agent must pair again.
func ClearState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: clear state %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
