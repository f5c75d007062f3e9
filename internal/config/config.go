// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for pagebrief.
//
// TOML with sensible defaults, environment variable overrides, and
// validation. Both binaries read the same file:
//   - ~/.pagebrief/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/pagebrief/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete pagebrief configuration.
type Config struct {
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	Extract  ExtractConfig  `toml:"extract"`
	UI       UIConfig       `toml:"ui"`
	Log      LogConfig      `toml:"log"`
}

// RelayConfig is shared by the daemon (listen) and the client (dial).
type RelayConfig struct {
	// Addr is the daemon listen address. Loopback only; the daemon is the
	// sole credential holder and must not be reachable off-host.
	Addr string `toml:"addr"`
}

// UpstreamConfig is daemon-only: how the relay talks to the model API.
type UpstreamConfig struct {
	// BaseURL is the API root.
	BaseURL string `toml:"base_url"`
	// Model is the generation model name.
	Model string `toml:"model"`
	// Temperature is the sampling temperature.
	Temperature float64 `toml:"temperature"`
	// MaxOutputTokens caps response length. 0 uses the client default.
	MaxOutputTokens int `toml:"max_output_tokens"`
}

// ExtractConfig is client-only: page fetching.
type ExtractConfig struct {
	// UserAgent is sent when fetching pages. Empty uses the default.
	UserAgent string `toml:"user_agent"`
}

// UIConfig is client-only.
type UIConfig struct {
	// Theme is the glamour rendering style: "dark", "light", "auto".
	Theme string `toml:"theme"`
}

// LogConfig controls the zap/lumberjack logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `toml:"level"`
	// File is the log file path. Empty means the default under the config
	// directory (pagebrief.log for the client, pagebriefd.log for the daemon).
	File string `toml:"file"`
}

// =============================================================================
// DEFAULTS AND PATHS
// =============================================================================

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Addr: "127.0.0.1:8750",
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://generativelanguage.googleapis.com",
			Model:       "gemini-1.5-flash",
			Temperature: 0.3,
		},
		UI: UIConfig{
			Theme: "dark",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Dir returns the pagebrief configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".pagebrief"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureDir ensures the config directory exists.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}

// StatePath returns the SQLite state database path.
func StatePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// LogPath resolves the log file for a binary name, honoring Log.File.
func (c *Config) LogPath(binary string) (string, error) {
	if c.Log.File != "" {
		return c.Log.File, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, binary+".log"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file, falling back to defaults when it is absent.
// Environment overrides are applied last, then validation.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file. A missing file is
// not an error; defaults apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the default TOML file with 0600
// permissions.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to a specific path. Atomic write: a crash
// mid-save must not leave a half-written config behind.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# pagebrief configuration file\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// DEFAULTS, OVERRIDES, VALIDATION
// =============================================================================

// SetDefaults fills any zero-value fields with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Relay.Addr == "" {
		c.Relay.Addr = defaults.Relay.Addr
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = defaults.Upstream.BaseURL
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = defaults.Upstream.Model
	}
	if c.Upstream.Temperature == 0 {
		c.Upstream.Temperature = defaults.Upstream.Temperature
	}
	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - PAGEBRIEF_RELAY_ADDR: overrides relay.addr
//   - PAGEBRIEF_BASE_URL: overrides upstream.base_url
//   - PAGEBRIEF_MODEL: overrides upstream.model
//   - PAGEBRIEF_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if addr := os.Getenv("PAGEBRIEF_RELAY_ADDR"); addr != "" {
		c.Relay.Addr = addr
	}
	if base := os.Getenv("PAGEBRIEF_BASE_URL"); base != "" {
		c.Upstream.BaseURL = base
	}
	if model := os.Getenv("PAGEBRIEF_MODEL"); model != "" {
		c.Upstream.Model = model
	}
	if level := os.Getenv("PAGEBRIEF_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, _, ok := strings.Cut(c.Relay.Addr, ":"); !ok {
		return ValidationError{Field: "relay.addr", Message: fmt.Sprintf("invalid listen address %q", c.Relay.Addr)}
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return ValidationError{Field: "upstream.base_url", Message: fmt.Sprintf("invalid URL %q", c.Upstream.BaseURL)}
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return ValidationError{Field: "upstream.temperature", Message: fmt.Sprintf("must be in [0, 2], got %g", c.Upstream.Temperature)}
	}
	if c.Upstream.MaxOutputTokens < 0 {
		return ValidationError{Field: "upstream.max_output_tokens", Message: "must be non-negative"}
	}
	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		return ValidationError{Field: "ui.theme", Message: fmt.Sprintf("invalid theme %q, must be one of: dark, light, auto", c.UI.Theme)}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return ValidationError{Field: "log.level", Message: fmt.Sprintf("invalid level %q", c.Log.Level)}
	}
	return nil
}
