// Package config loads and persists the ccm configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	"github.com/rarestg/codex-conversation-manager/internal/logging"
)

const (
	configFileName = "config.json"
	dbFileName     = "index.db"

	// Environment overrides
	envConfigDir    = "CCM_CONFIG_DIR"
	envSessionsRoot = "CCM_SESSIONS_ROOT"
)

// Config represents the ccm configuration document (config.json).
type Config struct {
	SessionsRoot         string `json:"sessionsRoot"`
	Listen               string `json:"listen"`
	IndexIntervalSeconds int    `json:"indexIntervalSeconds"`
	Watch                bool   `json:"watch"`
}

// LoadResult contains the loaded config and metadata about where it came from
type LoadResult struct {
	Config     *Config
	ConfigDir  string // Directory holding config.json and the database
	SourcePath string // Path to config.json that was found/created
	Created    bool   // True if a fresh config was written
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		SessionsRoot:         filepath.Join(home, ".codex", "sessions"),
		Listen:               "127.0.0.1:7483",
		IndexIntervalSeconds: 60,
		Watch:                false,
	}
}

// ConfigDir returns the configuration directory, honoring CCM_CONFIG_DIR.
func ConfigDir() string {
	if dir := os.Getenv(envConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".codex-manager")
}

// Load reads config.json from the config directory, creating it with
// defaults on first run. CCM_SESSIONS_ROOT overrides the configured root.
func Load() (*LoadResult, error) {
	dir := ConfigDir()
	path := filepath.Join(dir, configFileName)

	result := &LoadResult{
		Config:     DefaultConfig(),
		ConfigDir:  dir,
		SourcePath: path,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := AtomicWriteJSON(path, result.Config, 0600); err != nil {
			return nil, fmt.Errorf("write initial config: %w", err)
		}
		result.Created = true
		logging.L_info("config: created", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		loaded := &Config{}
		if err := json.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		// Fill unset fields from defaults
		if err := mergo.Merge(loaded, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("merge defaults: %w", err)
		}
		result.Config = loaded
		logging.L_debug("config: loaded", "path", path)
	}

	if root := os.Getenv(envSessionsRoot); root != "" {
		logging.L_debug("config: sessions root overridden by environment", "root", root)
		result.Config.SessionsRoot = root
	}

	return result, nil
}

// Save persists the config atomically.
func Save(cfg *Config) error {
	path := filepath.Join(ConfigDir(), configFileName)
	if err := AtomicWriteJSON(path, cfg, 0600); err != nil {
		return err
	}
	logging.L_debug("config: saved", "path", path)
	return nil
}

// DatabasePath returns the path of the embedded database file.
func (r *LoadResult) DatabasePath() string {
	return filepath.Join(r.ConfigDir, dbFileName)
}
