// Package config manages persistent user preferences for roomsync.
// Settings are stored as JSON at os.UserConfigDir()/roomsync/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rustyguts/roomsync/internal/keepsync"
)

// Config holds all persistent user preferences.
type Config struct {
	DisplayName     string  `json:"displayName"`
	LastRoomID      string  `json:"lastRoomId"`
	DeviceID        string  `json:"deviceId"`
	IOSSafeProfile  bool    `json:"iosSafeProfile"`
	LatencyCompMs   int64   `json:"latencyCompMs"`
	Servers         []ServerEntry `json:"servers"`
}

// ServerEntry is a saved room host name and address.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DisplayName:    "",
		IOSSafeProfile: false,
		LatencyCompMs:  0,
		Servers: []ServerEntry{
			{Name: "Local Host", Addr: "localhost:8787"},
		},
	}
}

// KeepSyncConfig resolves the persisted profile choice to a concrete
// keepsync.Config.
func (c Config) KeepSyncConfig() keepsync.Config {
	if c.IOSSafeProfile {
		return keepsync.IOSSafeConfig()
	}
	return keepsync.DefaultConfig()
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "roomsync", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
