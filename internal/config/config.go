// Package config loads the orchestrator's TOML configuration file from the
// OS per-user config directory, following the teacher's convention of a
// single typed config struct read once at bootstrap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Server holds the HTTP bind settings.
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// CORS holds the allowed-origins list for the HTTP layer.
type CORS struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// GoogleOAuth holds the public-client OAuth2 configuration for Gmail IMAP.
type GoogleOAuth struct {
	ClientID    string `toml:"client_id"`
	RedirectURI string `toml:"redirect_uri"`
}

// Downloads holds orchestrator-wide download-manager defaults.
type Downloads struct {
	AutoStart bool `toml:"auto_start"`
}

// Config is the full TOML-decoded configuration.
type Config struct {
	Server      Server      `toml:"server"`
	CORS        CORS        `toml:"cors"`
	GoogleOAuth GoogleOAuth `toml:"google_oauth"`
	Downloads   Downloads   `toml:"downloads"`
}

// Default returns the built-in defaults applied before a config file is
// merged in, so a missing or partial file still yields a usable config.
func Default() Config {
	return Config{
		Server: Server{Host: "127.0.0.1", Port: 7777},
		CORS:   CORS{AllowedOrigins: []string{"http://localhost:7777"}},
		Downloads: Downloads{
			AutoStart: false,
		},
	}
}

// Path returns the config file path: <user config dir>/dwata/api.toml.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "dwata", "api.toml"), nil
}

// Load reads the config file at Path(), falling back to defaults for any
// field not present on disk. A missing file is not an error — it yields
// pure defaults so the server still boots on first run.
func Load() (Config, error) {
	cfg := Default()

	path, err := Path()
	if err != nil {
		return cfg, err
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// DataDir returns the OS per-user local-data directory for this app:
// <user data dir>/dwata. On Linux this honors XDG_DATA_HOME per the
// freedesktop base-directory spec; elsewhere it uses <user config dir>/dwata
// itself, the same directory as the config file, since the standard library exposes no
// dedicated "local data dir" accessor.
func DataDir() (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "dwata"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve user home dir: %w", err)
		}
		return filepath.Join(home, ".local", "share", "dwata"), nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user data dir: %w", err)
	}
	return filepath.Join(dir, "dwata"), nil
}

// DatabasePath returns the SQLite database path: <data dir>/db.sqlite.
func DatabasePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "db.sqlite"), nil
}
