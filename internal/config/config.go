// Package config persists client preferences in ~/.labcourse/config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type Config struct {
	// Server is the base url of the lab-course service.
	Server string `json:"server,omitempty"`
	// Token is sent as a bearer token on every request.
	Token string `json:"token,omitempty"`
	// Year selects the push stream and the search scope. Zero means the current year.
	Year int `json:"year,omitempty"`
	// DeadlineMS overrides the per-request deadline.
	DeadlineMS int `json:"deadlineMs,omitempty"`

	TUI *TUIConfig `json:"tui,omitempty"`
}

type TUIConfig struct {
	// Theme is "auto", "dark" or "light".
	Theme string `json:"theme,omitempty"`
	// DebounceMS is the search debounce.
	DebounceMS int `json:"debounceMs,omitempty"`
}

func Dir() (string, error) {
	// Test override, keeps unit tests away from ~/.labcourse.
	if v := strings.TrimSpace(os.Getenv("LABCOURSE_CONFIG_DIR")); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".labcourse"), nil
}

func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load returns an empty config when none was saved yet.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func atomicWriteFile(dir, tmpPattern, path string, b []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = os.Chmod(tmp, perm)
	return os.Rename(tmp, path)
}

// Save writes cfg with a temp file and rename so concurrent writers never leave a torn file.
// The file holds the token, so it is only readable by the owner.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(dir, "config.json.*.tmp", path, b, 0o600)
}

type setter func(cfg *Config, raw string) error

func intSetter(dst func(*Config) *int) setter {
	return func(cfg *Config, raw string) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*dst(cfg) = 0
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return fmt.Errorf("expected a non-negative number, got %q", raw)
		}
		*dst(cfg) = n
		return nil
	}
}

func tui(cfg *Config) *TUIConfig {
	if cfg.TUI == nil {
		cfg.TUI = &TUIConfig{}
	}
	return cfg.TUI
}

var setters = map[string]setter{
	"server": func(cfg *Config, raw string) error {
		cfg.Server = strings.TrimRight(strings.TrimSpace(raw), "/")
		return nil
	},
	"token": func(cfg *Config, raw string) error {
		cfg.Token = strings.TrimSpace(raw)
		return nil
	},
	"year":       intSetter(func(c *Config) *int { return &c.Year }),
	"deadlineMs": intSetter(func(c *Config) *int { return &c.DeadlineMS }),
	"tui.theme": func(cfg *Config, raw string) error {
		switch v := strings.ToLower(strings.TrimSpace(raw)); v {
		case "", "auto", "dark", "light":
			tui(cfg).Theme = v
			return nil
		default:
			return fmt.Errorf("unknown theme %q (want auto, dark or light)", raw)
		}
	},
	"tui.debounceMs": intSetter(func(c *Config) *int { return &tui(c).DebounceMS }),
}

// Keys lists the names accepted by Set.
func Keys() []string {
	out := make([]string, 0, len(setters))
	for k := range setters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set assigns one key from its string form. An empty value resets the key.
func (c *Config) Set(key, raw string) error {
	fn, ok := setters[strings.TrimSpace(key)]
	if !ok {
		return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(Keys(), ", "))
	}
	return fn(c, raw)
}

// Redacted returns a copy that is safe to print.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}
