package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file and validates it. Unknown keys
// are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if _, err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// Config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(expandTilde(cfgPath))
	if err != nil {
		return nil, err
	}

	env.apply(cfg)
	cli.apply(cfg)

	resolved, err := Validate(cfg)
	if err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved.ConfigPath = cfgPath

	return resolved, nil
}

func (c CLIOverrides) apply(cfg *Config) {
	if c.LogLevel != nil {
		cfg.Logging.LogLevel = *c.LogLevel
	}

	if c.ListenAddr != nil {
		cfg.Network.ListenAddr = *c.ListenAddr
	}

	if c.ConnectURL != nil {
		cfg.Network.ConnectURL = *c.ConnectURL
	}

	if c.UserName != nil {
		cfg.Session.UserName = *c.UserName
	}
}
