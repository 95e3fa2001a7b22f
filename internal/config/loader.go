package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
// Fields missing from the file stay zero; callers Merge the result onto Default().
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Environment variables consulted by FromEnv.
const (
	EnvHistoryPath = "WHISPERER_HISTORY_PATH"
	EnvServerPort  = "WHISPERER_SERVER_PORT"
	EnvServerPath  = "WHISPERER_SERVER_PATH"
	EnvModelPath   = "WHISPERER_MODEL_PATH"
	EnvLines       = "WHISPERER_LINES"
	EnvLogLevel    = "WHISPERER_LOG_LEVEL"
)

// FromEnv collects overrides from the environment. lookup is os.LookupEnv
// outside of tests.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	if v, ok := lookup(EnvHistoryPath); ok {
		cfg.History.Path = v
	}
	if v, ok := lookup(EnvServerPath); ok {
		cfg.Server.BinaryPath = v
	}
	if v, ok := lookup(EnvModelPath); ok {
		cfg.Server.ModelPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvServerPort); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvServerPort, err)
		}
		cfg.Server.Port = n
	}
	if v, ok := lookup(EnvLines); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvLines, err)
		}
		cfg.History.Lines = n
	}
	return cfg, nil
}
