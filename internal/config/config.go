// Package config loads and, when absent, creates the server configuration
// file: the process-wide secret, data directory, and network settings.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const defaultConfigName = "littleci.json"

// Config is the server's persisted configuration.
type Config struct {
	Secret             string `json:"secret" yaml:"secret" toml:"secret"`
	ConfigPath         string `json:"config_path" yaml:"config_path" toml:"config_path"`
	DataDir            string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	NetworkHost        string `json:"network_host" yaml:"network_host" toml:"network_host"`
	Port               uint16 `json:"port" yaml:"port" toml:"port"`
	AuthenticationType string `json:"authentication_type" yaml:"authentication_type" toml:"authentication_type"`
}

// Load resolves path to a config file: if path names a directory, it
// looks for littleci.json (then .yaml/.yml/.toml variants) inside it; if
// none exist, one is created with defaults. If path names a file
// directly, it is parsed by its extension.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return loadFromDir(path)
	}
	if err != nil && os.IsNotExist(err) {
		return loadFromDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := parseByExtension(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ConfigPath = path
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func loadFromDir(dir string) (*Config, error) {
	candidates := []string{"littleci.json", "littleci.yaml", "littleci.yml", "littleci.toml"}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cfg := &Config{}
		if err := parseByExtension(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.ConfigPath = path
		cfg.applyDefaults(dir)
		return cfg, nil
	}

	return createDefault(dir)
}

func createDefault(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir %s: %w", dir, err)
	}

	secret, err := randomSecret(64)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	path := filepath.Join(dir, defaultConfigName)
	cfg := &Config{
		Secret:             secret,
		ConfigPath:         path,
		DataDir:            dir,
		NetworkHost:        "0.0.0.0",
		Port:               8000,
		AuthenticationType: "NoAuthentication",
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write default config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults(dir string) {
	if c.NetworkHost == "" {
		c.NetworkHost = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = dir
	}
	if c.AuthenticationType == "" {
		c.AuthenticationType = "NoAuthentication"
	}
}

func parseByExtension(path string, data []byte, cfg *Config) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		return decoder.Decode(cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

func randomSecret(length int) (string, error) {
	buf := make([]byte, length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
