package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Device    DeviceConfig    `yaml:"device"`
	Notify    NotifyConfig    `yaml:"notify"`
	// DataDir holds the persisted state (tokens, upload history).
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

type DiscoveryConfig struct {
	// Interval is the discovery loop period in seconds.
	Interval int `yaml:"interval"`
	// Window is the reply collection window per probe, in seconds.
	Window int `yaml:"window"`
	// ModelPrefix filters discovered devices to the expected product
	// family.
	ModelPrefix string `yaml:"model_prefix"`
	// StalePolls evicts a device after that many missed polls; 0 keeps
	// devices forever.
	StalePolls int `yaml:"stale_polls"`
}

type DeviceConfig struct {
	// Timeout bounds every HTTP request to a printer, in seconds.
	Timeout int `yaml:"timeout"`
}

type NotifyConfig struct {
	// Listen is the address of the WebSocket event server; empty
	// disables it.
	Listen string `yaml:"listen"`
}

func DefaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Interval:    6,
			Window:      3,
			ModelPrefix: "Snapmaker",
			StalePolls:  10,
		},
		Device: DeviceConfig{
			Timeout: 10,
		},
		Notify: NotifyConfig{
			Listen: "127.0.0.1:7130",
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// LoadConfig reads the yaml config at path on top of the defaults. An
// empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Resolve relative data dir to absolute path.
	if !filepath.IsAbs(cfg.DataDir) {
		dir, _ := os.Getwd()
		cfg.DataDir = filepath.Join(dir, cfg.DataDir)
	}

	return cfg, nil
}
