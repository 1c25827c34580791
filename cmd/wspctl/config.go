package main

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Preset names a reusable retention schema plus the aggregation
// settings that go with it, so `wspctl create --preset default` can
// stand in for restating "1s:60s,1m:1y" on every invocation.
type Preset struct {
	Specs        []string `toml:"specs"`
	Aggregation  string   `toml:"aggregation"`
	XFilesFactor float32  `toml:"x_files_factor"`
}

// Config is the on-disk shape of ~/.wspctl.toml.
type Config struct {
	Presets map[string]Preset `toml:"presets"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wspctl.toml"
	}
	return filepath.Join(home, ".wspctl.toml")
}

// loadConfig reads the config file at path. A missing file is not an
// error: it just means no presets are available.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
