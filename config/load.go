package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/qjebbs/go-jsons"

	"github.com/hatcher/hatch/fsext"
	"github.com/hatcher/hatch/logs"
)

// Load reads and merges every config layer for workingDir.
func Load(workingDir string, debug bool) (*Config, error) {
	configPaths := lookupConfigs(workingDir)
	cfg, err := loadFromPaths(configPaths)
	if err != nil {
		return nil, fmt.Errorf("load config from %v: %w", configPaths, err)
	}
	cfg.setDefaults(workingDir)
	if debug {
		cfg.Options.Debug = true
	}
	return cfg, nil
}

// lookupConfigs returns the layer paths lowest-precedence first: the global
// file, then project files from the filesystem root down to workingDir.
func lookupConfigs(cwd string) []string {
	configPaths := []string{GlobalConfig()}
	configNames := []string{appName + ".json", "." + appName + ".json"}
	found, err := fsext.Lookup(cwd, configNames...)
	if err != nil {
		logs.Errorf("config lookup failed: %v", err)
		return configPaths
	}
	// Lookup reports nearest-first; merge wants nearest last.
	slices.Reverse(found)
	return append(configPaths, found...)
}

func loadFromPaths(configPaths []string) (*Config, error) {
	var layers [][]byte
	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open config file %s: %w", path, err)
		}
		if len(data) == 0 {
			continue
		}
		layers = append(layers, data)
	}
	return loadFromBytes(layers)
}

func loadFromBytes(layers [][]byte) (*Config, error) {
	if len(layers) == 0 {
		return &Config{}, nil
	}
	data, err := jsons.Merge(layers)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}
