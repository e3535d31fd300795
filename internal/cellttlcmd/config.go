// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package cellttlcmd

import (
	"fmt"
	"strings"

	ucfg "github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"

	"github.com/elastic/cellttl/ttlstore"
)

// Config holds the cellttl process configuration.
type Config struct {
	// Store selects and configures the backing store.
	Store StoreConfig `config:"store"`

	// TTL holds the client and sweeper configuration.
	TTL ttlstore.Config `config:"ttl"`

	// Logging holds logp configuration, unpacked when logging is set up.
	Logging *ucfg.Config `config:"logging"`
}

// StoreConfig selects the store backend. Only the section of the selected
// backend is unpacked.
type StoreConfig struct {
	// Backend is one of "badger", "bigtable" or "redis".
	Backend string `config:"backend"`

	Badger   *ucfg.Config `config:"badger"`
	Bigtable *ucfg.Config `config:"bigtable"`
	Redis    *ucfg.Config `config:"redis"`
}

// DefaultConfig returns the configuration used for settings absent from
// the configuration file.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Backend: backendBadger},
		TTL:   ttlstore.DefaultConfig(),
	}
}

var configOpts = []ucfg.Option{
	ucfg.PathSep("."),
	ucfg.ResolveEnv,
	ucfg.VarExp,
}

// LoadConfig loads configuration from the YAML file at path, if path is
// non-empty, and then applies overrides, each of the form "key=value"
// with a dotted key. Environment variables referenced as ${VAR} are
// expanded.
func LoadConfig(path string, overrides []string) (*Config, error) {
	raw, err := loadRawConfig(path, overrides)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := raw.Unpack(&config, configOpts...); err != nil {
		return nil, fmt.Errorf("error unpacking config data: %w", err)
	}
	if err := config.TTL.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ttl config: %w", err)
	}
	return &config, nil
}

func loadRawConfig(path string, overrides []string) (*ucfg.Config, error) {
	raw := ucfg.New()
	if path != "" {
		fileConfig, err := yaml.NewConfigWithFile(path, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
		if err := raw.Merge(fileConfig, configOpts...); err != nil {
			return nil, fmt.Errorf("error merging config file: %w", err)
		}
	}
	for _, override := range overrides {
		key, value, ok := strings.Cut(override, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q: expected key=value", override)
		}
		setting, err := yaml.NewConfig([]byte(key+": "+value), configOpts...)
		if err != nil {
			return nil, fmt.Errorf("invalid setting %q: %w", override, err)
		}
		if err := raw.Merge(setting, configOpts...); err != nil {
			return nil, fmt.Errorf("error merging setting %q: %w", override, err)
		}
	}
	return raw, nil
}
