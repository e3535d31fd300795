// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package cellttlcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	ucfg "github.com/elastic/go-ucfg"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/store"
	"github.com/elastic/cellttl/store/badgerstore"
	"github.com/elastic/cellttl/store/bigtablestore"
	"github.com/elastic/cellttl/store/redisstore"
)

const (
	backendBadger   = "badger"
	backendBigtable = "bigtable"
	backendRedis    = "redis"
)

// badgerConfig is the store.badger section. Sizes are given in
// human-readable form, such as "64MB".
type badgerConfig struct {
	Path             string        `config:"path"`
	InMemory         bool          `config:"in_memory"`
	ValueLogFileSize string        `config:"value_log_file_size"`
	GCInterval       time.Duration `config:"gc_interval"`
}

// openedStore is a store and the background work it needs while open.
type openedStore struct {
	store.Store

	// runGC, if non-nil, runs store garbage collection until ctx is done.
	runGC func(ctx context.Context) error
}

func unpackSection(section *ucfg.Config, to interface{}) error {
	if section == nil {
		section = ucfg.New()
	}
	return section.Unpack(to, configOpts...)
}

// openStore opens the backend selected by cfg.
func openStore(ctx context.Context, cfg StoreConfig) (*openedStore, error) {
	logger := logp.NewLogger(logs.Command).With(logp.String("backend", cfg.Backend))
	switch cfg.Backend {
	case backendBadger:
		bc := badgerConfig{Path: "data", GCInterval: 5 * time.Minute}
		if err := unpackSection(cfg.Badger, &bc); err != nil {
			return nil, fmt.Errorf("invalid store.badger config: %w", err)
		}
		storeConfig := badgerstore.Config{Path: bc.Path, InMemory: bc.InMemory}
		if bc.ValueLogFileSize != "" {
			size, err := humanize.ParseBytes(bc.ValueLogFileSize)
			if err != nil {
				return nil, fmt.Errorf("invalid store.badger.value_log_file_size: %w", err)
			}
			storeConfig.ValueLogFileSize = int64(size)
		}
		st, err := badgerstore.Open(storeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		logger.Infof("opened badger store at %q", bc.Path)
		opened := &openedStore{Store: st}
		if bc.GCInterval > 0 {
			opened.runGC = func(ctx context.Context) error { return st.RunGC(ctx, bc.GCInterval) }
		}
		return opened, nil
	case backendBigtable:
		var bc bigtablestore.Config
		if err := unpackSection(cfg.Bigtable, &bc); err != nil {
			return nil, fmt.Errorf("invalid store.bigtable config: %w", err)
		}
		st, err := bigtablestore.New(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("failed to create bigtable client: %w", err)
		}
		return &openedStore{Store: st}, nil
	case backendRedis:
		rc := redisstore.DefaultConfig()
		if err := unpackSection(cfg.Redis, &rc); err != nil {
			return nil, fmt.Errorf("invalid store.redis config: %w", err)
		}
		logger.Infof("using redis at %s", rc.Address)
		return &openedStore{Store: redisstore.New(rc)}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
