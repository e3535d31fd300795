// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package badgerstore

import (
	"github.com/dgraph-io/badger/v2"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/internal/logs"
)

const (
	defaultValueLogFileSize = 128 * 1024 * 1024
)

// Config holds the options for opening a Badger-backed store.
type Config struct {
	// Path is the storage directory. It is ignored when InMemory is set.
	Path string `config:"path"`

	// InMemory keeps all data in memory, for tests and ephemeral use.
	InMemory bool `config:"in_memory"`

	// ValueLogFileSize is the maximum size of a value log file.
	// If <= 0, the default of 128MB is used.
	ValueLogFileSize int64 `config:"value_log_file_size"`
}

// OpenBadger creates or opens a Badger database as described by cfg.
//
// NOTE only one badger.DB for a given storage directory may be open at any given time.
func OpenBadger(cfg Config) (*badger.DB, error) {
	logger := logp.NewLogger(logs.Badger)
	badgerOpts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts.ValueLogFileSize = defaultValueLogFileSize
	if cfg.ValueLogFileSize > 0 {
		badgerOpts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	badgerOpts.Logger = LogpAdaptor{Logger: logger}
	return badger.Open(badgerOpts)
}

// LogpAdaptor adapts logp.Logger to the badger.Logger interface.
type LogpAdaptor struct {
	*logp.Logger
}

// Warningf adapts badger.Logger.Warningf to logp.Logger.Warnf.
func (a LogpAdaptor) Warningf(format string, args ...interface{}) {
	a.Warnf(format, args...)
}
