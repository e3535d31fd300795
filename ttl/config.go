// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// SweepConfig holds the configuration for a Sweeper.
type SweepConfig struct {
	// Enabled controls whether the sweeper runs in the background.
	// Sweep cycles may still be run explicitly when disabled.
	Enabled bool `config:"enabled"`

	// Interval is the delay between the end of one sweep cycle and the
	// start of the next.
	Interval time.Duration `config:"interval"`

	// MinJitter and MaxJitter bound the random delay before the first
	// sweep cycle, which keeps processes started together from sweeping
	// in lockstep.
	MinJitter time.Duration `config:"min_jitter"`
	MaxJitter time.Duration `config:"max_jitter"`

	// ShardCount is the number of marker row shards. It must be the same
	// for every process sharing a store.
	ShardCount int `config:"shard_count"`

	// HashSeed seeds the shard hash function. It must be the same for
	// every process sharing a store.
	HashSeed uint32 `config:"hash_seed"`

	// Hash names the shard hash function: "murmur3" or "xxhash".
	Hash string `config:"hash"`

	// MaxConcurrentDeletes bounds the number of deletions in flight
	// during a sweep cycle. Zero means no bound.
	MaxConcurrentDeletes int `config:"max_concurrent_deletes"`

	// DeleteRateLimit bounds the number of deletions issued per second
	// during a sweep cycle. Zero means no limit.
	DeleteRateLimit float64 `config:"delete_rate_limit"`
}

// DefaultSweepConfig returns the default sweeper configuration.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Enabled:    true,
		Interval:   5 * time.Second,
		MinJitter:  2 * time.Second,
		MaxJitter:  30 * time.Second,
		ShardCount: 3,
		HashSeed:   1,
		Hash:       "murmur3",
	}
}

var (
	ErrIntervalInvalid             = errors.New("Interval unspecified or negative")
	ErrJitterInvalid               = errors.New("MinJitter negative or greater than MaxJitter")
	ErrShardCountInvalid           = errors.New("ShardCount unspecified or negative")
	ErrMaxConcurrentDeletesInvalid = errors.New("MaxConcurrentDeletes negative")
	ErrDeleteRateLimitInvalid      = errors.New("DeleteRateLimit negative")
)

// Validate validates the configuration.
func (config SweepConfig) Validate() error {
	var result error
	if config.Interval <= 0 {
		result = multierror.Append(result, ErrIntervalInvalid)
	}
	if config.MinJitter < 0 || config.MaxJitter < config.MinJitter {
		result = multierror.Append(result, ErrJitterInvalid)
	}
	if config.ShardCount <= 0 {
		result = multierror.Append(result, ErrShardCountInvalid)
	}
	if _, err := HashFuncByName(config.Hash); err != nil {
		result = multierror.Append(result, fmt.Errorf("Hash invalid: %w", err))
	}
	if config.MaxConcurrentDeletes < 0 {
		result = multierror.Append(result, ErrMaxConcurrentDeletesInvalid)
	}
	if config.DeleteRateLimit < 0 {
		result = multierror.Append(result, ErrDeleteRateLimitInvalid)
	}
	return result
}

// Sharding returns the marker sharding described by the configuration.
func (config SweepConfig) Sharding() (Sharding, error) {
	hash, err := HashFuncByName(config.Hash)
	if err != nil {
		return Sharding{}, err
	}
	return Sharding{Count: config.ShardCount, Seed: config.HashSeed, Hash: hash}, nil
}
