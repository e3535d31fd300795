// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttlstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/elastic/cellttl/ttl"
)

// Config holds configuration for a Client.
type Config struct {
	// Name is the name of the primary table. The metadata table is named
	// after it, with a "_meta" suffix.
	Name string `config:"name"`

	// Family is the column family holding values in the primary table.
	Family string `config:"family"`

	// DefaultColumn is the column used by single-cell operations when no
	// column is given.
	DefaultColumn string `config:"default_column"`

	// MaxVersions is the number of cell versions the store keeps in the
	// primary family. Zero leaves version GC to the store.
	MaxVersions int `config:"max_versions"`

	// MaxAge, if positive, has the store garbage collect primary cells
	// older than it, independently of per-cell TTLs.
	MaxAge time.Duration `config:"max_age"`

	// Sweep holds the sweeper configuration.
	Sweep ttl.SweepConfig `config:"sweep"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Name:          "cellttl",
		Family:        "cf",
		DefaultColumn: "value",
		MaxVersions:   1,
		Sweep:         ttl.DefaultSweepConfig(),
	}
}

var (
	ErrNameMissing          = errors.New("Name unspecified")
	ErrFamilyMissing        = errors.New("Family unspecified")
	ErrDefaultColumnMissing = errors.New("DefaultColumn unspecified")
	ErrMaxVersionsInvalid   = errors.New("MaxVersions negative")
	ErrMaxAgeInvalid        = errors.New("MaxAge negative")
)

// Validate validates the configuration.
func (config Config) Validate() error {
	var result error
	if config.Name == "" {
		result = multierror.Append(result, ErrNameMissing)
	}
	if config.Family == "" {
		result = multierror.Append(result, ErrFamilyMissing)
	}
	if config.DefaultColumn == "" {
		result = multierror.Append(result, ErrDefaultColumnMissing)
	}
	if config.MaxVersions < 0 {
		result = multierror.Append(result, ErrMaxVersionsInvalid)
	}
	if config.MaxAge < 0 {
		result = multierror.Append(result, ErrMaxAgeInvalid)
	}
	if err := config.Sweep.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("Sweep invalid: %w", err))
	}
	return result
}

// Tables returns the names of the tables used by a client with this
// configuration.
func (config Config) Tables() ttl.Tables {
	return ttl.Tables{Primary: config.Name, Meta: ttl.MetaTableName(config.Name)}
}
