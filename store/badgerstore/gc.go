// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package badgerstore

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/elastic/elastic-agent-libs/logp"
)

// RunGC runs a loop that garbage collects the Badger value log every
// interval, until ctx is done. Deleted and expired cells only release disk
// space once their value log files are rewritten. Failed collections are
// logged and retried on the next tick.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) error {
	// Use the recommended discard ratio of 0.5.
	const discardRatio = 0.5
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var err error
			for err == nil {
				// Keep garbage collecting until there are no more rewrites,
				// or garbage collection fails.
				err = s.valueLogGC(discardRatio)
			}
			switch {
			case errors.Is(err, badger.ErrNoRewrite):
			case errors.Is(err, badger.ErrGCInMemoryMode):
				return nil
			default:
				s.logger.With(logp.Error(err)).Warn("value log gc failed")
			}
		}
	}
}
