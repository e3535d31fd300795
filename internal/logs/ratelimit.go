// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package logs

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithRateLimit returns a zap.Option that logs at most one message with a
// given level and message per interval.
func WithRateLimit(interval time.Duration) zap.Option {
	return zap.WrapCore(func(in zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(in, interval, 1, 0)
	})
}
