// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package cellttlcmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/internal/logs"
)

var (
	logVerbose        bool
	logStderr         bool
	logDebugSelectors []string
	logEnvironment    logpEnvironmentVar
	logOptions        []logp.Option
)

func buildLoggingConfig(cfg *Config, env logp.Environment, stderr bool, debugSelectors []string, opts ...logp.Option) (logp.Config, error) {
	logpConfig := logp.DefaultConfig(env)
	logpConfig.Beat = logs.Command
	if cfg.Logging != nil {
		if err := cfg.Logging.Unpack(&logpConfig); err != nil {
			return logpConfig, err
		}
	}

	// Apply command line flags to the logging configuration.
	if logpConfig.Level > logp.InfoLevel && logVerbose {
		logpConfig.Level = logp.InfoLevel
	}
	if len(debugSelectors) > 0 {
		for _, selectors := range debugSelectors {
			logpConfig.Selectors = append(logpConfig.Selectors, strings.Split(selectors, ",")...)
		}
		logpConfig.Level = logp.DebugLevel
	}
	if stderr {
		logpConfig.ToStderr = true
	}
	for _, opt := range opts {
		opt(&logpConfig)
	}
	return logpConfig, nil
}

func configureLogging(cfg *Config) error {
	logpConfig, err := buildLoggingConfig(cfg, logEnvironment.env, logStderr, logDebugSelectors, logOptions...)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return logp.Configure(logpConfig)
}

var _ pflag.Value = (*logpEnvironmentVar)(nil)

type logpEnvironmentVar struct {
	env logp.Environment
}

func (v *logpEnvironmentVar) Set(in string) error {
	env := logp.ParseEnvironment(in)
	if env == logp.InvalidEnvironment {
		return fmt.Errorf("invalid logging environment: %q", in)
	}
	v.env = env
	return nil
}

func (v *logpEnvironmentVar) Type() string {
	return "string"
}

func (v *logpEnvironmentVar) String() string {
	return v.env.String()
}
