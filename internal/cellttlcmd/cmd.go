// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package cellttlcmd

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/ttlstore"
)

const defaultConfigFile = "cellttl.yml"

var (
	configFile string
	settings   []string
)

// NewRootCommand returns the root command for cellttl.
func NewRootCommand() *cobra.Command {
	// root command is an alias for "run"
	runCommand := genRunCmd()
	rootCommand := &cobra.Command{
		Use:          "cellttl",
		Short:        "Per-cell TTLs for column-family stores",
		RunE:         runCommand.RunE,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCommand.Flags().AddFlagSet(runCommand.Flags())

	rootCommand.PersistentFlags().StringVarP(&configFile, "c", "c", defaultConfigFile, "Configuration file")
	rootCommand.PersistentFlags().StringArrayVarP(&settings, "E", "E", nil, "Configuration overwrite, as key=value")

	// Add logging-related flags to all commands.
	rootCommand.PersistentFlags().BoolVarP(&logVerbose, "v", "v", false, "Log at INFO level")
	rootCommand.PersistentFlags().BoolVarP(&logStderr, "e", "e", false, "Log to stderr and disable syslog/file output")
	rootCommand.PersistentFlags().StringArrayVarP(&logDebugSelectors, "d", "d", nil, "Enable certain debug selectors")
	rootCommand.PersistentFlags().Var(&logEnvironment, "environment", "Set the environment in which the process is running")

	// Register subcommands.
	rootCommand.AddCommand(runCommand)
	rootCommand.AddCommand(genInitCmd())
	rootCommand.AddCommand(genSetCmd())
	rootCommand.AddCommand(genGetCmd())
	rootCommand.AddCommand(genAddCmd())
	rootCommand.AddCommand(genDeleteCmd())
	rootCommand.AddCommand(genCountCmd())
	rootCommand.AddCommand(genSweepCmd())
	rootCommand.AddCommand(genCleanUpCmd())
	rootCommand.AddCommand(versionCommand)
	return rootCommand
}

// loadConfig loads the configuration named by the command line flags and
// configures logging from it. A missing default configuration file is
// treated as empty.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	path := configFile
	if flag := cmd.Flag("c"); flag != nil && !flag.Changed {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := LoadConfig(path, settings)
	if err != nil {
		return nil, err
	}
	if err := configureLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clientFunc is called by withClient with an initialised client.
type clientFunc func(ctx context.Context, client *ttlstore.Client, st *openedStore) error

// withClient loads the configuration, opens the store, creates and
// initialises a client and calls fn. The client and store are closed when
// fn returns. The background sweeper only runs if background is true and
// it is enabled in the configuration.
func withClient(cmd *cobra.Command, background bool, fn clientFunc) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logp.NewLogger(logs.Command)
	if !background {
		cfg.TTL.Sweep.Enabled = false
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.With(logp.Error(err)).Warn("failed to close store")
		}
	}()

	client, err := ttlstore.New(st, cfg.TTL)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, client, st)
}
