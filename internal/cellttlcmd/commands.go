// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package cellttlcmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/ttl"
	"github.com/elastic/cellttl/ttlstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func genRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Create the tables if needed and sweep expired cells until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withClient(cmd, true, func(ctx context.Context, client *ttlstore.Client, st *openedStore) error {
				logger := logp.NewLogger(logs.Command)
				logger.With(
					logp.String("table", client.Tables().Primary),
					logp.String("state", client.Sweeper().State().String()),
				).Info("cellttl started")

				g, ctx := errgroup.WithContext(ctx)
				if st.runGC != nil {
					g.Go(func() error { return st.runGC(ctx) })
				}
				g.Go(func() error {
					<-ctx.Done()
					logger.Info("stopping cellttl")
					return nil
				})
				return g.Wait()
			})
		},
	}
}

func genInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the primary and metadata tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				tables := client.Tables()
				fmt.Fprintf(cmd.OutOrStdout(), "initialised tables %s and %s\n", tables.Primary, tables.Meta)
				return nil
			})
		},
	}
}

func genSetCmd() *cobra.Command {
	var (
		column string
		ttlArg time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set ROW VALUE",
		Short: "Write a value to a cell",
		Long: `Write a value to a cell. VALUE is stored as JSON if it is valid JSON,
and as a plain string otherwise.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := codec.Decode([]byte(args[1]))
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				return client.Set(ctx, args[0], value, callOptions(column, ttlArg)...)
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "Column to write, in place of the default column")
	cmd.Flags().DurationVar(&ttlArg, "ttl", 0, "Time to live of the cell")
	return cmd
}

func genGetCmd() *cobra.Command {
	var (
		column  string
		counter bool
		row     bool
	)
	cmd := &cobra.Command{
		Use:   "get ROW",
		Short: "Print a cell, or a whole row, as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				var out any
				var err error
				switch {
				case row:
					out, err = client.GetRow(ctx, args[0])
				case counter:
					out, err = client.GetCounter(ctx, args[0], callOptions(column, 0)...)
				default:
					out, err = client.Get(ctx, args[0], callOptions(column, 0)...)
				}
				if err != nil {
					return err
				}
				data, err := json.Marshal(out)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "Column to read, in place of the default column")
	cmd.Flags().BoolVar(&counter, "counter", false, "Read the cell as a counter")
	cmd.Flags().BoolVar(&row, "row", false, "Read every cell of the row")
	cmd.MarkFlagsMutuallyExclusive("row", "counter")
	cmd.MarkFlagsMutuallyExclusive("row", "column")
	return cmd
}

func genAddCmd() *cobra.Command {
	var (
		column string
		delta  int64
		ttlArg time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add ROW",
		Short: "Add to a counter cell and print its new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				opts := callOptions(column, ttlArg)
				var n int64
				var err error
				switch delta {
				case 1:
					n, err = client.Increase(ctx, args[0], opts...)
				case -1:
					n, err = client.Decrease(ctx, args[0], opts...)
				default:
					key := column
					if key == "" {
						key = client.Config().DefaultColumn
					}
					var values map[string]int64
					values, err = client.MultiAdd(ctx, args[0], map[string]int64{key: delta}, opts...)
					n = values[key]
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "Column to add to, in place of the default column")
	cmd.Flags().Int64Var(&delta, "by", 1, "Amount to add, which may be negative")
	cmd.Flags().DurationVar(&ttlArg, "ttl", 0, "Time to live of the cell")
	return cmd
}

func genDeleteCmd() *cobra.Command {
	var (
		column string
		row    bool
	)
	cmd := &cobra.Command{
		Use:   "delete ROW",
		Short: "Delete a cell, or a whole row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				if row {
					return client.DeleteRow(ctx, args[0])
				}
				return client.Delete(ctx, args[0], callOptions(column, 0)...)
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "Column to delete, in place of the default column")
	cmd.Flags().BoolVar(&row, "row", false, "Delete every cell of the row")
	cmd.MarkFlagsMutuallyExclusive("row", "column")
	return cmd
}

func genCountCmd() *cobra.Command {
	var human bool
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print the approximate number of rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				n, err := client.Count(ctx)
				if err != nil {
					return err
				}
				if human {
					fmt.Fprintln(cmd.OutOrStdout(), humanize.Comma(n))
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&human, "human", false, "Print the count with thousands separators")
	return cmd
}

func genSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep cycle and print its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				stats, err := client.Sweep(ctx)
				printCycleStats(cmd, stats)
				return err
			})
		},
	}
}

func printCycleStats(cmd *cobra.Command, stats ttl.CycleStats) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"scanned=%d expired=%d deleted=%d malformed=%d failed=%d duration=%s\n",
		stats.Scanned, stats.Expired, stats.Deleted, stats.Malformed, stats.Failed,
		stats.Duration.Round(time.Millisecond),
	)
}

func genCleanUpCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the primary and metadata tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("cleanup deletes all data; pass --yes to confirm")
			}
			return withClient(cmd, false, func(ctx context.Context, client *ttlstore.Client, _ *openedStore) error {
				if err := client.CleanUp(ctx); err != nil {
					return err
				}
				tables := client.Tables()
				fmt.Fprintf(cmd.OutOrStdout(), "deleted tables %s and %s\n", tables.Primary, tables.Meta)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func callOptions(column string, ttlArg time.Duration) []ttlstore.CallOption {
	var opts []ttlstore.CallOption
	if column != "" {
		opts = append(opts, ttlstore.WithColumn(column))
	}
	if ttlArg > 0 {
		opts = append(opts, ttlstore.WithTTL(ttlArg))
	}
	return opts
}
