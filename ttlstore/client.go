// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package ttlstore provides a key-value client with per-cell TTLs over a
// column-family store.
//
// A Client writes values to a primary table. Writes that carry a TTL also
// record a marker in a metadata table; a background ttl.Sweeper deletes
// cells whose TTL has passed. The metadata table also holds an approximate
// count of the rows in the primary table.
package ttlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/store"
	"github.com/elastic/cellttl/ttl"
)

// ErrEmptyRowKey is returned by operations given an empty row key.
var ErrEmptyRowKey = errors.New("row key must not be empty")

// Option configures a Client.
type Option func(*Client)

// WithClock sets the function used to get the current time when writing
// TTL markers and deciding which markers have expired.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.markers.Now = now
		c.sweepOptions = append(c.sweepOptions, ttl.WithClock(now))
	}
}

// WithLogger sets the logger used by a Client and its sweeper.
func WithLogger(logger *logp.Logger) Option {
	return func(c *Client) {
		c.logger = logger
		c.sweepOptions = append(c.sweepOptions, ttl.WithLogger(logger))
	}
}

// WithSweepOptions passes additional options to the Client's sweeper.
func WithSweepOptions(opts ...ttl.Option) Option {
	return func(c *Client) {
		c.sweepOptions = append(c.sweepOptions, opts...)
	}
}

// CallOption configures a single Client operation.
type CallOption func(*callOptions)

type callOptions struct {
	column string
	ttl    time.Duration
}

// WithColumn sets the column for single-cell operations, in place of the
// configured default column.
func WithColumn(column string) CallOption {
	return func(o *callOptions) { o.column = column }
}

// WithTTL sets the time to live of the cells written by an operation. The
// TTL is rounded up to whole seconds. Operations that do not write ignore
// it, as do writes given a non-positive TTL.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = ttl }
}

// Client reads and writes cells with optional TTLs.
//
// Client is safe for concurrent use. Init must be called before any
// other method.
type Client struct {
	store        store.Store
	config       Config
	tables       ttl.Tables
	markers      ttl.MarkerWriter
	counter      ttl.RowCounter
	sweeper      *ttl.Sweeper
	sweepOptions []ttl.Option
	logger       *logp.Logger
}

// New returns a new Client using st. The Client does not own st: closing
// the client leaves st open.
func New(st store.Store, config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid ttlstore config")
	}
	sharding, err := config.Sweep.Sharding()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "invalid ttlstore config")
	}
	tables := config.Tables()
	c := &Client{
		store:  st,
		config: config,
		tables: tables,
		markers: ttl.MarkerWriter{
			Store:         st,
			MetaTable:     tables.Meta,
			PrimaryFamily: config.Family,
			Sharding:      sharding,
		},
		counter: ttl.RowCounter{
			Store:        st,
			PrimaryTable: tables.Primary,
			MetaTable:    tables.Meta,
		},
		logger: logp.NewLogger(logs.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logp.String("table", tables.Primary))
	c.sweeper, err = ttl.NewSweeper(st, tables, config.Sweep, c.sweepOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create sweeper")
	}
	return c, nil
}

// Config returns the client's configuration.
func (c *Client) Config() Config {
	return c.config
}

// Tables returns the names of the tables used by the client.
func (c *Client) Tables() ttl.Tables {
	return c.tables
}

// Sweeper returns the client's sweeper.
func (c *Client) Sweeper() *ttl.Sweeper {
	return c.sweeper
}

// Init creates the primary and metadata tables and their families if they
// do not exist, and starts the background sweeper if it is enabled. The
// sweeper runs until Close is called; ctx only bounds table creation.
func (c *Client) Init(ctx context.Context) error {
	primaryRule := store.GCRule{MaxVersions: c.config.MaxVersions, MaxAge: c.config.MaxAge}
	if err := c.ensureTable(ctx, c.tables.Primary, map[string]store.GCRule{
		c.config.Family: primaryRule,
	}); err != nil {
		return err
	}
	metaRule := store.GCRule{MaxVersions: 1}
	if err := c.ensureTable(ctx, c.tables.Meta, map[string]store.GCRule{
		ttl.MarkerFamily: metaRule,
		ttl.CountFamily:  metaRule,
	}); err != nil {
		return err
	}
	if c.config.Sweep.Enabled {
		c.sweeper.Start(context.WithoutCancel(ctx))
	}
	return nil
}

func (c *Client) ensureTable(ctx context.Context, table string, families map[string]store.GCRule) error {
	exists, err := c.store.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to check table %q: %w", table, err)
	}
	if !exists {
		if err := c.store.CreateTable(ctx, table); err != nil {
			return fmt.Errorf("failed to create table %q: %w", table, err)
		}
		c.logger.Infof("created table %q", table)
	}
	names := make([]string, 0, len(families))
	for family := range families {
		names = append(names, family)
	}
	sort.Strings(names)
	for _, family := range names {
		exists, err := c.store.FamilyExists(ctx, table, family)
		if err != nil {
			return fmt.Errorf("failed to check family %q of table %q: %w", family, table, err)
		}
		if exists {
			continue
		}
		if err := c.store.CreateFamily(ctx, table, family, families[family]); err != nil {
			return fmt.Errorf("failed to create family %q of table %q: %w", family, table, err)
		}
	}
	return nil
}

func (c *Client) callOptions(opts []CallOption) callOptions {
	o := callOptions{column: c.config.DefaultColumn}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Set writes value to a cell of row. value may be a codec.Value, or any
// value accepted by codec.ValueOf.
func (c *Client) Set(ctx context.Context, row string, value any, opts ...CallOption) error {
	o := c.callOptions(opts)
	v, err := codec.ValueOf(value)
	if err != nil {
		return err
	}
	return c.write(ctx, row, map[string]codec.Value{o.column: v}, o.ttl)
}

// MultiSet writes values to cells of row, keyed by column.
func (c *Client) MultiSet(ctx context.Context, row string, values map[string]any, opts ...CallOption) error {
	o := c.callOptions(opts)
	encoded := make(map[string]codec.Value, len(values))
	for column, value := range values {
		v, err := codec.ValueOf(value)
		if err != nil {
			return fmt.Errorf("invalid value for column %q: %w", column, err)
		}
		encoded[column] = v
	}
	return c.write(ctx, row, encoded, o.ttl)
}

// write puts values into row. The primary write, the marker write and the
// row count update are issued concurrently and all run to completion; if
// any fails the first error is returned, and the others are not rolled
// back.
func (c *Client) write(ctx context.Context, row string, values map[string]codec.Value, ttlDuration time.Duration) error {
	if row == "" {
		return ErrEmptyRowKey
	}
	if len(values) == 0 {
		return nil
	}
	existed, err := c.counter.Exists(ctx, row)
	if err != nil {
		return fmt.Errorf("failed to check row %q: %w", row, err)
	}
	var g errgroup.Group
	g.Go(func() error {
		return ttl.Insert(ctx, c.store, c.tables.Primary, c.config.Family, row, values)
	})
	g.Go(func() error {
		return c.markers.Write(ctx, row, sortedKeys(values), ttlDuration)
	})
	g.Go(func() error {
		return c.counter.Created(ctx, existed)
	})
	return g.Wait()
}

// MultiAdd atomically adds deltas to counter cells of row, keyed by column,
// and returns the new values. Missing counters start from zero.
func (c *Client) MultiAdd(ctx context.Context, row string, deltas map[string]int64, opts ...CallOption) (map[string]int64, error) {
	o := c.callOptions(opts)
	if row == "" {
		return nil, ErrEmptyRowKey
	}
	if len(deltas) == 0 {
		return map[string]int64{}, nil
	}
	existed, err := c.counter.Exists(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("failed to check row %q: %w", row, err)
	}

	columns := sortedKeys(deltas)
	results := make([]int64, len(columns))
	var g errgroup.Group
	for i, column := range columns {
		i, column := i, column
		g.Go(func() error {
			n, err := c.store.IncrementCell(ctx, c.tables.Primary, row, c.config.Family, column, deltas[column])
			if err != nil {
				return fmt.Errorf("failed to increment column %q: %w", column, err)
			}
			results[i] = n
			return nil
		})
	}
	g.Go(func() error {
		return c.markers.Write(ctx, row, columns, o.ttl)
	})
	g.Go(func() error {
		return c.counter.Created(ctx, existed)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	values := make(map[string]int64, len(columns))
	for i, column := range columns {
		values[column] = results[i]
	}
	return values, nil
}

// Increase adds one to a counter cell of row and returns the new value.
func (c *Client) Increase(ctx context.Context, row string, opts ...CallOption) (int64, error) {
	return c.add(ctx, row, 1, opts)
}

// Decrease subtracts one from a counter cell of row and returns the new
// value.
func (c *Client) Decrease(ctx context.Context, row string, opts ...CallOption) (int64, error) {
	return c.add(ctx, row, -1, opts)
}

func (c *Client) add(ctx context.Context, row string, delta int64, opts []CallOption) (int64, error) {
	o := c.callOptions(opts)
	values, err := c.MultiAdd(ctx, row, map[string]int64{o.column: delta}, opts...)
	if err != nil {
		return 0, err
	}
	return values[o.column], nil
}

// Get returns the value of a cell of row, or a null value if the cell does
// not exist.
func (c *Client) Get(ctx context.Context, row string, opts ...CallOption) (codec.Value, error) {
	cell, err := c.GetCell(ctx, row, opts...)
	if err != nil || cell == nil {
		return codec.Null(), err
	}
	return codec.Decode(cell.Value), nil
}

// GetCell returns a cell of row with its write timestamp, or nil if the
// cell does not exist.
func (c *Client) GetCell(ctx context.Context, row string, opts ...CallOption) (*store.Cell, error) {
	if row == "" {
		return nil, ErrEmptyRowKey
	}
	o := c.callOptions(opts)
	return ttl.RetrieveCell(ctx, c.store, c.tables.Primary, c.config.Family, row, o.column)
}

// GetCounter returns the value of a counter cell of row, or zero if the
// cell does not exist.
func (c *Client) GetCounter(ctx context.Context, row string, opts ...CallOption) (int64, error) {
	cell, err := c.GetCell(ctx, row, opts...)
	if err != nil || cell == nil {
		return 0, err
	}
	return codec.Counter(cell.Value)
}

// GetRow returns the values of all cells of row, keyed by column. It
// returns an empty map if the row does not exist. Counter cells are
// returned undecoded; use GetCounter to read them.
func (c *Client) GetRow(ctx context.Context, row string) (map[string]codec.Value, error) {
	if row == "" {
		return nil, ErrEmptyRowKey
	}
	return ttl.RetrieveValues(ctx, c.store, c.tables.Primary, c.config.Family, row)
}

// Delete deletes a cell of row. Deleting a missing cell is not an error.
// Any TTL marker for the cell is left for the sweeper, which ignores
// markers of missing cells.
func (c *Client) Delete(ctx context.Context, row string, opts ...CallOption) error {
	if row == "" {
		return ErrEmptyRowKey
	}
	o := c.callOptions(opts)
	return c.delete(ctx, row, func(ctx context.Context) error {
		return c.store.DeleteCells(ctx, c.tables.Primary, row, c.config.Family, o.column)
	})
}

// DeleteRow deletes row and all of its cells.
func (c *Client) DeleteRow(ctx context.Context, row string) error {
	if row == "" {
		return ErrEmptyRowKey
	}
	return c.delete(ctx, row, func(ctx context.Context) error {
		return c.store.DeleteRow(ctx, c.tables.Primary, row)
	})
}

func (c *Client) delete(ctx context.Context, row string, del func(context.Context) error) error {
	existed, err := c.counter.Exists(ctx, row)
	if err != nil {
		return fmt.Errorf("failed to check row %q: %w", row, err)
	}
	if err := del(ctx); err != nil {
		return fmt.Errorf("failed to delete from row %q: %w", row, err)
	}
	return c.counter.Deleted(ctx, row, existed)
}

// Count returns the approximate number of rows in the primary table.
func (c *Client) Count(ctx context.Context) (int64, error) {
	return c.counter.Count(ctx)
}

// Sweep runs one sweep cycle now, whether or not the background sweeper
// is enabled.
func (c *Client) Sweep(ctx context.Context) (ttl.CycleStats, error) {
	return c.sweeper.RunCycle(ctx)
}

// Close stops the background sweeper, waiting for a cycle in progress to
// finish. Close is idempotent.
func (c *Client) Close() error {
	if err := c.sweeper.Close(); err != nil {
		return err
	}
	return c.sweeper.Wait(context.Background())
}

// CleanUp closes the client and deletes both of its tables.
func (c *Client) CleanUp(ctx context.Context) error {
	if err := c.Close(); err != nil {
		return err
	}
	for _, table := range []string{c.tables.Primary, c.tables.Meta} {
		err := c.store.DeleteTable(ctx, table)
		if err != nil && !errors.Is(err, store.ErrTableNotFound) {
			return fmt.Errorf("failed to delete table %q: %w", table, err)
		}
		if err == nil {
			c.logger.Infof("deleted table %q", table)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
