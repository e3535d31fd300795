// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/store"
	"github.com/elastic/cellttl/store/storetest"
	"github.com/elastic/cellttl/ttl"
)

// testSweepConfig returns a configuration whose background loop starts
// immediately and runs often.
func testSweepConfig() ttl.SweepConfig {
	config := ttl.DefaultSweepConfig()
	config.Interval = 10 * time.Millisecond
	config.MinJitter = 0
	config.MaxJitter = 0
	return config
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fixture struct {
	store   *storetest.FaultStore
	tables  ttl.Tables
	config  ttl.SweepConfig
	writer  ttl.MarkerWriter
	counter ttl.RowCounter
	clock   *clock
}

func newFixture(t testing.TB) *fixture {
	st, tables := newTestStore(t)
	config := testSweepConfig()
	sharding, err := config.Sharding()
	require.NoError(t, err)
	return &fixture{
		store:  st,
		tables: tables,
		config: config,
		writer: ttl.MarkerWriter{
			Store:         st,
			MetaTable:     tables.Meta,
			PrimaryFamily: primaryFamily,
			Sharding:      sharding,
		},
		counter: ttl.RowCounter{Store: st, PrimaryTable: tables.Primary, MetaTable: tables.Meta},
		clock:   &clock{now: time.Now()},
	}
}

func (f *fixture) newSweeper(t testing.TB, opts ...ttl.Option) *ttl.Sweeper {
	opts = append([]ttl.Option{ttl.WithClock(f.clock.Now)}, opts...)
	s, err := ttl.NewSweeper(f.store, f.tables, f.config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// set writes values to row with a ttl, as a foreground write would.
func (f *fixture) set(t testing.TB, row string, values map[string]codec.Value, ttlDuration time.Duration) {
	t.Helper()
	ctx := context.Background()
	existed, err := f.counter.Exists(ctx, row)
	require.NoError(t, err)
	require.NoError(t, ttl.Insert(ctx, f.store, f.tables.Primary, primaryFamily, row, values))
	require.NoError(t, f.counter.Created(ctx, existed))
	columns := make([]string, 0, len(values))
	for column := range values {
		columns = append(columns, column)
	}
	require.NoError(t, f.writer.Write(ctx, row, columns, ttlDuration))
}

func (f *fixture) values(t testing.TB, row string) map[string]codec.Value {
	t.Helper()
	values, err := ttl.RetrieveValues(context.Background(), f.store, f.tables.Primary, primaryFamily, row)
	require.NoError(t, err)
	return values
}

func (f *fixture) count(t testing.TB) int64 {
	t.Helper()
	n, err := f.counter.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestSweeperTTLWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	start := time.Now()
	f.set(t, "user:1", map[string]codec.Value{"name": codec.String("alice")}, 5*time.Second)
	f.set(t, "user:2", map[string]codec.Value{"name": codec.String("bob")}, time.Hour)
	assert.Equal(t, int64(2), f.count(t))

	// Still visible one second before expiry.
	f.clock.Set(start.Add(4 * time.Second))
	stats, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Zero(t, stats.Expired)
	assert.Equal(t, map[string]codec.Value{"name": codec.String("alice")}, f.values(t, "user:1"))

	// Gone after expiry plus one sweep.
	f.clock.Set(time.Now().Add(5 * time.Second))
	stats, err = sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Deleted)
	assert.Empty(t, f.values(t, "user:1"))
	assert.Equal(t, map[string]codec.Value{"name": codec.String("bob")}, f.values(t, "user:2"))
	assert.Equal(t, int64(1), f.count(t))
	assert.Len(t, findMarkerRows(t, f.store, f.tables), 1)
}

func TestSweeperIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	for i := 0; i < 20; i++ {
		f.set(t, newRowKey(), map[string]codec.Value{
			"a": codec.Int(int64(i)),
			"b": codec.Int(int64(i)),
		}, time.Second)
	}
	f.clock.Set(time.Now().Add(2 * time.Second))

	stats, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, stats.Expired)
	assert.Equal(t, 40, stats.Deleted)
	assert.Zero(t, f.count(t))

	f.store.ResetCalls()
	stats, err = sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, ttl.CycleStats{Duration: stats.Duration}, stats)
	assert.Zero(t, f.store.Calls(storetest.OpDeleteCells))
	assert.Zero(t, f.store.Calls(storetest.OpDeleteRow))
	assert.Equal(t, f.config.ShardCount, f.store.Calls(storetest.OpScan))
}

func TestSweeperPartialMarkerRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	markerRow := f.writer.Sharding.MarkerRowKey(time.Now().UnixMilli())
	require.NoError(t, f.store.PutCells(ctx, f.tables.Meta, markerRow, ttl.MarkerFamily, map[string][]byte{
		"cf#a#x": []byte("1"),
		"cf#b#x": []byte("100"),
	}))
	f.clock.Set(time.Now().Add(2 * time.Second))

	stats, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	row, err := f.store.ReadRow(ctx, f.tables.Meta, markerRow, ttl.MarkerFamily)
	require.NoError(t, err)
	require.Len(t, row.Cells, 1)
	assert.Equal(t, "cf#b#x", row.Cells[0].Column)
}

func TestSweeperStaleMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	f.set(t, "user:1", map[string]codec.Value{"name": codec.String("alice")}, time.Second)
	f.set(t, "user:2", map[string]codec.Value{"name": codec.String("bob")}, time.Hour)
	require.NoError(t, f.store.DeleteRow(ctx, f.tables.Primary, "user:1"))
	require.NoError(t, f.counter.Deleted(ctx, "user:1", true))
	assert.Equal(t, int64(1), f.count(t))

	f.clock.Set(time.Now().Add(2 * time.Second))
	stats, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Deleted)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, int64(1), f.count(t))
	assert.Len(t, findMarkerRows(t, f.store, f.tables), 1)
}

func TestSweeperPartialRowExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	f.set(t, "user:1", map[string]codec.Value{"name": codec.String("alice")}, time.Hour)
	f.set(t, "user:1", map[string]codec.Value{"session": codec.String("s1")}, time.Second)
	assert.Equal(t, int64(1), f.count(t))

	f.clock.Set(time.Now().Add(2 * time.Second))
	_, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]codec.Value{"name": codec.String("alice")}, f.values(t, "user:1"))
	assert.Equal(t, int64(1), f.count(t))
}

func TestSweeperMalformedMarkers(t *testing.T) {
	require.NoError(t, logp.DevelopmentSetup(logp.ToObserverOutput()))
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	valid := f.writer.Sharding.MarkerRowKey(time.Now().UnixMilli() + 3600000)
	require.NoError(t, f.store.PutCells(ctx, f.tables.Meta, valid, ttl.MarkerFamily, map[string][]byte{
		"cf#a#x":  []byte("3600"),
		"garbage": []byte("1"),
		"cf#b#x":  []byte("soon"),
	}))
	require.NoError(t, f.store.PutCells(ctx, f.tables.Meta, ttl.ShardPrefix(0)+"not-a-time", ttl.MarkerFamily, map[string][]byte{
		"cf#c#x": []byte("1"),
	}))

	stats, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 3, stats.Malformed)
	assert.Zero(t, stats.Expired)

	assert.Equal(t, []string{valid}, findMarkerRows(t, f.store, f.tables))
	row, err := f.store.ReadRow(ctx, f.tables.Meta, valid, ttl.MarkerFamily)
	require.NoError(t, err)
	require.Len(t, row.Cells, 1)
	assert.Equal(t, "cf#a#x", row.Cells[0].Column)

	logs := logp.ObserverLogs().FilterMessageSnippet("malformed ttl marker").TakeAll()
	assert.Len(t, logs, 3)
}

func TestSweeperDeleteFailuresDoNotAbortCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	for i := 0; i < 5; i++ {
		f.set(t, newRowKey(), map[string]codec.Value{"x": codec.Int(1)}, time.Second)
	}
	f.clock.Set(time.Now().Add(2 * time.Second))

	errBoom := errors.New("boom")
	f.store.FailWith(storetest.OpDeleteCells, errBoom)
	stats, err := sweeper.RunCycle(ctx)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 5, stats.Expired)
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, 5, stats.Failed)
	assert.Equal(t, ttl.StateIdle, sweeper.State())

	// Marker rows were still deleted.
	assert.Empty(t, findMarkerRows(t, f.store, f.tables))
}

func TestSweeperScanFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var cycles int
	sweeper := f.newSweeper(t, ttl.OnCycle(func(ttl.CycleStats) { cycles++ }))

	errBoom := store.Transient(errors.New("unavailable"))
	f.store.FailWith(storetest.OpScan, errBoom)
	_, err := sweeper.RunCycle(ctx)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, ttl.StateIdle, sweeper.State())
	assert.Zero(t, cycles)
}

func TestSweeperLoopRecoversFromErrors(t *testing.T) {
	f := newFixture(t)
	cycles := make(chan ttl.CycleStats, 100)
	sweeper := f.newSweeper(t, ttl.OnCycle(func(stats ttl.CycleStats) { cycles <- stats }))

	f.store.FailWith(storetest.OpScan, errors.New("unavailable"))
	sweeper.Start(context.Background())
	assert.Eventually(t, func() bool {
		return f.store.Calls(storetest.OpScan) >= 2*f.config.ShardCount
	}, 10*time.Second, 10*time.Millisecond)

	f.store.SetHook(storetest.OpScan, nil)
	select {
	case <-cycles:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a successful cycle")
	}
}

func TestSweeperCloseMidCycle(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var cycles int
	sweeper := f.newSweeper(t, ttl.OnCycle(func(ttl.CycleStats) {
		mu.Lock()
		cycles++
		mu.Unlock()
	}))

	started, release := f.store.Block(storetest.OpScan)
	sweeper.Start(context.Background())
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for sweep cycle to start")
	}
	assert.Equal(t, ttl.StateScanning, sweeper.State())

	require.NoError(t, sweeper.Close())
	assert.Equal(t, ttl.StateScanning, sweeper.State())
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sweeper.Wait(ctx))

	mu.Lock()
	assert.Equal(t, 1, cycles)
	mu.Unlock()
	assert.Equal(t, f.config.ShardCount, f.store.Calls(storetest.OpScan))
	assert.Equal(t, ttl.StateClosed, sweeper.State())

	// No further cycles are scheduled.
	time.Sleep(5 * f.config.Interval)
	assert.Equal(t, f.config.ShardCount, f.store.Calls(storetest.OpScan))
}

func TestSweeperCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	require.NoError(t, sweeper.Close())
	require.NoError(t, sweeper.Close())
	assert.Equal(t, ttl.StateClosed, sweeper.State())

	// Starting a closed sweeper does nothing.
	sweeper.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sweeper.Wait(ctx))
	time.Sleep(5 * f.config.Interval)
	assert.Zero(t, f.store.Calls(storetest.OpScan))
}

func TestSweeperJitter(t *testing.T) {
	f := newFixture(t)
	f.config.MinJitter = 100 * time.Millisecond
	f.config.MaxJitter = 200 * time.Millisecond
	cycles := make(chan time.Time, 100)
	sweeper := f.newSweeper(t, ttl.OnCycle(func(ttl.CycleStats) { cycles <- time.Now() }))

	start := time.Now()
	sweeper.Start(context.Background())
	sweeper.Start(context.Background()) // no-op

	var first time.Time
	select {
	case first = <-cycles:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for first cycle")
	}
	assert.GreaterOrEqual(t, first.Sub(start), f.config.MinJitter)

	// Subsequent cycles run every Interval.
	select {
	case second := <-cycles:
		assert.GreaterOrEqual(t, second.Sub(first), f.config.Interval)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for second cycle")
	}
}

func TestSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	sweeper := f.newSweeper(t)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Start(ctx)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	assert.NoError(t, sweeper.Wait(waitCtx))
}

func TestSweeperLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.config.MaxConcurrentDeletes = 2
	f.config.DeleteRateLimit = 1000
	sweeper := f.newSweeper(t)

	for i := 0; i < 10; i++ {
		f.set(t, newRowKey(), map[string]codec.Value{"x": codec.Int(1)}, time.Second)
	}
	f.clock.Set(time.Now().Add(2 * time.Second))

	stats, err := sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Deleted)
	assert.Zero(t, f.count(t))
}

func TestNewSweeperInvalid(t *testing.T) {
	f := newFixture(t)
	config := f.config
	config.ShardCount = 0
	_, err := ttl.NewSweeper(f.store, f.tables, config)
	assert.ErrorIs(t, err, ttl.ErrShardCountInvalid)

	_, err = ttl.NewSweeper(f.store, ttl.Tables{Primary: "users"}, f.config)
	assert.Error(t, err)
}
