// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/store"
)

// State is the state of a Sweeper.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateFiltering
	StateDeleting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateFiltering:
		return "filtering"
	case StateDeleting:
		return "deleting"
	case StateClosed:
		return "closed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Tables names the tables a Sweeper works on.
type Tables struct {
	// Primary holds the cells that expire.
	Primary string

	// Meta holds the TTL markers and the live-row counter.
	Meta string
}

// MetaTableName returns the name of the metadata table for a primary table.
func MetaTableName(primary string) string {
	return primary + "_meta"
}

// CycleStats describes one sweep cycle.
type CycleStats struct {
	// Scanned is the number of marker cells read.
	Scanned int

	// Expired is the number of marker cells whose TTL had elapsed.
	Expired int

	// Deleted is the number of primary cells covered by successful delete
	// calls. Cells already removed by other writers are counted too, since
	// deleting a missing cell succeeds.
	Deleted int

	// Malformed is the number of marker cells that could not be parsed.
	// They are deleted along with expired markers.
	Malformed int

	// Failed is the number of delete operations that failed.
	Failed int

	// Duration is the time the cycle took.
	Duration time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the function a Sweeper uses to get the current time
// when deciding which markers have expired.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLogger sets the logger used by a Sweeper.
func WithLogger(logger *logp.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// OnCycle registers fn to be called with the statistics of each completed
// sweep cycle, whether run by the background loop or by RunCycle.
func OnCycle(fn func(CycleStats)) Option {
	return func(s *Sweeper) { s.onCycle = append(s.onCycle, fn) }
}

// Sweeper periodically deletes expired cells and their markers.
//
// Each sweep cycle scans the marker rows of every shard, keeps the marker
// cells whose write time plus TTL has passed, and deletes both the primary
// cells they refer to and the marker cells themselves. Deletion is
// best-effort: the two deletions are not ordered, and failures are only
// logged. A marker whose deletion failed is found again by the next cycle;
// a primary cell whose deletion failed while its marker was removed
// outlives its TTL.
type Sweeper struct {
	store    store.Store
	tables   Tables
	config   SweepConfig
	sharding Sharding
	counter  RowCounter
	limiter  *rate.Limiter
	logger   *logp.Logger
	// failureLogger is rate limited, as a store outage would otherwise
	// log every failed deletion of every cycle.
	failureLogger *logp.Logger
	now           func() time.Time
	onCycle       []func(CycleStats)

	state   atomic.Int32
	cycleMu sync.Mutex

	stopMu   sync.Mutex
	started  bool
	stopping chan struct{}
	stopped  chan struct{}
}

// NewSweeper returns a new Sweeper for the given tables. The sweeper does
// not run until Start is called.
func NewSweeper(st store.Store, tables Tables, config SweepConfig, opts ...Option) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid sweep config")
	}
	if tables.Primary == "" || tables.Meta == "" {
		return nil, errors.New("primary and metadata tables must be specified")
	}
	sharding, err := config.Sharding()
	if err != nil {
		return nil, errors.Wrap(err, "invalid sweep config")
	}
	s := &Sweeper{
		store:    st,
		tables:   tables,
		config:   config,
		sharding: sharding,
		counter: RowCounter{
			Store:        st,
			PrimaryTable: tables.Primary,
			MetaTable:    tables.Meta,
		},
		logger:        logp.NewLogger(logs.Sweep),
		failureLogger: logp.NewLogger(logs.Sweep, logs.WithRateLimit(time.Minute)),
		now:           time.Now,
		stopping:      make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	if config.DeleteRateLimit > 0 {
		burst := int(config.DeleteRateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.DeleteRateLimit), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logp.String("table", tables.Primary))
	return s, nil
}

// State returns the current state of the sweeper.
func (s *Sweeper) State() State {
	state := State(s.state.Load())
	if state == StateIdle && s.closed() {
		return StateClosed
	}
	return state
}

func (s *Sweeper) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Sweeper) closed() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// Start starts the background sweep loop. The first cycle runs after a
// random delay between MinJitter and MaxJitter; each subsequent cycle runs
// Interval after the previous one finished. Cycles stop when Close is
// called or ctx is done.
//
// Start does nothing if the sweeper has already been started or closed.
func (s *Sweeper) Start(ctx context.Context) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.started || s.closed() {
		return
	}
	s.started = true
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stopped)

	delay := s.jitter()
	s.logger.Debugf("first sweep cycle in %s", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopping:
			return
		case <-timer.C:
		}
		// Close may have been called while the timer fired.
		select {
		case <-s.stopping:
			return
		default:
		}
		if _, err := s.RunCycle(ctx); err != nil {
			s.failureLogger.With(logp.Error(err)).Warn("sweep cycle failed")
		}
		timer.Reset(s.config.Interval)
	}
}

// jitter returns a uniformly distributed delay in [MinJitter, MaxJitter].
func (s *Sweeper) jitter() time.Duration {
	spread := s.config.MaxJitter - s.config.MinJitter
	if spread <= 0 {
		return s.config.MinJitter
	}
	return s.config.MinJitter + time.Duration(rand.Int63n(int64(spread)+1))
}

// Close stops the background sweep loop. A cycle in progress is allowed to
// finish, but no further cycle starts. Close is idempotent.
func (s *Sweeper) Close() error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	select {
	case <-s.stopping:
		// already closed
		return nil
	default:
		close(s.stopping)
	}
	if !s.started {
		close(s.stopped)
	}
	return nil
}

// Wait blocks until the background loop has exited after Close, or ctx is
// done.
func (s *Sweeper) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return nil
	}
}

// marker is a marker cell read during a sweep cycle.
type marker struct {
	row     string
	column  string
	owner   Owner
	ttlSecs int64
	written time.Time
}

func (m marker) expired(now time.Time) bool {
	return m.written.UnixMilli()+m.ttlSecs*1000 <= now.UnixMilli()
}

// markerRow holds the marker cells of one marker row.
type markerRow struct {
	key       string
	markers   []marker
	malformed []string
}

// RunCycle runs one sweep cycle now. Cycles do not overlap: if another
// cycle is running, RunCycle waits for it to finish first.
//
// Errors from individual deletions do not stop the cycle; they are
// combined into the returned error.
func (s *Sweeper) RunCycle(ctx context.Context) (CycleStats, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.setState(StateIdle)

	start := time.Now()
	var stats CycleStats

	s.setState(StateScanning)
	rows, err := s.scan(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "failed to scan ttl markers")
	}

	s.setState(StateFiltering)
	now := s.now()
	plan := newDeletePlan()
	for _, row := range rows {
		stats.Scanned += len(row.markers) + len(row.malformed)
		stats.Malformed += len(row.malformed)
		var expired []string
		for _, m := range row.markers {
			if m.expired(now) {
				expired = append(expired, m.column)
				plan.addOwner(m.owner)
			}
		}
		stats.Expired += len(expired)
		expired = append(expired, row.malformed...)
		switch {
		case len(expired) == 0:
		case len(expired) == len(row.markers)+len(row.malformed):
			plan.markerRows = append(plan.markerRows, row.key)
		default:
			plan.markerCells[row.key] = expired
		}
	}

	s.setState(StateDeleting)
	deleted, err := s.delete(ctx, plan)
	stats.Deleted = deleted
	if merr, ok := err.(*multierror.Error); ok {
		stats.Failed = len(merr.Errors)
	}
	stats.Duration = time.Since(start)

	if stats.Expired > 0 || stats.Malformed > 0 || stats.Failed > 0 {
		s.logger.With(
			logp.Int("scanned", stats.Scanned),
			logp.Int("expired", stats.Expired),
			logp.Int("deleted", stats.Deleted),
			logp.Int("failed", stats.Failed),
		).Debug("sweep cycle completed")
	}
	for _, fn := range s.onCycle {
		fn(stats)
	}
	return stats, err
}

// scan reads the marker rows of every shard concurrently.
func (s *Sweeper) scan(ctx context.Context) ([]markerRow, error) {
	results := make([][]markerRow, s.sharding.Count)
	g, ctx := errgroup.WithContext(ctx)
	for shard := 0; shard < s.sharding.Count; shard++ {
		shard := shard
		g.Go(func() error {
			opts := store.ScanOptions{Prefix: ShardPrefix(shard), Family: MarkerFamily}
			return s.store.Scan(ctx, s.tables.Meta, opts, func(row store.Row) error {
				results[shard] = append(results[shard], s.parseMarkerRow(row))
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var rows []markerRow
	for _, shardRows := range results {
		rows = append(rows, shardRows...)
	}
	return rows, nil
}

func (s *Sweeper) parseMarkerRow(row store.Row) markerRow {
	result := markerRow{key: row.Key}
	if _, _, err := ParseMarkerRowKey(row.Key); err != nil {
		s.logger.With(logp.Error(err)).Warnf("deleting malformed ttl marker row %q", row.Key)
		for _, cell := range row.Cells {
			result.malformed = append(result.malformed, cell.Column)
		}
		return result
	}
	for _, cell := range row.Cells {
		owner, err := ParseMarkerColumn(cell.Column)
		if err == nil {
			var secs int64
			secs, err = strconv.ParseInt(string(cell.Value), 10, 64)
			if err == nil && secs <= 0 {
				err = errors.Errorf("non-positive ttl %d", secs)
			}
			if err == nil {
				result.markers = append(result.markers, marker{
					row:     row.Key,
					column:  cell.Column,
					owner:   owner,
					ttlSecs: secs,
					written: cell.Timestamp,
				})
				continue
			}
		}
		s.logger.With(logp.Error(err)).Warnf("deleting malformed ttl marker %q in row %q", cell.Column, row.Key)
		result.malformed = append(result.malformed, cell.Column)
	}
	return result
}

type ownerRow struct {
	family string
	row    string
}

// deletePlan holds the deletions of one sweep cycle.
type deletePlan struct {
	// owners maps primary rows to the expired columns in them.
	owners map[ownerRow][]string

	// markerRows are marker rows in which every cell is to be deleted.
	markerRows []string

	// markerCells maps marker rows to the cells to be deleted from them.
	markerCells map[string][]string
}

func newDeletePlan() *deletePlan {
	return &deletePlan{
		owners:      make(map[ownerRow][]string),
		markerCells: make(map[string][]string),
	}
}

func (p *deletePlan) addOwner(owner Owner) {
	key := ownerRow{family: owner.Family, row: owner.Row}
	for _, column := range p.owners[key] {
		if column == owner.Column {
			return
		}
	}
	p.owners[key] = append(p.owners[key], owner.Column)
}

// delete carries out plan concurrently, waiting for every deletion to
// complete or fail. It returns the number of primary cells deleted and the
// combined deletion errors.
func (s *Sweeper) delete(ctx context.Context, plan *deletePlan) (int, error) {
	var (
		mu      sync.Mutex
		result  error
		deleted int
	)
	fail := func(err error) {
		s.failureLogger.With(logp.Error(err)).Warn("ttl sweep deletion failed")
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
	}

	var g errgroup.Group
	if s.config.MaxConcurrentDeletes > 0 {
		g.SetLimit(s.config.MaxConcurrentDeletes)
	}
	goDelete := func(f func() error) {
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					fail(err)
					return nil
				}
			}
			if err := f(); err != nil {
				fail(err)
			}
			return nil
		})
	}

	for owner, columns := range plan.owners {
		owner, columns := owner, columns
		goDelete(func() error {
			existed, err := s.counter.Exists(ctx, owner.row)
			if err != nil {
				return errors.Wrapf(err, "failed to check row %q", owner.row)
			}
			if err := s.store.DeleteCells(ctx, s.tables.Primary, owner.row, owner.family, columns...); err != nil {
				return errors.Wrapf(err, "failed to delete expired cells of row %q", owner.row)
			}
			mu.Lock()
			deleted += len(columns)
			mu.Unlock()
			if err := s.counter.Deleted(ctx, owner.row, existed); err != nil {
				return errors.Wrapf(err, "failed to update row count after deleting from %q", owner.row)
			}
			return nil
		})
	}
	for _, row := range plan.markerRows {
		row := row
		goDelete(func() error {
			return errors.Wrapf(s.store.DeleteRow(ctx, s.tables.Meta, row), "failed to delete marker row %q", row)
		})
	}
	for row, columns := range plan.markerCells {
		row, columns := row, columns
		goDelete(func() error {
			err := s.store.DeleteCells(ctx, s.tables.Meta, row, MarkerFamily, columns...)
			return errors.Wrapf(err, "failed to delete markers from row %q", row)
		})
	}
	g.Wait()
	return deleted, result
}
