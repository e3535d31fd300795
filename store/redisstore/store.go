// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package redisstore implements store.Store on Redis.
//
// Each row is a hash whose fields are "<family> 0x00 <column>" and whose
// values are an 8-byte big-endian millisecond write timestamp followed by
// the cell payload. Each table keeps a sorted set of its row keys, all with
// score zero, so that rows can be scanned in lexicographic order with
// ZRANGEBYLEX. Redis has no per-field expiry, so GCRule.MaxAge is recorded
// but not enforced.
package redisstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/store"
)

const (
	timestampSize = 8
	fieldSep      = "\x00"
	scanPageSize  = 100

	// maxWatchRetries bounds the number of times an increment is retried
	// after its watched row was modified concurrently.
	maxWatchRetries = 1000
)

// deleteCellsScript deletes fields from a row hash, and removes the row
// from the table's row index if no fields remain.
//
// KEYS[1] is the row hash, KEYS[2] the row index; ARGV[1] is the row key
// and ARGV[2:] the fields to delete.
var deleteCellsScript = redis.NewScript(2, `
for i = 2, #ARGV do
	redis.call("HDEL", KEYS[1], ARGV[i])
end
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("ZREM", KEYS[2], ARGV[1])
end
return 0
`)

// Config holds the settings for connecting to Redis.
type Config struct {
	Address     string        `config:"address"`
	Password    string        `config:"password"`
	Database    int           `config:"database"`
	KeyPrefix   string        `config:"key_prefix"`
	MaxIdle     int           `config:"max_idle"`
	MaxActive   int           `config:"max_active"`
	IdleTimeout time.Duration `config:"idle_timeout"`
}

// DefaultConfig returns the default Redis configuration.
func DefaultConfig() Config {
	return Config{
		Address:     "localhost:6379",
		KeyPrefix:   "cellttl:",
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
	}
}

// NewPool returns a connection pool for the Redis server described by cfg.
func NewPool(cfg Config) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.Database),
			)
		},
	}
}

// Store is a store.Store backed by Redis.
type Store struct {
	pool   *redis.Pool
	prefix string
	logger *logp.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns a Store connecting to the Redis server described by cfg.
func New(cfg Config) *Store {
	return NewWithPool(NewPool(cfg), cfg.KeyPrefix)
}

// NewWithPool returns a Store using pool, prefixing every key it writes
// with prefix. Closing the Store closes the pool.
func NewWithPool(pool *redis.Pool, prefix string) *Store {
	return &Store{
		pool:   pool,
		prefix: prefix,
		logger: logp.NewLogger(logs.Store),
		now:    time.Now,
	}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) tablesKey() string { return s.prefix + "tables" }

func (s *Store) familiesKey(table string) string { return s.prefix + "t:" + table + ":families" }

func (s *Store) indexKey(table string) string { return s.prefix + "t:" + table + ":rows" }

func (s *Store) rowKey(table, row string) string { return s.prefix + "t:" + table + ":r:" + row }

func field(family, column string) string { return family + fieldSep + column }

func splitField(f string) (family, column string, ok bool) {
	return strings.Cut(f, fieldSep)
}

func encodeValue(ts time.Time, payload []byte) []byte {
	buf := make([]byte, timestampSize+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(ts.UnixMilli()))
	copy(buf[timestampSize:], payload)
	return buf
}

func decodeValue(buf []byte) (time.Time, []byte, error) {
	if len(buf) < timestampSize {
		return time.Time{}, nil, fmt.Errorf("cell value too short (%d bytes)", len(buf))
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(buf))), buf[timestampSize:], nil
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return conn, nil
}

func (s *Store) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	reply, err := redis.DoContext(conn, ctx, cmd, args...)
	return reply, wrapError(err)
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	return redis.Bool(s.do(ctx, "SISMEMBER", s.tablesKey(), table))
}

func (s *Store) CreateTable(ctx context.Context, table string) error {
	if err := store.ValidateName("table", table); err != nil {
		return err
	}
	added, err := redis.Int(s.do(ctx, "SADD", s.tablesKey(), table))
	if err != nil {
		return err
	}
	if added == 0 {
		return fmt.Errorf("table %q already exists", table)
	}
	return nil
}

func (s *Store) DeleteTable(ctx context.Context, table string) error {
	removed, err := redis.Int(s.do(ctx, "SREM", s.tablesKey(), table))
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("table %q: %w", table, store.ErrTableNotFound)
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		rows, err := redis.Strings(redis.DoContext(conn, ctx, "ZRANGE", s.indexKey(table), 0, scanPageSize-1))
		if err != nil {
			return wrapError(err)
		}
		if len(rows) == 0 {
			break
		}
		keys := make([]interface{}, len(rows))
		members := make([]interface{}, 0, len(rows)+1)
		members = append(members, s.indexKey(table))
		for i, row := range rows {
			keys[i] = s.rowKey(table, row)
			members = append(members, row)
		}
		if _, err := redis.DoContext(conn, ctx, "DEL", keys...); err != nil {
			return wrapError(err)
		}
		if _, err := redis.DoContext(conn, ctx, "ZREM", members...); err != nil {
			return wrapError(err)
		}
	}
	_, err = redis.DoContext(conn, ctx, "DEL", s.indexKey(table), s.familiesKey(table))
	if err != nil {
		return wrapError(err)
	}
	s.logger.Infof("deleted table %q", table)
	return nil
}

func (s *Store) FamilyExists(ctx context.Context, table, family string) (bool, error) {
	return redis.Bool(s.do(ctx, "HEXISTS", s.familiesKey(table), family))
}

// gcRule is the stored form of a column family's store.GCRule.
type gcRule struct {
	MaxVersions  int   `json:"max_versions,omitempty"`
	MaxAgeMillis int64 `json:"max_age_ms,omitempty"`
}

func (s *Store) CreateFamily(ctx context.Context, table, family string, rule store.GCRule) error {
	if err := store.ValidateName("family", family); err != nil {
		return err
	}
	if err := s.checkTable(ctx, table); err != nil {
		return err
	}
	data, err := json.Marshal(gcRule{MaxVersions: rule.MaxVersions, MaxAgeMillis: rule.MaxAge.Milliseconds()})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, "HSET", s.familiesKey(table), family, data)
	return err
}

func (s *Store) checkTable(ctx context.Context, table string) error {
	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %q: %w", table, store.ErrTableNotFound)
	}
	return nil
}

func (s *Store) checkFamily(ctx context.Context, table, family string) error {
	exists, err := s.FamilyExists(ctx, table, family)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.checkTable(ctx, table); err != nil {
		return err
	}
	return fmt.Errorf("%s:%s: %w", table, family, store.ErrFamilyNotFound)
}

func (s *Store) RowExists(ctx context.Context, table, row string) (bool, error) {
	return redis.Bool(s.do(ctx, "EXISTS", s.rowKey(table, row)))
}

func (s *Store) ReadRow(ctx context.Context, table, row, family string, columns ...string) (store.Row, error) {
	var fields map[string][]byte
	if len(columns) > 0 {
		args := make([]interface{}, 0, len(columns)+1)
		args = append(args, s.rowKey(table, row))
		for _, column := range columns {
			args = append(args, field(family, column))
		}
		values, err := redis.ByteSlices(s.do(ctx, "HMGET", args...))
		if err != nil {
			return store.Row{}, err
		}
		fields = make(map[string][]byte, len(columns))
		for i, value := range values {
			if value != nil {
				fields[field(family, columns[i])] = value
			}
		}
	} else {
		var err error
		fields, err = byteMap(s.do(ctx, "HGETALL", s.rowKey(table, row)))
		if err != nil {
			return store.Row{}, err
		}
	}
	result, err := convertRow(row, fields, family)
	if err != nil {
		return store.Row{}, err
	}
	if result.Empty() {
		return store.Row{}, store.ErrRowNotFound
	}
	return result, nil
}

// convertRow converts the fields of a row hash to a store.Row, keeping only
// cells in family if it is non-empty.
func convertRow(row string, fields map[string][]byte, family string) (store.Row, error) {
	result := store.Row{Key: row}
	for f, value := range fields {
		fam, column, ok := splitField(f)
		if !ok || (family != "" && fam != family) {
			continue
		}
		ts, payload, err := decodeValue(value)
		if err != nil {
			return store.Row{}, fmt.Errorf("%s:%s: %w", fam, column, err)
		}
		result.Cells = append(result.Cells, store.Cell{
			Family:    fam,
			Column:    column,
			Value:     payload,
			Timestamp: ts,
		})
	}
	sort.Slice(result.Cells, func(i, j int) bool {
		a, b := result.Cells[i], result.Cells[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Column < b.Column
	})
	return result, nil
}

func (s *Store) PutCells(ctx context.Context, table, row, family string, cells map[string][]byte) error {
	if err := store.ValidateName("row", row); err != nil {
		return err
	}
	if err := s.checkFamily(ctx, table, family); err != nil {
		return err
	}
	if len(cells) == 0 {
		return nil
	}
	now := s.now()
	args := make([]interface{}, 0, 2*len(cells)+1)
	args = append(args, s.rowKey(table, row))
	for column, value := range cells {
		args = append(args, field(family, column), encodeValue(now, value))
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.Send("MULTI")
	conn.Send("HSET", args...)
	conn.Send("ZADD", s.indexKey(table), 0, row)
	_, err = redis.DoContext(conn, ctx, "EXEC")
	return wrapError(err)
}

func (s *Store) IncrementCell(ctx context.Context, table, row, family, column string, delta int64) (int64, error) {
	if err := store.ValidateName("row", row); err != nil {
		return 0, err
	}
	if err := s.checkFamily(ctx, table, family); err != nil {
		return 0, err
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	key, f := s.rowKey(table, row), field(family, column)
	for i := 0; i < maxWatchRetries; i++ {
		if _, err := redis.DoContext(conn, ctx, "WATCH", key); err != nil {
			return 0, wrapError(err)
		}
		var current int64
		value, err := redis.Bytes(redis.DoContext(conn, ctx, "HGET", key, f))
		switch {
		case errors.Is(err, redis.ErrNil):
		case err != nil:
			conn.Do("UNWATCH")
			return 0, wrapError(err)
		default:
			_, payload, err := decodeValue(value)
			if err == nil {
				current, err = codec.Counter(payload)
			}
			if err != nil {
				conn.Do("UNWATCH")
				return 0, fmt.Errorf("%s:%s: %w", family, column, err)
			}
		}

		result := current + delta
		conn.Send("MULTI")
		conn.Send("HSET", key, f, encodeValue(s.now(), codec.PutCounter(result)))
		conn.Send("ZADD", s.indexKey(table), 0, row)
		_, err = redis.Values(redis.DoContext(conn, ctx, "EXEC"))
		if errors.Is(err, redis.ErrNil) {
			// The row changed since WATCH; try again.
			continue
		}
		if err != nil {
			return 0, wrapError(err)
		}
		return result, nil
	}
	return 0, store.Transient(fmt.Errorf("increment of %s:%s: too many concurrent modifications", family, column))
}

func (s *Store) DeleteCells(ctx context.Context, table, row, family string, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	args := make([]interface{}, 0, len(columns)+3)
	args = append(args, s.rowKey(table, row), s.indexKey(table), row)
	for _, column := range columns {
		args = append(args, field(family, column))
	}
	_, err = deleteCellsScript.DoContext(ctx, conn, args...)
	return wrapError(err)
}

func (s *Store) DeleteRow(ctx context.Context, table, row string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.Send("MULTI")
	conn.Send("DEL", s.rowKey(table, row))
	conn.Send("ZREM", s.indexKey(table), row)
	_, err = redis.DoContext(conn, ctx, "EXEC")
	return wrapError(err)
}

func (s *Store) Scan(ctx context.Context, table string, opts store.ScanOptions, fn func(store.Row) error) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	lo, hi := "-", "+"
	if opts.Prefix != "" {
		lo = "[" + opts.Prefix
		if end, ok := prefixEnd(opts.Prefix); ok {
			hi = "(" + end
		}
	}
	var emitted int
	for {
		rows, err := redis.Strings(redis.DoContext(conn, ctx,
			"ZRANGEBYLEX", s.indexKey(table), lo, hi, "LIMIT", 0, scanPageSize,
		))
		if err != nil {
			return wrapError(err)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			conn.Send("HGETALL", s.rowKey(table, row))
		}
		if err := conn.Flush(); err != nil {
			return wrapError(err)
		}
		for _, row := range rows {
			fields, err := byteMap(conn.Receive())
			if err != nil {
				return wrapError(err)
			}
			result, err := convertRow(row, fields, opts.Family)
			if err != nil {
				return err
			}
			if result.Empty() {
				continue
			}
			if err := fn(result); err != nil {
				if errors.Is(err, store.ErrStopScan) {
					return nil
				}
				return err
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				return nil
			}
		}
		lo = "(" + rows[len(rows)-1]
	}
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix, or false if there is none.
func prefixEnd(prefix string) (string, bool) {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1]), true
		}
	}
	return "", false
}

func byteMap(reply interface{}, err error) (map[string][]byte, error) {
	values, err := redis.ByteSlices(reply, err)
	if err != nil {
		return nil, err
	}
	if len(values)%2 != 0 {
		return nil, errors.New("expected even number of values in hash reply")
	}
	m := make(map[string][]byte, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		m[string(values[i])] = values[i+1]
	}
	return m, nil
}

// wrapError marks connection failures as transient. Errors replied by the
// Redis server are returned unchanged.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrPoolExhausted) {
		return store.Transient(err)
	}
	return err
}
