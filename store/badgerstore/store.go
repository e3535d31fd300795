// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package badgerstore implements store.Store on an embedded Badger database.
//
// Cells are stored one per key:
//
//	'd' <table> 0x00 <row> 0x00 <family> 0x00 <column>
//
// so that a prefix iteration over 'd' <table> 0x00 visits rows in key
// order, and cells within a row by family then column. Values are an 8-byte
// big-endian millisecond write timestamp followed by the cell payload.
// Tables and families are recorded under the 't' and 'f' prefixes.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/store"
)

const (
	// NOTE these values must remain stable over time,
	// to avoid misinterpreting stored data.
	prefixData   = 'd'
	prefixTable  = 't'
	prefixFamily = 'f'
	sep          = 0

	timestampSize = 8

	// maxConflictRetries bounds the number of times a read-modify-write
	// transaction is retried after a conflict.
	maxConflictRetries = 100
)

// Store is a store.Store backed by a Badger database.
type Store struct {
	db     *badger.DB
	logger *logp.Logger
	now    func() time.Time

	// valueLogGC is db.RunValueLogGC, replaced in tests.
	valueLogGC func(discardRatio float64) error
}

var _ store.Store = (*Store)(nil)

// Open opens a Badger database with cfg and returns a Store using it.
// Closing the Store closes the database.
func Open(cfg Config) (*Store, error) {
	db, err := OpenBadger(cfg)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New returns a Store using db.
func New(db *badger.DB) *Store {
	return &Store{
		db:         db,
		logger:     logp.NewLogger(logs.Store),
		now:        time.Now,
		valueLogGC: db.RunValueLogGC,
	}
}

// DB returns the underlying Badger database.
func (s *Store) DB() *badger.DB {
	return s.db
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tableKey(table string) []byte {
	return append([]byte{prefixTable}, table...)
}

func familyKey(table, family string) []byte {
	key := append([]byte{prefixFamily}, table...)
	key = append(key, sep)
	return append(key, family...)
}

func tablePrefix(table string) []byte {
	key := append([]byte{prefixData}, table...)
	return append(key, sep)
}

func rowPrefix(table, row string) []byte {
	key := append(tablePrefix(table), row...)
	return append(key, sep)
}

func cellKey(table, row, family, column string) []byte {
	key := append(rowPrefix(table, row), family...)
	key = append(key, sep)
	return append(key, column...)
}

// splitCellKey splits the part of a cell key following the table prefix
// into row, family and column.
func splitCellKey(rest []byte) (row, family, column string, ok bool) {
	parts := bytes.SplitN(rest, []byte{sep}, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), true
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
	ms := int64(binary.BigEndian.Uint64(buf))
	return time.UnixMilli(ms), buf[timestampSize:], nil
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = keyExists(txn, tableKey(table))
		return err
	})
	return exists, err
}

func (s *Store) CreateTable(ctx context.Context, table string) error {
	if err := store.ValidateName("table", table); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		exists, err := keyExists(txn, tableKey(table))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("table %q already exists", table)
		}
		return txn.Set(tableKey(table), nil)
	})
}

func (s *Store) DeleteTable(ctx context.Context, table string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		exists, err := keyExists(txn, tableKey(table))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("table %q: %w", table, store.ErrTableNotFound)
		}
		if err := txn.Delete(tableKey(table)); err != nil {
			return err
		}
		families, err := keys(txn, familyKey(table, ""))
		if err != nil {
			return err
		}
		for _, key := range families {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.DropPrefix(tablePrefix(table))
}

func (s *Store) FamilyExists(ctx context.Context, table, family string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = keyExists(txn, familyKey(table, family))
		return err
	})
	return exists, err
}

func (s *Store) CreateFamily(ctx context.Context, table, family string, rule store.GCRule) error {
	if err := store.ValidateName("family", family); err != nil {
		return err
	}
	data, err := json.Marshal(gcRule{MaxVersions: rule.MaxVersions, MaxAgeMillis: rule.MaxAge.Milliseconds()})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		exists, err := keyExists(txn, tableKey(table))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("table %q: %w", table, store.ErrTableNotFound)
		}
		return txn.Set(familyKey(table, family), data)
	})
}

// gcRule is the stored form of a column family's store.GCRule.
type gcRule struct {
	MaxVersions  int   `json:"max_versions,omitempty"`
	MaxAgeMillis int64 `json:"max_age_ms,omitempty"`
}

// familyRule returns the GC rule of a family, checking that the table
// and family exist.
func familyRule(txn *badger.Txn, table, family string) (gcRule, error) {
	var rule gcRule
	item, err := txn.Get(familyKey(table, family))
	if errors.Is(err, badger.ErrKeyNotFound) {
		exists, err := keyExists(txn, tableKey(table))
		if err != nil {
			return rule, err
		}
		if !exists {
			return rule, fmt.Errorf("table %q: %w", table, store.ErrTableNotFound)
		}
		return rule, fmt.Errorf("%s:%s: %w", table, family, store.ErrFamilyNotFound)
	} else if err != nil {
		return rule, err
	}
	err = item.Value(func(data []byte) error {
		return json.Unmarshal(data, &rule)
	})
	return rule, err
}

func newEntry(key, value []byte, rule gcRule) *badger.Entry {
	e := badger.NewEntry(key, value)
	if rule.MaxAgeMillis > 0 {
		e = e.WithTTL(time.Duration(rule.MaxAgeMillis) * time.Millisecond)
	}
	return e
}

func (s *Store) RowExists(ctx context.Context, table, row string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := rowPrefix(table, row)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(prefix)
		exists = it.ValidForPrefix(prefix)
		return nil
	})
	return exists, err
}

func (s *Store) ReadRow(ctx context.Context, table, row, family string, columns ...string) (store.Row, error) {
	result := store.Row{Key: row}
	err := s.db.View(func(txn *badger.Txn) error {
		if len(columns) > 0 {
			sorted := append([]string(nil), columns...)
			sort.Strings(sorted)
			for i, column := range sorted {
				if i > 0 && column == sorted[i-1] {
					continue
				}
				item, err := txn.Get(cellKey(table, row, family, column))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				} else if err != nil {
					return err
				}
				cell, err := itemCell(item, family, column)
				if err != nil {
					return err
				}
				result.Cells = append(result.Cells, cell)
			}
			return nil
		}

		prefix := append(rowPrefix(table, row), family...)
		prefix = append(prefix, sep)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			column := string(item.Key()[len(prefix):])
			cell, err := itemCell(item, family, column)
			if err != nil {
				return err
			}
			result.Cells = append(result.Cells, cell)
		}
		return nil
	})
	if err != nil {
		return store.Row{}, err
	}
	if result.Empty() {
		return store.Row{}, store.ErrRowNotFound
	}
	return result, nil
}

func itemCell(item *badger.Item, family, column string) (store.Cell, error) {
	buf, err := item.ValueCopy(nil)
	if err != nil {
		return store.Cell{}, err
	}
	ts, value, err := decodeValue(buf)
	if err != nil {
		return store.Cell{}, fmt.Errorf("%s:%s: %w", family, column, err)
	}
	return store.Cell{Family: family, Column: column, Value: value, Timestamp: ts}, nil
}

func (s *Store) PutCells(ctx context.Context, table, row, family string, cells map[string][]byte) error {
	if err := store.ValidateName("row", row); err != nil {
		return err
	}
	now := s.now()
	return s.update(func(txn *badger.Txn) error {
		rule, err := familyRule(txn, table, family)
		if err != nil {
			return err
		}
		for column, value := range cells {
			e := newEntry(cellKey(table, row, family, column), encodeValue(now, value), rule)
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) IncrementCell(ctx context.Context, table, row, family, column string, delta int64) (int64, error) {
	if err := store.ValidateName("row", row); err != nil {
		return 0, err
	}
	var result int64
	err := s.update(func(txn *badger.Txn) error {
		rule, err := familyRule(txn, table, family)
		if err != nil {
			return err
		}
		key := cellKey(table, row, family, column)
		var current int64
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			buf, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			_, value, err := decodeValue(buf)
			if err != nil {
				return err
			}
			if current, err = codec.Counter(value); err != nil {
				return fmt.Errorf("%s:%s: %w", family, column, err)
			}
		}
		result = current + delta
		return txn.SetEntry(newEntry(key, encodeValue(s.now(), codec.PutCounter(result)), rule))
	})
	return result, err
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	s.logger.Warnf("giving up after %d conflicting transactions", maxConflictRetries)
	return store.Transient(err)
}

func (s *Store) DeleteCells(ctx context.Context, table, row, family string, columns ...string) error {
	return s.update(func(txn *badger.Txn) error {
		for _, column := range columns {
			if err := txn.Delete(cellKey(table, row, family, column)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteRow(ctx context.Context, table, row string) error {
	return s.update(func(txn *badger.Txn) error {
		cellKeys, err := keys(txn, rowPrefix(table, row))
		if err != nil {
			return err
		}
		for _, key := range cellKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Scan(ctx context.Context, table string, opts store.ScanOptions, fn func(store.Row) error) error {
	tp := tablePrefix(table)
	prefix := append(tablePrefix(table), opts.Prefix...)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		var current store.Row
		var emitted int
		flush := func() error {
			if current.Empty() {
				return nil
			}
			row := current
			current = store.Row{}
			emitted++
			return fn(row)
		}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			row, family, column, ok := splitCellKey(item.Key()[len(tp):])
			if !ok {
				continue
			}
			if row != current.Key {
				if err := flush(); err != nil {
					return err
				}
				if opts.Limit > 0 && emitted >= opts.Limit {
					return nil
				}
				current.Key = row
			}
			if opts.Family != "" && family != opts.Family {
				continue
			}
			cell, err := itemCell(item, family, column)
			if err != nil {
				return err
			}
			current.Cells = append(current.Cells, cell)
		}
		return flush()
	})
	if errors.Is(err, store.ErrStopScan) {
		return nil
	}
	return err
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// keys returns a copy of every key with the given prefix.
func keys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out, nil
}
