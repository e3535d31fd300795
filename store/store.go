// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package store defines the column-family store operations that cellttl
// relies on. Implementations live in the bigtablestore, badgerstore and
// redisstore packages.
//
// The model is Bigtable's: a store holds tables; a table holds rows
// identified by a string key, kept in lexicographic order; a row holds
// cells grouped into column families. Only the latest version of a cell is
// ever read.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRowNotFound is returned by ReadRow for rows that do not exist, or
	// that have no cells in the requested family and columns.
	ErrRowNotFound = errors.New("row not found")

	// ErrTableNotFound is returned by operations on tables that do not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrFamilyNotFound is returned by writes to a column family that does
	// not exist in an existing table.
	ErrFamilyNotFound = errors.New("column family not found")

	// ErrStopScan may be returned by a Scan callback to end the scan early.
	// Scan then returns nil.
	ErrStopScan = errors.New("stop scan")
)

// Store is a column-family store.
//
// All methods are safe for concurrent use. Single-row mutations are atomic;
// nothing spanning rows is.
type Store interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error

	FamilyExists(ctx context.Context, table, family string) (bool, error)
	CreateFamily(ctx context.Context, table, family string, rule GCRule) error

	// RowExists reports whether row has at least one cell in any family.
	RowExists(ctx context.Context, table, row string) (bool, error)

	// ReadRow returns the latest version of the cells of row in family.
	// If columns is non-empty, only those columns are returned.
	//
	// If no matching cells exist, ReadRow returns ErrRowNotFound.
	ReadRow(ctx context.Context, table, row, family string, columns ...string) (Row, error)

	// PutCells writes cells, keyed by column, to row in a single mutation.
	PutCells(ctx context.Context, table, row, family string, cells map[string][]byte) error

	// IncrementCell atomically adds delta to the counter cell and returns
	// the new value. Missing cells count as zero. Counter cells hold an
	// 8-byte big-endian integer (see codec.Counter).
	IncrementCell(ctx context.Context, table, row, family, column string, delta int64) (int64, error)

	// DeleteCells deletes columns of row in family. Deleting cells that do
	// not exist is not an error.
	DeleteCells(ctx context.Context, table, row, family string, columns ...string) error

	// DeleteRow deletes every cell of row. Deleting a row that does not
	// exist is not an error.
	DeleteRow(ctx context.Context, table, row string) error

	// Scan streams the rows selected by opts to fn, in row key order.
	// Scan stops at the first error returned by fn; if that error is
	// ErrStopScan, Scan returns nil.
	Scan(ctx context.Context, table string, opts ScanOptions, fn func(Row) error) error

	// Close releases resources held by the store.
	Close() error
}

// GCRule describes when old cells in a column family are garbage collected
// by the store. Zero values disable the corresponding rule.
type GCRule struct {
	// MaxVersions is the number of versions of each cell to keep.
	MaxVersions int

	// MaxAge is the age after which a cell version may be removed.
	MaxAge time.Duration
}

// ScanOptions selects the rows and cells returned by Store.Scan.
type ScanOptions struct {
	// Prefix restricts the scan to rows whose key starts with Prefix.
	Prefix string

	// Family restricts the returned cells to one column family.
	// Rows without cells in Family are skipped.
	Family string

	// Limit is the maximum number of rows returned. Zero means no limit.
	Limit int
}

// Cell is the latest version of one cell.
type Cell struct {
	Family    string
	Column    string
	Value     []byte
	Timestamp time.Time
}

// Row is a row read from a table. Cells are ordered by family, then column.
type Row struct {
	Key   string
	Cells []Cell
}

// Cell returns the cell with the given family and column, or nil.
func (r Row) Cell(family, column string) *Cell {
	for i := range r.Cells {
		if r.Cells[i].Family == family && r.Cells[i].Column == column {
			return &r.Cells[i]
		}
	}
	return nil
}

// Empty reports whether the row holds no cells.
func (r Row) Empty() bool {
	return len(r.Cells) == 0
}
