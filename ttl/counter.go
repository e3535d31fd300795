// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl

import (
	"context"
	"errors"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/store"
)

const (
	// CountFamily is the metadata table family holding the live-row counter.
	CountFamily = "count"

	// CountRow and CountColumn locate the live-row counter cell.
	CountRow    = "counts"
	CountColumn = "rows"
)

// RowCounter maintains an approximate count of live rows in a primary
// table, stored as a counter cell in the metadata table.
//
// The count is advisory. Existence checks and counter updates are separate
// store operations, so concurrent writers creating or deleting the same
// row may both adjust the counter.
type RowCounter struct {
	Store        store.Store
	PrimaryTable string
	MetaTable    string
}

// Exists reports whether row exists in the primary table. Writers call it
// before writing, and pass the result to Created or Deleted.
func (c RowCounter) Exists(ctx context.Context, row string) (bool, error) {
	return c.Store.RowExists(ctx, c.PrimaryTable, row)
}

// Created records a write to a row. existed is the result of Exists before
// the write; the counter is incremented only for new rows.
func (c RowCounter) Created(ctx context.Context, existed bool) error {
	if existed {
		return nil
	}
	_, err := c.add(ctx, 1)
	return err
}

// Deleted records a deletion from row. existed is the result of Exists
// before the deletion; the counter is decremented if the row existed and
// is now gone.
func (c RowCounter) Deleted(ctx context.Context, row string, existed bool) error {
	if !existed {
		return nil
	}
	exists, err := c.Exists(ctx, row)
	if err != nil || exists {
		return err
	}
	_, err = c.add(ctx, -1)
	return err
}

func (c RowCounter) add(ctx context.Context, delta int64) (int64, error) {
	return c.Store.IncrementCell(ctx, c.MetaTable, CountRow, CountFamily, CountColumn, delta)
}

// Count returns the current value of the counter, or zero if no row has
// been counted yet.
func (c RowCounter) Count(ctx context.Context) (int64, error) {
	row, err := c.Store.ReadRow(ctx, c.MetaTable, CountRow, CountFamily, CountColumn)
	if errors.Is(err, store.ErrRowNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	cell := row.Cell(CountFamily, CountColumn)
	if cell == nil {
		return 0, nil
	}
	return codec.Counter(cell.Value)
}
