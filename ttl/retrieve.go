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

// Retrieve reads the latest cells of row in family, restricted to columns
// if any are given. A row that does not exist yields an empty row and a
// nil error; other store errors are returned.
func Retrieve(ctx context.Context, st store.Store, table, family, row string, columns ...string) (store.Row, error) {
	r, err := st.ReadRow(ctx, table, row, family, columns...)
	if errors.Is(err, store.ErrRowNotFound) {
		return store.Row{Key: row}, nil
	}
	return r, err
}

// RetrieveValues is like Retrieve, decoding each cell with codec.Decode
// and returning the values keyed by column.
func RetrieveValues(ctx context.Context, st store.Store, table, family, row string, columns ...string) (map[string]codec.Value, error) {
	r, err := Retrieve(ctx, st, table, family, row, columns...)
	if err != nil {
		return nil, err
	}
	values := make(map[string]codec.Value, len(r.Cells))
	for _, cell := range r.Cells {
		values[cell.Column] = codec.Decode(cell.Value)
	}
	return values, nil
}

// RetrieveCell returns a single cell, or nil if it does not exist.
func RetrieveCell(ctx context.Context, st store.Store, table, family, row, column string) (*store.Cell, error) {
	r, err := Retrieve(ctx, st, table, family, row, column)
	if err != nil {
		return nil, err
	}
	return r.Cell(family, column), nil
}

// Insert encodes values with codec.Encode and writes them to row in a
// single mutation. Insert does nothing if table, row or values is empty.
func Insert(ctx context.Context, st store.Store, table, family, row string, values map[string]codec.Value) error {
	if table == "" || row == "" || len(values) == 0 {
		return nil
	}
	cells := make(map[string][]byte, len(values))
	for column, value := range values {
		cells[column] = codec.Encode(value)
	}
	return st.PutCells(ctx, table, row, family, cells)
}
