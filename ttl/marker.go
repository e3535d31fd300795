// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl

import (
	"context"
	"strconv"
	"time"

	"github.com/elastic/cellttl/store"
)

// MarkerFamily is the metadata table family holding TTL marker cells.
const MarkerFamily = "ttl"

// MarkerWriter records when primary cells expire.
//
// For each TTL-bearing write it puts one cell per written column into the
// marker row for the write's expiry time. The marker column names the
// primary cell, and its value is the TTL in whole seconds.
type MarkerWriter struct {
	Store         store.Store
	MetaTable     string
	PrimaryFamily string
	Sharding      Sharding

	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
}

// TTLSeconds converts ttl to the whole seconds stored in marker cells,
// rounding up. It returns false if ttl is not positive.
func TTLSeconds(ttl time.Duration) (int64, bool) {
	if ttl <= 0 {
		return 0, false
	}
	secs := int64((ttl + time.Second - 1) / time.Second)
	return secs, true
}

// Marker returns the marker row key and cells recording that columns of
// row expire after ttl. The expiry time is computed once, so all columns
// share one marker row. ok is false if ttl is not positive.
func (w MarkerWriter) Marker(row string, columns []string, ttl time.Duration) (rowKey string, cells map[string][]byte, ok bool) {
	secs, ok := TTLSeconds(ttl)
	if !ok || len(columns) == 0 {
		return "", nil, false
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	expiryMs := now().UnixMilli() + secs*1000
	value := []byte(strconv.FormatInt(secs, 10))
	cells = make(map[string][]byte, len(columns))
	for _, column := range columns {
		cells[MarkerColumn(Owner{Family: w.PrimaryFamily, Row: row, Column: column})] = value
	}
	return w.Sharding.MarkerRowKey(expiryMs), cells, true
}

// Write puts the marker cells for a write of columns to row with the given
// ttl. It does nothing if ttl is not positive.
func (w MarkerWriter) Write(ctx context.Context, row string, columns []string, ttl time.Duration) error {
	rowKey, cells, ok := w.Marker(row, columns, ttl)
	if !ok {
		return nil
	}
	return w.Store.PutCells(ctx, w.MetaTable, rowKey, MarkerFamily, cells)
}
