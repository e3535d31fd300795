// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/ttl"
)

func TestRowCounter(t *testing.T) {
	ctx := context.Background()
	st, tables := newTestStore(t)
	counter := ttl.RowCounter{Store: st, PrimaryTable: tables.Primary, MetaTable: tables.Meta}

	count, err := counter.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	write := func(row string) {
		existed, err := counter.Exists(ctx, row)
		require.NoError(t, err)
		require.NoError(t, ttl.Insert(ctx, st, tables.Primary, primaryFamily, row, map[string]codec.Value{
			"name": codec.String("alice"),
		}))
		require.NoError(t, counter.Created(ctx, existed))
	}
	write("a")
	write("b")
	write("a") // existing row

	count, err = counter.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Deleting a cell that leaves the row in place does not count.
	require.NoError(t, ttl.Insert(ctx, st, tables.Primary, primaryFamily, "a", map[string]codec.Value{
		"age": codec.Int(3),
	}))
	existed, err := counter.Exists(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, st.DeleteCells(ctx, tables.Primary, "a", primaryFamily, "age"))
	require.NoError(t, counter.Deleted(ctx, "a", existed))
	count, err = counter.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Deleting the row does.
	require.NoError(t, st.DeleteRow(ctx, tables.Primary, "a"))
	require.NoError(t, counter.Deleted(ctx, "a", existed))
	count, err = counter.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Rows that did not exist before the deletion do not count.
	require.NoError(t, counter.Deleted(ctx, "never", false))
	count, err = counter.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
