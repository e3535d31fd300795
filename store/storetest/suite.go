// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package storetest provides a conformance suite for store.Store
// implementations, and test doubles for code built on top of them.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/store"
)

const (
	familyA = "a"
	familyB = "b"
)

// Factory returns a new, empty store. The store is closed by the suite.
type Factory func(t testing.TB) store.Store

// RunSuite runs the store conformance tests against stores created by newStore.
func RunSuite(t *testing.T, newStore Factory) {
	for name, test := range map[string]func(*testing.T, store.Store){
		"Tables":              testTables,
		"Families":            testFamilies,
		"MissingFamily":       testMissingFamily,
		"PutRead":             testPutRead,
		"ReadRowNotFound":     testReadRowNotFound,
		"Timestamps":          testTimestamps,
		"RowExists":           testRowExists,
		"Increment":           testIncrement,
		"ConcurrentIncrement": testConcurrentIncrement,
		"DeleteCells":         testDeleteCells,
		"DeleteRow":           testDeleteRow,
		"Scan":                testScan,
		"ScanStop":            testScanStop,
		"DeleteTable":         testDeleteTable,
	} {
		test := test
		t.Run(name, func(t *testing.T) {
			st := newStore(t)
			t.Cleanup(func() { assert.NoError(t, st.Close()) })
			test(t, st)
		})
	}
}

// newTable creates a table with a random name and families a and b.
func newTable(t testing.TB, st store.Store) string {
	t.Helper()
	ctx := context.Background()
	table := "t-" + uuid.Must(uuid.NewV4()).String()
	require.NoError(t, st.CreateTable(ctx, table))
	require.NoError(t, st.CreateFamily(ctx, table, familyA, store.GCRule{MaxVersions: 1}))
	require.NoError(t, st.CreateFamily(ctx, table, familyB, store.GCRule{MaxVersions: 1, MaxAge: time.Hour}))
	return table
}

func testTables(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := "t-" + uuid.Must(uuid.NewV4()).String()

	exists, err := st.TableExists(ctx, table)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, st.CreateTable(ctx, table))
	exists, err = st.TableExists(ctx, table)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, st.DeleteTable(ctx, table))
	exists, err = st.TableExists(ctx, table)
	require.NoError(t, err)
	assert.False(t, exists)

	err = st.DeleteTable(ctx, table)
	assert.ErrorIs(t, err, store.ErrTableNotFound)
}

func testFamilies(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := "t-" + uuid.Must(uuid.NewV4()).String()

	err := st.CreateFamily(ctx, table, familyA, store.GCRule{})
	assert.ErrorIs(t, err, store.ErrTableNotFound)

	require.NoError(t, st.CreateTable(ctx, table))
	exists, err := st.FamilyExists(ctx, table, familyA)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, st.CreateFamily(ctx, table, familyA, store.GCRule{MaxVersions: 1}))
	exists, err = st.FamilyExists(ctx, table, familyA)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = st.FamilyExists(ctx, table, familyB)
	require.NoError(t, err)
	assert.False(t, exists)
}

func testMissingFamily(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	err := st.PutCells(ctx, table, "r", "nofamily", map[string][]byte{"c": []byte("v")})
	assert.ErrorIs(t, err, store.ErrFamilyNotFound)
	_, err = st.IncrementCell(ctx, table, "r", "nofamily", "c", 1)
	assert.ErrorIs(t, err, store.ErrFamilyNotFound)

	missing := "t-" + uuid.Must(uuid.NewV4()).String()
	err = st.PutCells(ctx, missing, "r", familyA, map[string][]byte{"c": []byte("v")})
	assert.ErrorIs(t, err, store.ErrTableNotFound)
	assert.NotErrorIs(t, err, store.ErrFamilyNotFound)
}

func testPutRead(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{
		"x": []byte("1"),
		"y": []byte("2"),
	}))
	require.NoError(t, st.PutCells(ctx, table, "r1", familyB, map[string][]byte{
		"x": []byte("b1"),
	}))
	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{
		"y": []byte("3"),
	}))

	row, err := st.ReadRow(ctx, table, "r1", familyA)
	require.NoError(t, err)
	assert.Equal(t, "r1", row.Key)
	assert.Equal(t, map[string]string{"x": "1", "y": "3"}, cellValues(row))
	assert.Equal(t, []string{"x", "y"}, columns(row))

	row, err = st.ReadRow(ctx, table, "r1", familyA, "y")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"y": "3"}, cellValues(row))

	row, err = st.ReadRow(ctx, table, "r1", familyB)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x": "b1"}, cellValues(row))
}

func testReadRowNotFound(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	_, err := st.ReadRow(ctx, table, "missing", familyA)
	assert.ErrorIs(t, err, store.ErrRowNotFound)

	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{"x": []byte("1")}))
	_, err = st.ReadRow(ctx, table, "r1", familyA, "nope")
	assert.ErrorIs(t, err, store.ErrRowNotFound)
	_, err = st.ReadRow(ctx, table, "r1", familyB)
	assert.ErrorIs(t, err, store.ErrRowNotFound)
}

func testTimestamps(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	before := time.Now().Truncate(time.Millisecond)
	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{"x": []byte("1")}))
	_, err := st.IncrementCell(ctx, table, "r1", familyA, "n", 1)
	require.NoError(t, err)
	after := time.Now().Add(time.Millisecond)

	row, err := st.ReadRow(ctx, table, "r1", familyA)
	require.NoError(t, err)
	require.Len(t, row.Cells, 2)
	for _, cell := range row.Cells {
		assert.False(t, cell.Timestamp.Before(before), "%s: %s before %s", cell.Column, cell.Timestamp, before)
		assert.False(t, cell.Timestamp.After(after), "%s: %s after %s", cell.Column, cell.Timestamp, after)
	}
}

func testRowExists(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	exists, err := st.RowExists(ctx, table, "r1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, st.PutCells(ctx, table, "r1", familyB, map[string][]byte{"x": []byte("1")}))
	exists, err = st.RowExists(ctx, table, "r1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = st.RowExists(ctx, table, "r")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testIncrement(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	for _, tc := range []struct {
		delta int64
		want  int64
	}{
		{delta: 1, want: 1},
		{delta: 5, want: 6},
		{delta: -10, want: -4},
	} {
		n, err := st.IncrementCell(ctx, table, "counts", familyA, "n", tc.delta)
		require.NoError(t, err)
		assert.Equal(t, tc.want, n)
	}

	row, err := st.ReadRow(ctx, table, "counts", familyA, "n")
	require.NoError(t, err)
	require.Len(t, row.Cells, 1)
	n, err := codec.Counter(row.Cells[0].Value)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), n)

	// Counters created with PutCells can be incremented.
	require.NoError(t, st.PutCells(ctx, table, "counts", familyA, map[string][]byte{"m": codec.PutCounter(40)}))
	n, err = st.IncrementCell(ctx, table, "counts", familyA, "m", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func testConcurrentIncrement(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.IncrementCell(ctx, table, "counts", familyA, "n", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := st.IncrementCell(ctx, table, "counts", familyA, "n", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got)
}

func testDeleteCells(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{
		"x": []byte("1"),
		"y": []byte("2"),
	}))
	_, err := st.IncrementCell(ctx, table, "r1", familyA, "n", 3)
	require.NoError(t, err)

	require.NoError(t, st.DeleteCells(ctx, table, "r1", familyA, "x", "missing"))
	row, err := st.ReadRow(ctx, table, "r1", familyA)
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "y"}, columns(row))

	require.NoError(t, st.DeleteCells(ctx, table, "r1", familyA, "y", "n"))
	exists, err := st.RowExists(ctx, table, "r1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Missing rows are a no-op.
	assert.NoError(t, st.DeleteCells(ctx, table, "r1", familyA, "y"))
	assert.NoError(t, st.DeleteCells(ctx, table, "never", familyB, "x"))
}

func testDeleteRow(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{"x": []byte("1")}))
	require.NoError(t, st.PutCells(ctx, table, "r1", familyB, map[string][]byte{"x": []byte("1")}))
	_, err := st.IncrementCell(ctx, table, "r1", familyB, "n", 1)
	require.NoError(t, err)
	require.NoError(t, st.PutCells(ctx, table, "r2", familyA, map[string][]byte{"x": []byte("2")}))

	require.NoError(t, st.DeleteRow(ctx, table, "r1"))
	exists, err := st.RowExists(ctx, table, "r1")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = st.ReadRow(ctx, table, "r1", familyB)
	assert.ErrorIs(t, err, store.ErrRowNotFound)

	exists, err = st.RowExists(ctx, table, "r2")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.NoError(t, st.DeleteRow(ctx, table, "r1"))
}

func testScan(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)

	for _, key := range []string{"p#2", "p#1", "q#1", "p#3", "o#1"} {
		require.NoError(t, st.PutCells(ctx, table, key, familyA, map[string][]byte{"x": []byte(key)}))
	}
	require.NoError(t, st.PutCells(ctx, table, "p#3", familyB, map[string][]byte{"y": []byte("b")}))
	require.NoError(t, st.PutCells(ctx, table, "p#4", familyB, map[string][]byte{"y": []byte("b")}))

	scan := func(opts store.ScanOptions) []store.Row {
		var rows []store.Row
		require.NoError(t, st.Scan(ctx, table, opts, func(row store.Row) error {
			rows = append(rows, row)
			return nil
		}))
		return rows
	}

	assert.Equal(t, []string{"o#1", "p#1", "p#2", "p#3", "p#4", "q#1"}, rowKeys(scan(store.ScanOptions{})))
	assert.Equal(t, []string{"p#1", "p#2", "p#3", "p#4"}, rowKeys(scan(store.ScanOptions{Prefix: "p#"})))
	assert.Equal(t, []string{"p#1", "p#2"}, rowKeys(scan(store.ScanOptions{Prefix: "p#", Limit: 2})))
	assert.Empty(t, scan(store.ScanOptions{Prefix: "z"}))

	rows := scan(store.ScanOptions{Prefix: "p#", Family: familyB})
	assert.Equal(t, []string{"p#3", "p#4"}, rowKeys(rows))
	for _, row := range rows {
		for _, cell := range row.Cells {
			assert.Equal(t, familyB, cell.Family)
		}
	}

	rows = scan(store.ScanOptions{Prefix: "p#3"})
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].Cells, 2)
	assert.Equal(t, []byte("p#3"), rows[0].Cell(familyA, "x").Value)
	assert.False(t, rows[0].Cell(familyA, "x").Timestamp.IsZero())
}

func testScanStop(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)
	for _, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t, st.PutCells(ctx, table, key, familyA, map[string][]byte{"x": []byte(key)}))
	}

	var seen []string
	err := st.Scan(ctx, table, store.ScanOptions{}, func(row store.Row) error {
		seen = append(seen, row.Key)
		if len(seen) == 2 {
			return store.ErrStopScan
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, seen)

	errBoom := errors.New("boom")
	err = st.Scan(ctx, table, store.ScanOptions{}, func(row store.Row) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func testDeleteTable(t *testing.T, st store.Store) {
	ctx := context.Background()
	table := newTable(t, st)
	require.NoError(t, st.PutCells(ctx, table, "r1", familyA, map[string][]byte{"x": []byte("1")}))

	require.NoError(t, st.DeleteTable(ctx, table))
	require.NoError(t, st.CreateTable(ctx, table))
	require.NoError(t, st.CreateFamily(ctx, table, familyA, store.GCRule{MaxVersions: 1}))

	exists, err := st.RowExists(ctx, table, "r1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func cellValues(row store.Row) map[string]string {
	out := make(map[string]string, len(row.Cells))
	for _, cell := range row.Cells {
		out[cell.Column] = string(cell.Value)
	}
	return out
}

func columns(row store.Row) []string {
	out := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		out[i] = cell.Column
	}
	return out
}

func rowKeys(rows []store.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Key
	}
	return out
}
