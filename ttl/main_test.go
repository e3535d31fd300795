// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl_test

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/elastic/cellttl/store"
	"github.com/elastic/cellttl/store/badgerstore"
	"github.com/elastic/cellttl/store/storetest"
	"github.com/elastic/cellttl/ttl"
)

const primaryFamily = "cf"

// newTestStore returns an in-memory store holding an empty primary table
// and its metadata table.
func newTestStore(t testing.TB) (*storetest.FaultStore, ttl.Tables) {
	t.Helper()
	st, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	tables := ttl.Tables{Primary: "users", Meta: ttl.MetaTableName("users")}
	require.NoError(t, st.CreateTable(ctx, tables.Primary))
	require.NoError(t, st.CreateFamily(ctx, tables.Primary, primaryFamily, store.GCRule{MaxVersions: 1}))
	require.NoError(t, st.CreateTable(ctx, tables.Meta))
	require.NoError(t, st.CreateFamily(ctx, tables.Meta, ttl.MarkerFamily, store.GCRule{MaxVersions: 1}))
	require.NoError(t, st.CreateFamily(ctx, tables.Meta, ttl.CountFamily, store.GCRule{MaxVersions: 1}))
	return storetest.NewFaultStore(st), tables
}

// findMarkerRows returns the keys of all marker rows in the metadata table.
func findMarkerRows(t testing.TB, st store.Store, tables ttl.Tables) []string {
	t.Helper()
	var keys []string
	opts := store.ScanOptions{Prefix: ttl.MarkerPrefix, Family: ttl.MarkerFamily}
	require.NoError(t, st.Scan(context.Background(), tables.Meta, opts, func(row store.Row) error {
		keys = append(keys, row.Key)
		return nil
	}))
	return keys
}

func newRowKey() string {
	return "row-" + uuid.Must(uuid.NewV4()).String()
}
