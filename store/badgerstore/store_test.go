// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package badgerstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/store"
	"github.com/elastic/cellttl/store/badgerstore"
	"github.com/elastic/cellttl/store/storetest"
)

func newInMemoryStore(t testing.TB) store.Store {
	st, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	return st
}

func TestStore(t *testing.T) {
	t.Run("Suite", func(t *testing.T) {
		storetest.RunSuite(t, newInMemoryStore)
	})
}

func TestStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := badgerstore.Open(badgerstore.Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, st.CreateTable(ctx, "users"))
	require.NoError(t, st.CreateFamily(ctx, "users", "cf", store.GCRule{MaxVersions: 1}))
	require.NoError(t, st.PutCells(ctx, "users", "user:1", "cf", map[string][]byte{"name": []byte("alice")}))
	require.NoError(t, st.Close())

	st, err = badgerstore.Open(badgerstore.Config{Path: dir})
	require.NoError(t, err)
	defer st.Close()
	row, err := st.ReadRow(ctx, "users", "user:1", "cf")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), row.Cell("cf", "name").Value)
}

func TestMaxAge(t *testing.T) {
	ctx := context.Background()
	st, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CreateTable(ctx, "t"))
	require.NoError(t, st.CreateFamily(ctx, "t", "short", store.GCRule{MaxAge: time.Second}))
	require.NoError(t, st.CreateFamily(ctx, "t", "long", store.GCRule{}))
	require.NoError(t, st.PutCells(ctx, "t", "r", "short", map[string][]byte{"x": []byte("1")}))
	require.NoError(t, st.PutCells(ctx, "t", "r", "long", map[string][]byte{"x": []byte("1")}))

	// Badger entry expiry has second granularity.
	assert.Eventually(t, func() bool {
		_, err := st.ReadRow(ctx, "t", "r", "short")
		return err == store.ErrRowNotFound
	}, 5*time.Second, 100*time.Millisecond)

	_, err = st.ReadRow(ctx, "t", "r", "long")
	assert.NoError(t, err)
}

func TestWriteUnknownFamily(t *testing.T) {
	ctx := context.Background()
	st, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	err = st.PutCells(ctx, "missing", "r", "cf", map[string][]byte{"x": nil})
	assert.ErrorIs(t, err, store.ErrTableNotFound)

	require.NoError(t, st.CreateTable(ctx, "t"))
	err = st.PutCells(ctx, "t", "r", "cf", map[string][]byte{"x": nil})
	assert.ErrorIs(t, err, store.ErrFamilyNotFound)
	_, err = st.IncrementCell(ctx, "t", "r", "cf", "n", 1)
	assert.ErrorIs(t, err, store.ErrFamilyNotFound)
}

func TestRunGCInMemory(t *testing.T) {
	st, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, st.RunGC(ctx, 10*time.Millisecond))
}

func TestRunGCContinuesAfterFailure(t *testing.T) {
	err := logp.DevelopmentSetup(logp.ToObserverOutput())
	require.NoError(t, err)

	st, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	var calls atomic.Int32
	st.SetValueLogGC(func(float64) error {
		if calls.Inc() == 1 {
			return badger.ErrRejected
		}
		return badger.ErrNoRewrite
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- st.RunGC(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	logs := logp.ObserverLogs().FilterMessage("value log gc failed").TakeAll()
	assert.Len(t, logs, 1)
}
