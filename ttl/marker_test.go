// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/cellttl/store/storetest"
	"github.com/elastic/cellttl/ttl"
)

func TestTTLSeconds(t *testing.T) {
	for _, tc := range []struct {
		ttl  time.Duration
		secs int64
		ok   bool
	}{
		{ttl: 0},
		{ttl: -time.Second},
		{ttl: time.Nanosecond, secs: 1, ok: true},
		{ttl: time.Second, secs: 1, ok: true},
		{ttl: 1500 * time.Millisecond, secs: 2, ok: true},
		{ttl: time.Hour, secs: 3600, ok: true},
	} {
		secs, ok := ttl.TTLSeconds(tc.ttl)
		assert.Equal(t, tc.ok, ok, tc.ttl)
		assert.Equal(t, tc.secs, secs, tc.ttl)
	}
}

func TestMarkerWriter(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	sharding := ttl.Sharding{Count: 3, Seed: 1}
	w := ttl.MarkerWriter{
		MetaTable:     "users_meta",
		PrimaryFamily: "cf",
		Sharding:      sharding,
		Now:           func() time.Time { return now },
	}

	rowKey, cells, ok := w.Marker("user:1", []string{"name", "age"}, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, sharding.MarkerRowKey(1700000005000), rowKey)
	assert.Equal(t, map[string][]byte{
		"cf#user:1#name": []byte("5"),
		"cf#user:1#age":  []byte("5"),
	}, cells)

	_, _, ok = w.Marker("user:1", []string{"name"}, 0)
	assert.False(t, ok)
	_, _, ok = w.Marker("user:1", nil, time.Second)
	assert.False(t, ok)
}

func TestMarkerWriterWrite(t *testing.T) {
	ctx := context.Background()
	st, tables := newTestStore(t)
	sharding := ttl.Sharding{Count: 3, Seed: 1}
	w := ttl.MarkerWriter{Store: st, MetaTable: tables.Meta, PrimaryFamily: primaryFamily, Sharding: sharding}

	require.NoError(t, w.Write(ctx, "user:1", []string{"name"}, 0))
	assert.Zero(t, st.Calls(storetest.OpPutCells))

	before := time.Now()
	require.NoError(t, w.Write(ctx, "user:1", []string{"name"}, 5*time.Second))
	assert.Equal(t, 1, st.Calls(storetest.OpPutCells))

	shard, expiryMs, err := ttl.ParseMarkerRowKey(findMarkerRows(t, st, tables)[0])
	require.NoError(t, err)
	assert.Equal(t, sharding.Shard(expiryMs), shard)
	assert.GreaterOrEqual(t, expiryMs, before.UnixMilli()+5000)
	assert.LessOrEqual(t, expiryMs, time.Now().UnixMilli()+5000)
}
