// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bigtablestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigtable/bttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/elastic/cellttl/store"
	"github.com/elastic/cellttl/store/bigtablestore"
	"github.com/elastic/cellttl/store/storetest"
)

func newEmulatorStore(t testing.TB) store.Store {
	srv, err := bttest.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	st, err := bigtablestore.New(context.Background(), bigtablestore.Config{
		Project:  "test-project",
		Instance: "test-instance",
		Endpoint: srv.Addr,
	})
	require.NoError(t, err)
	return st
}

func TestStore(t *testing.T) {
	t.Run("Suite", func(t *testing.T) {
		storetest.RunSuite(t, newEmulatorStore)
	})
}

func TestMaxAgeFamily(t *testing.T) {
	ctx := context.Background()
	st := newEmulatorStore(t)
	defer st.Close()

	require.NoError(t, st.CreateTable(ctx, "t"))
	require.NoError(t, st.CreateFamily(ctx, "t", "cf", store.GCRule{MaxVersions: 1, MaxAge: time.Hour}))
	require.NoError(t, st.CreateFamily(ctx, "t", "nogc", store.GCRule{}))

	exists, err := st.FamilyExists(ctx, "t", "nogc")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = st.FamilyExists(ctx, "missing", "cf")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSpecialCharacterColumns(t *testing.T) {
	ctx := context.Background()
	st := newEmulatorStore(t)
	defer st.Close()

	require.NoError(t, st.CreateTable(ctx, "t"))
	require.NoError(t, st.CreateFamily(ctx, "t", "ttl", store.GCRule{MaxVersions: 1}))
	cells := map[string][]byte{
		"cf#user:1#name": []byte("5"),
		"cf#user.*#(x)":  []byte("7"),
		"cf#a%23b#c":     []byte("9"),
	}
	require.NoError(t, st.PutCells(ctx, "t", "ttl#0#1000", "ttl", cells))

	row, err := st.ReadRow(ctx, "t", "ttl#0#1000", "ttl", "cf#user.*#(x)")
	require.NoError(t, err)
	require.Len(t, row.Cells, 1)
	assert.Equal(t, []byte("7"), row.Cells[0].Value)

	require.NoError(t, st.DeleteCells(ctx, "t", "ttl#0#1000", "ttl", "cf#user:1#name"))
	row, err = st.ReadRow(ctx, "t", "ttl#0#1000", "ttl")
	require.NoError(t, err)
	assert.Len(t, row.Cells, 2)
}

func TestOperationsOnMissingTable(t *testing.T) {
	ctx := context.Background()
	st := newEmulatorStore(t)
	defer st.Close()

	_, err := st.ReadRow(ctx, "missing", "r", "cf")
	assert.ErrorIs(t, err, store.ErrTableNotFound)
	err = st.PutCells(ctx, "missing", "r", "cf", map[string][]byte{"x": nil})
	assert.ErrorIs(t, err, store.ErrTableNotFound)
}

func TestTransientErrors(t *testing.T) {
	// Errors are classified by gRPC status code.
	for code, transient := range map[codes.Code]bool{
		codes.Unavailable:      true,
		codes.Internal:         true,
		codes.InvalidArgument:  false,
		codes.PermissionDenied: false,
	} {
		err := bigtablestore.WrapError(status.Error(code, "x"))
		assert.Equal(t, transient, store.IsTransient(err), code.String())
	}
	assert.ErrorIs(t, bigtablestore.WrapError(status.Error(codes.NotFound, "x")), store.ErrTableNotFound)
	plain := errors.New("plain")
	assert.Equal(t, plain, bigtablestore.WrapError(plain))
}

func TestFamilyNotFoundErrors(t *testing.T) {
	for _, tc := range []struct {
		err    error
		family bool
	}{
		{status.Error(codes.Unknown, `unknown family "nofamily"`), true},
		{status.Error(codes.NotFound, "Requested column family not found."), true},
		{status.Error(codes.NotFound, `table "family" not found`), false},
		{status.Error(codes.Unavailable, "family service unavailable"), false},
	} {
		err := bigtablestore.WrapError(tc.err)
		assert.Equal(t, tc.family, errors.Is(err, store.ErrFamilyNotFound), tc.err.Error())
	}
}
