// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package storetest

import (
	"context"
	"sync"

	"github.com/elastic/cellttl/store"
)

// Op names a store.Store method intercepted by FaultStore.
type Op string

const (
	OpRowExists     Op = "RowExists"
	OpReadRow       Op = "ReadRow"
	OpPutCells      Op = "PutCells"
	OpIncrementCell Op = "IncrementCell"
	OpDeleteCells   Op = "DeleteCells"
	OpDeleteRow     Op = "DeleteRow"
	OpScan          Op = "Scan"
)

// Hook is called before an intercepted operation runs. If it returns a
// non-nil error, the operation fails with that error without reaching the
// underlying store.
type Hook func(ctx context.Context, table, row string) error

// FaultStore wraps a store.Store, counting calls to the data operations
// and letting tests inject failures or block them.
type FaultStore struct {
	store.Store

	mu    sync.Mutex
	hooks map[Op]Hook
	calls map[Op]int
}

// NewFaultStore returns a FaultStore wrapping st.
func NewFaultStore(st store.Store) *FaultStore {
	return &FaultStore{
		Store: st,
		hooks: make(map[Op]Hook),
		calls: make(map[Op]int),
	}
}

// SetHook installs hook for op, replacing any previous hook. A nil hook
// removes it.
func (f *FaultStore) SetHook(op Op, hook Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook == nil {
		delete(f.hooks, op)
		return
	}
	f.hooks[op] = hook
}

// FailWith makes every call to op fail with err.
func (f *FaultStore) FailWith(op Op, err error) {
	f.SetHook(op, func(context.Context, string, string) error { return err })
}

// Block makes calls to op wait until the returned release function is
// called or the call's context is done. started receives one value for each
// blocked call.
func (f *FaultStore) Block(op Op) (started <-chan struct{}, release func()) {
	startedC := make(chan struct{}, 64)
	releaseC := make(chan struct{})
	var once sync.Once
	f.SetHook(op, func(ctx context.Context, _, _ string) error {
		select {
		case startedC <- struct{}{}:
		default:
		}
		select {
		case <-releaseC:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return startedC, func() { once.Do(func() { close(releaseC) }) }
}

// Calls returns the number of calls made to op so far.
func (f *FaultStore) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes all call counts.
func (f *FaultStore) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[Op]int)
}

func (f *FaultStore) before(ctx context.Context, op Op, table, row string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hooks[op]
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, table, row)
}

func (f *FaultStore) RowExists(ctx context.Context, table, row string) (bool, error) {
	if err := f.before(ctx, OpRowExists, table, row); err != nil {
		return false, err
	}
	return f.Store.RowExists(ctx, table, row)
}

func (f *FaultStore) ReadRow(ctx context.Context, table, row, family string, columns ...string) (store.Row, error) {
	if err := f.before(ctx, OpReadRow, table, row); err != nil {
		return store.Row{}, err
	}
	return f.Store.ReadRow(ctx, table, row, family, columns...)
}

func (f *FaultStore) PutCells(ctx context.Context, table, row, family string, cells map[string][]byte) error {
	if err := f.before(ctx, OpPutCells, table, row); err != nil {
		return err
	}
	return f.Store.PutCells(ctx, table, row, family, cells)
}

func (f *FaultStore) IncrementCell(ctx context.Context, table, row, family, column string, delta int64) (int64, error) {
	if err := f.before(ctx, OpIncrementCell, table, row); err != nil {
		return 0, err
	}
	return f.Store.IncrementCell(ctx, table, row, family, column, delta)
}

func (f *FaultStore) DeleteCells(ctx context.Context, table, row, family string, columns ...string) error {
	if err := f.before(ctx, OpDeleteCells, table, row); err != nil {
		return err
	}
	return f.Store.DeleteCells(ctx, table, row, family, columns...)
}

func (f *FaultStore) DeleteRow(ctx context.Context, table, row string) error {
	if err := f.before(ctx, OpDeleteRow, table, row); err != nil {
		return err
	}
	return f.Store.DeleteRow(ctx, table, row)
}

func (f *FaultStore) Scan(ctx context.Context, table string, opts store.ScanOptions, fn func(store.Row) error) error {
	if err := f.before(ctx, OpScan, table, ""); err != nil {
		return err
	}
	return f.Store.Scan(ctx, table, opts, fn)
}
