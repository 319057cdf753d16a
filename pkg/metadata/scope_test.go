// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeCommitFlushesOnce(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, false)
	k1, k2 := scalar(t), scalar(t)

	scope := a.Begin()
	defer scope.End()

	require.NoError(t, a.Write(ctx, k1, []byte("a")))
	require.NoError(t, a.Write(ctx, k2, []byte("b")))
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, 0, store.batches)

	require.NoError(t, scope.Commit(ctx))
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 1, store.batches)
	assert.Equal(t, 0, a.Depth())

	assert.ErrorIs(t, scope.Commit(ctx), ErrScopeClosed)
}

func TestScopeNestedFlushesAtOutermost(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, false)

	outer := a.Begin()
	defer outer.End()
	require.NoError(t, a.Write(ctx, scalar(t), []byte("a")))

	inner := a.Begin()
	require.NoError(t, a.Write(ctx, scalar(t), []byte("b")))
	require.NoError(t, inner.Commit(ctx))
	inner.End()

	assert.Equal(t, 1, a.Depth())
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, 0, store.batches)

	require.NoError(t, outer.Commit(ctx))
	assert.Equal(t, 1, store.batches)
	assert.Equal(t, 0, a.Pending())
}

func TestScopeEndDiscardsUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, false)
	k := scalar(t)

	require.NoError(t, a.Write(ctx, k, []byte("kept")))

	func() {
		scope := a.Begin()
		defer scope.End()
		require.NoError(t, a.Write(ctx, k, []byte("dropped")))
		require.NoError(t, a.Delete(ctx, scalar(t)))
	}()

	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, a.Depth())
	got, err := a.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
}

func TestScopeFailedFlushLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, false)
	k1, k2 := scalar(t), scalar(t)

	require.NoError(t, a.Write(ctx, k1, []byte("v1")))
	before := store.History(StoreKey(k1))

	store.setFail(true)
	scope := a.Begin()
	require.NoError(t, a.Write(ctx, k1, []byte("v2")))
	require.NoError(t, a.Write(ctx, k2, []byte("new")))
	err := scope.Commit(ctx)
	scope.End()
	assert.ErrorIs(t, err, errInjected)

	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, before, store.History(StoreKey(k1)))
	assert.Empty(t, store.History(StoreKey(k2)))

	store.setFail(false)
	got, err := a.Read(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestScopeManualSyncDefersFlush(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, true)

	scope := a.Begin()
	require.NoError(t, a.Write(ctx, scalar(t), []byte("a")))
	require.NoError(t, scope.Commit(ctx))
	scope.End()

	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 0, store.batches)

	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, 1, store.batches)
}

func TestOnSyncRunsAfterFlush(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, false)

	var ran []string
	a.OnSync(ctx, func(context.Context) { ran = append(ran, "idle") })
	assert.Equal(t, []string{"idle"}, ran, "nothing buffered runs at once")

	outer := a.Begin()
	defer outer.End()
	require.NoError(t, a.Write(ctx, scalar(t), []byte("a")))
	a.OnSync(ctx, func(context.Context) { ran = append(ran, "outer") })

	inner := a.Begin()
	a.OnSync(ctx, func(context.Context) {
		assert.Equal(t, 1, store.batches, "hooks run after the batch lands")
		ran = append(ran, "inner")
	})
	require.NoError(t, inner.Commit(ctx))
	assert.Equal(t, []string{"idle"}, ran)

	require.NoError(t, outer.Commit(ctx))
	assert.Equal(t, []string{"idle", "outer", "inner"}, ran)
}

func TestOnSyncDroppedWithRolledBackWrites(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, false)
	var ran []string

	// the inner scope ends uncommitted
	outer := a.Begin()
	a.OnSync(ctx, func(context.Context) { ran = append(ran, "kept") })
	func() {
		inner := a.Begin()
		defer inner.End()
		require.NoError(t, a.Write(ctx, scalar(t), []byte("x")))
		a.OnSync(ctx, func(context.Context) { ran = append(ran, "dropped") })
	}()
	require.NoError(t, outer.Commit(ctx))
	assert.Equal(t, []string{"kept"}, ran)

	// the outermost flush fails
	store.setFail(true)
	scope := a.Begin()
	require.NoError(t, a.Write(ctx, scalar(t), []byte("y")))
	a.OnSync(ctx, func(context.Context) { ran = append(ran, "failed") })
	assert.ErrorIs(t, scope.Commit(ctx), errInjected)
	scope.End()

	store.setFail(false)
	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, []string{"kept"}, ran)
}

func TestOnSyncManualSyncWaitsForSync(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, true)
	ran := 0

	scope := a.Begin()
	require.NoError(t, a.Write(ctx, scalar(t), []byte("a")))
	a.OnSync(ctx, func(context.Context) { ran++ })
	require.NoError(t, scope.Commit(ctx))
	scope.End()
	assert.Equal(t, 0, ran)

	store.setFail(true)
	assert.Error(t, a.Sync(ctx))
	assert.Equal(t, 0, ran, "a failed sync keeps the hook queued")

	store.setFail(false)
	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, 1, ran)

	// a scope with no writes runs its hooks on commit
	scope = a.Begin()
	a.OnSync(ctx, func(context.Context) { ran++ })
	require.NoError(t, scope.Commit(ctx))
	assert.Equal(t, 2, ran)

	require.NoError(t, a.Write(ctx, scalar(t), []byte("b")))
	a.OnSync(ctx, func(context.Context) { ran++ })
	a.Discard()
	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, 2, ran)
}
