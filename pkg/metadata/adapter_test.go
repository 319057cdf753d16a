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
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// flakyStore fails SetBatch while fail is set and counts batches.
type flakyStore struct {
	*MemoryStore
	mu      sync.Mutex
	fail    bool
	batches int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (f *flakyStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *flakyStore) SetBatch(ctx context.Context, writes []Write) error {
	f.mu.Lock()
	fail := f.fail
	f.batches++
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.MemoryStore.SetBatch(ctx, writes)
}

func newTestAdapter(t *testing.T, store Store, manual bool) *Adapter {
	t.Helper()
	a, err := NewAdapter(&AdapterConfig{Store: store, ManualSync: manual})
	require.NoError(t, err)
	return a
}

func scalar(t *testing.T) *big.Int {
	t.Helper()
	k, err := curve.RandomScalar(curve.Secp256k1(), nil)
	require.NoError(t, err)
	return k
}

func TestNewAdapterRequiresStore(t *testing.T) {
	_, err := NewAdapter(nil)
	assert.Error(t, err)
	_, err = NewAdapter(&AdapterConfig{})
	assert.Error(t, err)
}

func TestStoreKeyIsCompressedPublicKey(t *testing.T) {
	key := StoreKey(big.NewInt(1))
	assert.Len(t, key, 66)
	assert.Equal(t, "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", key)
}

func TestAdapterAutoSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, false)
	k := scalar(t)

	_, err := a.Read(ctx, k)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, a.Write(ctx, k, []byte("hello")))
	assert.Equal(t, 0, a.Pending())

	blob, err := store.Get(ctx, StoreKey(k))
	require.NoError(t, err)
	assert.NotContains(t, string(blob.Data), "hello", "records are encrypted at rest")

	// a fresh adapter reads what the first one wrote
	b := newTestAdapter(t, store, false)
	got, err := b.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, b.Write(ctx, k, []byte("again")))
	blob, err = store.Get(ctx, StoreKey(k))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blob.Version)
}

func TestAdapterRecordIsBoundToItsKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, false)
	k1, k2 := scalar(t), scalar(t)

	require.NoError(t, a.Write(ctx, k1, []byte("one")))
	blob, err := store.Get(ctx, StoreKey(k1))
	require.NoError(t, err)

	// replaying k1's ciphertext under k2 cannot be decrypted with k2
	replayed := &Blob{Version: 1, Data: blob.Data}
	SignBlob(k2, StoreKey(k2), replayed)
	require.NoError(t, store.Set(ctx, StoreKey(k2), replayed))
	_, err = a.Read(ctx, k2)
	assert.Error(t, err)
}

func TestAdapterSignsEveryWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, true)
	k1, k2 := scalar(t), scalar(t)

	require.NoError(t, a.Write(ctx, k1, []byte("one")))
	require.NoError(t, a.Write(ctx, k2, []byte("two")))
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, a.Delete(ctx, k2))
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, a.Reset(ctx, k1))

	deleted := store.History(StoreKey(k2))
	require.Len(t, deleted, 2)
	for _, blob := range deleted {
		assert.NoError(t, VerifyBlob(StoreKey(k2), &blob))
	}

	reset := store.History(StoreKey(k1))
	require.Len(t, reset, 2)
	assert.NoError(t, VerifyBlob(StoreKey(k1), &reset[0]))
	// tombstones from Reset are signed at version 0
	tombstone := reset[1]
	assert.Error(t, VerifyBlob(StoreKey(k1), &tombstone))
	tombstone.Version = 0
	assert.NoError(t, VerifyBlob(StoreKey(k1), &tombstone))
}

func TestAdapterJSON(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, NewMemoryStore(), false)
	k := scalar(t)

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, a.WriteJSON(ctx, k, record{Name: "x", Count: 3}))

	var got record
	require.NoError(t, a.ReadJSON(ctx, k, &got))
	assert.Equal(t, record{Name: "x", Count: 3}, got)
}

func TestAdapterManualSyncBuffersUntilSync(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, true)
	k1, k2 := scalar(t), scalar(t)

	require.NoError(t, a.Write(ctx, k1, []byte("a")))
	require.NoError(t, a.Write(ctx, k2, []byte("b")))
	require.NoError(t, a.Write(ctx, k1, []byte("c")))
	assert.Equal(t, 3, a.Pending())
	assert.Equal(t, 0, store.Len())

	// read your own writes
	got, err := a.Read(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)

	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 1, store.batches, "one batch per sync")

	history := store.History(StoreKey(k1))
	require.Len(t, history, 1, "writes to one key coalesce")

	fresh := newTestAdapter(t, store, false)
	got, err = fresh.Read(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)
}

func TestAdapterManualSyncFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, true)
	k := scalar(t)

	require.NoError(t, a.Write(ctx, k, []byte("a")))
	store.setFail(true)
	assert.ErrorIs(t, a.Sync(ctx), errInjected)
	assert.Equal(t, 1, a.Pending())

	store.setFail(false)
	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, 0, a.Pending())
}

func TestAdapterAutoSyncFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAdapter(t, store, false)
	k := scalar(t)

	require.NoError(t, a.Write(ctx, k, []byte("before")))

	store.setFail(true)
	err := a.Write(ctx, k, []byte("after"))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 0, a.Pending())

	got, err := a.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)
}

func TestAdapterDeleteWritesTombstone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, false)
	k := scalar(t)

	require.NoError(t, a.Write(ctx, k, []byte("share")))
	require.NoError(t, a.Delete(ctx, k))

	_, err := a.Read(ctx, k)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	blob, err := store.Get(ctx, StoreKey(k))
	require.NoError(t, err)
	assert.Equal(t, MessageShareDeleted, blob.Message)

	// tombstones read as absent from a fresh adapter too
	_, err = newTestAdapter(t, store, false).Read(ctx, k)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAdapterReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, true)
	k := scalar(t)

	require.NoError(t, a.Write(ctx, k, []byte("x")))
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, a.Write(ctx, k, []byte("pending")))

	require.NoError(t, a.Reset(ctx, k))
	assert.Equal(t, 0, a.Pending())

	blob, err := store.Get(ctx, StoreKey(k))
	require.NoError(t, err)
	assert.Equal(t, MessageKeyNotFound, blob.Message)

	_, err = a.Read(ctx, k)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// the record can be written again after a reset
	require.NoError(t, a.Write(ctx, k, []byte("new")))
	require.NoError(t, a.Sync(ctx))
	got, err := a.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestAdapterStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestAdapter(t, store, false)
	b := newTestAdapter(t, store, false)
	k := scalar(t)

	require.NoError(t, a.Write(ctx, k, []byte("1")))
	_, err := b.Read(ctx, k)
	require.NoError(t, err)

	require.NoError(t, a.Write(ctx, k, []byte("2")))
	err = b.Write(ctx, k, []byte("stale"))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestAdapterDiscard(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, NewMemoryStore(), true)
	require.NoError(t, a.Write(ctx, scalar(t), []byte("x")))
	a.Discard()
	assert.Equal(t, 0, a.Pending())
}

func TestAdapterSetManualSync(t *testing.T) {
	a := newTestAdapter(t, NewMemoryStore(), false)
	assert.False(t, a.ManualSync())
	a.SetManualSync(true)
	assert.True(t, a.ManualSync())
}
