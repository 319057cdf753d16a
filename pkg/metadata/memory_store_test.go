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

// Package metadata is the engine's view of the remote metadata service: a
// versioned blob store keyed by public key, and an Adapter that encrypts
// records to the scalar they are stored under, buffers local transitions,
// and flushes them in one compare-and-set batch.
package metadata

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// owner is a record scalar and its store key.
type owner struct {
	k   *big.Int
	key string
}

func newOwner(t *testing.T) owner {
	t.Helper()
	k := scalar(t)
	return owner{k: k, key: StoreKey(k)}
}

// blob returns a signed write of version v.
func (o owner) blob(v uint64, data []byte) *Blob {
	b := &Blob{Version: v, Data: data}
	SignBlob(o.k, o.key, b)
	return b
}

func (o owner) write(v uint64, data []byte) Write {
	return Write{Key: o.key, Blob: *o.blob(v, data)}
}

func (o owner) tombstone(message string) *Blob {
	b := &Blob{Message: message}
	SignBlob(o.k, o.key, b)
	return b
}

func TestMemoryStoreCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newOwner(t)

	_, err := store.Get(ctx, o.key)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, o.key, o.blob(1, []byte("a"))))

	err = store.Set(ctx, o.key, o.blob(1, []byte("b")))
	assert.ErrorIs(t, err, ErrVersionConflict)

	err = store.Set(ctx, o.key, o.blob(3, []byte("b")))
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, store.Set(ctx, o.key, o.blob(2, []byte("b"))))

	blob, err := store.Get(ctx, o.key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blob.Version)
	assert.Equal(t, []byte("b"), blob.Data)
	assert.NoError(t, VerifyBlob(o.key, blob), "stored blobs keep their signature")
	assert.Len(t, store.History(o.key), 2)
}

func TestMemoryStoreBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, b := newOwner(t), newOwner(t)
	require.NoError(t, store.Set(ctx, b.key, b.blob(1, nil)))

	err := store.SetBatch(ctx, []Write{a.write(1, nil), b.write(1, nil)})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = store.Get(ctx, a.key)
	assert.ErrorIs(t, err, ErrKeyNotFound, "first write must not land")

	err = store.SetBatch(ctx, []Write{a.write(1, nil), a.write(2, nil)})
	assert.ErrorIs(t, err, ErrVersionConflict)

	err = store.SetBatch(ctx, []Write{{Key: "", Blob: Blob{Version: 1}}})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStoreRejectsUnsignedWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o, other := newOwner(t), newOwner(t)

	forgedBy := func(signer owner, b *Blob) *Blob {
		SignBlob(signer.k, o.key, b)
		return b
	}
	tampered := o.blob(1, []byte("a"))
	tampered.Data = []byte("b")
	replayed := other.blob(1, []byte("a"))
	bumped := o.blob(1, []byte("a"))
	bumped.Version = 2

	tests := []struct {
		name string
		key  string
		blob *Blob
		want error
	}{
		{"unsigned", o.key, &Blob{Version: 1, Data: []byte("a")}, ErrInvalidSignature},
		{"garbage signature", o.key, &Blob{Version: 1, Signature: []byte{1, 2, 3}}, ErrInvalidSignature},
		{"signed by another scalar", o.key, forgedBy(other, &Blob{Version: 1}), ErrInvalidSignature},
		{"data changed after signing", o.key, tampered, ErrInvalidSignature},
		{"signature of another key", o.key, replayed, ErrInvalidSignature},
		{"version changed after signing", o.key, bumped, ErrInvalidSignature},
		{"key is not a public key", "k", &Blob{Version: 1}, ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.Set(ctx, tt.key, tt.blob), tt.want)
		})
	}
	assert.Equal(t, 0, store.Len())

	// a forged write in a batch fails the whole batch
	err := store.SetBatch(ctx, []Write{other.write(1, nil), {Key: o.key, Blob: *replayed}})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o, other := newOwner(t), newOwner(t)
	require.NoError(t, store.Set(ctx, o.key, o.blob(1, []byte("x"))))

	assert.ErrorIs(t, store.Reset(ctx, o.key, &Blob{Message: MessageKeyNotFound}), ErrInvalidSignature)
	forged := &Blob{Message: MessageKeyNotFound}
	SignBlob(other.k, o.key, forged)
	assert.ErrorIs(t, store.Reset(ctx, o.key, forged), ErrInvalidSignature)
	assert.ErrorIs(t, store.Reset(ctx, o.key, nil), ErrInvalidSignature)
	assert.Len(t, store.History(o.key), 1)

	require.NoError(t, store.Reset(ctx, o.key, o.tombstone(MessageKeyNotFound)))

	blob, err := store.Get(ctx, o.key)
	require.NoError(t, err)
	assert.True(t, blob.Tombstoned())
	assert.Equal(t, MessageKeyNotFound, blob.Message)
	assert.Equal(t, uint64(2), blob.Version)

	assert.ErrorIs(t, store.Reset(ctx, "", o.tombstone(MessageKeyNotFound)), ErrInvalidKey)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newOwner(t)
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	_, err := store.Get(ctx, o.key)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Set(ctx, o.key, o.blob(1, nil)), ErrStoreClosed)
}
