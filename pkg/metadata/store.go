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
	"errors"
)

const (
	// MessageKeyNotFound marks a record wiped by a critical reset
	MessageKeyNotFound = "KEY_NOT_FOUND"

	// MessageShareDeleted marks a factor backup removed with its factor
	MessageShareDeleted = "SHARE_DELETED"
)

var (
	// ErrKeyNotFound is returned for absent and tombstoned records
	ErrKeyNotFound = errors.New("metadata: KEY_NOT_FOUND")

	// ErrVersionConflict is returned when a write was based on a stale version
	ErrVersionConflict = errors.New("metadata: version conflict")

	// ErrStoreClosed is returned when operations are attempted on a closed store
	ErrStoreClosed = errors.New("metadata: store is closed")

	// ErrInvalidKey is returned for store keys that are not a public key
	ErrInvalidKey = errors.New("metadata: invalid key")

	// ErrInvalidSignature is returned for writes not signed by the key owner
	ErrInvalidSignature = errors.New("metadata: invalid write signature")
)

// Blob is one version of a stored record.
type Blob struct {
	// Version increases by one on every write to the key, starting at 1
	Version uint64 `json:"version"`

	// Data is the encrypted record
	Data []byte `json:"data,omitempty"`

	// Message carries a tombstone sentinel when set
	Message string `json:"message,omitempty"`

	// Signature is the DER ECDSA signature of the write by the scalar
	// owning the key. See SignBlob.
	Signature []byte `json:"signature,omitempty"`
}

// Tombstoned reports whether the blob is a deletion marker.
func (b *Blob) Tombstoned() bool {
	return b.Message != ""
}

// Write is one entry of a batch.
type Write struct {
	Key  string `json:"key"`
	Blob Blob   `json:"blob"`
}

// Store is the remote metadata service.
//
// Writes are compare-and-set: a write of version v succeeds only when the
// stored version is v-1 (0 for an absent key). Reset is the only write
// that ignores the current version. Every write carries a signature by
// the scalar owning the key and is rejected with ErrInvalidSignature
// otherwise.
type Store interface {
	// Get returns the latest blob for key, including tombstones.
	// Returns ErrKeyNotFound if the key was never written.
	Get(ctx context.Context, key string) (*Blob, error)

	// Set writes one blob.
	Set(ctx context.Context, key string, blob *Blob) error

	// SetBatch applies all writes or none.
	SetBatch(ctx context.Context, writes []Write) error

	// Reset overwrites key with tombstone, a signed blob carrying only a
	// message. The store assigns the version.
	Reset(ctx context.Context, key string, tombstone *Blob) error
}
