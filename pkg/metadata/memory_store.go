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
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store that keeps every version of every
// key. It verifies write signatures like the hosted service does. It
// backs the dev server and the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]Blob
	closed  bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[string][]Blob),
	}
}

func copyBlob(b Blob) *Blob {
	out := b
	if b.Data != nil {
		out.Data = append([]byte(nil), b.Data...)
	}
	if b.Signature != nil {
		out.Signature = append([]byte(nil), b.Signature...)
	}
	return &out
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	versions := m.history[key]
	if len(versions) == 0 {
		return nil, ErrKeyNotFound
	}
	return copyBlob(versions[len(versions)-1]), nil
}

func (m *MemoryStore) currentVersion(key string) uint64 {
	versions := m.history[key]
	if len(versions) == 0 {
		return 0
	}
	return versions[len(versions)-1].Version
}

func (m *MemoryStore) check(w Write) error {
	if err := VerifyBlob(w.Key, &w.Blob); err != nil {
		return err
	}
	if current := m.currentVersion(w.Key); w.Blob.Version != current+1 {
		return fmt.Errorf("%w: key %s at version %d, write is version %d",
			ErrVersionConflict, w.Key, current, w.Blob.Version)
	}
	return nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, blob *Blob) error {
	return m.SetBatch(ctx, []Write{{Key: key, Blob: *blob}})
}

func (m *MemoryStore) SetBatch(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	seen := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		if _, dup := seen[w.Key]; dup {
			return fmt.Errorf("%w: key %s written twice in one batch", ErrVersionConflict, w.Key)
		}
		seen[w.Key] = struct{}{}
		if err := m.check(w); err != nil {
			return err
		}
	}
	for _, w := range writes {
		m.history[w.Key] = append(m.history[w.Key], *copyBlob(w.Blob))
	}
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, key string, tombstone *Blob) error {
	if key == "" {
		return ErrInvalidKey
	}
	if tombstone == nil {
		return fmt.Errorf("%w: missing tombstone", ErrInvalidSignature)
	}
	signed := Blob{Message: tombstone.Message, Signature: tombstone.Signature}
	if err := VerifyBlob(key, &signed); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	signed.Version = m.currentVersion(key) + 1
	m.history[key] = append(m.history[key], *copyBlob(signed))
	return nil
}

// History returns every stored version of key, oldest first.
func (m *MemoryStore) History(key string) []Blob {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Blob, 0, len(m.history[key]))
	for _, b := range m.history[key] {
		out = append(out, *copyBlob(b))
	}
	return out
}

// Len returns the number of keys ever written.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
