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

package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryBackend holds device state for the life of the process. Values
// are copied in both directions so callers never share a buffer with
// the store.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

// view runs fn under the read lock once the backend is known to be open.
func (m *MemoryBackend) view(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.records == nil {
		return ErrClosed
	}
	return fn()
}

func (m *MemoryBackend) update(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		return ErrClosed
	}
	return fn()
}

func (m *MemoryBackend) Get(key string) (value []byte, err error) {
	err = m.view(func() error {
		v, ok := m.records[key]
		if !ok {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (m *MemoryBackend) Put(key string, value []byte, _ *Options) error {
	if key == "" {
		return ErrInvalidID
	}
	cp := append([]byte(nil), value...)
	return m.update(func() error {
		m.records[key] = cp
		return nil
	})
}

func (m *MemoryBackend) Delete(key string) error {
	return m.update(func() error {
		if _, ok := m.records[key]; !ok {
			return ErrNotFound
		}
		delete(m.records, key)
		return nil
	})
}

// List returns the keys under prefix in lexical order.
func (m *MemoryBackend) List(prefix string) (keys []string, err error) {
	err = m.view(func() error {
		for k := range m.records {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (m *MemoryBackend) Exists(key string) (found bool, err error) {
	err = m.view(func() error {
		_, found = m.records[key]
		return nil
	})
	return found, err
}

// Len returns the number of stored records, zero once closed.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close drops every record. Later calls fail with ErrClosed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}
