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

// Package storage is the local device storage used by the engine: the
// namespaced record holding the active session id and per-account device
// factors, and transient OAuth redirect state.
//
// Backends are simple byte stores; GetJSON and PutJSON layer typed records
// on top.
package storage

import (
	"io/fs"
)

// Backend is a key/value store for device-local state.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value for the given key, overwriting any previous value.
	Put(key string, value []byte, opts *Options) error

	// Delete removes the key. Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns all keys with the given prefix.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists.
	Exists(key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Options tunes a single Put.
type Options struct {
	// Permissions sets the file mode for file-based storage
	Permissions fs.FileMode
}

// DefaultOptions returns owner-only permissions.
func DefaultOptions() *Options {
	return &Options{Permissions: 0600}
}
