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

import "errors"

var (
	ErrClosed   = errors.New("storage: closed")
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidID rejects empty keys and keys that escape the storage
	// root
	ErrInvalidID = errors.New("storage: invalid ID")

	// ErrInvalidData means a device record did not decode
	ErrInvalidData = errors.New("storage: invalid data")
)
