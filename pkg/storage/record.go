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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Namespaced joins a namespace and key into a storage key.
func Namespaced(namespace, key string) string {
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		return key
	}
	return namespace + "/" + key
}

// GetJSON decodes the record stored at key into v. It reports false when
// the key does not exist.
func GetJSON(b Backend, key string, v any) (bool, error) {
	data, err := b.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(b Backend, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return b.Put(key, data, DefaultOptions())
}
