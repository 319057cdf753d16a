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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	m := NewMemory()

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	value := []byte("value")
	require.NoError(t, m.Put("a/1", value, nil))
	value[0] = 'X'

	got, err := m.Get("a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	got[0] = 'Y'
	again, err := m.Get("a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)

	require.NoError(t, m.Put("a/2", []byte("x"), nil))
	require.NoError(t, m.Put("b/1", []byte("x"), nil))

	keys, err := m.List("a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
	assert.Equal(t, 3, m.Len())

	ok, err := m.Exists("b/1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete("b/1"))
	assert.ErrorIs(t, m.Delete("b/1"), ErrNotFound)
	assert.ErrorIs(t, m.Put("", nil, nil), ErrInvalidID)

	require.NoError(t, m.Close())
	_, err = m.Get("a/1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Put("a/3", nil, nil), ErrClosed)
	_, err = m.List("")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, m.Len())
}

func TestJSONRecords(t *testing.T) {
	type record struct {
		SessionID string            `json:"sessionId"`
		Factors   map[string]string `json:"factors"`
	}

	m := NewMemory()
	key := Namespaced("/mpckit/", "store")
	assert.Equal(t, "mpckit/store", key)
	assert.Equal(t, "store", Namespaced("", "store"))

	var out record
	found, err := GetJSON(m, key, &out)
	require.NoError(t, err)
	assert.False(t, found)

	in := record{SessionID: "abc", Factors: map[string]string{"x": "y"}}
	require.NoError(t, PutJSON(m, key, in))

	found, err = GetJSON(m, key, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)

	require.NoError(t, m.Put(key, []byte("{not json"), nil))
	_, err = GetJSON(m, key, &out)
	assert.ErrorIs(t, err, ErrInvalidData)
}
