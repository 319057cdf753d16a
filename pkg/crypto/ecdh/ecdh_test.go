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

package ecdh

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgreeIsSymmetric(t *testing.T) {
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ab, err := Agree(alice, bob.PubKey())
	require.NoError(t, err)
	ba, err := Agree(bob, alice.PubKey())
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Len(t, ab, 32)
}

func TestAgreeRejectsMissingKeys(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = Agree(nil, priv.PubKey())
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Agree(priv, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestExpand(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	tests := []struct {
		name    string
		secret  []byte
		length  int
		wantErr bool
	}{
		{name: "aes key", secret: secret, length: 32},
		{name: "short key", secret: secret, length: 16},
		{name: "empty secret", secret: nil, length: 32, wantErr: true},
		{name: "zero length", secret: secret, length: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Expand(tt.secret, nil, []byte("info"), tt.length)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, tt.length)
		})
	}

	a, err := Expand(secret, nil, []byte("a"), 32)
	require.NoError(t, err)
	b, err := Expand(secret, nil, []byte("b"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	salted, err := Expand(secret, []byte("salt"), []byte("a"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, salted)
}
