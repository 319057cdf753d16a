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

package tss

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyType(t *testing.T) {
	tests := []struct {
		in      string
		want    KeyType
		wantErr bool
	}{
		{in: "secp256k1", want: KeySecp256k1},
		{in: " ED25519 ", want: KeyEd25519},
		{in: "p256", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKeyType(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKeyType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			c, err := got.Curve()
			require.NoError(t, err)
			assert.Equal(t, string(got), c.Name())
		})
	}
}

func TestShareTypeValid(t *testing.T) {
	assert.True(t, ShareDevice.Valid())
	assert.True(t, ShareRecovery.Valid())
	for _, s := range []ShareType{0, 1, 4, -2} {
		assert.False(t, s.Valid(), "share type %d", s)
	}
	assert.Equal(t, "device", ShareDevice.String())
	assert.Equal(t, "ShareType(7)", ShareType(7).String())
}

func TestAccountIDDistinguishesKeyType(t *testing.T) {
	a := AccountID{Verifier: "v", VerifierID: "u1", Tag: "default", KeyType: KeySecp256k1}
	b := a
	b.KeyType = KeyEd25519
	assert.NotEqual(t, a.String(), b.String())
}

func TestECDSASignatureBytes(t *testing.T) {
	sig := &ECDSASignature{R: big.NewInt(1), S: big.NewInt(2), RecoveryParam: 1}
	out := sig.Bytes()
	require.Len(t, out, 65)
	assert.Equal(t, byte(1), out[31])
	assert.Equal(t, byte(2), out[63])
	assert.Equal(t, byte(1), out[64])
}

func TestSigningBackendResolve(t *testing.T) {
	ctx := context.Background()
	lib := &SigningLib{}

	var zero SigningBackend
	assert.True(t, zero.IsZero())
	_, err := zero.Resolve(ctx)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	got, err := Preloaded(lib).Resolve(ctx)
	require.NoError(t, err)
	assert.Same(t, lib, got)

	calls := 0
	lazy := Lazy(func(context.Context) (*SigningLib, error) {
		calls++
		return lib, nil
	})
	assert.False(t, lazy.IsZero())
	got, err = lazy.Resolve(ctx)
	require.NoError(t, err)
	assert.Same(t, lib, got)
	assert.Equal(t, 1, calls)

	failing := Lazy(func(context.Context) (*SigningLib, error) {
		return nil, errors.New("wasm not found")
	})
	_, err = failing.Resolve(ctx)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestSigningLibSupports(t *testing.T) {
	lib := &SigningLib{}
	assert.False(t, lib.Supports(KeySecp256k1))
	assert.False(t, lib.Supports(KeyEd25519))
}
