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

package curve

import (
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func curves() []Curve {
	return []Curve{Secp256k1(), Ed25519()}
}

func TestScalarBaseMultMatchesLibraries(t *testing.T) {
	t.Run("secp256k1", func(t *testing.T) {
		k, err := RandomScalar(Secp256k1(), rand.Reader)
		require.NoError(t, err)

		priv := PrivateKey(k)
		want := priv.PubKey().SerializeCompressed()
		got := Secp256k1().ScalarBaseMult(k).Bytes()
		assert.Equal(t, want, got)
	})

	t.Run("ed25519", func(t *testing.T) {
		seed := make([]byte, 32)
		_, err := rand.Read(seed)
		require.NoError(t, err)

		k, err := Ed25519SeedScalar(seed)
		require.NoError(t, err)

		want := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		got := Ed25519().ScalarBaseMult(k).Bytes()
		assert.Equal(t, []byte(want), got)
	})
}

func TestPointRoundTrip(t *testing.T) {
	for _, c := range curves() {
		t.Run(c.Name(), func(t *testing.T) {
			k, err := RandomScalar(c, nil)
			require.NoError(t, err)

			p := c.ScalarBaseMult(k)
			decoded, err := DecodePointHex(c, PointHex(p))
			require.NoError(t, err)
			assert.True(t, p.Equal(decoded))

			enc := c.EncodeScalar(k)
			assert.Len(t, enc, c.ScalarLen())
			back, err := c.DecodeScalar(enc)
			require.NoError(t, err)
			assert.Equal(t, 0, k.Cmp(back))
		})
	}
}

func TestSecpDecodeUncompressed(t *testing.T) {
	k := big.NewInt(12345)
	p := Secp256k1().ScalarBaseMult(k).(*SecpPoint)

	decoded, err := Secp256k1().DecodePoint(p.Uncompressed())
	require.NoError(t, err)
	assert.True(t, p.Equal(decoded))
	assert.Len(t, p.X(), 32)
}

func TestAddIdentity(t *testing.T) {
	for _, c := range curves() {
		t.Run(c.Name(), func(t *testing.T) {
			p := c.ScalarBaseMult(big.NewInt(7))

			sum, err := c.Add(p, c.Identity())
			require.NoError(t, err)
			assert.True(t, p.Equal(sum))

			neg := new(big.Int).Sub(c.Order(), big.NewInt(7))
			zero, err := c.Add(p, c.ScalarBaseMult(neg))
			require.NoError(t, err)
			assert.True(t, zero.Equal(c.Identity()))
		})
	}
}

func TestParseHexScalar(t *testing.T) {
	c := Secp256k1()
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "padded", input: HexScalar(big.NewInt(42))},
		{name: "short", input: "2a"},
		{name: "prefixed", input: "0x2a"},
		{name: "zero", input: HexScalar(big.NewInt(0)), wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "not hex", input: "zz", wantErr: true},
		{name: "order", input: HexScalar(c.Order()), wantErr: true},
		{name: "too long", input: "00" + HexScalar(big.NewInt(1)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseHexScalar(c, tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScalar)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(42), k.Int64())
		})
	}
}

func TestHexScalarLength(t *testing.T) {
	assert.Len(t, HexScalar(big.NewInt(1)), 64)
	assert.Len(t, HexScalar(new(big.Int).Sub(Secp256k1().Order(), big.NewInt(1))), 64)
}

func TestByName(t *testing.T) {
	c, err := ByName("SECP256K1")
	require.NoError(t, err)
	assert.Equal(t, "secp256k1", c.Name())

	c, err = ByName("ed25519")
	require.NoError(t, err)
	assert.Equal(t, "ed25519", c.Name())

	_, err = ByName("p256")
	assert.Error(t, err)
}

func TestCurveMismatch(t *testing.T) {
	p := Ed25519().ScalarBaseMult(big.NewInt(3))
	_, err := Secp256k1().Add(Secp256k1().Identity(), p)
	assert.ErrorIs(t, err, ErrCurveMismatch)

	_, err = Ed25519().ScalarMult(Secp256k1().ScalarBaseMult(big.NewInt(3)), big.NewInt(2))
	assert.ErrorIs(t, err, ErrCurveMismatch)
}

func TestPublicKeyConversion(t *testing.T) {
	p := Secp256k1().ScalarBaseMult(big.NewInt(99)).(*SecpPoint)
	pub, err := p.PublicKey()
	require.NoError(t, err)

	parsed, err := btcec.ParsePubKey(p.Bytes())
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(parsed))

	_, err = Secp256k1().Identity().(*SecpPoint).PublicKey()
	assert.ErrorIs(t, err, ErrInvalidPoint)
}
