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
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

const secp256k1Name = "secp256k1"

type secp256k1Curve struct{}

var secp256k1Instance = &secp256k1Curve{}

// Secp256k1 returns the secp256k1 curve. Points encode as SEC1
// compressed, and decoding accepts both compressed and uncompressed forms.
func Secp256k1() Curve {
	return secp256k1Instance
}

// SecpPoint is a secp256k1 group element in affine form.
type SecpPoint struct {
	p btcec.JacobianPoint
}

func (p *SecpPoint) isInfinity() bool {
	return (p.p.X.IsZero() && p.p.Y.IsZero()) || p.p.Z.IsZero()
}

// Bytes returns the SEC1 compressed encoding, or a single zero byte for
// the point at infinity.
func (p *SecpPoint) Bytes() []byte {
	if p.isInfinity() {
		return []byte{0x00}
	}
	return btcec.NewPublicKey(&p.p.X, &p.p.Y).SerializeCompressed()
}

// Uncompressed returns the 65 byte SEC1 uncompressed encoding.
func (p *SecpPoint) Uncompressed() []byte {
	if p.isInfinity() {
		return []byte{0x00}
	}
	return btcec.NewPublicKey(&p.p.X, &p.p.Y).SerializeUncompressed()
}

// X returns the big endian x coordinate.
func (p *SecpPoint) X() []byte {
	x := p.p.X.Bytes()
	return x[:]
}

// PublicKey converts the point into a btcec public key.
func (p *SecpPoint) PublicKey() (*btcec.PublicKey, error) {
	if p.isInfinity() {
		return nil, ErrInvalidPoint
	}
	return btcec.NewPublicKey(&p.p.X, &p.p.Y), nil
}

// Equal reports group equality.
func (p *SecpPoint) Equal(other Point) bool {
	o, ok := other.(*SecpPoint)
	if !ok {
		return false
	}
	if p.isInfinity() || o.isInfinity() {
		return p.isInfinity() && o.isInfinity()
	}
	return p.p.X.Equals(&o.p.X) && p.p.Y.Equals(&o.p.Y)
}

func newSecpPoint(j *btcec.JacobianPoint) *SecpPoint {
	out := &SecpPoint{}
	out.p.Set(j)
	if !out.p.Z.IsZero() {
		out.p.ToAffine()
	}
	return out
}

func (c *secp256k1Curve) Name() string { return secp256k1Name }

func (c *secp256k1Curve) Order() *big.Int { return btcec.S256().N }

func (c *secp256k1Curve) ScalarLen() int { return 32 }

// modN converts a big integer into a btcec scalar modulo the order.
func (c *secp256k1Curve) modN(k *big.Int) *btcec.ModNScalar {
	var s btcec.ModNScalar
	s.SetByteSlice(c.EncodeScalar(k))
	return &s
}

func (c *secp256k1Curve) ScalarBaseMult(k *big.Int) Point {
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(c.modN(k), &r)
	return newSecpPoint(&r)
}

func (c *secp256k1Curve) ScalarMult(p Point, k *big.Int) (Point, error) {
	sp, ok := p.(*SecpPoint)
	if !ok {
		return nil, ErrCurveMismatch
	}
	if sp.isInfinity() {
		return c.Identity(), nil
	}
	var r btcec.JacobianPoint
	btcec.ScalarMultNonConst(c.modN(k), &sp.p, &r)
	return newSecpPoint(&r), nil
}

func (c *secp256k1Curve) Add(a, b Point) (Point, error) {
	pa, ok := a.(*SecpPoint)
	if !ok {
		return nil, ErrCurveMismatch
	}
	pb, ok := b.(*SecpPoint)
	if !ok {
		return nil, ErrCurveMismatch
	}
	if pa.isInfinity() {
		return newSecpPoint(&pb.p), nil
	}
	if pb.isInfinity() {
		return newSecpPoint(&pa.p), nil
	}
	var r btcec.JacobianPoint
	btcec.AddNonConst(&pa.p, &pb.p, &r)
	return newSecpPoint(&r), nil
}

func (c *secp256k1Curve) Identity() Point {
	return &SecpPoint{}
}

func (c *secp256k1Curve) DecodePoint(b []byte) (Point, error) {
	if len(b) == 1 && b[0] == 0x00 {
		return c.Identity(), nil
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	out := &SecpPoint{}
	pub.AsJacobian(&out.p)
	return out, nil
}

func (c *secp256k1Curve) EncodeScalar(k *big.Int) []byte {
	return Mod(c, k).FillBytes(make([]byte, 32))
}

func (c *secp256k1Curve) DecodeScalar(b []byte) (*big.Int, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidScalar, len(b))
	}
	k := new(big.Int).SetBytes(b)
	if k.Cmp(c.Order()) >= 0 {
		return nil, fmt.Errorf("%w: not reduced", ErrInvalidScalar)
	}
	return k, nil
}

// PrivateKey converts a scalar into a btcec private key.
func PrivateKey(k *big.Int) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(secp256k1Instance.EncodeScalar(k))
	return priv
}
