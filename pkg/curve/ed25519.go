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
	"crypto/sha512"
	"fmt"
	"math/big"

	"filippo.io/edwards25519"
)

const ed25519Name = "ed25519"

// ed25519 group order l = 2^252 + 27742317777372353535851937790883648493
var ed25519Order, _ = new(big.Int).SetString(
	"7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)

type ed25519Curve struct{}

var ed25519Instance = &ed25519Curve{}

// Ed25519 returns the edwards25519 prime order group. Points encode as
// 32 bytes and scalars as 32 little endian bytes.
func Ed25519() Curve {
	return ed25519Instance
}

// EdPoint is an edwards25519 group element.
type EdPoint struct {
	p *edwards25519.Point
}

// Bytes returns the 32 byte encoding.
func (p *EdPoint) Bytes() []byte {
	return p.p.Bytes()
}

// Equal reports group equality.
func (p *EdPoint) Equal(other Point) bool {
	o, ok := other.(*EdPoint)
	if !ok {
		return false
	}
	return p.p.Equal(o.p) == 1
}

// Element exposes the underlying edwards25519 point.
func (p *EdPoint) Element() *edwards25519.Point {
	return edwards25519.NewIdentityPoint().Set(p.p)
}

func (c *ed25519Curve) Name() string { return ed25519Name }

func (c *ed25519Curve) Order() *big.Int { return ed25519Order }

func (c *ed25519Curve) ScalarLen() int { return 32 }

// EdScalar converts a big integer into an edwards25519 scalar modulo l.
func EdScalar(k *big.Int) *edwards25519.Scalar {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(ed25519Instance.EncodeScalar(k))
	if err != nil {
		// EncodeScalar always reduces mod l
		panic(err)
	}
	return s
}

// EdScalarToInt converts an edwards25519 scalar into a big integer.
func EdScalarToInt(s *edwards25519.Scalar) *big.Int {
	return new(big.Int).SetBytes(reverse(s.Bytes()))
}

func (c *ed25519Curve) ScalarBaseMult(k *big.Int) Point {
	return &EdPoint{p: new(edwards25519.Point).ScalarBaseMult(EdScalar(k))}
}

func (c *ed25519Curve) ScalarMult(p Point, k *big.Int) (Point, error) {
	ep, ok := p.(*EdPoint)
	if !ok {
		return nil, ErrCurveMismatch
	}
	return &EdPoint{p: new(edwards25519.Point).ScalarMult(EdScalar(k), ep.p)}, nil
}

func (c *ed25519Curve) Add(a, b Point) (Point, error) {
	pa, ok := a.(*EdPoint)
	if !ok {
		return nil, ErrCurveMismatch
	}
	pb, ok := b.(*EdPoint)
	if !ok {
		return nil, ErrCurveMismatch
	}
	return &EdPoint{p: new(edwards25519.Point).Add(pa.p, pb.p)}, nil
}

func (c *ed25519Curve) Identity() Point {
	return &EdPoint{p: edwards25519.NewIdentityPoint()}
}

func (c *ed25519Curve) DecodePoint(b []byte) (Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return &EdPoint{p: p}, nil
}

func (c *ed25519Curve) EncodeScalar(k *big.Int) []byte {
	be := Mod(c, k).FillBytes(make([]byte, 32))
	return reverse(be)
}

func (c *ed25519Curve) DecodeScalar(b []byte) (*big.Int, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	return EdScalarToInt(s), nil
}

// Ed25519SeedScalar expands a 32 byte ed25519 seed into the clamped
// signing scalar, matching crypto/ed25519 key generation.
func Ed25519SeedScalar(seed []byte) (*big.Int, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("%w: ed25519 seed must be 32 bytes", ErrInvalidScalar)
	}
	h := sha512.Sum512(seed)
	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	return EdScalarToInt(s), nil
}
