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

// Package curve provides the scalar and point algebra shared by the
// threshold engine: a small Curve abstraction over secp256k1 and ed25519,
// Lagrange coefficients over share indexes, and the two-level
// client/server coefficient split used by the signing protocols.
//
// Scalars are carried as *big.Int reduced modulo the curve order. Points
// are opaque values produced and consumed by a Curve.
package curve

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

var (
	// ErrInvalidPoint indicates an encoded point could not be decoded
	ErrInvalidPoint = errors.New("curve: invalid point encoding")

	// ErrInvalidScalar indicates a scalar is zero, out of range or badly encoded
	ErrInvalidScalar = errors.New("curve: invalid scalar")

	// ErrCurveMismatch indicates a point from one curve was passed to another
	ErrCurveMismatch = errors.New("curve: point belongs to a different curve")
)

// Point is an element of a curve group.
type Point interface {
	// Bytes returns the canonical encoding of the point.
	Bytes() []byte

	// Equal reports whether both points are the same group element.
	Equal(other Point) bool
}

// Curve is the group abstraction used by the engine.
type Curve interface {
	// Name returns the curve name ("secp256k1" or "ed25519").
	Name() string

	// Order returns the prime order of the base point.
	Order() *big.Int

	// ScalarLen is the length in bytes of an encoded scalar.
	ScalarLen() int

	// ScalarBaseMult returns k*G.
	ScalarBaseMult(k *big.Int) Point

	// ScalarMult returns k*P.
	ScalarMult(p Point, k *big.Int) (Point, error)

	// Add returns a+b.
	Add(a, b Point) (Point, error)

	// Identity returns the neutral element.
	Identity() Point

	// DecodePoint parses an encoded point.
	DecodePoint(b []byte) (Point, error)

	// EncodeScalar returns the fixed length encoding of k mod order.
	EncodeScalar(k *big.Int) []byte

	// DecodeScalar parses a fixed length scalar encoding.
	DecodeScalar(b []byte) (*big.Int, error)
}

// Mod reduces k modulo the curve order into a fresh value.
func Mod(c Curve, k *big.Int) *big.Int {
	return new(big.Int).Mod(k, c.Order())
}

// RandomScalar draws a uniformly random non-zero scalar.
func RandomScalar(c Curve, random io.Reader) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	limit := new(big.Int).Sub(c.Order(), big.NewInt(1))
	k, err := rand.Int(random, limit)
	if err != nil {
		return nil, fmt.Errorf("curve: failed to generate scalar: %w", err)
	}
	return k.Add(k, big.NewInt(1)), nil
}

// SumPoints adds a list of points.
func SumPoints(c Curve, points ...Point) (Point, error) {
	acc := c.Identity()
	for _, p := range points {
		var err error
		if acc, err = c.Add(acc, p); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// HexScalar encodes a scalar as 64 big endian hex characters, zero padded.
func HexScalar(k *big.Int) string {
	return fmt.Sprintf("%064x", k)
}

// ParseHexScalar decodes a big endian hex scalar and checks it lies in
// [1, order).
func ParseHexScalar(c Curve, s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" || len(s) > 64 {
		return nil, fmt.Errorf("%w: expected up to 64 hex characters", ErrInvalidScalar)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	k := new(big.Int).SetBytes(b)
	if k.Sign() == 0 || k.Cmp(c.Order()) >= 0 {
		return nil, fmt.Errorf("%w: out of range", ErrInvalidScalar)
	}
	return k, nil
}

// PointHex returns the hex encoding of a point.
func PointHex(p Point) string {
	return hex.EncodeToString(p.Bytes())
}

// DecodePointHex parses a hex encoded point.
func DecodePointHex(c Curve, s string) (Point, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return c.DecodePoint(b)
}

// ByName returns the curve registered under name.
func ByName(name string) (Curve, error) {
	switch strings.ToLower(name) {
	case secp256k1Name:
		return Secp256k1(), nil
	case ed25519Name:
		return Ed25519(), nil
	default:
		return nil, fmt.Errorf("curve: unsupported curve %q", name)
	}
}

// reverse returns a reversed copy of b.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
