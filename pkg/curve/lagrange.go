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
	"errors"
	"fmt"
	"math/big"
)

// ServerIndex is the x-coordinate of the server group share in the
// outer (client vs servers) polynomial.
const ServerIndex = 1

var (
	// ErrEmptyIndexes indicates no share indexes were supplied
	ErrEmptyIndexes = errors.New("curve: no share indexes")

	// ErrDuplicateIndex indicates a share index appears more than once
	ErrDuplicateIndex = errors.New("curve: duplicate share index")

	// ErrIndexNotFound indicates the requested index is not in the set
	ErrIndexNotFound = errors.New("curve: index not in share set")

	// ErrIndexCollision indicates the client x-coordinate collides with
	// the server group x-coordinate
	ErrIndexCollision = errors.New("curve: client index collides with server index")

	// ErrLengthMismatch indicates xs and ys have different lengths
	ErrLengthMismatch = errors.New("curve: mismatched share set lengths")
)

func checkIndexes(xs []int) error {
	if len(xs) == 0 {
		return ErrEmptyIndexes
	}
	seen := make(map[int]struct{}, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, x)
		}
		seen[x] = struct{}{}
	}
	return nil
}

// Fraction returns a/b mod order.
func Fraction(c Curve, a, b *big.Int) (*big.Int, error) {
	n := c.Order()
	den := new(big.Int).Mod(b, n)
	if den.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero denominator", ErrInvalidScalar)
	}
	inv := new(big.Int).ModInverse(den, n)
	out := new(big.Int).Mul(a, inv)
	return out.Mod(out, n), nil
}

// LagrangeCoefficient returns the coefficient for xs[i] when
// interpolating the polynomial through xs at target.
func LagrangeCoefficient(c Curve, xs []int, i int, target int) (*big.Int, error) {
	if err := checkIndexes(xs); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(xs) {
		return nil, fmt.Errorf("%w: position %d", ErrIndexNotFound, i)
	}
	n := c.Order()
	num := big.NewInt(1)
	den := big.NewInt(1)
	xi := big.NewInt(int64(xs[i]))
	t := big.NewInt(int64(target))
	for j, x := range xs {
		if j == i {
			continue
		}
		xj := big.NewInt(int64(x))
		num.Mul(num, new(big.Int).Sub(t, xj))
		num.Mod(num, n)
		den.Mul(den, new(big.Int).Sub(xi, xj))
		den.Mod(den, n)
	}
	return Fraction(c, num, den)
}

// LagrangeCoefficientFor returns the coefficient of the share at index x.
func LagrangeCoefficientFor(c Curve, xs []int, x int, target int) (*big.Int, error) {
	for i, v := range xs {
		if v == x {
			return LagrangeCoefficient(c, xs, i, target)
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrIndexNotFound, x)
}

// LagrangeCoefficients returns the coefficient of every index in xs at
// target, in the order of xs.
func LagrangeCoefficients(c Curve, xs []int, target int) ([]*big.Int, error) {
	out := make([]*big.Int, len(xs))
	for i := range xs {
		l, err := LagrangeCoefficient(c, xs, i, target)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}

// LagrangeCoefficientsMulti returns, for each target, the coefficients of
// every index in xs. The result is indexed [target][index].
func LagrangeCoefficientsMulti(c Curve, xs []int, targets []int) ([][]*big.Int, error) {
	out := make([][]*big.Int, len(targets))
	for k, t := range targets {
		ls, err := LagrangeCoefficients(c, xs, t)
		if err != nil {
			return nil, err
		}
		out[k] = ls
	}
	return out, nil
}

// Interpolate evaluates the polynomial through (xs[i], ys[i]) at target.
func Interpolate(c Curve, xs []int, ys []*big.Int, target int) (*big.Int, error) {
	if len(xs) != len(ys) {
		return nil, ErrLengthMismatch
	}
	ls, err := LagrangeCoefficients(c, xs, target)
	if err != nil {
		return nil, err
	}
	n := c.Order()
	acc := new(big.Int)
	for i, l := range ls {
		acc.Add(acc, new(big.Int).Mul(l, ys[i]))
		acc.Mod(acc, n)
	}
	return acc, nil
}

// InterpolatePoints evaluates the committed polynomial through
// (xs[i], points[i]) at target.
func InterpolatePoints(c Curve, xs []int, points []Point, target int) (Point, error) {
	if len(xs) != len(points) {
		return nil, ErrLengthMismatch
	}
	ls, err := LagrangeCoefficients(c, xs, target)
	if err != nil {
		return nil, err
	}
	acc := c.Identity()
	for i, l := range ls {
		term, err := c.ScalarMult(points[i], l)
		if err != nil {
			return nil, err
		}
		if acc, err = c.Add(acc, term); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// ClientServerCoefficients splits the signing key into additive weights.
// The outer polynomial passes through the server group share at
// ServerIndex and the client share at clientIndex. The server group share
// is itself shared among serverIndexes. The returned weights satisfy
//
//	key = client*clientShare + sum(servers[j]*serverShare[j])
func ClientServerCoefficients(c Curve, clientIndex int, serverIndexes []int) (*big.Int, []*big.Int, error) {
	if clientIndex == ServerIndex {
		return nil, nil, fmt.Errorf("%w: %d", ErrIndexCollision, clientIndex)
	}
	if clientIndex == 0 {
		return nil, nil, fmt.Errorf("%w: client index must be non-zero", ErrInvalidScalar)
	}
	outer := []int{ServerIndex, clientIndex}
	serverGroup, err := LagrangeCoefficient(c, outer, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	client, err := LagrangeCoefficient(c, outer, 1, 0)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range serverIndexes {
		if s == 0 {
			return nil, nil, fmt.Errorf("%w: server index must be non-zero", ErrInvalidScalar)
		}
	}
	inner, err := LagrangeCoefficients(c, serverIndexes, 0)
	if err != nil {
		return nil, nil, err
	}
	n := c.Order()
	servers := make([]*big.Int, len(inner))
	for i, l := range inner {
		w := new(big.Int).Mul(serverGroup, l)
		servers[i] = w.Mod(w, n)
	}
	return client, servers, nil
}

// DKLSCoefficient returns the additive weight of one DKLS party: the
// client when isUser is set, otherwise the server at serverIndex.
func DKLSCoefficient(c Curve, isUser bool, serverIndexes []int, userIndex, serverIndex int) (*big.Int, error) {
	client, servers, err := ClientServerCoefficients(c, userIndex, serverIndexes)
	if err != nil {
		return nil, err
	}
	if isUser {
		return client, nil
	}
	for i, s := range serverIndexes {
		if s == serverIndex {
			return servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: server %d", ErrIndexNotFound, serverIndex)
}
