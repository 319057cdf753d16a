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
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evalPoly evaluates coeffs[0] + coeffs[1]*x + ... mod order.
func evalPoly(c Curve, coeffs []*big.Int, x int) *big.Int {
	acc := new(big.Int)
	pow := big.NewInt(1)
	bx := big.NewInt(int64(x))
	for _, a := range coeffs {
		acc.Add(acc, new(big.Int).Mul(a, pow))
		pow.Mul(pow, bx)
	}
	return acc.Mod(acc, c.Order())
}

func randomPoly(t *testing.T, c Curve, degree int) []*big.Int {
	coeffs := make([]*big.Int, degree+1)
	for i := range coeffs {
		k, err := RandomScalar(c, nil)
		require.NoError(t, err)
		coeffs[i] = k
	}
	return coeffs
}

func TestThresholdCorrectness(t *testing.T) {
	subsets := [][]int{
		{1, 2, 3},
		{2, 4, 5},
		{1, 3, 5},
		{3, 4, 5},
		{1, 2, 3, 4, 5},
	}
	for _, c := range curves() {
		t.Run(c.Name(), func(t *testing.T) {
			poly := randomPoly(t, c, 2)
			for _, xs := range subsets {
				ys := make([]*big.Int, len(xs))
				for i, x := range xs {
					ys[i] = evalPoly(c, poly, x)
				}
				secret, err := Interpolate(c, xs, ys, 0)
				require.NoError(t, err)
				assert.Equal(t, 0, secret.Cmp(Mod(c, poly[0])), "subset %v", xs)

				at7, err := Interpolate(c, xs, ys, 7)
				require.NoError(t, err)
				assert.Equal(t, 0, at7.Cmp(evalPoly(c, poly, 7)))
			}
		})
	}
}

func TestInterpolatePoints(t *testing.T) {
	for _, c := range curves() {
		t.Run(c.Name(), func(t *testing.T) {
			poly := randomPoly(t, c, 1)
			xs := []int{2, 3}
			points := []Point{
				c.ScalarBaseMult(evalPoly(c, poly, 2)),
				c.ScalarBaseMult(evalPoly(c, poly, 3)),
			}
			got, err := InterpolatePoints(c, xs, points, 0)
			require.NoError(t, err)
			assert.True(t, got.Equal(c.ScalarBaseMult(poly[0])))
		})
	}
}

func TestLagrangeCoefficientErrors(t *testing.T) {
	c := Secp256k1()
	tests := []struct {
		name    string
		xs      []int
		i       int
		wantErr error
	}{
		{name: "empty", xs: nil, i: 0, wantErr: ErrEmptyIndexes},
		{name: "duplicate", xs: []int{1, 2, 2}, i: 0, wantErr: ErrDuplicateIndex},
		{name: "out of range", xs: []int{1, 2}, i: 2, wantErr: ErrIndexNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LagrangeCoefficient(c, tt.xs, tt.i, 0)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := LagrangeCoefficientFor(c, []int{1, 2}, 3, 0)
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestLagrangeCoefficientsMulti(t *testing.T) {
	c := Ed25519()
	xs := []int{1, 2}
	targets := []int{0, 3}

	multi, err := LagrangeCoefficientsMulti(c, xs, targets)
	require.NoError(t, err)
	require.Len(t, multi, 2)

	for k, target := range targets {
		single, err := LagrangeCoefficients(c, xs, target)
		require.NoError(t, err)
		assert.Equal(t, single, multi[k])
	}

	// at x=0 through {1,2}: l1 = 2, l2 = -1
	assert.Equal(t, int64(2), multi[0][0].Int64())
	assert.Equal(t, 0, multi[0][1].Cmp(new(big.Int).Sub(c.Order(), big.NewInt(1))))
}

func TestFraction(t *testing.T) {
	c := Secp256k1()
	f, err := Fraction(c, big.NewInt(6), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.Int64())

	_, err = Fraction(c, big.NewInt(1), c.Order())
	assert.ErrorIs(t, err, ErrInvalidScalar)
}

func TestClientServerCoefficients(t *testing.T) {
	for _, c := range curves() {
		t.Run(c.Name(), func(t *testing.T) {
			// server group secret shared 2-of-3 among nodes 1..3
			serverPoly := randomPoly(t, c, 1)
			s := serverPoly[0]

			// outer polynomial through (1, s) and (clientIndex, d)
			for _, clientIndex := range []int{2, 3} {
				x, err := RandomScalar(c, nil)
				require.NoError(t, err)
				outer := []*big.Int{x, new(big.Int)}
				// choose slope so that f(1) = s
				outer[1] = Mod(c, new(big.Int).Sub(s, x))
				d := evalPoly(c, outer, clientIndex)

				for _, subset := range [][]int{{1, 2}, {2, 3}, {1, 3}} {
					client, servers, err := ClientServerCoefficients(c, clientIndex, subset)
					require.NoError(t, err)
					require.Len(t, servers, len(subset))

					acc := new(big.Int).Mul(client, d)
					for i, j := range subset {
						acc.Add(acc, new(big.Int).Mul(servers[i], evalPoly(c, serverPoly, j)))
					}
					assert.Equal(t, 0, Mod(c, acc).Cmp(x), "client %d subset %v", clientIndex, subset)

					for i, j := range subset {
						w, err := DKLSCoefficient(c, false, subset, clientIndex, j)
						require.NoError(t, err)
						assert.Equal(t, 0, w.Cmp(servers[i]))
					}
					w, err := DKLSCoefficient(c, true, subset, clientIndex, 0)
					require.NoError(t, err)
					assert.Equal(t, 0, w.Cmp(client))
				}
			}
		})
	}
}

func TestClientServerCoefficientsRejectsCollision(t *testing.T) {
	c := Secp256k1()

	_, _, err := ClientServerCoefficients(c, ServerIndex, []int{1, 2})
	assert.ErrorIs(t, err, ErrIndexCollision)

	_, _, err = ClientServerCoefficients(c, 2, []int{1, 1})
	assert.ErrorIs(t, err, ErrDuplicateIndex)

	_, _, err = ClientServerCoefficients(c, 0, []int{1, 2})
	assert.ErrorIs(t, err, ErrInvalidScalar)

	_, err = DKLSCoefficient(c, false, []int{1, 2}, 2, 5)
	assert.ErrorIs(t, err, ErrIndexNotFound)
}
