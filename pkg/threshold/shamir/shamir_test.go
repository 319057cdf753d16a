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

package shamir

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSplitCombine_TwoOfTwo(t *testing.T) {
	key := randomKey(t)

	shares, err := Split(key, 2, 2, "02abc")
	require.NoError(t, err)
	require.Len(t, shares, 2)

	for i, share := range shares {
		assert.Equal(t, i+1, share.Index)
		assert.Equal(t, "02abc", share.Group)
		assert.NoError(t, share.Validate())
	}

	got, err := Combine([]*Share{shares[1], shares[0]})
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestCombine_DifferentSubsets(t *testing.T) {
	key := randomKey(t)
	shares, err := Split(key, 3, 5, "g")
	require.NoError(t, err)

	subsets := [][]int{{0, 1, 2}, {0, 2, 4}, {1, 3, 4}, {0, 1, 2, 3, 4}}
	for _, idx := range subsets {
		subset := make([]*Share, len(idx))
		for i, j := range idx {
			subset[i] = shares[j]
		}
		got, err := Combine(subset)
		require.NoError(t, err)
		assert.Equal(t, key, got, "subset %v", idx)
	}
}

func TestCombine_InsufficientShares(t *testing.T) {
	shares, err := Split(randomKey(t), 2, 2, "g")
	require.NoError(t, err)

	_, err = Combine(shares[:1])
	assert.ErrorIs(t, err, ErrInsufficientShares)

	_, err = Combine(nil)
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestCombine_GroupMismatch(t *testing.T) {
	a, err := Split(randomKey(t), 2, 2, "account-a")
	require.NoError(t, err)
	b, err := Split(randomKey(t), 2, 2, "account-b")
	require.NoError(t, err)

	_, err = Combine([]*Share{a[0], b[1]})
	assert.ErrorIs(t, err, ErrGroupMismatch)
}

func TestSplit_ParameterValidation(t *testing.T) {
	tests := []struct {
		name      string
		secret    []byte
		threshold int
		total     int
	}{
		{name: "threshold too low", secret: []byte("s"), threshold: 1, total: 2},
		{name: "total below threshold", secret: []byte("s"), threshold: 3, total: 2},
		{name: "too many shares", secret: []byte("s"), threshold: 2, total: 256},
		{name: "empty secret", secret: nil, threshold: 2, total: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.secret, tt.threshold, tt.total, "g")
			assert.Error(t, err)
		})
	}
}

func TestShare_Validate(t *testing.T) {
	valid := Share{Index: 1, Threshold: 2, Total: 2, Group: "g", Value: "dmFsdWU="}

	tests := []struct {
		name    string
		mutate  func(s *Share)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Share) {}},
		{name: "zero index", mutate: func(s *Share) { s.Index = 0 }, wantErr: true},
		{name: "index above total", mutate: func(s *Share) { s.Index = 3 }, wantErr: true},
		{name: "threshold one", mutate: func(s *Share) { s.Threshold = 1 }, wantErr: true},
		{name: "total below threshold", mutate: func(s *Share) { s.Total = 1 }, wantErr: true},
		{name: "empty value", mutate: func(s *Share) { s.Value = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	var nilShare *Share
	assert.Error(t, nilShare.Validate())
}

func TestShare_JSONRoundTrip(t *testing.T) {
	key := randomKey(t)
	shares, err := Split(key, 2, 2, "g")
	require.NoError(t, err)

	data, err := json.Marshal(shares[0])
	require.NoError(t, err)

	var decoded Share
	require.NoError(t, json.Unmarshal(data, &decoded))

	got, err := Combine([]*Share{&decoded, shares[1]})
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestShare_StringHidesValue(t *testing.T) {
	s := &Share{Index: 1, Threshold: 2, Total: 2, Group: "g", Value: "c2VjcmV0"}
	assert.NotContains(t, s.String(), "c2VjcmV0")
}

func TestVerifyShare(t *testing.T) {
	shares, err := Split(randomKey(t), 2, 3, "g")
	require.NoError(t, err)

	assert.NoError(t, VerifyShare(shares[0], shares[1:]))
	assert.Error(t, VerifyShare(shares[0], []*Share{shares[0]}))

	other, err := Split(randomKey(t), 2, 3, "h")
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyShare(shares[0], other[1:2]), ErrGroupMismatch)
}
