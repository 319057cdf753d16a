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

package mpc

import (
	"math/big"

	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

// Status is the engine's position in the login state machine.
type Status int

const (
	// StatusNotInitialized means no identity is logged in
	StatusNotInitialized Status = iota

	// StatusInitialized means the account exists and reconstruction has
	// not been attempted yet
	StatusInitialized

	// StatusRequiredShare means a factor must be supplied with
	// InputFactorKey
	StatusRequiredShare

	// StatusLoggedIn means the key is reconstructed and a factor is active
	StatusLoggedIn
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "INITIALIZED"
	case StatusRequiredShare:
		return "REQUIRED_SHARE"
	case StatusLoggedIn:
		return "LOGGED_IN"
	}
	return "NOT_INITIALIZED"
}

// State is the engine's session state. Values are never mutated in
// place: transitions return a new State. The zero value is
// StatusNotInitialized.
type State struct {
	Status      Status
	PostboxKey  *big.Int
	UserInfo    identity.UserInfo
	Signatures  []string
	NodeIndexes []int

	// MetadataKey is known once a factor has been combined with the
	// social share
	MetadataKey    *big.Int
	MetadataPubKey string

	FactorKey     *big.Int
	TSSShareIndex tss.ShareType
	TSSShare      *big.Int
	TSSPubKey     []byte
	AccountIndex  int

	socialShare *shamir.Share
}

// withLogin starts a fresh state for an identity login result.
func withLogin(res *identity.Result) State {
	return State{
		Status:      StatusNotInitialized,
		PostboxKey:  new(big.Int).Set(res.PostboxKey),
		UserInfo:    res.UserInfo,
		Signatures:  append([]string(nil), res.Signatures...),
		NodeIndexes: append([]int(nil), res.NodeIndexes...),
	}
}

// initialized records the account's social share.
func (s State) initialized(metadataPub string, social *shamir.Share) State {
	s.Status = StatusInitialized
	s.MetadataPubKey = metadataPub
	s.socialShare = social
	s.MetadataKey = nil
	s.FactorKey = nil
	s.TSSShare = nil
	s.TSSShareIndex = 0
	s.TSSPubKey = nil
	return s
}

// requiredShare marks that no factor could be applied automatically.
func (s State) requiredShare() State {
	s.Status = StatusRequiredShare
	return s
}

// finalized activates a factor. The account index is always reset to
// the base account.
func (s State) finalized(metadataKey, factorKey *big.Int, index tss.ShareType, share *big.Int, tssPub []byte) State {
	s.Status = StatusLoggedIn
	s.MetadataKey = new(big.Int).Set(metadataKey)
	s.FactorKey = new(big.Int).Set(factorKey)
	s.TSSShareIndex = index
	s.TSSShare = new(big.Int).Set(share)
	s.TSSPubKey = append([]byte(nil), tssPub...)
	s.AccountIndex = 0
	return s
}

// withShare replaces the active factor's TSS share after a refresh.
func (s State) withShare(share *big.Int) State {
	s.TSSShare = new(big.Int).Set(share)
	return s
}

// withAccountIndex selects a derived account.
func (s State) withAccountIndex(index int) State {
	s.AccountIndex = index
	return s
}

// LoggedIn reports whether a factor is active.
func (s State) LoggedIn() bool {
	return s.Status == StatusLoggedIn
}
