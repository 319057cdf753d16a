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

// Package tss defines the threshold signing collaborators the engine
// coordinates: the signing node cluster that holds the server share, the
// DKLS client used for secp256k1 ECDSA, and the FROST signer used for
// ed25519.
package tss

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
)

var (
	// ErrInvalidKeyType indicates an unsupported key type
	ErrInvalidKeyType = errors.New("tss: invalid key type")

	// ErrInvalidShareType indicates a share type outside the valid set
	ErrInvalidShareType = errors.New("tss: invalid share type")

	// ErrUnauthorized indicates the node signatures were missing or stale
	ErrUnauthorized = errors.New("tss: unauthorized")

	// ErrAccountNotFound indicates the nodes hold no key for the account
	ErrAccountNotFound = errors.New("tss: account not found")

	// ErrStaleNonce indicates a request for a key nonce the nodes no
	// longer hold
	ErrStaleNonce = errors.New("tss: stale nonce")

	// ErrSessionExpired indicates a precomputed signing session expired
	ErrSessionExpired = errors.New("tss: signing session expired")

	// ErrSessionNotReady indicates Sign was called before Precompute
	ErrSessionNotReady = errors.New("tss: signing session not ready")

	// ErrBackendUnavailable indicates the signing backend could not load
	ErrBackendUnavailable = errors.New("tss: signing backend unavailable")
)

// KeyType selects the signing curve.
type KeyType string

const (
	KeySecp256k1 KeyType = "secp256k1"
	KeyEd25519   KeyType = "ed25519"
)

// ParseKeyType parses a key type name case-insensitively.
func ParseKeyType(s string) (KeyType, error) {
	kt := KeyType(strings.ToLower(strings.TrimSpace(s)))
	if !kt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyType, s)
	}
	return kt, nil
}

// Valid reports whether k is supported.
func (k KeyType) Valid() bool {
	return k == KeySecp256k1 || k == KeyEd25519
}

// Curve returns the group of k.
func (k KeyType) Curve() (curve.Curve, error) {
	switch k {
	case KeySecp256k1:
		return curve.Secp256k1(), nil
	case KeyEd25519:
		return curve.Ed25519(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidKeyType, string(k))
}

func (k KeyType) String() string {
	return string(k)
}

// ShareType is the x-coordinate a factor's TSS share is evaluated at.
type ShareType int

const (
	ShareDevice   ShareType = 2
	ShareRecovery ShareType = 3
)

// ValidShareTypes lists every share type a factor may use.
var ValidShareTypes = []ShareType{ShareDevice, ShareRecovery}

// Valid reports whether s is in ValidShareTypes.
func (s ShareType) Valid() bool {
	for _, v := range ValidShareTypes {
		if s == v {
			return true
		}
	}
	return false
}

func (s ShareType) String() string {
	switch s {
	case ShareDevice:
		return "device"
	case ShareRecovery:
		return "recovery"
	}
	return fmt.Sprintf("ShareType(%d)", int(s))
}

// AccountID names the key held by the node cluster.
type AccountID struct {
	Verifier   string  `json:"verifier"`
	VerifierID string  `json:"verifierId"`
	Tag        string  `json:"tag"`
	KeyType    KeyType `json:"keyType"`
}

// String returns the canonical account string.
func (a AccountID) String() string {
	return a.Verifier + "\u001c" + a.VerifierID + "\u0015" + a.Tag + "\u0016" + string(a.KeyType)
}

// Endpoint is one signing node.
type Endpoint struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// DKGRequest asks the nodes to generate a fresh server share for an
// account at nonce 0 and return its commitment.
type DKGRequest struct {
	Account    AccountID
	Signatures []string
}

// RefreshRequest reshares the key held jointly by the client and the
// nodes. The client deals h_c(y) = a_c + r*y over its additive share a_c
// and sends h_c(ServerIndex); the nodes deal h_s the same way over their
// additive share and return h_s(t) for every target index.
type RefreshRequest struct {
	Account            AccountID
	Nonce              int
	ClientIndex        int
	ClientContribution *big.Int
	Targets            []int
	Signatures         []string
}

// RefreshResponse carries the node side of a refresh.
type RefreshResponse struct {
	// Nonce is the new key nonce. It is greater than every nonce the
	// account has used.
	Nonce int

	// ServerPubKey commits to the new server group share
	ServerPubKey curve.Point

	// Shares maps each target index to h_s(target)
	Shares map[int]*big.Int
}

// ImportRequest installs an externally generated server group share.
type ImportRequest struct {
	Account     AccountID
	ServerShare *big.Int
	Signatures  []string
}

// ExportRequest asks the nodes to reveal the server group share.
type ExportRequest struct {
	Account    AccountID
	Nonce      int
	Signatures []string
}

// PruneRequest drops every key nonce of an account below Keep.
type PruneRequest struct {
	Account    AccountID
	Keep       int
	Signatures []string
}

// Nodes is the signing node cluster. The server group share sits at
// curve.ServerIndex on the account polynomial and is itself threshold
// shared among the nodes. A refresh adds a nonce next to the ones the
// nodes already hold, so the nonce named by committed metadata stays
// usable until the client prunes the others.
type Nodes interface {
	// Endpoints lists every node.
	Endpoints() []Endpoint

	// Threshold is the number of nodes needed to sign.
	Threshold() int

	// DKGPublicKey generates the account's server share at nonce 0,
	// replacing any previous key, and returns its commitment.
	DKGPublicKey(ctx context.Context, req *DKGRequest) (curve.Point, error)

	// Refresh reshares the key held at req.Nonce into a new, never used
	// nonce. The nonce at req.Nonce stays valid.
	Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error)

	// Prune drops every nonce below req.Keep, the nonce named by
	// committed metadata. It fails with ErrStaleNonce, dropping
	// nothing, when Keep is not held.
	Prune(ctx context.Context, req *PruneRequest) error

	// ImportKey installs a server share at nonce 0, replacing any
	// previous key, and returns its commitment.
	ImportKey(ctx context.Context, req *ImportRequest) (curve.Point, error)

	// ExportShare returns the server group share at req.Nonce.
	ExportShare(ctx context.Context, req *ExportRequest) (*big.Int, error)
}
