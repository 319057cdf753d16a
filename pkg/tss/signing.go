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
	"fmt"
	"math/big"
)

// ECDSASignature is a secp256k1 signature with its recovery id.
type ECDSASignature struct {
	R             *big.Int
	S             *big.Int
	RecoveryParam byte
}

// Bytes encodes the signature as r || s || v, 65 bytes.
func (s *ECDSASignature) Bytes() []byte {
	out := make([]byte, 65)
	s.R.FillBytes(out[:32])
	s.S.FillBytes(out[32:64])
	out[64] = s.RecoveryParam
	return out
}

// DKLSParams describes one client party of a DKLS signing session.
type DKLSParams struct {
	Account     AccountID
	Nonce       int
	Endpoints   []Endpoint
	ClientIndex int

	// Share is the client's additive share: its coefficient times its
	// TSS share plus the account offset
	Share *big.Int

	// ServerCoefficients weight each endpoint's node share, in endpoint order
	ServerCoefficients []*big.Int

	// PubKey is the SEC1 compressed key the signature must verify under
	PubKey []byte

	Signatures []string
}

// DKLSClientFactory connects DKLS clients to the sampled nodes.
type DKLSClientFactory interface {
	// NewClient opens connections to params.Endpoints. It must honour
	// ctx cancellation and release anything it opened on failure.
	NewClient(ctx context.Context, params *DKLSParams) (DKLSClient, error)
}

// DKLSClient is one client side DKLS session.
type DKLSClient interface {
	// Precompute runs the message independent rounds.
	Precompute(ctx context.Context) error

	// Ready reports whether Precompute completed and is still usable.
	Ready() bool

	// Sign signs a 32 byte hash with the precomputed material. The
	// material is consumed.
	Sign(ctx context.Context, hash []byte) (*ECDSASignature, error)

	// Cleanup closes the node connections.
	Cleanup(ctx context.Context) error
}

// FROSTRequest describes one ed25519 signing session.
type FROSTRequest struct {
	Account     AccountID
	Nonce       int
	Endpoints   []Endpoint
	ClientIndex int

	// Share is the client's additive share
	Share *big.Int

	// ServerCoefficients weight each endpoint's node share
	ServerCoefficients []*big.Int

	// PubKey is the 32 byte ed25519 public key
	PubKey []byte

	Message    []byte
	Signatures []string
}

// FROSTSigner runs the FROST protocol with the sampled nodes.
type FROSTSigner interface {
	// Sign returns a 64 byte ed25519 signature of req.Message.
	Sign(ctx context.Context, req *FROSTRequest) ([]byte, error)
}

// SigningLib is a loaded signing backend.
type SigningLib struct {
	DKLS  DKLSClientFactory
	FROST FROSTSigner
}

// Loader loads a signing backend on first use.
type Loader func(ctx context.Context) (*SigningLib, error)

// SigningBackend is either a lazily loaded or a preloaded SigningLib.
// The zero value has neither.
type SigningBackend struct {
	loader Loader
	lib    *SigningLib
}

// Lazy returns a backend resolved by calling loader.
func Lazy(loader Loader) SigningBackend {
	return SigningBackend{loader: loader}
}

// Preloaded returns a backend that resolves to lib.
func Preloaded(lib *SigningLib) SigningBackend {
	return SigningBackend{lib: lib}
}

// IsZero reports whether the backend is unset.
func (b SigningBackend) IsZero() bool {
	return b.loader == nil && b.lib == nil
}

// Resolve returns the signing library, loading it if needed.
func (b SigningBackend) Resolve(ctx context.Context) (*SigningLib, error) {
	switch {
	case b.lib != nil:
		return b.lib, nil
	case b.loader != nil:
		lib, err := b.loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if lib == nil {
			return nil, ErrBackendUnavailable
		}
		return lib, nil
	}
	return nil, ErrBackendUnavailable
}

// Supports reports whether lib can sign for keyType.
func (l *SigningLib) Supports(keyType KeyType) bool {
	switch keyType {
	case KeySecp256k1:
		return l.DKLS != nil
	case KeyEd25519:
		return l.FROST != nil
	}
	return false
}
