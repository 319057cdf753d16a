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
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/crypto/ecies"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

func (e *Engine) requireExport() error {
	if err := e.requireLoggedIn(); err != nil {
		return ErrNoActiveSession
	}
	if len(e.state.Signatures) == 0 {
		return ErrMissingSignatures
	}
	return nil
}

// UnsafeExportTSSKey reconstructs the full secp256k1 private key of the
// selected account index and returns it as 64 hex characters. Anyone
// holding the result controls the account.
func (e *Engine) UnsafeExportTSSKey(ctx context.Context) (key string, err error) {
	ctx = opContext(ctx, metrics.OpExport)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpExport, start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireExport(); err != nil {
		return "", err
	}
	if e.opts.KeyType != tss.KeySecp256k1 {
		return "", fmt.Errorf("%w: use UnsafeExportTSSEd25519Seed", ErrUnsupported)
	}
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return "", err
	}
	serverShare, err := e.opts.Nodes.ExportShare(ctx, &tss.ExportRequest{
		Account:    e.accountID(),
		Nonce:      acct.TSSNonce,
		Signatures: e.state.Signatures,
	})
	if err != nil {
		return "", fmt.Errorf("mpc: export server share: %w", err)
	}

	c := e.curve
	secret, err := curve.Interpolate(c,
		[]int{curve.ServerIndex, int(e.state.TSSShareIndex)},
		[]*big.Int{serverShare, e.state.TSSShare}, 0)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(c.ScalarBaseMult(secret).Bytes(), e.state.TSSPubKey) {
		return "", ErrKeyVerification
	}
	secret = curve.Mod(c, secret.Add(secret, accountOffset(e.state.TSSPubKey, e.state.AccountIndex)))
	e.logger.WarnContext(ctx, "tss key exported")
	return curve.HexScalar(secret), nil
}

// UnsafeExportTSSEd25519Seed returns the 32 byte ed25519 seed of the
// account.
func (e *Engine) UnsafeExportTSSEd25519Seed(ctx context.Context) (seed []byte, err error) {
	ctx = opContext(ctx, metrics.OpExport)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpExport, start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireExport(); err != nil {
		return nil, err
	}
	if e.opts.KeyType != tss.KeyEd25519 {
		return nil, fmt.Errorf("%w: seed export needs an ed25519 key", ErrUnsupported)
	}
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if len(acct.EncryptedSeed) == 0 {
		return nil, fmt.Errorf("%w: account has no stored seed", ErrUnsupported)
	}
	seed, err = ecies.Decrypt(curve.PrivateKey(e.state.MetadataKey), acct.EncryptedSeed,
		[]byte(metadata.StoreKey(e.state.MetadataKey)))
	if err != nil {
		return nil, fmt.Errorf("mpc: decrypt seed: %w", err)
	}
	scalar, err := curve.Ed25519SeedScalar(seed)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(e.curve.ScalarBaseMult(scalar).Bytes(), e.state.TSSPubKey) {
		return nil, ErrKeyVerification
	}
	e.logger.WarnContext(ctx, "ed25519 seed exported")
	return seed, nil
}
