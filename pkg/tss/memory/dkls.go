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

package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

type dklsFactory struct {
	nodes *Nodes
}

func (f *dklsFactory) NewClient(ctx context.Context, params *tss.DKLSParams) (tss.DKLSClient, error) {
	if params == nil || params.Share == nil {
		return nil, fmt.Errorf("%w: missing client share", ErrInvalidRequest)
	}
	if params.Account.KeyType != tss.KeySecp256k1 {
		return nil, fmt.Errorf("%w: dkls signs secp256k1 only", tss.ErrInvalidKeyType)
	}
	if err := f.nodes.cfg.Authorize(params.Signatures); err != nil {
		return nil, err
	}
	if err := f.nodes.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to signing nodes: %w", err)
	}

	f.nodes.mu.Lock()
	f.nodes.open++
	f.nodes.mu.Unlock()

	return &dklsClient{nodes: f.nodes, params: params}, nil
}

// presignature is the node side material of a precomputed session.
type presignature struct {
	serverPart *big.Int
	expires    time.Time
}

type dklsClient struct {
	nodes   *Nodes
	params  *tss.DKLSParams
	pre     *presignature
	cleaned bool
}

func (c *dklsClient) Precompute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cleaned {
		return errors.New("memory: dkls client closed")
	}
	part, err := c.nodes.serverPart(c.params.Account, c.params.Nonce, c.params.Endpoints, c.params.ServerCoefficients)
	if err != nil {
		return err
	}
	c.pre = &presignature{
		serverPart: part,
		expires:    c.nodes.cfg.Now().Add(c.nodes.cfg.SessionTTL),
	}
	return nil
}

func (c *dklsClient) Ready() bool {
	return !c.cleaned && c.pre != nil && c.nodes.cfg.Now().Before(c.pre.expires)
}

func (c *dklsClient) Sign(ctx context.Context, hash []byte) (*tss.ECDSASignature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cleaned || c.pre == nil {
		return nil, tss.ErrSessionNotReady
	}
	pre := c.pre
	c.pre = nil
	if !c.nodes.cfg.Now().Before(pre.expires) {
		return nil, tss.ErrSessionExpired
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: hash must be 32 bytes, got %d", ErrInvalidRequest, len(hash))
	}
	if !c.nodes.holds(c.params.Account, c.params.Nonce) {
		return nil, fmt.Errorf("%w: nonce %d", tss.ErrStaleNonce, c.params.Nonce)
	}

	key := curve.Mod(curve.Secp256k1(), new(big.Int).Add(pre.serverPart, c.params.Share))
	priv := curve.PrivateKey(key)
	if len(c.params.PubKey) > 0 && !bytes.Equal(priv.PubKey().SerializeCompressed(), c.params.PubKey) {
		return nil, errors.New("memory: client share does not match the account key")
	}

	compact := ecdsa.SignCompact(priv, hash, false)
	return &tss.ECDSASignature{
		R:             new(big.Int).SetBytes(compact[1:33]),
		S:             new(big.Int).SetBytes(compact[33:65]),
		RecoveryParam: compact[0] - 27,
	}, nil
}

func (c *dklsClient) Cleanup(ctx context.Context) error {
	if c.cleaned {
		return nil
	}
	c.cleaned = true
	c.pre = nil
	c.nodes.mu.Lock()
	c.nodes.open--
	c.nodes.mu.Unlock()
	return nil
}
