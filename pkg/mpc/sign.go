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
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"golang.org/x/crypto/sha3"
)

// SignOption configures Sign.
type SignOption func(*signConfig)

type signConfig struct {
	hashed      bool
	precomputed *PrecomputedSession
}

// WithHashed marks the data as an already computed 32 byte hash.
// secp256k1 only.
func WithHashed() SignOption {
	return func(c *signConfig) { c.hashed = true }
}

// WithPrecomputed signs with a session from PrecomputeSession. If that
// session fails, Sign retries once with a fresh session.
func WithPrecomputed(s *PrecomputedSession) SignOption {
	return func(c *signConfig) { c.precomputed = s }
}

// PrecomputedSession is a DKLS session whose message independent rounds
// have run. It is consumed by one Sign call.
type PrecomputedSession struct {
	client tss.DKLSClient
}

// Ready reports whether the session can still sign.
func (p *PrecomputedSession) Ready() bool {
	return p != nil && p.client != nil && p.client.Ready()
}

// Close releases the session's node connections.
func (p *PrecomputedSession) Close(ctx context.Context) error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Cleanup(ctx)
}

// signer is the state a signature needs, captured under the engine lock.
type signer struct {
	account      tss.AccountID
	nonce        int
	index        int
	share        *big.Int
	tssPub       []byte
	accountIndex int
	signatures   []string
}

func (e *Engine) snapshotSigner(ctx context.Context) (*signer, *tss.SigningLib, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return nil, nil, err
	}
	if len(e.state.Signatures) == 0 {
		return nil, nil, ErrMissingSignatures
	}
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &signer{
		account:      e.accountID(),
		nonce:        acct.TSSNonce,
		index:        int(e.state.TSSShareIndex),
		share:        new(big.Int).Set(e.state.TSSShare),
		tssPub:       append([]byte(nil), e.state.TSSPubKey...),
		accountIndex: e.state.AccountIndex,
		signatures:   append([]string(nil), e.state.Signatures...),
	}, e.lib, nil
}

// sample picks ServerThreshold endpoints at random.
func (e *Engine) sample() ([]tss.Endpoint, error) {
	all := e.opts.Nodes.Endpoints()
	if len(all) < e.opts.ServerThreshold {
		return nil, fmt.Errorf("%w: %d endpoints, need %d", ErrNoNodeEndpoints, len(all), e.opts.ServerThreshold)
	}
	eps := append([]tss.Endpoint(nil), all...)
	for i := len(eps) - 1; i > 0; i-- {
		j, err := rand.Int(e.opts.Random, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		eps[i], eps[j.Int64()] = eps[j.Int64()], eps[i]
	}
	return eps[:e.opts.ServerThreshold], nil
}

func endpointIndexes(eps []tss.Endpoint) []int {
	out := make([]int, len(eps))
	for i, ep := range eps {
		out[i] = ep.Index
	}
	return out
}

// PrecomputeSession opens a DKLS session and runs its precompute
// rounds. secp256k1 only.
func (e *Engine) PrecomputeSession(ctx context.Context) (s *PrecomputedSession, err error) {
	ctx = opContext(ctx, metrics.OpPrecompute)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpPrecompute, start, err) }()

	if e.opts.KeyType != tss.KeySecp256k1 {
		return nil, fmt.Errorf("%w: precompute for %s", ErrUnsupported, e.opts.KeyType)
	}
	sg, lib, err := e.snapshotSigner(ctx)
	if err != nil {
		return nil, err
	}
	client, err := e.openDKLS(ctx, lib, sg)
	if err != nil {
		return nil, err
	}
	return &PrecomputedSession{client: client}, nil
}

// openDKLS connects a DKLS client under the connect timeout and runs
// precompute. The client is cleaned up on any failure.
func (e *Engine) openDKLS(ctx context.Context, lib *tss.SigningLib, sg *signer) (tss.DKLSClient, error) {
	c := e.curve
	eps, err := e.sample()
	if err != nil {
		return nil, err
	}
	client, servers, err := curve.ClientServerCoefficients(c, sg.index, endpointIndexes(eps))
	if err != nil {
		return nil, err
	}
	share := new(big.Int).Mul(client, sg.share)
	share.Add(share, accountOffset(sg.tssPub, sg.accountIndex))
	pub, err := derivedPub(c, sg.tssPub, sg.accountIndex)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	dkls, err := lib.DKLS.NewClient(connectCtx, &tss.DKLSParams{
		Account:            sg.account,
		Nonce:              sg.nonce,
		Endpoints:          eps,
		ClientIndex:        sg.index,
		Share:              curve.Mod(c, share),
		ServerCoefficients: servers,
		PubKey:             pub,
		Signatures:         sg.signatures,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("mpc: connect signing nodes: %w", err)
	}
	if err := dkls.Precompute(ctx); err != nil {
		e.cleanup(ctx, dkls)
		return nil, fmt.Errorf("mpc: precompute: %w", err)
	}
	if !dkls.Ready() {
		e.cleanup(ctx, dkls)
		return nil, tss.ErrSessionNotReady
	}
	return dkls, nil
}

func (e *Engine) cleanup(ctx context.Context, client tss.DKLSClient) {
	if err := client.Cleanup(context.WithoutCancel(ctx)); err != nil {
		e.logger.WarnContext(ctx, "dkls cleanup failed", logger.Error(err))
	}
}

func derivedPub(c curve.Curve, tssPub []byte, index int) ([]byte, error) {
	if index == 0 {
		return tssPub, nil
	}
	base, err := c.DecodePoint(tssPub)
	if err != nil {
		return nil, err
	}
	p, err := c.Add(base, c.ScalarBaseMult(accountOffset(tssPub, index)))
	if err != nil {
		return nil, err
	}
	return p.Bytes(), nil
}

// Sign signs data with the account key. secp256k1 signatures are 65
// bytes r || s || v over Keccak-256(data), or over data itself with
// WithHashed. ed25519 signatures are 64 bytes over data.
func (e *Engine) Sign(ctx context.Context, data []byte, opts ...SignOption) (sig []byte, err error) {
	ctx = opContext(ctx, metrics.OpSign)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpSign, start, err) }()

	cfg := &signConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if e.opts.KeyType == tss.KeyEd25519 {
		return e.signEd25519(ctx, data, cfg)
	}
	return e.signSecp256k1(ctx, data, cfg)
}

func (e *Engine) signSecp256k1(ctx context.Context, data []byte, cfg *signConfig) ([]byte, error) {
	hash := data
	if cfg.hashed {
		if len(data) != 32 {
			return nil, ErrInvalidMessage
		}
	} else {
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		hash = h.Sum(nil)
	}
	sg, lib, err := e.snapshotSigner(ctx)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if cfg.precomputed != nil {
		attempts = 2
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var client tss.DKLSClient
		if attempt == 0 && cfg.precomputed != nil {
			client = cfg.precomputed.client
			cfg.precomputed.client = nil
		}
		if client == nil {
			if client, err = e.openDKLS(ctx, lib, sg); err != nil {
				return nil, err
			}
		}
		sig, err := e.dklsSign(ctx, client, hash)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if attempt+1 < attempts {
			metrics.RecordSigningRetry(string(e.opts.KeyType))
			e.logger.WarnContext(ctx, "precomputed session failed, retrying with a fresh session", logger.Error(err))
		}
	}
	return nil, lastErr
}

// dklsSign signs and always cleans the client up.
func (e *Engine) dklsSign(ctx context.Context, client tss.DKLSClient, hash []byte) ([]byte, error) {
	defer e.cleanup(ctx, client)
	if !client.Ready() {
		return nil, tss.ErrSessionNotReady
	}
	sig, err := client.Sign(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("mpc: dkls sign: %w", err)
	}
	return sig.Bytes(), nil
}

func (e *Engine) signEd25519(ctx context.Context, data []byte, cfg *signConfig) ([]byte, error) {
	if cfg.hashed {
		return nil, fmt.Errorf("%w: ed25519 does not sign pre-hashed messages", ErrUnsupported)
	}
	if cfg.precomputed != nil {
		return nil, fmt.Errorf("%w: ed25519 has no precomputed sessions", ErrUnsupported)
	}
	sg, lib, err := e.snapshotSigner(ctx)
	if err != nil {
		return nil, err
	}
	if sg.accountIndex != 0 {
		return nil, fmt.Errorf("%w: ed25519 account index", ErrUnsupported)
	}

	c := e.curve
	eps, err := e.sample()
	if err != nil {
		return nil, err
	}
	client, servers, err := curve.ClientServerCoefficients(c, sg.index, endpointIndexes(eps))
	if err != nil {
		return nil, err
	}

	signCtx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()
	sig, err := lib.FROST.Sign(signCtx, &tss.FROSTRequest{
		Account:            sg.account,
		Nonce:              sg.nonce,
		Endpoints:          eps,
		ClientIndex:        sg.index,
		Share:              curve.Mod(c, new(big.Int).Mul(client, sg.share)),
		ServerCoefficients: servers,
		PubKey:             sg.tssPub,
		Message:            data,
		Signatures:         sg.signatures,
	})
	if err != nil {
		return nil, fmt.Errorf("mpc: frost sign: %w", err)
	}
	return sig, nil
}
