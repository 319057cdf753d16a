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
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

// CreateFactorParams describes a new factor.
type CreateFactorParams struct {
	ShareType tss.ShareType

	// FactorKey is generated when nil.
	FactorKey *big.Int

	// Module names the factor in its share description. Defaults by
	// share type.
	Module string

	// Metadata is stored with the share description.
	Metadata map[string]string
}

// FactorKey is the active factor.
type FactorKey struct {
	Key       *big.Int
	ShareType tss.ShareType
}

// Hex returns the 64 hex character key.
func (f *FactorKey) Hex() string {
	return curve.HexScalar(f.Key)
}

// Pub returns the factor public key.
func (f *FactorKey) Pub() string {
	return metadata.StoreKey(f.Key)
}

// InputFactorKey applies a factor: it reconstructs the metadata key,
// decrypts and validates the factor's TSS share and activates it.
// Applying the active factor again succeeds.
func (e *Engine) InputFactorKey(ctx context.Context, factorKey *big.Int) (err error) {
	ctx = opContext(ctx, metrics.OpInputFactor)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpInputFactor, start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReady(); err != nil {
		return err
	}
	if e.state.Status == StatusNotInitialized {
		return ErrNotLoggedIn
	}
	if err := validFactorKey(factorKey); err != nil {
		return err
	}
	return e.inputFactor(ctx, factorKey, true)
}

// GetCurrentFactorKey returns the active factor.
func (e *Engine) GetCurrentFactorKey() (*FactorKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.LoggedIn() || e.state.FactorKey == nil {
		return nil, ErrNoActiveSession
	}
	return &FactorKey{
		Key:       new(big.Int).Set(e.state.FactorKey),
		ShareType: e.state.TSSShareIndex,
	}, nil
}

func (e *Engine) readSocial(ctx context.Context) (*socialRecord, error) {
	rec := &socialRecord{}
	if err := e.adapter.ReadJSON(ctx, e.state.PostboxKey, rec); err != nil {
		return nil, err
	}
	if rec.Share == nil || rec.MetadataPubKey == "" {
		return nil, fmt.Errorf("%w: incomplete social record", metadata.ErrKeyNotFound)
	}
	return rec, nil
}

func (e *Engine) readBackup(ctx context.Context, factorKey *big.Int) (*factorBackup, error) {
	pub := metadata.StoreKey(factorKey)
	backup := &factorBackup{}
	if err := e.adapter.ReadJSON(ctx, factorKey, backup); err != nil {
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return nil, factorError(pub, ErrFactorNotPresent)
		}
		return nil, fmt.Errorf("mpc: read factor backup: %w", err)
	}
	if backup.Share == nil || backup.MetadataPubKey != e.state.MetadataPubKey {
		return nil, factorError(pub, ErrInvalidFactor)
	}
	return backup, nil
}

// combineMetadataKey recovers the metadata key from the social share
// and a factor's backup share.
func (e *Engine) combineMetadataKey(share *shamir.Share) (*big.Int, error) {
	if e.state.socialShare == nil {
		return nil, ErrNotLoggedIn
	}
	raw, err := shamir.Combine([]*shamir.Share{e.state.socialShare, share})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFactor, err)
	}
	k, err := curve.Secp256k1().DecodeScalar(raw)
	if err != nil || k.Sign() == 0 {
		return nil, fmt.Errorf("%w: bad metadata key", ErrInvalidFactor)
	}
	if metadata.StoreKey(k) != e.state.MetadataPubKey {
		return nil, fmt.Errorf("%w: metadata key mismatch", ErrInvalidFactor)
	}
	return k, nil
}

// inputFactor applies factorKey. Nothing in the session state changes
// until the share has been validated.
func (e *Engine) inputFactor(ctx context.Context, factorKey *big.Int, withSession bool) error {
	pub := metadata.StoreKey(factorKey)
	backup, err := e.readBackup(ctx, factorKey)
	if err != nil {
		return err
	}
	metadataKey := e.state.MetadataKey
	if metadataKey == nil {
		if metadataKey, err = e.combineMetadataKey(backup.Share); err != nil {
			return factorError(pub, err)
		}
	}
	acct, err := e.readAccount(ctx, metadataKey)
	if err != nil {
		return err
	}
	if acct.KeyType != e.opts.KeyType || acct.TSSTag != e.opts.TSSTag {
		return fmt.Errorf("%w: account is %s/%s", ErrInvalidKeyType, acct.KeyType, acct.TSSTag)
	}
	enc, ok := acct.FactorEncs[pub]
	if !ok || !acct.hasFactor(pub) {
		return factorError(pub, ErrFactorNotPresent)
	}
	share, err := decryptShare(e.curve, factorKey, pub, enc.Share)
	if err != nil {
		return factorError(pub, fmt.Errorf("%w: %v", ErrInvalidFactor, err))
	}
	tssPub, err := curve.DecodePointHex(e.curve, acct.TSSPubKey)
	if err != nil {
		return err
	}
	serverPub, err := curve.DecodePointHex(e.curve, acct.ServerPubKey)
	if err != nil {
		return err
	}
	if err := verifyShare(e.curve, serverPub, enc.TSSIndex, share, tssPub); err != nil {
		return factorError(pub, err)
	}
	e.finalize(ctx, metadataKey, factorKey, tss.ShareType(enc.TSSIndex), share, tssPub.Bytes(), len(acct.FactorPubs), withSession)
	return nil
}

// finalize activates a validated factor and queues its session.
func (e *Engine) finalize(ctx context.Context, metadataKey, factorKey *big.Int, index tss.ShareType, share *big.Int, tssPub []byte, factors int, withSession bool) {
	if e.state.AccountIndex != 0 {
		e.logger.WarnContext(ctx, "account index reset to base account",
			logger.Int("accountIndex", e.state.AccountIndex))
	}
	e.state = e.state.finalized(metadataKey, factorKey, index, share, tssPub)
	metrics.SetFactorsTotal(string(e.opts.KeyType), factors)
	if withSession {
		e.createSession(ctx)
	}
	e.logger.InfoContext(ctx, "factor applied",
		logger.String("factorPub", metadata.StoreKey(factorKey)),
		logger.String("shareType", index.String()))
}

// CreateFactor adds a factor and returns its key as 64 hex characters.
// A factor at the active factor's share index receives a copy of the
// active share; any other index refreshes every factor's share.
func (e *Engine) CreateFactor(ctx context.Context, p *CreateFactorParams) (key string, err error) {
	ctx = opContext(ctx, metrics.OpCreateFactor)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpCreateFactor, start, err) }()

	if p == nil {
		return "", fmt.Errorf("%w: missing params", ErrInvalidShareType)
	}
	if !p.ShareType.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidShareType, int(p.ShareType))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return "", err
	}
	factorKey := p.FactorKey
	if factorKey == nil {
		if factorKey, err = curve.RandomScalar(curve.Secp256k1(), e.opts.Random); err != nil {
			return "", err
		}
	} else if err := validFactorKey(factorKey); err != nil {
		return "", err
	}
	module := p.Module
	if module == "" {
		module = defaultModule(p.ShareType)
	}
	if err := e.createFactor(ctx, p.ShareType, factorKey, module, p.Metadata); err != nil {
		return "", err
	}
	return curve.HexScalar(factorKey), nil
}

func defaultModule(t tss.ShareType) string {
	switch t {
	case tss.ShareDevice:
		return ModuleDevice
	case tss.ShareRecovery:
		return ModuleRecovery
	}
	return ModuleOther
}

func (e *Engine) createFactor(ctx context.Context, shareType tss.ShareType, factorKey *big.Int, module string, meta map[string]string) error {
	pub := metadata.StoreKey(factorKey)
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return err
	}
	if acct.hasFactor(pub) {
		return factorError(pub, ErrFactorExists)
	}
	if len(acct.FactorPubs) >= MaxFactors {
		return fmt.Errorf("%w: %d", ErrMaxFactorsReached, MaxFactors)
	}
	active, err := e.readBackup(ctx, e.state.FactorKey)
	if err != nil {
		return err
	}

	scope := e.adapter.Begin()
	defer scope.End()

	next := acct.clone()
	next.FactorPubs = append(next.FactorPubs, pub)
	share := e.state.TSSShare
	if shareType == e.state.TSSShareIndex {
		ct, err := encryptShare(e.opts.Random, e.curve, pub, share)
		if err != nil {
			return err
		}
		next.FactorEncs[pub] = &FactorEnc{TSSIndex: int(shareType), Nonce: next.TSSNonce, Share: ct}
	} else {
		next.FactorEncs[pub] = &FactorEnc{TSSIndex: int(shareType)}
		if share, err = e.refresh(ctx, next); err != nil {
			return err
		}
	}
	if err := next.describe(pub, ShareDescription{
		Module:        module,
		TSSShareIndex: int(shareType),
		DateAdded:     e.opts.Now().Unix(),
		Metadata:      meta,
	}); err != nil {
		return err
	}

	if err := e.adapter.WriteJSON(ctx, factorKey, &factorBackup{
		Share:          active.Share,
		MetadataPubKey: e.state.MetadataPubKey,
		TSSIndex:       int(shareType),
	}); err != nil {
		return err
	}
	if err := e.writeAccount(ctx, next); err != nil {
		return err
	}
	if err := scope.Commit(ctx); err != nil {
		return err
	}

	e.state = e.state.withShare(share)
	metrics.SetFactorsTotal(string(e.opts.KeyType), len(next.FactorPubs))
	metrics.SetPendingTransitions(e.adapter.Pending())
	e.logger.InfoContext(ctx, "factor created",
		logger.String("factorPub", pub),
		logger.String("shareType", shareType.String()),
		logger.String("module", module))
	return nil
}

// DeleteFactor removes a factor and refreshes the remaining shares.
// When factorKey is supplied its metadata backup is deleted too.
func (e *Engine) DeleteFactor(ctx context.Context, factorPub string, factorKey *big.Int) (err error) {
	ctx = opContext(ctx, metrics.OpDeleteFactor)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpDeleteFactor, start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	return e.deleteFactor(ctx, factorPub, factorKey)
}

func (e *Engine) deleteFactor(ctx context.Context, pub string, factorKey *big.Int) error {
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return err
	}
	if !acct.hasFactor(pub) {
		return factorError(pub, ErrFactorNotPresent)
	}
	if len(acct.FactorPubs) <= 1 {
		return ErrCannotDeleteLastFactor
	}
	if pub == metadata.StoreKey(e.state.FactorKey) {
		return ErrCannotDeleteActiveFactor
	}
	if factorKey != nil && metadata.StoreKey(factorKey) != pub {
		return factorError(pub, fmt.Errorf("%w: key does not match", ErrInvalidFactor))
	}

	scope := e.adapter.Begin()
	defer scope.End()

	next := acct.clone()
	next.removeFactor(pub)
	share, err := e.refresh(ctx, next)
	if err != nil {
		return err
	}
	if err := e.writeAccount(ctx, next); err != nil {
		return err
	}
	if factorKey != nil {
		if err := e.adapter.Delete(ctx, factorKey); err != nil {
			return err
		}
	}
	if err := scope.Commit(ctx); err != nil {
		return err
	}

	e.state = e.state.withShare(share)
	x := accountX(e.state.MetadataPubKey)
	if local, err := e.device.factor(x); err == nil && local != nil && metadata.StoreKey(local) == pub {
		if err := e.device.setFactor(x, nil); err != nil {
			e.logger.WarnContext(ctx, "failed to clear device factor", logger.Error(err))
		}
	}
	metrics.SetFactorsTotal(string(e.opts.KeyType), len(next.FactorPubs))
	metrics.SetPendingTransitions(e.adapter.Pending())
	e.logger.InfoContext(ctx, "factor deleted", logger.String("factorPub", pub))
	return nil
}

// refresh reshares the key with the nodes at a new nonce. Every factor
// in acct receives a fresh share for its index and acct moves to the new
// nonce. The nodes keep the old nonce until acct is flushed, so a failed
// flush leaves the committed metadata usable. It must run inside an
// atomic scope. It returns the active factor's new share.
func (e *Engine) refresh(ctx context.Context, acct *AccountMetadata) (share *big.Int, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpRefresh, start, err) }()

	c := e.curve
	index := int(e.state.TSSShareIndex)
	lambda, err := curve.LagrangeCoefficientFor(c, []int{curve.ServerIndex, index}, index, 0)
	if err != nil {
		return nil, err
	}
	additive := curve.Mod(c, new(big.Int).Mul(lambda, e.state.TSSShare))
	slope, err := curve.RandomScalar(c, e.opts.Random)
	if err != nil {
		return nil, err
	}
	eval := func(x int) *big.Int {
		v := new(big.Int).Mul(slope, big.NewInt(int64(x)))
		return curve.Mod(c, v.Add(v, additive))
	}

	targets := acct.indexes()
	resp, err := e.opts.Nodes.Refresh(ctx, &tss.RefreshRequest{
		Account:            e.accountID(),
		Nonce:              acct.TSSNonce,
		ClientIndex:        index,
		ClientContribution: eval(curve.ServerIndex),
		Targets:            targets,
		Signatures:         e.state.Signatures,
	})
	if err != nil {
		return nil, fmt.Errorf("mpc: refresh: %w", err)
	}
	tssPub, err := curve.DecodePointHex(c, acct.TSSPubKey)
	if err != nil {
		return nil, err
	}

	shares := make(map[int]*big.Int, len(targets))
	for _, t := range targets {
		part, ok := resp.Shares[t]
		if !ok {
			return nil, fmt.Errorf("%w: no refreshed share for index %d", ErrKeyVerification, t)
		}
		s := curve.Mod(c, new(big.Int).Add(eval(t), part))
		if err := verifyShare(c, resp.ServerPubKey, t, s, tssPub); err != nil {
			return nil, fmt.Errorf("mpc: refreshed share %d: %w", t, err)
		}
		shares[t] = s
	}
	for _, pub := range acct.FactorPubs {
		enc := acct.FactorEncs[pub]
		ct, err := encryptShare(e.opts.Random, c, pub, shares[enc.TSSIndex])
		if err != nil {
			return nil, err
		}
		enc.Share = ct
		enc.Nonce = resp.Nonce
	}
	acct.TSSNonce = resp.Nonce
	acct.ServerPubKey = curve.PointHex(resp.ServerPubKey)

	active, ok := shares[index]
	if !ok {
		return nil, fmt.Errorf("%w: active share missing", ErrKeyVerification)
	}
	e.adapter.OnSync(ctx, e.pruneNonces(e.accountID(), resp.Nonce, e.state.Signatures))
	e.logger.DebugContext(ctx, "shares refreshed",
		logger.Int("nonce", resp.Nonce),
		logger.Ints("indexes", targets))
	return active, nil
}
