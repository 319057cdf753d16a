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
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/crypto/ecies"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

// JWTLoginParams logs in with an id token.
type JWTLoginParams struct {
	Verifier   string
	VerifierID string
	IDToken    string

	// SubVerifiers makes the login an aggregate login under Verifier.
	SubVerifiers []identity.SubVerifier

	// ImportTSSKey imports key material into a new account: a hex
	// secp256k1 scalar or a hex 32 byte ed25519 seed.
	ImportTSSKey string
}

// OAuthMode selects how the authorization step is driven.
type OAuthMode int

const (
	// OAuthPopup completes the login in one call through Authorize
	OAuthPopup OAuthMode = iota

	// OAuthRedirect returns the authorization URL; the login completes
	// in HandleRedirectResult
	OAuthRedirect
)

// OAuthLoginParams logs in through the configured OAuth flow.
type OAuthLoginParams struct {
	Mode OAuthMode

	// Authorize sends the user to authURL and returns the URL the
	// provider redirected back to. Popup mode only. It must not call
	// the engine.
	Authorize func(ctx context.Context, authURL string) (redirectURL string, err error)

	// ImportTSSKey is as in JWTLoginParams. Popup mode only.
	ImportTSSKey string
}

// identityError wraps an identity provider failure. Too few node
// responses become ErrInsufficientShares.
func identityError(err error) error {
	if errors.Is(err, identity.ErrInsufficientShares) {
		return fmt.Errorf("%w: %v", ErrInsufficientShares, err)
	}
	return fmt.Errorf("mpc: identity login: %w", err)
}

func (e *Engine) beginLogin() error {
	if err := e.requireReady(); err != nil {
		return err
	}
	if e.state.Status != StatusNotInitialized {
		return ErrAlreadyLoggedIn
	}
	return nil
}

// LoginWithJWT logs in with an id token. A new identity gets a new
// account and ends LOGGED_IN. An existing identity is unlocked with the
// hashed factor or the device factor when possible, otherwise the
// status is REQUIRED_SHARE.
func (e *Engine) LoginWithJWT(ctx context.Context, p *JWTLoginParams) (err error) {
	ctx = opContext(ctx, metrics.OpLogin)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpLogin, start, err) }()

	if p == nil {
		return fmt.Errorf("mpc: identity login: %w", identity.ErrInvalidToken)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.beginLogin(); err != nil {
		return err
	}
	resp, err := e.opts.Identity.Login(ctx, &identity.LoginRequest{
		Verifier:     p.Verifier,
		VerifierID:   p.VerifierID,
		IDToken:      p.IDToken,
		SubVerifiers: p.SubVerifiers,
	})
	if err != nil {
		return identityError(err)
	}
	return e.login(ctx, resp, p.ImportTSSKey)
}

// LoginWithOAuth starts an OAuth login. In popup mode the login
// completes before it returns; in redirect mode it returns the
// authorization URL and stores the pending state on the device.
func (e *Engine) LoginWithOAuth(ctx context.Context, p *OAuthLoginParams) (authURL string, err error) {
	ctx = opContext(ctx, metrics.OpLogin)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpLogin, start, err) }()

	if e.opts.OAuth == nil {
		return "", ErrOAuthNotConfigured
	}
	if p == nil {
		p = &OAuthLoginParams{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.beginLogin(); err != nil {
		return "", err
	}
	req, err := e.opts.OAuth.Start()
	if err != nil {
		return "", fmt.Errorf("mpc: oauth start: %w", err)
	}

	if p.Mode == OAuthRedirect {
		if p.ImportTSSKey != "" {
			return "", fmt.Errorf("%w: key import with redirect login", ErrUnsupported)
		}
		if err := e.device.setOAuth(&oauthState{
			State:        req.State,
			CodeVerifier: req.CodeVerifier,
			Verifier:     e.opts.OAuth.Verifier(),
		}); err != nil {
			return "", err
		}
		e.logger.DebugContext(ctx, "oauth redirect started")
		return req.URL, nil
	}

	if p.Authorize == nil {
		return "", fmt.Errorf("%w: popup login needs an authorize callback", ErrOAuthNotConfigured)
	}
	redirectURL, err := p.Authorize(ctx, req.URL)
	if err != nil {
		return "", fmt.Errorf("mpc: oauth authorize: %w", err)
	}
	return "", e.completeOAuth(ctx, redirectURL, req.State, req.CodeVerifier, p.ImportTSSKey)
}

// HandleRedirectResult completes a redirect mode OAuth login.
func (e *Engine) HandleRedirectResult(ctx context.Context, redirectURL string) (err error) {
	ctx = opContext(ctx, metrics.OpLogin)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpLogin, start, err) }()

	if e.opts.OAuth == nil {
		return ErrOAuthNotConfigured
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.beginLogin(); err != nil {
		return err
	}
	pending, err := e.device.takeOAuth()
	if err != nil {
		return err
	}
	if pending == nil {
		return ErrNoPendingOAuth
	}
	if pending.Verifier != e.opts.OAuth.Verifier() {
		return fmt.Errorf("%w: pending login is for verifier %q", ErrOAuthStateMismatch, pending.Verifier)
	}
	return e.completeOAuth(ctx, redirectURL, pending.State, pending.CodeVerifier, "")
}

func (e *Engine) completeOAuth(ctx context.Context, redirectURL, state, codeVerifier, importKey string) error {
	code, got, err := identity.ParseRedirect(redirectURL)
	if err != nil {
		return identityError(err)
	}
	if got != state {
		return ErrOAuthStateMismatch
	}
	resp, err := e.opts.OAuth.Complete(ctx, code, codeVerifier)
	if err != nil {
		return identityError(err)
	}
	return e.login(ctx, resp, importKey)
}

// login runs the account part of a login. On failure the engine is
// left logged out.
func (e *Engine) login(ctx context.Context, resp identity.Response, importKey string) error {
	res, err := resp.Normalize()
	if err != nil {
		return identityError(err)
	}
	e.state = withLogin(res)
	e.setPrincipal(res.UserInfo)
	if err := e.loginAccount(ctx, importKey); err != nil {
		e.adapter.Discard()
		e.state = State{}
		return err
	}
	e.logger.InfoContext(ctx, "login complete",
		logger.String("verifier", res.UserInfo.Verifier),
		logger.String("verifierId", res.UserInfo.VerifierID),
		logger.String("status", e.state.Status.String()))
	return nil
}

func (e *Engine) loginAccount(ctx context.Context, importKey string) error {
	social, err := e.readSocial(ctx)
	switch {
	case errors.Is(err, metadata.ErrKeyNotFound):
		return e.newUser(ctx, importKey)
	case err != nil:
		return fmt.Errorf("mpc: read account: %w", err)
	}
	if importKey != "" {
		return ErrImportOnExistingUser
	}
	return e.existingUser(ctx, social)
}

// keyMaterial is a freshly created TSS key.
type keyMaterial struct {
	share         *big.Int
	serverPub     curve.Point
	tssPub        curve.Point
	encryptedSeed []byte
}

func (e *Engine) newUser(ctx context.Context, importKey string) error {
	secp := curve.Secp256k1()
	var factorKey *big.Int
	var err error
	module := ModuleHashed
	if e.opts.DisableHashedFactorKey {
		module = ModuleDevice
		if factorKey, err = curve.RandomScalar(secp, e.opts.Random); err != nil {
			return err
		}
	} else {
		factorKey = hashedFactorKey(e.state.PostboxKey, e.opts.HashedFactorNonce)
	}

	metadataKey, err := curve.RandomScalar(secp, e.opts.Random)
	if err != nil {
		return err
	}
	metadataPub := metadata.StoreKey(metadataKey)
	shares, err := shamir.Split(secp.EncodeScalar(metadataKey), 2, 2, metadataPub)
	if err != nil {
		return fmt.Errorf("mpc: split metadata key: %w", err)
	}

	key, err := e.generateKey(ctx, metadataKey, importKey)
	if err != nil {
		return err
	}
	index := tss.ShareDevice
	factorPub := metadata.StoreKey(factorKey)
	ct, err := encryptShare(e.opts.Random, e.curve, factorPub, key.share)
	if err != nil {
		return err
	}
	acct := &AccountMetadata{
		KeyType:      e.opts.KeyType,
		TSSTag:       e.opts.TSSTag,
		TSSPubKey:    curve.PointHex(key.tssPub),
		ServerPubKey: curve.PointHex(key.serverPub),
		FactorPubs:   []string{factorPub},
		FactorEncs: map[string]*FactorEnc{
			factorPub: {TSSIndex: int(index), Share: ct},
		},
		ShareDescriptions: make(map[string][]string),
		EncryptedSeed:     key.encryptedSeed,
	}
	if err := acct.describe(factorPub, ShareDescription{
		Module:        module,
		TSSShareIndex: int(index),
		DateAdded:     e.opts.Now().Unix(),
	}); err != nil {
		return err
	}

	scope := e.adapter.Begin()
	defer scope.End()
	if err := e.adapter.WriteJSON(ctx, e.state.PostboxKey, &socialRecord{
		Share:          shares[0],
		MetadataPubKey: metadataPub,
	}); err != nil {
		return err
	}
	if err := e.adapter.WriteJSON(ctx, factorKey, &factorBackup{
		Share:          shares[1],
		MetadataPubKey: metadataPub,
		TSSIndex:       int(index),
	}); err != nil {
		return err
	}
	if err := e.adapter.WriteJSON(ctx, metadataKey, acct); err != nil {
		return err
	}
	if err := scope.Commit(ctx); err != nil {
		return fmt.Errorf("mpc: create account: %w", err)
	}

	if e.opts.DisableHashedFactorKey {
		if err := e.device.setFactor(accountX(metadataPub), factorKey); err != nil {
			return err
		}
	}
	e.logger.InfoContext(ctx, "account created",
		logger.String("metadataPubKey", metadataPub),
		logger.Bool("imported", importKey != "" || e.opts.KeyType == tss.KeyEd25519))

	e.state = e.state.initialized(metadataPub, shares[0])
	return e.inputFactor(ctx, factorKey, true)
}

// generateKey creates the account key. secp256k1 keys come from a node
// DKG commitment and a random client share unless imported; ed25519
// keys are always imported from a seed so the seed can be exported.
func (e *Engine) generateKey(ctx context.Context, metadataKey *big.Int, importKey string) (*keyMaterial, error) {
	c := e.curve
	index := int(tss.ShareDevice)
	out := &keyMaterial{}

	var secret *big.Int
	var err error
	switch {
	case e.opts.KeyType == tss.KeyEd25519:
		seed := make([]byte, 32)
		if importKey != "" {
			if seed, err = hex.DecodeString(strings.TrimPrefix(importKey, "0x")); err != nil || len(seed) != 32 {
				return nil, fmt.Errorf("%w: ed25519 seed must be 32 hex encoded bytes", ErrInvalidImportKey)
			}
		} else if _, err := io.ReadFull(e.opts.Random, seed); err != nil {
			return nil, err
		}
		if secret, err = curve.Ed25519SeedScalar(seed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImportKey, err)
		}
		metadataPub := curve.PrivateKey(metadataKey).PubKey()
		if out.encryptedSeed, err = ecies.Encrypt(e.opts.Random, metadataPub, seed, []byte(metadata.StoreKey(metadataKey))); err != nil {
			return nil, err
		}

	case importKey != "":
		if secret, err = curve.ParseHexScalar(c, importKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImportKey, err)
		}

	default:
		serverPub, err := e.opts.Nodes.DKGPublicKey(ctx, &tss.DKGRequest{
			Account:    e.accountID(),
			Signatures: e.state.Signatures,
		})
		if err != nil {
			return nil, fmt.Errorf("mpc: dkg: %w", err)
		}
		share, err := curve.RandomScalar(c, e.opts.Random)
		if err != nil {
			return nil, err
		}
		tssPub, err := curve.InterpolatePoints(c, []int{curve.ServerIndex, index},
			[]curve.Point{serverPub, c.ScalarBaseMult(share)}, 0)
		if err != nil {
			return nil, err
		}
		out.share, out.serverPub, out.tssPub = share, serverPub, tssPub
		return out, nil
	}

	// split the imported secret over the server and client indexes
	slope, err := curve.RandomScalar(c, e.opts.Random)
	if err != nil {
		return nil, err
	}
	at := func(x int) *big.Int {
		v := new(big.Int).Mul(slope, big.NewInt(int64(x)))
		return curve.Mod(c, v.Add(v, secret))
	}
	serverShare := at(curve.ServerIndex)
	serverPub, err := e.opts.Nodes.ImportKey(ctx, &tss.ImportRequest{
		Account:     e.accountID(),
		ServerShare: serverShare,
		Signatures:  e.state.Signatures,
	})
	if err != nil {
		return nil, fmt.Errorf("mpc: import key: %w", err)
	}
	if !serverPub.Equal(c.ScalarBaseMult(serverShare)) {
		return nil, fmt.Errorf("%w: server commitment", ErrKeyVerification)
	}
	out.share = at(index)
	out.serverPub = serverPub
	out.tssPub = c.ScalarBaseMult(secret)
	return out, nil
}

// existingUser tries the hashed factor, then the device factor.
func (e *Engine) existingUser(ctx context.Context, social *socialRecord) error {
	e.state = e.state.initialized(social.MetadataPubKey, social.Share)

	type candidate struct {
		name string
		key  *big.Int
	}
	var candidates []candidate
	if !e.opts.DisableHashedFactorKey {
		candidates = append(candidates, candidate{ModuleHashed, hashedFactorKey(e.state.PostboxKey, e.opts.HashedFactorNonce)})
	}
	local, err := e.device.factor(accountX(social.MetadataPubKey))
	if err != nil {
		e.logger.WarnContext(ctx, "failed to read device factor", logger.Error(err))
	} else if local != nil {
		candidates = append(candidates, candidate{ModuleDevice, local})
	}

	for _, cand := range candidates {
		err := e.inputFactor(ctx, cand.key, true)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrFactorNotPresent) && !errors.Is(err, ErrInvalidFactor) && !errors.Is(err, ErrKeyVerification) {
			return err
		}
		e.logger.DebugContext(ctx, "factor not usable", logger.String("factor", cand.name), logger.Error(err))
	}

	e.state = e.state.requiredShare()
	e.logger.InfoContext(ctx, "additional factor required")
	return nil
}
