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

package identity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"golang.org/x/crypto/hkdf"
)

// JWTProviderConfig configures a JWTProvider.
type JWTProviderConfig struct {
	// Keyfunc resolves the key that verifies id tokens (required)
	Keyfunc jwt.Keyfunc

	// Issuer is the expected id token issuer (optional)
	Issuer string

	// Audience is the expected id token audience (optional)
	Audience string

	// VerifierIDClaim names the claim holding the verifier id.
	// Defaults to "sub".
	VerifierIDClaim string

	// MasterSecret derives postbox keys (required)
	MasterSecret []byte

	// SigningKey signs node signatures (required)
	SigningKey []byte

	// Nodes is the number of key nodes. Defaults to 5.
	Nodes int

	// Threshold is the number of nodes a login needs. Defaults to 3.
	Threshold int

	// SignatureTTL is the lifetime of node signatures. Defaults to 24h.
	SignatureTTL time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// JWTProvider is an in-process identity provider. It verifies id tokens,
// derives postbox keys from a master secret and issues short lived node
// signatures as HMAC JWTs.
type JWTProvider struct {
	cfg JWTProviderConfig

	mu        sync.RWMutex
	available int
}

// NewJWTProvider returns a provider with every node available.
func NewJWTProvider(cfg *JWTProviderConfig) (*JWTProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	c := *cfg
	if c.Keyfunc == nil {
		return nil, fmt.Errorf("%w: keyfunc is required", ErrInvalidConfig)
	}
	if len(c.MasterSecret) == 0 || len(c.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: master secret and signing key are required", ErrInvalidConfig)
	}
	if c.VerifierIDClaim == "" {
		c.VerifierIDClaim = "sub"
	}
	if c.Nodes == 0 {
		c.Nodes = 5
	}
	if c.Threshold == 0 {
		c.Threshold = 3
	}
	if c.Threshold > c.Nodes {
		return nil, fmt.Errorf("%w: threshold %d exceeds %d nodes", ErrInvalidConfig, c.Threshold, c.Nodes)
	}
	if c.SignatureTTL == 0 {
		c.SignatureTTL = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &JWTProvider{cfg: c, available: c.Nodes}, nil
}

// SetAvailableNodes sets how many nodes answer logins.
func (p *JWTProvider) SetAvailableNodes(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = n
}

func (p *JWTProvider) Login(ctx context.Context, req *LoginRequest) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.Verifier == "" || req.VerifierID == "" {
		return nil, fmt.Errorf("%w: verifier and verifier id are required", ErrInvalidToken)
	}

	p.mu.RLock()
	available := p.available
	p.mu.RUnlock()
	if available < p.cfg.Threshold {
		return nil, fmt.Errorf("%w: %d of %d nodes responded, need %d",
			ErrInsufficientShares, available, p.cfg.Nodes, p.cfg.Threshold)
	}

	if len(req.SubVerifiers) > 0 {
		return p.loginAggregate(req, available)
	}

	claims, err := p.verify(req.IDToken, req.VerifierID)
	if err != nil {
		return nil, err
	}
	postbox, err := p.postboxKey(req.Verifier, req.VerifierID)
	if err != nil {
		return nil, err
	}
	sigs, nodes, err := p.sign(req.Verifier, req.VerifierID, available)
	if err != nil {
		return nil, err
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &JWTResponse{
		FinalKey:    curve.HexScalar(postbox),
		Signatures:  sigs,
		NodeIndexes: nodes,
		UserInfo: UserInfo{
			Verifier:    req.Verifier,
			VerifierID:  req.VerifierID,
			Email:       email,
			Name:        name,
			TypeOfLogin: LoginJWT,
		},
	}, nil
}

func (p *JWTProvider) loginAggregate(req *LoginRequest, available int) (Response, error) {
	subs := make([]string, 0, len(req.SubVerifiers))
	var email, name string
	for _, sv := range req.SubVerifiers {
		claims, err := p.verify(sv.IDToken, req.VerifierID)
		if err != nil {
			return nil, fmt.Errorf("sub verifier %s: %w", sv.Verifier, err)
		}
		if email == "" {
			email, _ = claims["email"].(string)
		}
		if name == "" {
			name, _ = claims["name"].(string)
		}
		subs = append(subs, sv.Verifier)
	}
	postbox, err := p.postboxKey(req.Verifier, req.VerifierID)
	if err != nil {
		return nil, err
	}
	sigs, nodes, err := p.sign(req.Verifier, req.VerifierID, available)
	if err != nil {
		return nil, err
	}
	return &AggregateResponse{
		AggregateVerifier: req.Verifier,
		VerifierID:        req.VerifierID,
		SubVerifiers:      subs,
		FinalKey:          curve.HexScalar(postbox),
		Signatures:        sigs,
		NodeIndexes:       nodes,
		Email:             email,
		Name:              name,
	}, nil
}

// verify checks the id token and that it names verifierID.
func (p *JWTProvider) verify(idToken, verifierID string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(p.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if p.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}

	token, err := jwt.Parse(idToken, p.cfg.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	id, _ := claims[p.cfg.VerifierIDClaim].(string)
	if id != verifierID {
		return nil, ErrVerifierMismatch
	}
	return claims, nil
}

// postboxKey derives the identity bound secp256k1 scalar.
func (p *JWTProvider) postboxKey(verifier, verifierID string) (*big.Int, error) {
	r := hkdf.New(sha256.New, p.cfg.MasterSecret, []byte(verifier), []byte(verifierID))
	buf := make([]byte, 48)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	n := curve.Secp256k1().Order()
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	return k.Add(k, big.NewInt(1)), nil
}

// sign issues one freshness signature per answering node.
func (p *JWTProvider) sign(verifier, verifierID string, available int) ([]string, []int, error) {
	now := p.cfg.Now()
	sigs := make([]string, 0, available)
	nodes := make([]int, 0, available)
	for i := 1; i <= available; i++ {
		claims := jwt.RegisteredClaims{
			Issuer:    fmt.Sprintf("node-%d", i),
			Subject:   verifier + ":" + verifierID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.SignatureTTL)),
		}
		sig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.SigningKey)
		if err != nil {
			return nil, nil, fmt.Errorf("sign node %d: %w", i, err)
		}
		sigs = append(sigs, sig)
		nodes = append(nodes, i)
	}
	return sigs, nodes, nil
}

// VerifySignatures reports whether at least one node signature is
// authentic and unexpired. It is the authorizer signing nodes use.
func (p *JWTProvider) VerifySignatures(signatures []string) error {
	for _, sig := range signatures {
		_, err := jwt.Parse(sig, func(t *jwt.Token) (any, error) {
			return p.cfg.SigningKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(p.cfg.Now), jwt.WithExpirationRequired())
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no valid node signature", ErrInvalidToken)
}

// HMACKeyfunc returns a keyfunc accepting HS256 tokens signed with secret.
func HMACKeyfunc(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}
}

// IssueIDToken signs an HS256 id token for subject. It stands in for an
// identity provider in the demo and the tests.
func IssueIDToken(secret []byte, issuer, subject string, extra map[string]any, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
